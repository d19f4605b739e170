package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MrWong99/talescribe/internal/credential"
	"github.com/MrWong99/talescribe/internal/story"
	"github.com/MrWong99/talescribe/internal/transcript"
	"github.com/MrWong99/talescribe/internal/voice"
)

// ── story ─────────────────────────────────────────────────────────────────────

func (c *cli) storyCmd() *cobra.Command {
	var style, query string
	cmd := &cobra.Command{
		Use:   "story <transcript.srt|transcript.txt>",
		Short: "Narrate a transcript as a story, or answer a question about it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := readTranscriptFile(args[0])
			if err != nil {
				return err
			}
			svc, err := c.storyService(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if query == "" {
				text, err := svc.Narrate(cmd.Context(), t, style)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, text)
				return nil
			}
			a, err := svc.Analyze(cmd.Context(), t, query)
			if err != nil {
				return err
			}
			printAnalysis(out, a)
			return nil
		},
	}
	cmd.Flags().StringVar(&style, "style", "", "narrative style (default story.style)")
	cmd.Flags().StringVarP(&query, "query", "q", "", "analyse the transcript with this question instead of narrating")
	return cmd
}

func readTranscriptFile(path string) (*transcript.Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return transcript.Parse(filepath.Base(path), f)
}

func printAnalysis(w io.Writer, a *story.Analysis) {
	fmt.Fprintln(w, a.AnalysisText)
	if len(a.Timeframes) == 0 {
		return
	}
	fmt.Fprintln(w)
	for _, tf := range a.Timeframes {
		fmt.Fprintf(w, "  %s-%s  %s\n", tf.StartTime, tf.EndTime, tf.Description)
	}
}

// ── speak ─────────────────────────────────────────────────────────────────────

func (c *cli) speakCmd() *cobra.Command {
	var (
		voiceName string
		outPath   string
		play      bool
	)
	cmd := &cobra.Command{
		Use:   "speak [text...]",
		Short: "Synthesise text to a WAV file or play it locally",
		Long: `Speak synthesises the given text, or standard input when no text is
given, and writes it as 16-bit PCM WAV. With --play the audio is rendered on
the configured output device instead of (or as well as) being written.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			text, err := textArg(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if outPath == "" && !play {
				outPath = "speech.wav"
			}

			a, err := c.newApp(nil)
			if err != nil {
				return err
			}
			defer a.Shutdown(context.Background())
			svc, err := a.Story(ctx)
			if err != nil {
				return err
			}
			sp, err := svc.Speak(ctx, text, voiceName)
			if err != nil {
				return err
			}

			if outPath != "" {
				if err := os.WriteFile(outPath, sp.WAV, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", outPath, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s, %d Hz)\n", outPath, sp.Duration.Round(time.Millisecond), sp.SampleRate)
			}
			if play {
				return a.Play(ctx, sp)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&voiceName, "voice", "", "voice name (default story.voice)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", `output WAV file (default "speech.wav" unless --play)`)
	cmd.Flags().BoolVar(&play, "play", false, "play the audio on the output device")
	return cmd
}

// textArg joins args, or reads r when there are none.
func textArg(args []string, r io.Reader) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}
	b, err := io.ReadAll(io.LimitReader(r, transcript.MaxSize))
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(b), nil
}

// ── search ────────────────────────────────────────────────────────────────────

func (c *cli) searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <prompt...>",
		Short: "Answer a prompt with web search grounding",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.storyService(cmd.Context())
			if err != nil {
				return err
			}
			res, err := svc.Search(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, res.Text)
			if len(res.Sources) > 0 {
				fmt.Fprintln(out, "\nSources:")
				for i, s := range res.Sources {
					title := s.Title
					if title == "" {
						title = s.URI
					}
					fmt.Fprintf(out, "  [%d] %s\n      %s\n", i+1, title, s.URI)
				}
			}
			return nil
		},
	}
}

// storyService builds a one-shot application and returns its story service.
func (c *cli) storyService(ctx context.Context) (*story.Service, error) {
	a, err := c.newApp(nil)
	if err != nil {
		return nil, err
	}
	return a.Story(ctx)
}

// ── talk ──────────────────────────────────────────────────────────────────────

func (c *cli) talkCmd() *cobra.Command {
	var backend, inFile, outFile string
	cmd := &cobra.Command{
		Use:   "talk",
		Short: "Hold a live voice conversation until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d := &c.cfg.Voice.Device
			if backend != "" {
				d.Backend = backend
			}
			if inFile != "" {
				d.InputFile = inFile
				if backend == "" {
					d.Backend = "file"
				}
			}
			if outFile != "" {
				d.OutputFile = outFile
			}
			return c.runTalk(cmd.Context(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", `audio backend: "portaudio", "file" or "null"`)
	cmd.Flags().StringVar(&inFile, "input", "", "WAV file used as microphone (implies --backend file)")
	cmd.Flags().StringVar(&outFile, "record", "", "record the model audio to this WAV file (file and null backends)")
	return cmd
}

func (c *cli) runTalk(ctx context.Context, out io.Writer) error {
	a, err := c.newApp(nil)
	if err != nil {
		return err
	}
	defer a.Shutdown(context.Background())

	sm := a.Sessions()
	info, err := sm.Start(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Session %s started with %s. Press Ctrl+C to end.\n", info.SessionID, info.Model)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	done := sm.Done()
	printed := 0
	for {
		select {
		case <-ctx.Done():
			if err := sm.Stop(); err != nil {
				return err
			}
			printMessages(out, sm.Status().Messages, printed)
			fmt.Fprintln(out, "Session ended.")
			return nil
		case <-done:
			st := sm.Status()
			printMessages(out, st.Messages, printed)
			if st.Error != "" {
				return fmt.Errorf("session ended: %s", st.Error)
			}
			fmt.Fprintln(out, "Session ended.")
			return nil
		case <-ticker.C:
			printed = printMessages(out, sm.Status().Messages, printed)
		}
	}
}

// printMessages writes the messages after the first n and returns the new
// count.
func printMessages(w io.Writer, msgs []voice.ChatMessage, n int) int {
	if n > len(msgs) {
		n = 0
	}
	for _, m := range msgs[n:] {
		who := "You"
		if m.Role == voice.RoleModel {
			who = "Model"
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", m.Timestamp.Format(time.TimeOnly), who, m.Content)
	}
	return len(msgs)
}

// ── key ───────────────────────────────────────────────────────────────────────

func (c *cli) keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Show where the API key is found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, source := c.credentials().Store().Key()
			if key == "" {
				return fmt.Errorf("%w: set %s, add it to an env file or run \"talescribe key set\"",
					credential.ErrNoCredential, credential.EnvVars[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (from %s)\n", maskKey(key), source)
			return nil
		},
	}
	cmd.AddCommand(c.keySetCmd())
	return cmd
}

func (c *cli) keySetCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Prompt for an API key and store it in an env file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store := credential.NewStore("", "")
			sel := credential.NewTerminalSelector(store, os.Stdin, cmd.ErrOrStderr())
			if err := sel.OpenSelectionDialog(cmd.Context()); err != nil {
				return err
			}
			key, _ := store.Key()
			if err := writeEnvKey(file, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s in %s\n", maskKey(key), file)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", ".env", "env file to write")
	return cmd
}

// writeEnvKey sets the first credential variable in path, keeping the other
// entries of an existing file.
func writeEnvKey(path, key string) error {
	vals, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read %s: %w", path, err)
		}
		vals = map[string]string{}
	}
	vals[credential.EnvVars[0]] = key
	if err := godotenv.Write(vals, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}

// maskKey keeps the first and last four characters.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
