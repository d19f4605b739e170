// Command talescribe turns session transcripts into stories, answers
// questions about them, reads text aloud, runs grounded searches and holds a
// live voice conversation with a Gemini model.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/talescribe/internal/app"
	"github.com/MrWong99/talescribe/internal/config"
	"github.com/MrWong99/talescribe/internal/credential"
	"github.com/MrWong99/talescribe/internal/observe"
)

// defaultConfigPath is read when --config is not given. Its absence is not
// an error.
const defaultConfigPath = "talescribe.yaml"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "talescribe: %v\n", err)
		return 1
	}
	return 0
}

// cli holds the state shared by all subcommands once the root pre-run has
// loaded the configuration.
type cli struct {
	configPath string
	configRead bool

	level *slog.LevelVar
	log   *slog.Logger
	cfg   *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{level: new(slog.LevelVar)}
	root := &cobra.Command{
		Use:           "talescribe",
		Short:         "Narrate and analyse session transcripts and talk to a live voice model",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd.Flags().Changed("config"))
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", defaultConfigPath, "path to the YAML configuration file")
	root.AddCommand(
		c.serveCmd(),
		c.storyCmd(),
		c.speakCmd(),
		c.searchCmd(),
		c.talkCmd(),
		c.keyCmd(),
	)
	return root
}

// load reads the configuration and installs the logger. A missing default
// config file falls back to built-in defaults; a missing explicit one fails.
func (c *cli) load(explicit bool) error {
	cfg, err := config.Load(c.configPath)
	switch {
	case err == nil:
		c.configRead = true
	case errors.Is(err, os.ErrNotExist) && !explicit:
		cfg = config.Default()
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("config file %q not found", c.configPath)
	default:
		return err
	}
	c.cfg = cfg

	c.level.Set(cfg.Server.LogLevel.SlogLevel())
	c.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.level}))
	slog.SetDefault(c.log)

	if c.configRead {
		c.log.Debug("configuration loaded", "path", c.configPath)
	} else {
		c.log.Debug("no configuration file, using defaults", "path", c.configPath)
	}
	return nil
}

// credentials resolves the startup key and, when enabled, attaches the
// terminal prompt used once no key is found.
func (c *cli) credentials() *credential.Manager {
	creds := c.cfg.Credentials
	key, source := credential.Lookup(creds.APIKey, creds.EnvFiles...)
	store := credential.NewStore(key, source)
	if key != "" {
		c.log.Debug("api key found", "source", source)
	}

	var sel credential.Selector
	if creds.Prompt {
		sel = credential.NewTerminalSelector(store, os.Stdin, os.Stderr)
	}
	return credential.NewManager(store, sel, c.log)
}

// newApp builds the application with the built-in providers.
func (c *cli) newApp(metrics *observe.Metrics) (*app.App, error) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, c.log)

	opts := []app.Option{app.WithLogger(c.log), app.WithLevelVar(c.level)}
	if metrics != nil {
		opts = append(opts, app.WithMetrics(metrics))
	}
	a, err := app.New(c.cfg, reg, c.credentials(), opts...)
	if err != nil {
		return nil, fmt.Errorf("initialise application: %w", err)
	}
	return a, nil
}
