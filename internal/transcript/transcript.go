// Package transcript parses uploaded subtitle and plain-text transcripts into
// the text handed to the story generators.
//
// Two formats are accepted, selected by file extension:
//
//   - .srt: SubRip subtitles. Cues are parsed into [Cue] values and rendered
//     compactly as "[HH:MM:SS] text" lines, which keeps timing information
//     while dropping the index and end-time noise.
//   - .txt: used verbatim.
//
// SRT parsing is lenient: blocks without a timing line are skipped, and a file
// whose cues cannot be parsed at all is treated as plain text.
package transcript

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MaxSize is the largest transcript accepted, in bytes.
const MaxSize = 5 << 20

var (
	// ErrUnsupportedFile is returned for any extension other than .srt and
	// .txt. Its message is shown to the user verbatim.
	ErrUnsupportedFile = errors.New("Please upload a .srt or .txt file.") //nolint:staticcheck // user-facing

	// ErrEmpty is returned when the file contains no text.
	ErrEmpty = errors.New("transcript: file is empty")

	// ErrTooLarge is returned when the file exceeds [MaxSize].
	ErrTooLarge = fmt.Errorf("transcript: file exceeds %d bytes", MaxSize)
)

// Format identifies the transcript file type.
type Format int

const (
	// FormatText is free-form text, passed to the generators as is.
	FormatText Format = iota
	// FormatSRT is a SubRip file of numbered, timed cues.
	FormatSRT
)

// String returns the file extension of the format without the dot.
func (f Format) String() string {
	switch f {
	case FormatSRT:
		return "srt"
	case FormatText:
		return "txt"
	default:
		return "unknown"
	}
}

// Cue is one SubRip subtitle entry.
type Cue struct {
	Index int           `json:"index"`
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// Transcript is a parsed upload.
type Transcript struct {
	Name   string
	Format Format

	// Raw is the file content with line endings normalised and any byte
	// order mark removed.
	Raw string

	// Cues holds the parsed subtitle entries. Nil for plain text and for SRT
	// files without a single valid cue.
	Cues []Cue
}

// FormatFor returns the format implied by a file name.
func FormatFor(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".srt":
		return FormatSRT, nil
	case ".txt":
		return FormatText, nil
	default:
		return 0, ErrUnsupportedFile
	}
}

// Parse reads a transcript named name from r.
func Parse(name string, r io.Reader) (*Transcript, error) {
	format, err := FormatFor(name)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(r, MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("transcript: read %s: %w", name, err)
	}
	if len(data) > MaxSize {
		return nil, ErrTooLarge
	}
	raw := normalise(data)
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmpty
	}

	t := &Transcript{Name: filepath.Base(name), Format: format, Raw: raw}
	if format == FormatSRT {
		t.Cues = ParseSRT(raw)
	}
	return t, nil
}

// Prompt returns the text passed to the generators: the compact cue
// rendering when cues are available, the raw text otherwise.
func (t *Transcript) Prompt() string {
	if len(t.Cues) == 0 {
		return strings.TrimSpace(t.Raw)
	}
	var b strings.Builder
	for i, c := range t.Cues {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s] %s", Timestamp(c.Start), c.Text)
	}
	return b.String()
}

// Duration returns the end time of the last cue, or zero for plain text.
func (t *Transcript) Duration() time.Duration {
	if len(t.Cues) == 0 {
		return 0
	}
	return t.Cues[len(t.Cues)-1].End
}

// Timestamp renders d as HH:MM:SS, truncating sub-second precision.
func Timestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, s/60%60, s%60)
}

var tagPattern = regexp.MustCompile(`</?[a-zA-Z][^>]*>|\{\\[^}]*\}`)

// ParseSRT parses SubRip content into cues. Blocks that lack a valid timing
// line are skipped.
func ParseSRT(s string) []Cue {
	var (
		cues  []Cue
		block []string
	)
	flush := func() {
		if c, ok := parseBlock(block); ok {
			if c.Index == 0 {
				c.Index = len(cues) + 1
			}
			cues = append(cues, c)
		}
		block = block[:0]
	}

	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 0, 64*1024), MaxSize)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			flush()
			continue
		}
		block = append(block, line)
	}
	flush()
	return cues
}

func parseBlock(lines []string) (Cue, bool) {
	var c Cue
	if len(lines) == 0 {
		return c, false
	}
	if n, err := strconv.Atoi(lines[0]); err == nil {
		c.Index = n
		lines = lines[1:]
	}
	if len(lines) == 0 {
		return c, false
	}
	start, end, ok := parseTiming(lines[0])
	if !ok {
		return c, false
	}
	c.Start, c.End = start, end

	text := make([]string, 0, len(lines)-1)
	for _, l := range lines[1:] {
		if l = strings.TrimSpace(tagPattern.ReplaceAllString(l, "")); l != "" {
			text = append(text, l)
		}
	}
	if len(text) == 0 {
		return c, false
	}
	c.Text = strings.Join(text, " ")
	return c, true
}

// parseTiming parses "00:00:01,000 --> 00:00:04,000". Trailing position
// settings after the end time are ignored.
func parseTiming(line string) (start, end time.Duration, ok bool) {
	from, to, found := strings.Cut(line, "-->")
	if !found {
		return 0, 0, false
	}
	fields := strings.Fields(to)
	if len(fields) == 0 {
		return 0, 0, false
	}
	var err error
	if start, err = parseTimestamp(strings.TrimSpace(from)); err != nil {
		return 0, 0, false
	}
	if end, err = parseTimestamp(fields[0]); err != nil {
		return 0, 0, false
	}
	if end < start {
		end = start
	}
	return start, end, true
}

// parseTimestamp accepts HH:MM:SS,mmm and MM:SS,mmm with either a comma or a
// dot before the milliseconds.
func parseTimestamp(s string) (time.Duration, error) {
	s = strings.Replace(s, ",", ".", 1)
	clock, frac, _ := strings.Cut(s, ".")
	parts := strings.Split(clock, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("transcript: bad timestamp %q", s)
	}
	var d time.Duration
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("transcript: bad timestamp %q", s)
		}
		d = d*60 + time.Duration(n)
	}
	d *= time.Second
	if frac != "" {
		if len(frac) > 3 {
			frac = frac[:3]
		}
		ms, err := strconv.Atoi(frac + strings.Repeat("0", 3-len(frac)))
		if err != nil {
			return 0, fmt.Errorf("transcript: bad timestamp %q", s)
		}
		d += time.Duration(ms) * time.Millisecond
	}
	return d, nil
}

func normalise(data []byte) string {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
