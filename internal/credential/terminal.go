package credential

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// TerminalSelector asks for a key on the controlling terminal without
// echoing it.
type TerminalSelector struct {
	store *Store
	in    *os.File
	out   io.Writer

	isTerminal   func(fd int) bool
	readPassword func(fd int) ([]byte, error)
}

var _ Selector = (*TerminalSelector)(nil)

// NewTerminalSelector returns a selector reading from in and prompting on
// out. The chosen key is written to store.
func NewTerminalSelector(store *Store, in *os.File, out io.Writer) *TerminalSelector {
	return &TerminalSelector{
		store:        store,
		in:           in,
		out:          out,
		isTerminal:   term.IsTerminal,
		readPassword: term.ReadPassword,
	}
}

// HasSelectedKey implements [Selector].
func (s *TerminalSelector) HasSelectedKey(context.Context) bool {
	key, _ := s.store.Key()
	return key != ""
}

// OpenSelectionDialog implements [Selector]. It returns [ErrNoTerminal] when
// the input is not a terminal and ctx's error if ctx ends first.
func (s *TerminalSelector) OpenSelectionDialog(ctx context.Context) error {
	fd := int(s.in.Fd())
	if !s.isTerminal(fd) {
		return ErrNoTerminal
	}
	fmt.Fprint(s.out, "Enter your Gemini API key: ")

	type result struct {
		key []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := s.readPassword(fd)
		ch <- result{b, err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(s.out)
		return ctx.Err()
	case r := <-ch:
		fmt.Fprintln(s.out)
		if r.err != nil {
			return fmt.Errorf("credential: read key: %w", r.err)
		}
		key := strings.TrimSpace(string(r.key))
		if key == "" {
			return ErrNoCredential
		}
		s.store.Set(key, "prompt")
		return nil
	}
}
