package health

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Func adapts a plain readiness function into a [Checker].
func Func(name string, fn func(context.Context) error) Checker {
	return Checker{Name: name, Check: fn}
}

// Breakers returns the "providers" [Checker]. states reports breaker states
// keyed by capability and provider name. The check fails while every
// provider of some capability has an open circuit and is degraded while
// only some of them have.
func Breakers(states func() map[string]map[string]string) Checker {
	return Checker{Name: "providers", Check: func(context.Context) error {
		var down, partial []string
		for capability, providers := range states() {
			var open []string
			for name, st := range providers {
				if st == "open" {
					open = append(open, name)
				}
			}
			switch {
			case len(open) == 0:
			case len(open) == len(providers):
				down = append(down, capability)
			default:
				slices.Sort(open)
				partial = append(partial, capability+" ("+strings.Join(open, ", ")+")")
			}
		}
		if len(down) > 0 {
			slices.Sort(down)
			return fmt.Errorf("all %s providers have an open circuit", strings.Join(down, ", "))
		}
		if len(partial) > 0 {
			slices.Sort(partial)
			return fmt.Errorf("%w: open circuit on %s", ErrDegraded, strings.Join(partial, "; "))
		}
		return nil
	}}
}
