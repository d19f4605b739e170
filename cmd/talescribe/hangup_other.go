//go:build !unix

package main

import (
	"context"

	"github.com/MrWong99/talescribe/internal/config"
)

// reloadOnHangup waits for ctx; only polling reloads exist without SIGHUP.
func reloadOnHangup(ctx context.Context, _ *config.Watcher) {
	<-ctx.Done()
}
