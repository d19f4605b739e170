package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/talescribe/internal/story"
	"github.com/MrWong99/talescribe/pkg/audio"
	"github.com/MrWong99/talescribe/pkg/audio/playback"
)

// Play renders synthesised speech on the configured output device and blocks
// until it has finished or ctx ends. Cancelling ctx silences the output.
func (a *App) Play(ctx context.Context, sp *story.Speech) error {
	if sp == nil || len(sp.PCM) == 0 {
		return errors.New("app: play: no audio")
	}
	seg, err := audio.DecodePCM(sp.PCM, sp.SampleRate, sp.Channels)
	if err != nil {
		return fmt.Errorf("app: play: %w", err)
	}

	devs, err := a.devices(a.Config())
	if err != nil {
		return fmt.Errorf("app: play: %w", err)
	}
	out, err := devs.OpenOutput(ctx)
	if err != nil {
		return fmt.Errorf("app: play: open output: %w", err)
	}
	defer out.Close()

	sched := playback.New(out, playback.WithLogger(a.log))
	if _, err := sched.Enqueue(seg); err != nil {
		return fmt.Errorf("app: play: %w", err)
	}
	a.log.DebugContext(ctx, "playing speech", "duration", sp.Duration, "rate", sp.SampleRate)
	if err := sched.Wait(ctx); err != nil {
		sched.StopAll()
		return err
	}
	return nil
}
