package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/MrWong99/talescribe/internal/credential"
	"github.com/MrWong99/talescribe/internal/resilience"
	"github.com/MrWong99/talescribe/internal/story"
	"github.com/MrWong99/talescribe/internal/transcript"
	"github.com/MrWong99/talescribe/internal/voice"
	"github.com/MrWong99/talescribe/pkg/audio/device"
	"github.com/MrWong99/talescribe/pkg/provider/live"
	"github.com/MrWong99/talescribe/pkg/provider/llm"
)

// errBadRequest marks malformed request bodies.
var errBadRequest = errors.New("bad request")

// statusFor maps a domain error onto an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, transcript.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errBadRequest),
		errors.Is(err, story.ErrInvalidInput),
		errors.Is(err, transcript.ErrUnsupportedFile),
		errors.Is(err, transcript.ErrEmpty):
		return http.StatusBadRequest
	case errors.Is(err, credential.ErrNoCredential):
		return http.StatusUnauthorized
	case errors.Is(err, voice.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, llm.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, device.ErrDevice):
		return http.StatusServiceUnavailable
	case errors.Is(err, story.ErrUpstream),
		errors.Is(err, live.ErrConnection),
		errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, resilience.ErrAllFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// userMessage returns the text shown to the user for err.
func userMessage(err error) string {
	switch {
	case errors.Is(err, transcript.ErrUnsupportedFile):
		return transcript.ErrUnsupportedFile.Error()
	case errors.Is(err, credential.ErrNoCredential):
		return "No API key is configured. Enter one to continue."
	case errors.Is(err, context.DeadlineExceeded):
		return "The request took too long and was cancelled."
	default:
		return err.Error()
	}
}
