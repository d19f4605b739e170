// Package live defines the Provider interface for duplex voice backends.
//
// A live provider wraps a hosted conversational model that accepts a continuous
// stream of microphone audio and answers with synthesised speech, live
// transcriptions of both sides, and turn signals, all over one long-lived
// connection.
//
// Everything the remote side sends is delivered in arrival order on a single
// channel of [Event] values so consumers never have to reconcile several
// independently scheduled streams.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"

	"github.com/MrWong99/talescribe/pkg/audio"
)

var (
	// ErrConnection is returned when a session cannot be established or is
	// lost. Reconnecting means opening a new session.
	ErrConnection = errors.New("live: connection failed")

	// ErrSend is returned when an outbound chunk cannot be transmitted. The
	// chunk is lost; callers drop it and keep going.
	ErrSend = errors.New("live: send failed")
)

// EventKind discriminates the variants of [Event].
type EventKind int

const (
	// EventAudio carries one chunk of synthesised model speech in Audio.
	EventAudio EventKind = iota

	// EventInputTranscript carries an incremental transcription fragment of
	// the user's speech in Text.
	EventInputTranscript

	// EventOutputTranscript carries an incremental transcription fragment of
	// the model's speech in Text.
	EventOutputTranscript

	// EventTurnComplete signals that the model finished its turn.
	EventTurnComplete

	// EventInterrupted signals that the user barged in; audio already
	// delivered for the current turn should be discarded.
	EventInterrupted

	// EventError carries a provider-reported error in Err.
	EventError

	// EventClose is the final event of every session. Requested reports
	// whether Close caused it; Err describes an unrequested loss.
	EventClose
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "AUDIO"
	case EventInputTranscript:
		return "INPUT_TRANSCRIPT"
	case EventOutputTranscript:
		return "OUTPUT_TRANSCRIPT"
	case EventTurnComplete:
		return "TURN_COMPLETE"
	case EventInterrupted:
		return "INTERRUPTED"
	case EventError:
		return "ERROR"
	case EventClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Event is one inbound occurrence on a live session. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind EventKind

	// Audio is set for [EventAudio].
	Audio audio.MediaChunk

	// Text is set for the transcript kinds.
	Text string

	// Err is set for [EventError] and for unrequested [EventClose].
	Err error

	// Requested is set for [EventClose] when the local side closed the session.
	Requested bool
}

// Config is the initial configuration for a new live session.
type Config struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// Voice is the prebuilt voice name used for model speech.
	Voice string

	// Instructions is the system-level prompt for the conversation.
	Instructions string

	// InputRate is the sample rate in Hz of the audio that will be sent.
	InputRate int

	// Transcribe enables live transcription of both directions.
	Transcribe bool
}

// Session is an open duplex session.
//
// Callers must call Close when the session is no longer needed, and must keep
// receiving from Events until it is closed.
type Session interface {
	// Send transmits one encoded audio chunk. It returns an error wrapping
	// [ErrSend] if the session is not open or the transport rejects the write.
	Send(chunk audio.MediaChunk) error

	// Events returns the ordered inbound event stream. The final value is an
	// [EventClose] (unless the consumer stopped reading), after which the
	// channel is closed.
	Events() <-chan Event

	// Close terminates the session. It is idempotent.
	Close() error
}

// Provider opens live sessions.
type Provider interface {
	// Connect opens a session and returns once the remote side has accepted
	// the configuration. Failures wrap [ErrConnection].
	Connect(ctx context.Context, cfg Config) (Session, error)
}
