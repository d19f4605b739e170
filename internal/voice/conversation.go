// Package voice implements talescribe's real-time duplex voice conversation:
// microphone capture and framing, the duplex session that routes inbound
// model events, and the controller that owns the lifecycle of both.
//
// The three clocks involved (capture device, network stream, output device)
// never share a lock; each component owns its state and exposes atomic
// operations, and every asynchronous completion is checked against the
// session generation that issued it before it may touch shared state.
package voice

import "time"

// Role identifies the speaker of a [ChatMessage].
type Role string

const (
	// RoleUser marks the human side of the conversation.
	RoleUser Role = "USER"

	// RoleModel marks the hosted model.
	RoleModel Role = "MODEL"
)

// ChatMessage is one finalised utterance in the conversation log.
type ChatMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
