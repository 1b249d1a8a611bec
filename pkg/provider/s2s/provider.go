// Package s2s defines the Provider and Session interfaces for realtime
// speech-to-speech backends.
//
// A speech-to-speech provider wraps a remote realtime voice model that accepts
// raw audio and returns synthesised audio over one long-lived bidirectional
// connection. Sessions follow an explicit lifecycle (see [State]):
//
//	Disconnected → Connecting → Open → Closing → Closed
//	                    │          │        │
//	                    └──────────┴────────┴──→ Failed
//
// One invocation of the pipeline issues exactly one send phase
// ([Session.Send] ... [Session.EndInput]) followed by one receive phase
// ([Session.Receive] until the chunk marked IsFinal).
//
// All implementations must be safe for concurrent use: Send and Receive are
// expected to run on different goroutines.
package s2s

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/MrWong99/livecoach/pkg/audio"
)

// Modality is a response modality requested from the model.
type Modality string

const (
	// ModalityAudio requests spoken audio responses.
	ModalityAudio Modality = "AUDIO"

	// ModalityText requests text responses.
	ModalityText Modality = "TEXT"
)

// SessionConfig is the immutable configuration for one session. It is built
// once per invocation and passed by value.
type SessionConfig struct {
	// Model is the provider-specific model identifier.
	Model string

	// Modalities lists the requested response modalities. Empty means audio.
	Modalities []Modality

	// Instruction is the free-text behavioural (system) instruction.
	Instruction string

	// Voice optionally names a prebuilt voice.
	Voice string

	// InputSpec is the wire format of outbound audio. Frames passed to
	// [Session.Send] must match it exactly.
	InputSpec audio.StreamSpec
}

// WithDefaults returns a copy of c with empty fields filled in.
func (c SessionConfig) WithDefaults() SessionConfig {
	if len(c.Modalities) == 0 {
		c.Modalities = []Modality{ModalityAudio}
	} else {
		c.Modalities = append([]Modality(nil), c.Modalities...)
	}
	if c.InputSpec == (audio.StreamSpec{}) {
		c.InputSpec = audio.WireSpec
	}
	return c
}

// Validate checks that c describes a session this package can drive.
func (c SessionConfig) Validate() error {
	var errs []error
	if err := c.InputSpec.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("input spec: %w", err))
	}
	for _, m := range c.Modalities {
		if m != ModalityAudio && m != ModalityText {
			errs = append(errs, fmt.Errorf("unknown modality %q", m))
		}
	}
	return errors.Join(errs...)
}

// ResponseChunk is one slice of the response audio stream, in arrival order.
// Data is raw PCM in the provider's response spec and is not necessarily
// aligned to sample boundaries. IsFinal marks the end of the turn; a final
// chunk may carry data or be empty.
type ResponseChunk struct {
	Data    []byte
	IsFinal bool
}

// Session is one open bidirectional connection. Obtain it from
// [Provider.Connect]; the caller must call Close when done.
type Session interface {
	// State returns the current lifecycle state.
	State() State

	// ResponseSpec returns the format of audio delivered by Receive.
	ResponseSpec() audio.StreamSpec

	// Send enqueues one outbound frame. Frames are transmitted by a single
	// writer in submission order. Send returns as soon as the frame is
	// queued and blocks only while the bounded outbound queue is full.
	// It fails with [ErrSessionClosed] once Close has been called and with the
	// session error once the session has failed.
	Send(ctx context.Context, frame audio.Frame) error

	// EndInput marks the end of the send phase. It returns once every frame
	// queued before it has been transmitted, followed by the end marker.
	EndInput(ctx context.Context) error

	// Receive returns the response sequence for the current turn. Iteration
	// suspends until the remote produces data and stops after the chunk with
	// IsFinal set. A non-nil error is yielded at most once and ends the
	// sequence. Once EndInput has returned, waiting longer than the receive
	// timeout yields [ErrTimeout] and moves the session to [StateFailed].
	Receive(ctx context.Context) iter.Seq2[ResponseChunk, error]

	// Err returns the error that moved the session to [StateFailed], or nil.
	Err() error

	// Close cancels any pending receive, stops the writer, and releases the
	// connection. It is idempotent.
	Close() error
}

// Provider opens sessions against one realtime backend.
//
// Implementations must be safe for concurrent use; each Connect returns an
// independent session.
type Provider interface {
	// Connect performs the handshake and returns a session in [StateOpen].
	// Handshake failures, rejections, and timeouts are returned as
	// [*ConnectError].
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
