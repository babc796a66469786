// Package s2s defines the Provider interface for speech-to-speech backends.
//
// An S2S provider wraps a real-time voice AI service that accepts raw caller
// audio and returns synthesised agent audio in a single, stateful session.
// The Gemini Live API is the reference backend.
//
// The central abstraction is SessionHandle: a bidirectional channel that
// carries audio and transcripts concurrently. A session lives exactly as long
// as the phone call it serves.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"time"
)

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	// SpeakerCaller marks text recognised from the caller's audio.
	SpeakerCaller Speaker = "caller"

	// SpeakerAgent marks text produced by the model.
	SpeakerAgent Speaker = "agent"
)

// TranscriptEntry is a single line of conversation text emitted by a session.
type TranscriptEntry struct {
	Speaker   Speaker
	Text      string
	Timestamp time.Time
}

// AudioChunk is a block of synthesised PCM audio emitted by a session.
type AudioChunk struct {
	// Data is 16-bit little-endian mono PCM.
	Data []byte

	// SampleRate of Data in Hz, as advertised by the provider.
	SampleRate int
}

// ContextItem is a text turn injected into the session mid-conversation.
type ContextItem struct {
	// Role is the speaker role for this item: "user", "model" or "assistant".
	// Unknown roles are sent as "user".
	Role string

	// Content is the text content of the turn.
	Content string
}

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Voice is the provider-specific prebuilt voice name. Empty selects the
	// provider default.
	Voice string

	// Language is a BCP-47 language code such as "en-US". Empty lets the
	// provider decide.
	Language string

	// Instructions is the system-level prompt that defines the agent's
	// persona and constraints.
	Instructions string

	// Transcribe asks the provider to emit transcripts of both the caller's
	// speech and its own spoken output.
	Transcribe bool
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Audio I/O is channel-based so that the relay's read loops never block on the
// provider. Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a 16 kHz 16-bit mono PCM chunk to the provider.
	// Returns an error if the session is closed or the write fails.
	SendAudio(chunk []byte) error

	// Audio returns a read-only channel that emits synthesised audio. The
	// channel is closed when the session ends or when a mid-stream error
	// occurs. After the channel closes, call [SessionHandle.Err] to check
	// whether the session ended cleanly.
	Audio() <-chan AudioChunk

	// Transcripts returns a read-only channel of text produced during the
	// session. The channel is closed when the session ends.
	Transcripts() <-chan TranscriptEntry

	// Ready returns a channel that is closed once the provider has
	// acknowledged session setup. It is never closed if setup fails.
	Ready() <-chan struct{}

	// InjectTextContext sends the items to the model as one complete turn.
	// The model answers as if the turn came from the conversation.
	InjectTextContext(items []ContextItem) error

	// Err returns the error that caused the Audio channel to close
	// prematurely, or nil if the session ended cleanly.
	Err() error

	// Close terminates the session and closes the Audio and Transcripts
	// channels. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect establishes a new S2S session with the given configuration.
	// The returned SessionHandle accepts audio immediately; providers buffer
	// or forward it while setup completes.
	//
	// The caller owns the SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
