// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to drive the audio/transcript streams and inspect which methods
// were invoked by the relay.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.MarkReady()
//	sess.AudioCh <- s2s.AudioChunk{Data: pcm, SampleRate: 24000}
//	sess.Hangup(nil) // speech side disconnects
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callrelay/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a new Session from NewSession.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// InjectTextContextCall records a single invocation of Session.InjectTextContext.
type InjectTextContextCall struct {
	// Items is a copy of the context items passed to InjectTextContext.
	Items []s2s.ContextItem
}

// Session is a mock implementation of s2s.SessionHandle.
//
// Tests feed AudioCh and TranscriptsCh directly. Close and Hangup both close
// the channels exactly once.
type Session struct {
	mu sync.Mutex

	// AudioCh is the channel returned by Audio().
	AudioCh chan s2s.AudioChunk

	// TranscriptsCh is the channel returned by Transcripts().
	TranscriptsCh chan s2s.TranscriptEntry

	// ReadyCh is the channel returned by Ready(). Close it with MarkReady.
	ReadyCh chan struct{}

	// --- Configurable errors ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// InjectTextContextErr, if non-nil, is returned by every InjectTextContext call.
	InjectTextContextErr error

	// ErrVal is returned by Err.
	ErrVal error

	// --- Call records ---

	// SendAudioCalls holds a copy of every chunk passed to SendAudio, in order.
	SendAudioCalls [][]byte

	// InjectTextContextCalls records every call to InjectTextContext in order.
	InjectTextContextCalls []InjectTextContextCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	readyOnce sync.Once
	closeOnce sync.Once
}

// NewSession returns a Session with buffered channels.
func NewSession() *Session {
	return &Session{
		AudioCh:       make(chan s2s.AudioChunk, 64),
		TranscriptsCh: make(chan s2s.TranscriptEntry, 16),
		ReadyCh:       make(chan struct{}),
	}
}

// MarkReady closes ReadyCh. Safe to call more than once.
func (s *Session) MarkReady() {
	s.readyOnce.Do(func() { close(s.ReadyCh) })
}

// Hangup simulates the provider dropping the session: ErrVal is set to err
// and both output channels are closed.
func (s *Session) Hangup(err error) {
	s.mu.Lock()
	s.ErrVal = err
	s.mu.Unlock()
	s.closeChannels()
}

func (s *Session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.AudioCh)
		close(s.TranscriptsCh)
	})
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	return s.SendAudioErr
}

// Audio returns AudioCh.
func (s *Session) Audio() <-chan s2s.AudioChunk { return s.AudioCh }

// Transcripts returns TranscriptsCh.
func (s *Session) Transcripts() <-chan s2s.TranscriptEntry { return s.TranscriptsCh }

// Ready returns ReadyCh.
func (s *Session) Ready() <-chan struct{} { return s.ReadyCh }

// InjectTextContext records the call and returns InjectTextContextErr.
func (s *Session) InjectTextContext(items []s2s.ContextItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]s2s.ContextItem, len(items))
	copy(cp, items)
	s.InjectTextContextCalls = append(s.InjectTextContextCalls, InjectTextContextCall{Items: cp})
	return s.InjectTextContextErr
}

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close records the call and closes the output channels.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.mu.Unlock()
	s.closeChannels()
	return nil
}

// SentAudio returns a copy of all chunks passed to SendAudio. Thread-safe.
func (s *Session) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.SendAudioCalls...)
}

// Injected returns a copy of all InjectTextContext calls. Thread-safe.
func (s *Session) Injected() []InjectTextContextCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]InjectTextContextCall(nil), s.InjectTextContextCalls...)
}

// Closes returns CloseCallCount. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
