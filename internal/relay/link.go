package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callrelay/internal/callsession"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/record"
	"github.com/MrWong99/callrelay/pkg/audio"
	"github.com/MrWong99/callrelay/pkg/provider/s2s"
	"github.com/MrWong99/callrelay/pkg/telephony"
)

var (
	// errHangup ends the pump group when the caller leaves.
	errHangup = errors.New("relay: caller hung up")

	// errSpeechClosed is returned when the speech side goes away first.
	errSpeechClosed = errors.New("relay: speech session closed")
)

// link is one relayed call. Pump state (aligner, transcript) is owned by the
// pump goroutines until the group returns, then by finalize.
type link struct {
	relay     *Relay
	conn      *telephony.Conn
	speech    s2s.SessionHandle
	sess      *callsession.Session
	streamSID string
	log       *slog.Logger
	span      trace.Span

	greeting   greeting
	outRate    int
	aligner    *audio.Aligner
	transcript []s2s.TranscriptEntry

	ended atomic.Bool
	once  sync.Once
}

// open records the stream start, creates the call record and dials the
// speech endpoint. It reports false when the link was already finalized.
func (l *link) open(ctx context.Context) bool {
	rl := l.relay
	now := rl.now()
	if err := l.sess.MarkStreamStarted(now); err != nil {
		l.log.Error("relay: mark stream started", "err", err)
		rl.unregister(ctx, l)
		rl.drain(ctx, l.conn, l.log, "session not connectable")
		return false
	}

	id, err := rl.sink.CreateRecord(ctx, record.NewRecord{
		TenantID:  l.sess.TenantID(),
		AgentID:   l.sess.AgentID(),
		CallID:    l.sess.CallID,
		Direction: string(l.sess.Direction),
		From:      l.sess.From,
		To:        l.sess.To,
		StartedAt: now,
	})
	if err != nil {
		l.log.Error("relay: create call record", "err", err)
		rl.metrics.RecordSinkError(ctx, "create")
	} else {
		l.sess.RecordID = id
	}
	if err := rl.sessions.Put(ctx, l.sess); err != nil {
		l.log.Warn("relay: persist started session", "err", err)
	}

	agent := l.sess.Agent
	cfg := s2s.SessionConfig{
		Voice:        agent.Voice,
		Language:     agent.Language,
		Instructions: agent.SystemPrompt,
		Transcribe:   l.sess.Tenant == nil || l.sess.Tenant.TranscriptionEnabled,
	}
	dialStart := time.Now()
	handle, err := rl.provider.Connect(ctx, cfg)
	rl.metrics.SpeechConnectDuration.Record(ctx, time.Since(dialStart).Seconds())
	if err != nil {
		l.finalize(record.StatusFailed, fmt.Errorf("relay: connect speech: %w", err))
		return false
	}
	l.speech = handle
	l.log.Info("relay: call connected", "record_id", l.sess.RecordID)
	return true
}

// run pumps both directions until one side ends, then finalizes.
func (l *link) run(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.pumpTelephony(gctx) })
	g.Go(func() error { return l.pumpSpeech(gctx) })
	err := g.Wait()

	status := record.StatusCompleted
	switch {
	case err == nil, errors.Is(err, errHangup):
	case ctx.Err() != nil:
		// Shutdown or request teardown, not a channel failure.
		err = nil
	default:
		status = record.StatusFailed
	}
	l.finalize(status, err)
}

func (l *link) pumpTelephony(ctx context.Context) error {
	for {
		ev, err := l.conn.ReadEvent(ctx)
		if err != nil {
			if errors.Is(err, telephony.ErrClosed) {
				l.ended.Store(true)
				return errHangup
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch ev.Event {
		case telephony.EventMedia:
			if err := l.forwardInbound(ctx, ev.Media); err != nil {
				return err
			}
		case telephony.EventDTMF:
			// Key presses during a relayed call are not routed again.
			if ev.DTMF != nil {
				l.log.Debug("relay: in-band dtmf", "digit", ev.DTMF.Digit)
			}
		case telephony.EventStop:
			l.ended.Store(true)
			return errHangup
		}
	}
}

func (l *link) forwardInbound(ctx context.Context, m *telephony.Media) error {
	if m == nil || l.ended.Load() {
		return nil
	}
	mulaw, err := m.Audio()
	var pcm []byte
	if err == nil {
		pcm, err = audio.DecodeMuLaw8kToPCM16k(mulaw)
	}
	if err != nil {
		l.relay.metrics.RecordTranscodeError(ctx, "inbound")
		l.log.Debug("relay: dropped inbound frame", "err", err)
		return nil
	}
	if len(pcm) == 0 {
		return nil
	}
	if err := l.speech.SendAudio(pcm); err != nil {
		return fmt.Errorf("%w: send audio: %w", errSpeechClosed, err)
	}
	l.relay.metrics.RecordFrame(ctx, "inbound")
	return nil
}

func (l *link) pumpSpeech(ctx context.Context) error {
	audioCh := l.speech.Audio()
	transcripts := l.speech.Transcripts()
	ready := l.speech.Ready()

	var greet <-chan time.Time
	var greetTimer *time.Timer
	defer func() {
		if greetTimer != nil {
			greetTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ready:
			ready = nil
			l.markSpeechReady(ctx)
			l.greeting = l.relay.greetingSettings()
			greetTimer = time.NewTimer(l.greeting.delay)
			greet = greetTimer.C

		case <-greet:
			greet = nil
			l.greet()

		case e, ok := <-transcripts:
			if !ok {
				transcripts = nil
				continue
			}
			l.transcript = append(l.transcript, e)

		case chunk, ok := <-audioCh:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				if err := l.speech.Err(); err != nil {
					return fmt.Errorf("%w: %w", errSpeechClosed, err)
				}
				return errSpeechClosed
			}
			if err := l.forwardOutbound(ctx, chunk); err != nil {
				return err
			}
		}
	}
}

// markSpeechReady completes the move to Connected and persists it.
func (l *link) markSpeechReady(ctx context.Context) {
	if err := l.sess.MarkSpeechReady(l.relay.now()); err != nil {
		l.log.Warn("relay: mark speech ready", "err", err)
		return
	}
	if err := l.relay.sessions.Put(ctx, l.sess); err != nil {
		l.log.Warn("relay: persist connected session", "err", err)
	}
}

// greet sends the one directive turn that makes the agent open the call.
func (l *link) greet() {
	text := l.greeting.directive
	if g := strings.TrimSpace(l.sess.Agent.Greeting); g != "" {
		text += " Open with: " + g
	}
	err := l.speech.InjectTextContext([]s2s.ContextItem{{Role: "user", Content: text}})
	if err != nil {
		l.log.Warn("relay: send greeting directive", "err", err)
	}
}

func (l *link) forwardOutbound(ctx context.Context, chunk s2s.AudioChunk) error {
	if l.ended.Load() {
		return nil
	}
	rate := chunk.SampleRate
	if rate == 0 {
		rate = audio.SpeechOutputRate
	}
	if rate != l.outRate || l.aligner == nil {
		l.outRate = rate
		l.aligner = audio.NewAligner(audio.FrameBytes(rate))
	}

	pcm := l.aligner.Push(chunk.Data)
	if len(pcm) == 0 {
		return nil
	}
	mulaw, err := audio.EncodeMuLaw(pcm, rate)
	if err != nil {
		l.relay.metrics.RecordTranscodeError(ctx, "outbound")
		l.log.Debug("relay: dropped outbound frame", "rate", rate, "err", err)
		return nil
	}
	if err := l.conn.SendMedia(ctx, l.streamSID, mulaw); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	l.relay.metrics.RecordFrame(ctx, "outbound")
	return nil
}

// finalize closes both channels, writes the record and usage, and retires
// the session. Only the first call has any effect.
func (l *link) finalize(status record.Status, cause error) {
	l.once.Do(func() {
		l.ended.Store(true)
		rl := l.relay
		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()

		if l.speech != nil {
			if err := l.speech.Close(); err != nil {
				l.log.Debug("relay: close speech session", "err", err)
			}
			l.drainTranscripts()
		}
		code, reason := websocket.StatusNormalClosure, "call ended"
		if status == record.StatusFailed {
			code, reason = websocket.StatusInternalError, "relay failure"
		}
		_ = l.conn.Close(code, reason)

		endedAt := rl.now()
		seconds := max(int(endedAt.Sub(l.sess.StreamStartedAt)/time.Second), 0)

		acked := false
		if l.sess.RecordID != "" {
			err := rl.sink.FinalizeRecord(ctx, l.sess.RecordID, record.Final{
				Status:          status,
				EndedAt:         endedAt,
				DurationSeconds: seconds,
				Transcript:      record.FormatTranscript(l.transcript),
			})
			if err != nil {
				l.log.Error("relay: finalize call record", "err", err)
				rl.metrics.RecordSinkError(ctx, "finalize")
			} else {
				acked = true
			}
		}

		minutes := record.BillableMinutes(seconds)
		if tid := l.sess.TenantID(); tid != "" && minutes > 0 {
			if err := rl.sink.IncrementUsageMinutes(ctx, tid, minutes); err != nil {
				l.log.Error("relay: increment usage", "minutes", minutes, "err", err)
				rl.metrics.RecordSinkError(ctx, "usage")
			}
		}
		rl.metrics.RecordCallFinalized(ctx, string(status), float64(seconds))
		var spanErr error
		if status == record.StatusFailed {
			spanErr = cause
		}
		observe.RecordOutcome(l.span, string(status), spanErr)

		outcome, why := callsession.OutcomeCompleted, ""
		if status == record.StatusFailed {
			outcome = callsession.OutcomeFailed
			if cause != nil {
				why = cause.Error()
			}
		}
		if err := l.sess.End(outcome, why, endedAt); err != nil {
			l.log.Warn("relay: end session", "err", err)
		}
		// The session only outlives the call when the record was not
		// acknowledged, so it can still be inspected until retention expires.
		if acked {
			err := rl.sessions.Delete(ctx, l.sess.CallID)
			if err != nil {
				l.log.Warn("relay: delete session", "err", err)
			}
		} else if err := rl.sessions.Put(ctx, l.sess); err != nil {
			l.log.Warn("relay: persist ended session", "err", err)
		}

		rl.unregister(ctx, l)

		attrs := []any{"status", status, "duration_s", seconds, "minutes", minutes}
		if cause != nil && status == record.StatusFailed {
			l.log.Warn("relay: call finalized", append(attrs, "err", cause)...)
			return
		}
		l.log.Info("relay: call finalized", attrs...)
	})
}

// drainTranscripts collects entries still buffered after the speech session
// closed.
func (l *link) drainTranscripts() {
	ch := l.speech.Transcripts()
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			l.transcript = append(l.transcript, e)
		default:
			return
		}
	}
}
