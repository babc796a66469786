package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/callrelay/internal/callsession"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/record"
	"github.com/MrWong99/callrelay/internal/tenant"
	"github.com/MrWong99/callrelay/pkg/provider/s2s"
	"github.com/MrWong99/callrelay/pkg/provider/s2s/mock"
	"github.com/MrWong99/callrelay/pkg/telephony"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingSink wraps a MemorySink and counts terminal writes.
type countingSink struct {
	*record.MemorySink

	mu        sync.Mutex
	finalizes int
	usage     int
	createErr error
}

func (s *countingSink) CreateRecord(ctx context.Context, r record.NewRecord) (string, error) {
	if s.createErr != nil {
		return "", s.createErr
	}
	return s.MemorySink.CreateRecord(ctx, r)
}

func (s *countingSink) FinalizeRecord(ctx context.Context, id string, f record.Final) error {
	s.mu.Lock()
	s.finalizes++
	s.mu.Unlock()
	return s.MemorySink.FinalizeRecord(ctx, id, f)
}

func (s *countingSink) IncrementUsageMinutes(ctx context.Context, tenantID string, minutes int) error {
	s.mu.Lock()
	s.usage++
	s.mu.Unlock()
	return s.MemorySink.IncrementUsageMinutes(ctx, tenantID, minutes)
}

func (s *countingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizes, s.usage
}

type harness struct {
	relay    *Relay
	srv      *httptest.Server
	speech   *mock.Session
	provider *mock.Provider
	sessions *callsession.MemoryStore
	sink     *countingSink
	clock    *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	h := &harness{
		speech:   mock.NewSession(),
		sessions: callsession.NewMemoryStore(time.Hour),
		sink:     &countingSink{MemorySink: record.NewMemorySink()},
		clock:    &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
	}
	h.provider = &mock.Provider{Session: h.speech}
	h.relay = New(h.provider, h.sessions, h.sink,
		WithGreetingDelay(time.Millisecond),
		WithClock(h.clock.Now),
		WithMetrics(m),
		WithAcceptOptions(&websocket.AcceptOptions{InsecureSkipVerify: true}),
	)
	h.srv = httptest.NewServer(h.relay)
	t.Cleanup(func() {
		_ = h.relay.Close()
		h.srv.Close()
	})
	return h
}

// seed stores a session with a selected agent for callID.
func (h *harness) seed(t *testing.T, callID string) {
	t.Helper()
	s := callsession.New(callID, "+15550001111", "+15559990000", callsession.Inbound, h.clock.Now())
	s.Tenant = &tenant.Config{ID: "t1", TranscriptionEnabled: true}
	err := s.SelectAgent(&tenant.Agent{
		ID:           "a1",
		Voice:        "Puck",
		Language:     "en-US",
		SystemPrompt: "You answer the phone for a bakery.",
		Greeting:     "Thanks for calling the bakery.",
	})
	if err != nil {
		t.Fatalf("SelectAgent: %v", err)
	}
	if err := h.sessions.Put(context.Background(), s); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

// client is the telephony provider's end of the media stream.
type client struct {
	ws       *websocket.Conn
	received chan []byte
}

func (h *harness) dial(t *testing.T, query string) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/media" + query
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.CloseNow() })

	c := &client{ws: ws, received: make(chan []byte, 64)}
	go func() {
		defer close(c.received)
		for {
			_, data, err := ws.Read(context.Background())
			if err != nil {
				return
			}
			c.received <- data
		}
	}()
	return c
}

func (c *client) send(t *testing.T, raw string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *client) start(t *testing.T, params string) {
	t.Helper()
	c.send(t, `{"event":"connected","protocol":"Call"}`)
	c.send(t, `{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1",`+
		`"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1},`+
		`"customParameters":{`+params+`}}}`)
}

func (c *client) media(t *testing.T, mulaw []byte) {
	t.Helper()
	c.send(t, `{"event":"media","streamSid":"MZ1","media":{"payload":"`+base64.StdEncoding.EncodeToString(mulaw)+`"}}`)
}

// closed waits until the server has closed the stream.
func (c *client) closed(t *testing.T) {
	t.Helper()
	deadline := time.After(8 * time.Second)
	for {
		select {
		case _, ok := <-c.received:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("server never closed the stream")
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func silence(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}

func TestRelay_FullCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "call-1")
	c := h.dial(t, "")
	c.start(t, `"callId":"call-1"`)

	eventually(t, "speech connect", func() bool { return len(h.provider.Calls()) == 1 })
	cfg := h.provider.Calls()[0].Cfg
	if cfg.Voice != "Puck" || cfg.Language != "en-US" || !strings.Contains(cfg.Instructions, "bakery") || !cfg.Transcribe {
		t.Errorf("session config = %+v", cfg)
	}
	if n := h.relay.ActiveCalls("t1"); n != 1 {
		t.Errorf("ActiveCalls = %d, want 1", n)
	}

	// Inbound: 20 ms of mu-law becomes 20 ms of 16 kHz PCM.
	c.media(t, silence(160))
	eventually(t, "inbound audio", func() bool { return len(h.speech.SentAudio()) == 1 })
	if got := len(h.speech.SentAudio()[0]); got != 640 {
		t.Errorf("forwarded %d bytes, want 640", got)
	}

	stored, err := h.sessions.Get(context.Background(), "call-1")
	if err != nil || stored.State != callsession.StateSelected || stored.StreamStartedAt.IsZero() {
		t.Errorf("session before speech ready = %+v, %v; want selected with stream started", stored, err)
	}

	// Greeting directive after readiness.
	h.speech.MarkReady()
	eventually(t, "greeting", func() bool { return len(h.speech.Injected()) == 1 })
	eventually(t, "connected session", func() bool {
		s, err := h.sessions.Get(context.Background(), "call-1")
		return err == nil && s.State == callsession.StateConnected && !s.SpeechReadyAt.IsZero()
	})
	item := h.speech.Injected()[0].Items[0]
	if item.Role != "user" || !strings.Contains(item.Content, "Thanks for calling the bakery.") {
		t.Errorf("greeting item = %+v", item)
	}

	// Outbound: 20 ms of 24 kHz PCM becomes 160 mu-law bytes on the stream.
	h.speech.AudioCh <- s2s.AudioChunk{Data: make([]byte, 960), SampleRate: 24000}
	select {
	case raw := <-c.received:
		var msg struct {
			Event     string `json:"event"`
			StreamSID string `json:"streamSid"`
			Media     struct {
				Payload string `json:"payload"`
			} `json:"media"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		payload, _ := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if msg.Event != "media" || msg.StreamSID != "MZ1" || len(payload) != 160 {
			t.Errorf("outbound = %s (payload %d bytes)", raw, len(payload))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no outbound media")
	}

	h.speech.TranscriptsCh <- s2s.TranscriptEntry{Speaker: s2s.SpeakerAgent, Text: "Thanks for calling the bakery."}
	h.speech.TranscriptsCh <- s2s.TranscriptEntry{Speaker: s2s.SpeakerCaller, Text: "Are you open?"}

	h.clock.Advance(61 * time.Second)
	c.send(t, `{"event":"stop","stop":{"callSid":"CA1"}}`)
	c.closed(t)
	eventually(t, "link teardown", func() bool { return h.relay.Len() == 0 })

	recs := h.sink.Records()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Status != record.StatusCompleted || rec.DurationSeconds != 61 {
		t.Errorf("record = %+v", rec.Final)
	}
	if rec.TenantID != "t1" || rec.AgentID != "a1" || rec.CallID != "call-1" {
		t.Errorf("record identity = %+v", rec.NewRecord)
	}
	if !strings.Contains(rec.Transcript, "agent: Thanks for calling the bakery.\n") ||
		!strings.Contains(rec.Transcript, "caller: Are you open?\n") {
		t.Errorf("transcript = %q", rec.Transcript)
	}
	if got := h.sink.Usage("t1"); got != 2 {
		t.Errorf("usage = %d minutes, want 2", got)
	}
	if _, err := h.sessions.Get(context.Background(), "call-1"); !errors.Is(err, callsession.ErrNotFound) {
		t.Errorf("session after finalize: err = %v, want ErrNotFound", err)
	}
	if h.speech.Closes() == 0 {
		t.Error("speech session was not closed")
	}
}

func TestRelay_ExactlyOneFinalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		end        func(t *testing.T, h *harness, c *client)
		wantStatus record.Status
	}{
		{
			name: "caller hangs up first",
			end: func(t *testing.T, h *harness, c *client) {
				c.send(t, `{"event":"stop"}`)
			},
			wantStatus: record.StatusCompleted,
		},
		{
			name: "speech drops first",
			end: func(t *testing.T, h *harness, c *client) {
				h.speech.Hangup(errors.New("upstream reset"))
			},
			wantStatus: record.StatusFailed,
		},
		{
			name: "caller closes socket",
			end: func(t *testing.T, h *harness, c *client) {
				go c.ws.Close(websocket.StatusNormalClosure, "bye")
			},
			wantStatus: record.StatusCompleted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.seed(t, "call-2")
			c := h.dial(t, "?call_id=call-2")
			c.start(t, "")
			eventually(t, "link", func() bool { return h.relay.ActiveCalls("t1") == 1 })

			h.clock.Advance(60 * time.Second)
			tt.end(t, h, c)
			eventually(t, "link teardown", func() bool { return h.relay.Len() == 0 })

			finalizes, usage := h.sink.counts()
			if finalizes != 1 || usage != 1 {
				t.Errorf("finalizes=%d usage=%d, want 1 and 1", finalizes, usage)
			}
			if got := h.sink.Records()[0].Status; got != tt.wantStatus {
				t.Errorf("status = %s, want %s", got, tt.wantStatus)
			}
			if got := h.sink.Usage("t1"); got != 1 {
				t.Errorf("usage = %d, want 1", got)
			}
		})
	}
}

func TestRelay_NoAgentConsumesWithoutForwarding(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c := h.dial(t, "?callId=unknown")
	c.start(t, "")
	c.media(t, silence(160))
	c.send(t, `{"event":"stop"}`)
	c.closed(t)

	if n := len(h.provider.Calls()); n != 0 {
		t.Errorf("speech connects = %d, want 0", n)
	}
	if n := len(h.sink.Records()); n != 0 {
		t.Errorf("records = %d, want 0", n)
	}
}

func TestRelay_EndedSessionIsNotRelayed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s := callsession.New("call-3", "+1", "+2", callsession.Inbound, h.clock.Now())
	if err := s.End(callsession.OutcomeTransferred, "sip:desk@example.com", h.clock.Now()); err != nil {
		t.Fatal(err)
	}
	_ = h.sessions.Put(context.Background(), s)

	c := h.dial(t, "?call_id=call-3")
	c.start(t, "")
	c.send(t, `{"event":"stop"}`)
	c.closed(t)

	if n := len(h.provider.Calls()); n != 0 {
		t.Errorf("speech connects = %d, want 0", n)
	}
}

func TestRelay_MalformedFrameIsDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "call-4")
	c := h.dial(t, "")
	c.start(t, `"callId":"call-4"`)

	c.send(t, `{"event":"media","media":{"payload":"%%%not-base64"}}`)
	c.media(t, silence(80))
	eventually(t, "valid frame", func() bool { return len(h.speech.SentAudio()) == 1 })

	// Odd-length speech audio is carried until aligned.
	h.speech.AudioCh <- s2s.AudioChunk{Data: make([]byte, 7), SampleRate: 24000}
	h.speech.AudioCh <- s2s.AudioChunk{Data: make([]byte, 5), SampleRate: 24000}
	select {
	case raw := <-c.received:
		if !strings.Contains(string(raw), `"streamSid":"MZ1"`) {
			t.Errorf("outbound = %s", raw)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("aligned frame never sent")
	}

	c.send(t, `{"event":"stop"}`)
	c.closed(t)
	eventually(t, "finalize", func() bool { return h.relay.Len() == 0 })
	if got := h.sink.Records()[0].Status; got != record.StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
}

func TestRelay_DTMFDuringCallIsNotForwarded(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "call-10")
	c := h.dial(t, "?call_id=call-10")
	c.start(t, "")
	eventually(t, "speech connect", func() bool { return len(h.provider.Calls()) == 1 })

	c.send(t, `{"event":"dtmf","streamSid":"MZ1","dtmf":{"track":"inbound_track","digit":"1"}}`)
	c.media(t, silence(160))
	eventually(t, "inbound audio", func() bool { return len(h.speech.SentAudio()) == 1 })
	if got := len(h.speech.SentAudio()[0]); got != 640 {
		t.Errorf("forwarded %d bytes, want only the media frame", got)
	}
	if h.relay.Len() != 1 {
		t.Error("dtmf ended the call")
	}
}

func TestRelay_ReservationCountsUntilStreamRegisters(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.relay.Reserve("t1", "call-11")
	h.relay.Reserve("t2", "other")
	if n := h.relay.InFlight("t1", ""); n != 1 {
		t.Errorf("InFlight with reservation = %d, want 1", n)
	}
	if n := h.relay.InFlight("t1", "call-11"); n != 0 {
		t.Errorf("InFlight excluding own call = %d, want 0", n)
	}

	h.seed(t, "call-11")
	c := h.dial(t, "?call_id=call-11")
	c.start(t, "")
	eventually(t, "link", func() bool { return h.relay.Len() == 1 })
	if n := h.relay.InFlight("t1", ""); n != 1 {
		t.Errorf("InFlight with live link = %d, want 1 (reservation consumed)", n)
	}

	h.clock.Advance(DefaultReservationWindow + time.Second)
	if n := h.relay.InFlight("t1", ""); n != 1 {
		t.Errorf("InFlight after window = %d, want the live link only", n)
	}
	if n := h.relay.InFlight("t2", ""); n != 0 {
		t.Errorf("expired reservation still counted: %d", n)
	}
}

func TestRelay_ConnectFailureFinalizesFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.provider.ConnectErr = errors.New("quota exhausted")
	h.seed(t, "call-5")
	c := h.dial(t, "?call_id=call-5")
	c.start(t, "")
	c.closed(t)
	eventually(t, "finalize", func() bool { return h.relay.Len() == 0 })

	recs := h.sink.Records()
	if len(recs) != 1 || recs[0].Status != record.StatusFailed {
		t.Fatalf("records = %+v, want one failed", recs)
	}
	if _, err := h.sessions.Get(context.Background(), "call-5"); !errors.Is(err, callsession.ErrNotFound) {
		t.Errorf("acknowledged session should be deleted, err = %v", err)
	}
}

func TestRelay_CreateRecordFailureKeepsCallAlive(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.sink.createErr = errors.New("db down")
	h.seed(t, "call-6")
	c := h.dial(t, "?call_id=call-6")
	c.start(t, "")
	c.media(t, silence(160))
	eventually(t, "inbound audio", func() bool { return len(h.speech.SentAudio()) == 1 })

	h.clock.Advance(30 * time.Second)
	c.send(t, `{"event":"stop"}`)
	c.closed(t)
	eventually(t, "finalize", func() bool { return h.relay.Len() == 0 })

	if finalizes, _ := h.sink.counts(); finalizes != 0 {
		t.Errorf("finalizes = %d, want 0 without a record", finalizes)
	}
	if got := h.sink.Usage("t1"); got != 1 {
		t.Errorf("usage = %d, want 1", got)
	}
	s, err := h.sessions.Get(context.Background(), "call-6")
	if err != nil || s.State != callsession.StateEnded {
		t.Errorf("unacknowledged session should be kept as ended: %+v, %v", s, err)
	}
}

func TestRelay_DuplicateStreamIsDrained(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "call-7")
	first := h.dial(t, "?call_id=call-7")
	first.start(t, "")
	eventually(t, "first link", func() bool { return h.relay.Len() == 1 })

	second := h.dial(t, "?call_id=call-7")
	second.start(t, "")
	second.media(t, silence(160))
	second.send(t, `{"event":"stop"}`)
	second.closed(t)

	if n := len(h.provider.Calls()); n != 1 {
		t.Errorf("speech connects = %d, want 1", n)
	}
	if n := h.relay.ActiveCalls("t1"); n != 1 {
		t.Errorf("ActiveCalls = %d, want 1", n)
	}
}

func TestRelay_CloseTearsDownLinks(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "call-8")
	c := h.dial(t, "?call_id=call-8")
	c.start(t, "")
	eventually(t, "link", func() bool { return h.relay.Len() == 1 })

	if err := h.relay.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := h.relay.Len(); n != 0 {
		t.Errorf("links after Close = %d", n)
	}
	if got := h.sink.Records()[0].Status; got != record.StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}

	resp, err := http.Get(h.srv.URL + "/media")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status after Close = %d, want 503", resp.StatusCode)
	}
}

func TestRelay_SetGreetingAppliesToNextCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.relay.SetGreeting(0, "Say hello.")
	h.seed(t, "call-9")
	c := h.dial(t, "?call_id=call-9")
	c.start(t, "")
	eventually(t, "speech connect", func() bool { return len(h.provider.Calls()) == 1 })

	h.speech.MarkReady()
	eventually(t, "greeting", func() bool { return len(h.speech.Injected()) == 1 })
	got := h.speech.Injected()[0].Items[0].Content
	if !strings.HasPrefix(got, "Say hello.") {
		t.Errorf("directive = %q, want the replaced text", got)
	}

	h.relay.SetGreeting(time.Second, "")
	if g := h.relay.greetingSettings(); g.directive != DefaultGreetingDirective || g.delay != time.Second {
		t.Errorf("settings after reset = %+v", g)
	}
}

func TestCallIDFrom(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
		start telephony.Start
		want  string
	}{
		{"snake query", "?call_id=q1", telephony.Start{CallSID: "CA"}, "q1"},
		{"camel query", "?callId=q2", telephony.Start{CallSID: "CA"}, "q2"},
		{"custom parameter", "", telephony.Start{CallSID: "CA", CustomParameters: map[string]string{"callId": "p1"}}, "p1"},
		{"call sid", "", telephony.Start{CallSID: "CA9"}, "CA9"},
		{"nothing", "", telephony.Start{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/media"+tt.query, nil)
			if got := callIDFrom(r, tt.start); got != tt.want {
				t.Errorf("callIDFrom = %q, want %q", got, tt.want)
			}
		})
	}
}
