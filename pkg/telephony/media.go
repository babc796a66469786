// Package telephony implements the media-stream side of a phone call: a
// WebSocket carrying JSON events with base64 mu-law audio, as sent by
// Twilio-compatible media stream providers.
//
// Inbound events are connected, start, media, dtmf and stop. The relay only
// ever writes media frames back.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Event type names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventDTMF      = "dtmf"
	EventStop      = "stop"
)

// ErrClosed is returned by ReadEvent when the remote side closed the stream
// normally. Any other read error indicates a channel failure.
var ErrClosed = errors.New("telephony: stream closed")

// Event is one message received on the media stream.
type Event struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSID      string `json:"streamSid,omitempty"`
	Start          *Start `json:"start,omitempty"`
	Media          *Media `json:"media,omitempty"`
	DTMF           *DTMF  `json:"dtmf,omitempty"`
	Stop           *Stop  `json:"stop,omitempty"`
}

// Start carries stream metadata. CustomParameters holds the values attached
// by the webhook layer when it opened the stream.
type Start struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat describes the encoding of media payloads.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Media is one audio frame.
type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64 mu-law
}

// Audio returns the decoded payload bytes.
func (m *Media) Audio() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("telephony: decode payload: %w", err)
	}
	return b, nil
}

// DTMF is a key press reported in-band.
type DTMF struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// Stop is sent when the provider ends the stream.
type Stop struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid"`
}

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

// Conn wraps one media-stream WebSocket. ReadEvent must be called from a
// single goroutine; SendMedia may be called concurrently.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
}

// Accept upgrades an HTTP request to a media-stream connection.
func Accept(w http.ResponseWriter, r *http.Request, opts *websocket.AcceptOptions) (*Conn, error) {
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, fmt.Errorf("telephony: accept: %w", err)
	}
	return NewConn(ws), nil
}

// NewConn wraps an established WebSocket.
func NewConn(ws *websocket.Conn) *Conn {
	// Media frames are small but start events with many custom parameters
	// can exceed the default.
	ws.SetReadLimit(1 << 20)
	return &Conn{ws: ws}
}

// ReadEvent blocks until the next event arrives. Frames that are not valid
// JSON are skipped. A normal or going-away close yields ErrClosed.
func (c *Conn) ReadEvent(ctx context.Context) (Event, error) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if IsNormalClose(err) {
				return Event{}, ErrClosed
			}
			return Event{}, fmt.Errorf("telephony: read: %w", err)
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		return ev, nil
	}
}

// SendMedia writes one outbound media frame addressed to streamSID.
func (c *Conn) SendMedia(ctx context.Context, streamSID string, mulaw []byte) error {
	data, err := json.Marshal(outboundMedia{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     mediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
	if err != nil {
		return fmt.Errorf("telephony: marshal media: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("telephony: write media: %w", err)
	}
	return nil
}

// Close closes the WebSocket with the given status. Idempotent.
func (c *Conn) Close(status websocket.StatusCode, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close(status, reason)
	})
	return err
}

// IsNormalClose reports whether err is a WebSocket close with status
// normal closure or going away.
func IsNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
