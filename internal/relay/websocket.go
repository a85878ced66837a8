package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"example.com/heatsync/internal/session"
	"example.com/heatsync/internal/wire"
)

// Frame carries records from the sender to the peer.
type Frame struct {
	Records []wire.Record `json:"records"`
}

// Ack lists the workout keys the peer applied.
type Ack struct {
	Acked []string `json:"acked"`
}

// WebSocketTransport is a Transport over a single websocket connection to the
// peer's receiving endpoint. The connection is dialed lazily and dropped on error.
type WebSocketTransport struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketTransport constructs a transport for the peer endpoint url (ws:// or wss://).
func NewWebSocketTransport(url string, header http.Header) *WebSocketTransport {
	return &WebSocketTransport{
		url:    url,
		header: header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultTimeout,
		},
	}
}

// Reachable dials the peer if no connection is open.
func (t *WebSocketTransport) Reachable(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.connLocked(ctx)
	return err == nil
}

// Send writes one frame and waits for the peer's ack, bounded by ctx.
func (t *WebSocketTransport) Send(ctx context.Context, records []wire.Record) (KeySet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, err := t.connLocked(ctx)
	if err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	if err := conn.WriteJSON(Frame{Records: records}); err != nil {
		t.dropLocked()
		return nil, fmt.Errorf("%w: write frame: %v", wire.ErrTransportUnavailable, err)
	}
	var ack Ack
	if err := conn.ReadJSON(&ack); err != nil {
		t.dropLocked()
		return nil, fmt.Errorf("%w: read ack: %v", wire.ErrTransportUnavailable, err)
	}
	return NewKeySet(ack.Acked...), nil
}

// Close drops the connection, if any.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropLocked()
	return nil
}

func (t *WebSocketTransport) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if t.conn != nil {
		return t.conn, nil
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", wire.ErrTransportUnavailable, t.url, err)
	}
	t.conn = conn
	return conn, nil
}

func (t *WebSocketTransport) dropLocked() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

// Applier merges one incoming record into the local store.
type Applier interface {
	ApplyRemote(ctx context.Context, incoming session.Session) (session.ApplyResult, error)
}

// ReceiverOption configures the Receiver.
type ReceiverOption func(*Receiver)

// WithReceiverLogger overrides the receiver logger.
func WithReceiverLogger(logger *log.Logger) ReceiverOption {
	return func(r *Receiver) {
		r.logger = logger
	}
}

// WithOnApplied registers a hook invoked after each frame with the merge results.
func WithOnApplied(fn func(ctx context.Context, results []session.ApplyResult)) ReceiverOption {
	return func(r *Receiver) {
		r.onApplied = fn
	}
}

// Receiver is the peer-side websocket endpoint. Each frame's records are applied
// through last-writer-wins and the applied keys are acknowledged.
type Receiver struct {
	store     Applier
	upgrader  websocket.Upgrader
	logger    *log.Logger
	onApplied func(ctx context.Context, results []session.ApplyResult)
}

// NewReceiver constructs a Receiver.
func NewReceiver(store Applier, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[relay] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ServeHTTP upgrades the connection and serves frames until the peer disconnects.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx := req.Context()
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, context.Canceled) {
				r.logger.Printf("read frame: %v", err)
			}
			return
		}
		ack := r.Apply(ctx, frame)
		if err := conn.WriteJSON(ack); err != nil {
			r.logger.Printf("write ack: %v", err)
			return
		}
	}
}

// Apply merges the records of one frame and returns the acknowledgement.
// Malformed records are dropped with a diagnostic and are not acknowledged.
func (r *Receiver) Apply(ctx context.Context, frame Frame) Ack {
	ack := Ack{Acked: make([]string, 0, len(frame.Records))}
	results := make([]session.ApplyResult, 0, len(frame.Records))
	for _, rec := range frame.Records {
		incoming, err := rec.ToSession()
		if err != nil {
			receivedCounter.WithLabelValues("malformed").Inc()
			r.logger.Printf("dropping relayed record: %v", err)
			continue
		}
		res, err := r.store.ApplyRemote(ctx, incoming)
		if err != nil {
			receivedCounter.WithLabelValues("error").Inc()
			r.logger.Printf("apply relayed record %s: %v", rec.WorkoutKey, err)
			continue
		}
		receivedCounter.WithLabelValues(string(res.Outcome)).Inc()
		results = append(results, res)
		ack.Acked = append(ack.Acked, rec.WorkoutKey)
	}
	if r.onApplied != nil && len(results) > 0 {
		r.onApplied(ctx, results)
	}
	return ack
}
