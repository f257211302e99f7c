// Package ws implements the gateway.Gateway interface over a WebSocket
// connection to the Pawbase backend, with CBOR-encoded RPC frames, a push
// channel for change events, and automatic reconnection.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	gorilla "github.com/gorilla/websocket"

	"github.com/pawbase/datasync/internal/rand"
	"github.com/pawbase/datasync/pkg/gateway"
	"github.com/pawbase/datasync/pkg/logger"
	"github.com/pawbase/datasync/pkg/models"
	"github.com/pawbase/datasync/pkg/retry"
)

const requestIDLength = 16

// ErrTimeout is the cause recorded when the backend does not answer an RPC
// within the configured per-call timeout. Callers receive it wrapped in a
// transient error: a slow response is as retryable as a dropped connection,
// and a duplicated retry is caught server-side by the BaseVersion check.
var ErrTimeout = errors.New("timeout waiting for backend response")

// ErrClosed is returned for calls made after Close.
var ErrClosed = errors.New("gateway connection is closed")

// DefaultDialer enables compression and announces the CBOR subprotocol.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
	Subprotocols:      []string{"cbor"},
}

type rpcRequest struct {
	ID     string `cbor:"id"`
	Method string `cbor:"method"`
	Params []any  `cbor:"params,omitempty"`
}

type rpcError struct {
	Code    int    `cbor:"code"`
	Message string `cbor:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Code, e.Message)
}

type pushEvent struct {
	Entity string `cbor:"entity"`
	ID     string `cbor:"id"`
	Action string `cbor:"action"`
}

// frame is a single incoming message: either an RPC response (ID set) or a
// server-pushed change event (Notification set).
type frame struct {
	ID           string          `cbor:"id,omitempty"`
	Result       cbor.RawMessage `cbor:"result,omitempty"`
	Error        *rpcError       `cbor:"error,omitempty"`
	Notification *pushEvent      `cbor:"notification,omitempty"`
}

type writeResult struct {
	Accepted  bool            `cbor:"accepted"`
	Canonical cbor.RawMessage `cbor:"canonical,omitempty"`
}

// phase tracks the connection lifecycle, mirroring the externally published
// gateway.State but with the intermediate steps needed for safe transitions.
type phase int

const (
	phaseDisconnected phase = iota
	phaseConnecting
	phaseConnected
	phaseClosed
)

func (p phase) String() string {
	switch p {
	case phaseDisconnected:
		return "Disconnected"
	case phaseConnecting:
		return "Connecting"
	case phaseConnected:
		return "Connected"
	case phaseClosed:
		return "Closed"
	default:
		return "InvalidPhase"
	}
}

// Client is a WebSocket gateway. Construct with New, then Connect. Safe for
// concurrent use.
type Client struct {
	baseURL string
	dialer  *gorilla.Dialer
	timeout time.Duration
	backoff retry.Policy
	logger  logger.Logger

	mu          sync.Mutex
	conn        *gorilla.Conn
	phase       phase
	loopStarted bool

	writeMu sync.Mutex

	responseChannels     map[string]chan frame
	responseChannelsLock sync.RWMutex

	// The push subscription survives reconnects: scope and handler are
	// remembered and re-registered with the backend after each reconnect.
	subMu      sync.Mutex
	subScope   string
	subHandler gateway.NotificationHandler

	stateCh  chan gateway.State
	connLost chan struct{}
	closeCh  chan struct{}
	loopDone chan struct{}
	once     sync.Once
}

var _ gateway.Gateway = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-call RPC timeout. Zero disables it, leaving
// deadline control entirely to the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the client logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Client) { c.logger = log }
}

// WithDialer replaces the default gorilla dialer.
func WithDialer(d *gorilla.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithReconnectPolicy sets the backoff schedule used between reconnection
// attempts after the connection is lost.
func WithReconnectPolicy(p retry.Policy) Option {
	return func(c *Client) { c.backoff = p }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		dialer:  DefaultDialer,
		timeout: 30 * time.Second,
		backoff: retry.Policy{
			MaxAttempts:  0, // keep trying until Close
			BaseDelay:    time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
			JitterFactor: 0.3,
		},
		logger:           logger.Nop,
		phase:            phaseDisconnected,
		responseChannels: make(map[string]chan frame),
		stateCh:          make(chan gateway.State, 8),
		closeCh:          make(chan struct{}),
		loopDone:         make(chan struct{}),
	}
	for _, apply := range opts {
		apply(c)
	}
	return c
}

// Connect dials the backend and starts the read and reconnection loops. An
// initial connection failure is returned to the caller rather than retried:
// it is usually misconfiguration, which no amount of retrying fixes.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}

	c.once.Do(func() {
		c.mu.Lock()
		c.loopStarted = true
		c.mu.Unlock()
		go c.reconnectionLoop()
	})

	return nil
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.phase == phaseClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.phase = phaseConnecting
	c.mu.Unlock()

	conn, res, err := c.dialer.DialContext(ctx, fmt.Sprintf("%s/rpc", c.baseURL), nil)
	if err != nil {
		c.setPhase(phaseDisconnected)
		return gateway.NewTransientError(0, fmt.Errorf("gateway dial failed: %w", err))
	}
	defer res.Body.Close()

	c.mu.Lock()
	c.conn = conn
	c.phase = phaseConnected
	c.connLost = make(chan struct{})
	connLost := c.connLost
	c.mu.Unlock()

	go c.readLoop(conn, connLost)

	c.publishState(gateway.Connected)
	return nil
}

func (c *Client) setPhase(p phase) {
	c.mu.Lock()
	if c.phase != phaseClosed {
		c.phase = p
	}
	c.mu.Unlock()
}

// publishState delivers a connection-state event without ever blocking the
// connection machinery on a slow consumer.
func (c *Client) publishState(s gateway.State) {
	select {
	case c.stateCh <- s:
	default:
		c.logger.Warn("dropping connection-state event, channel full", "state", s.String())
	}
}

// ConnState implements gateway.Gateway.
func (c *Client) ConnState() <-chan gateway.State {
	return c.stateCh
}

// readLoop consumes frames until the connection breaks, routing responses to
// their waiting callers and push events to the subscription handler.
func (c *Client) readLoop(conn *gorilla.Conn, connLost chan struct{}) {
	defer close(connLost)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closeCh:
				// Deliberate shutdown, not a lost connection.
			default:
				c.logger.Warn("gateway connection lost", "error", err)
				c.setPhase(phaseDisconnected)
				c.publishState(gateway.Disconnected)
			}
			c.failPendingRequests()
			return
		}

		var f frame
		if err := cbor.Unmarshal(data, &f); err != nil {
			c.logger.Error("failed to decode frame", "error", err)
			continue
		}

		if f.Notification != nil {
			c.dispatchNotification(f.Notification)
			continue
		}

		c.routeResponse(f)
	}
}

func (c *Client) routeResponse(f frame) {
	c.responseChannelsLock.RLock()
	ch, ok := c.responseChannels[f.ID]
	c.responseChannelsLock.RUnlock()

	if !ok {
		c.logger.Debug("response for unknown request id", "id", f.ID)
		return
	}

	select {
	case ch <- f:
	default:
		c.logger.Warn("response channel full, dropping response", "id", f.ID)
	}
}

func (c *Client) dispatchNotification(ev *pushEvent) {
	c.subMu.Lock()
	handler := c.subHandler
	c.subMu.Unlock()

	if handler == nil {
		return
	}

	handler(gateway.Notification{
		Entity: models.Entity(ev.Entity),
		ID:     ev.ID,
		Action: models.Action(ev.Action),
	})
}

// failPendingRequests unblocks every in-flight Send when the connection
// drops, so callers surface a transient error instead of waiting out their
// full timeout.
func (c *Client) failPendingRequests() {
	c.responseChannelsLock.Lock()
	defer c.responseChannelsLock.Unlock()

	for id, ch := range c.responseChannels {
		select {
		case ch <- frame{ID: id, Error: &rpcError{Code: 503, Message: "connection lost"}}:
		default:
		}
	}
}

func (c *Client) createResponseChannel(id string) (chan frame, error) {
	c.responseChannelsLock.Lock()
	defer c.responseChannelsLock.Unlock()

	if _, ok := c.responseChannels[id]; ok {
		return nil, fmt.Errorf("request id already in use: %v", id)
	}

	ch := make(chan frame, 1)
	c.responseChannels[id] = ch
	return ch, nil
}

func (c *Client) removeResponseChannel(id string) {
	c.responseChannelsLock.Lock()
	defer c.responseChannelsLock.Unlock()
	delete(c.responseChannels, id)
}

// send performs one RPC round trip and returns the raw result.
func (c *Client) send(ctx context.Context, method string, params ...any) (cbor.RawMessage, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.timeout, ErrTimeout)
		defer cancel()
	}

	select {
	case <-c.closeCh:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.phase == phaseConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return nil, gateway.NewTransientError(0, errors.New("gateway is not connected"))
	}

	id := rand.NewRequestID(requestIDLength)
	responseChan, err := c.createResponseChannel(id)
	if err != nil {
		return nil, err
	}
	defer c.removeResponseChannel(id)

	data, err := cbor.Marshal(&rpcRequest{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(gorilla.BinaryMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, gateway.NewTransientError(0, fmt.Errorf("gateway write failed: %w", err))
	}

	select {
	case <-ctx.Done():
		if errors.Is(context.Cause(ctx), ErrTimeout) {
			return nil, gateway.NewTransientError(0, ErrTimeout)
		}
		return nil, ctx.Err()
	case res := <-responseChan:
		if res.Error != nil {
			return nil, res.Error
		}
		return res.Result, nil
	}
}

// Read implements gateway.Gateway.
func (c *Client) Read(ctx context.Context, q gateway.QueryDescriptor) (any, error) {
	raw, err := c.send(ctx, "read", q.Entity, q.ID, q.Params)
	if err != nil {
		return nil, classify(err, q.Entity, q.ID)
	}

	var value any
	if raw != nil {
		if err := cbor.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("failed to decode read result: %w", err)
		}
	}
	return value, nil
}

// Write implements gateway.Gateway.
func (c *Client) Write(ctx context.Context, m gateway.MutationDescriptor) (gateway.WriteResult, error) {
	raw, err := c.send(ctx, "write", m.Entity, m.ID, m.Action, m.Data, m.BaseVersion)
	if err != nil {
		return gateway.WriteResult{}, classify(err, m.Entity, m.ID)
	}

	var wr writeResult
	if raw != nil {
		if err := cbor.Unmarshal(raw, &wr); err != nil {
			return gateway.WriteResult{}, fmt.Errorf("failed to decode write result: %w", err)
		}
	}

	result := gateway.WriteResult{Accepted: wr.Accepted}
	if wr.Canonical != nil {
		var canonical any
		if err := cbor.Unmarshal(wr.Canonical, &canonical); err != nil {
			return gateway.WriteResult{}, fmt.Errorf("failed to decode canonical value: %w", err)
		}
		result.CanonicalValue = canonical
	}
	return result, nil
}

// Subscribe implements gateway.Gateway. One subscription per client: the
// backend scopes the push stream to the session/tenant, and the handler fans
// events out locally.
func (c *Client) Subscribe(ctx context.Context, scope string, fn gateway.NotificationHandler) (gateway.Handle, error) {
	if _, err := c.send(ctx, "subscribe", scope); err != nil {
		return nil, classify(err, "", "")
	}

	c.subMu.Lock()
	c.subScope = scope
	c.subHandler = fn
	c.subMu.Unlock()

	return &subscription{client: c, scope: scope}, nil
}

type subscription struct {
	client *Client
	scope  string
	once   sync.Once
}

func (s *subscription) Unsubscribe(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.client.subMu.Lock()
		s.client.subScope = ""
		s.client.subHandler = nil
		s.client.subMu.Unlock()

		_, err = s.client.send(ctx, "unsubscribe", s.scope)
	})
	return err
}

// resubscribe re-registers the push scope after a reconnect. Events raised
// while disconnected are lost; the change listener compensates with an
// unconditional refetch on its Connected event.
func (c *Client) resubscribe(ctx context.Context) error {
	c.subMu.Lock()
	scope := c.subScope
	c.subMu.Unlock()

	if scope == "" {
		return nil
	}

	if _, err := c.send(ctx, "subscribe", scope); err != nil {
		return fmt.Errorf("failed to restore push subscription: %w", err)
	}
	return nil
}

// reconnectionLoop re-dials with backoff whenever the read loop reports a
// lost connection, until Close.
func (c *Client) reconnectionLoop() {
	defer close(c.loopDone)

	for {
		c.mu.Lock()
		connLost := c.connLost
		c.mu.Unlock()

		select {
		case <-c.closeCh:
			return
		case <-connLost:
		}

		select {
		case <-c.closeCh:
			return
		default:
		}

		if err := c.reconnectWithBackoff(); err != nil {
			return
		}
	}
}

func (c *Client) reconnectWithBackoff() error {
	for attempt := 1; ; attempt++ {
		delay := c.backoff.Delay(attempt)

		c.logger.Info("attempting to reconnect", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-c.closeCh:
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.dialer.HandshakeTimeout+10*time.Second)
		err := c.dial(ctx)
		if err == nil {
			err = c.resubscribe(ctx)
		}
		cancel()

		if err != nil {
			c.logger.Error("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		c.logger.Info("reconnected", "attempt", attempt)
		return nil
	}
}

// Close shuts the connection down for good. The client cannot be reused.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.phase == phaseClosed {
		c.mu.Unlock()
		return nil
	}
	c.phase = phaseClosed
	conn := c.conn
	loopStarted := c.loopStarted
	c.mu.Unlock()

	close(c.closeCh)
	if loopStarted {
		<-c.loopDone
	}

	if conn == nil {
		close(c.stateCh)
		return nil
	}

	// Best-effort close handshake; we clean up locally regardless, so a dead
	// peer cannot block shutdown.
	writeErr := make(chan error, 1)
	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		writeErr <- conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""))
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			c.logger.Error("failed to write close message", "error", err)
		}
	case <-ctx.Done():
	}

	err := conn.Close()
	close(c.stateCh)
	return err
}

// classify maps wire-level errors to the gateway taxonomy.
func classify(err error, entity models.Entity, id string) error {
	var re *rpcError
	if errors.As(err, &re) {
		switch {
		case re.Code == 409:
			return &gateway.ConflictError{Entity: entity, ID: id}
		case re.Code == 502 || re.Code == 503 || re.Code == 504:
			return gateway.NewTransientError(re.Code, err)
		default:
			return &gateway.FatalError{Status: re.Code, Reason: re.Message}
		}
	}
	return err
}
