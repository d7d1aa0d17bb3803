package beanbag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// updateQueueSize bounds the push notification queue. On overflow the
// oldest entry is overwritten.
const updateQueueSize = 200

// UpdateHandler is invoked for every push notification. Handlers run in
// their own goroutine and never block the receive loop.
type UpdateHandler func(env *Envelope)

type pendingResult struct {
	raw json.RawMessage
	err error
}

// Client is a session-oriented protocol client for the Beanbag thermostat
// gateway. It authenticates over HTTPS, then multiplexes request/response
// pairs and push notifications over a single WebSocket connection.
type Client struct {
	baseURL           string
	wsURL             string
	httpClient        *http.Client
	logger            *slog.Logger
	handshakeTimeout  time.Duration
	keepaliveInterval time.Duration
	staleThreshold    time.Duration
	backoffMin        time.Duration
	backoffMax        time.Duration

	mu           sync.Mutex
	session      *Session
	thermostat   *Thermostat
	gmi          int64
	conn         *websocket.Conn
	epochCh      chan struct{} // closed when the current connection epoch ends
	epochGen     uint64        // bumped whenever epoch ownership changes hands
	connecting   bool
	reconnecting bool
	stopped      bool
	termErr      error
	doneCh       chan struct{}
	doneClosed   bool

	writeMu sync.Mutex // the websocket allows one concurrent writer

	pendingMu sync.Mutex
	pending   map[string]chan pendingResult

	lastRx atomic.Int64 // unix nanoseconds of the last inbound frame, any type

	handlerMu sync.Mutex
	handlers  []UpdateHandler

	updates chan *Envelope
}

// NewClient creates a client. It does not dial anything; call Login
// followed by Connect.
func NewClient(opts ...ClientOption) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("invalid option: %w", err)
		}
	}

	return &Client{
		baseURL:           cfg.baseURL,
		wsURL:             cfg.wsURL,
		httpClient:        cfg.httpClient,
		logger:            cfg.logger,
		handshakeTimeout:  cfg.handshakeTimeout,
		keepaliveInterval: cfg.keepaliveInterval,
		staleThreshold:    cfg.staleThreshold,
		backoffMin:        cfg.backoffMin,
		backoffMax:        cfg.backoffMax,
		pending:           make(map[string]chan pendingResult),
		updates:           make(chan *Envelope, updateQueueSize),
		doneCh:            make(chan struct{}),
	}, nil
}

// Connect opens the WebSocket connection and starts the receive and
// keepalive loops. It fails with ErrNoSession before a successful login.
// Connecting an already-connected or currently-connecting client is a
// no-op: at most one dial owns the next epoch, and only the owner
// installs the connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil || c.thermostat == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	if c.conn != nil || c.connecting || c.reconnecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.stopped = false
	c.termErr = nil
	if c.doneClosed {
		c.doneCh = make(chan struct{})
		c.doneClosed = false
	}
	c.epochGen++
	gen := c.epochGen
	sess := c.session
	c.mu.Unlock()

	conn, err := c.dial(ctx, sess)

	c.mu.Lock()
	c.connecting = false
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if c.stopped || c.epochGen != gen {
		c.mu.Unlock()
		conn.Close()
		return ErrStopped
	}
	c.conn = conn
	c.epochCh = make(chan struct{})
	epoch := c.epochCh
	c.mu.Unlock()

	c.lastRx.Store(time.Now().UnixNano())
	go c.recvLoop(conn, epoch)
	go c.keepaliveLoop(epoch)

	if c.logger != nil {
		c.logger.Debug("websocket connected", "url", c.wsURL, "subprotocol", Subprotocol)
	}
	return nil
}

func (c *Client) dial(ctx context.Context, sess *Session) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.handshakeTimeout,
		Subprotocols:     []string{Subprotocol},
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+sess.Token)
	header.Set("Session-id", strconv.FormatInt(sess.ID, 10))
	header.Set("Request-id", "1")

	conn, resp, err := dialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake rejected with HTTP %d", ErrInvalidAuth, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", ErrCannotConnect, err)
	}

	// Control frames are consumed inside ReadMessage and never reach the
	// receive loop, but they still count as inbound activity.
	pingHandler := conn.PingHandler()
	conn.SetPingHandler(func(msg string) error {
		c.lastRx.Store(time.Now().UnixNano())
		return pingHandler(msg)
	})
	conn.SetPongHandler(func(string) error {
		c.lastRx.Store(time.Now().UnixNano())
		return nil
	})
	return conn, nil
}

// Disconnect tears the connection down, fails every pending request with
// a connection-reset error and stops reconnecting. Tearing down an
// already-torn-down client is a no-op.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.stopped && c.conn == nil && !c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.reconnecting = false
	conn := c.conn
	c.conn = nil
	epoch := c.epochCh
	c.epochCh = nil
	done := c.doneCh
	alreadyDone := c.doneClosed
	c.doneClosed = true
	c.mu.Unlock()

	if epoch != nil {
		close(epoch)
	}
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
	c.failAllPending(ErrConnectionReset)
	if !alreadyDone {
		close(done)
	}

	if c.logger != nil {
		c.logger.Debug("disconnected")
	}
}

// IsConnected reports whether a live socket is currently open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Done is closed when the client stops for good: after Disconnect, or
// after a reconnect handshake is rejected with an authentication-class
// status. In the latter case Err reports the cause and the caller must
// re-login.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doneCh
}

// Err returns the terminal error, if any. It is non-nil only when the
// reconnect loop gave up on an authentication-class handshake rejection.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.termErr
}

// --- receive loop ---

func (c *Client) recvLoop(conn *websocket.Conn, epoch chan struct{}) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-epoch:
				return // deliberate teardown
			default:
			}
			if c.logger != nil {
				c.logger.Warn("websocket read failed", "error", err)
			}
			c.triggerReconnect(fmt.Errorf("read: %w", err))
			return
		}

		c.lastRx.Store(time.Now().UnixNano())

		env, err := DecodeEnvelope(msg)
		if err != nil {
			if c.logger != nil {
				c.logger.Debug("non-JSON frame ignored", "error", err)
			}
			continue
		}

		switch env.Kind() {
		case KindReply:
			c.resolvePending(env)
		case KindNotify:
			c.dispatchNotify(env)
		default:
			// Forward-compatible: unknown traffic is not an error.
			if c.logger != nil {
				c.logger.Debug("unhandled frame", "correlationID", env.I, "kind", env.M)
			}
		}
	}
}

func (c *Client) resolvePending(env *Envelope) {
	c.pendingMu.Lock()
	ch, ok := c.pending[env.I]
	if ok {
		delete(c.pending, env.I)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	if env.E != nil {
		if c.logger != nil {
			c.logger.Warn("error reply", "correlationID", env.I, "error", string(env.E))
		}
		ch <- pendingResult{err: &ProtocolError{Raw: env.E}}
		return
	}
	ch <- pendingResult{raw: env.R}
}

func (c *Client) dispatchNotify(env *Envelope) {
	select {
	case c.updates <- env:
	default:
		// Queue full: drop the oldest entry, then enqueue.
		select {
		case <-c.updates:
		default:
		}
		select {
		case c.updates <- env:
		default:
		}
	}

	c.handlerMu.Lock()
	handlers := make([]UpdateHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.handlerMu.Unlock()
	for _, h := range handlers {
		go h(env)
	}
}

// --- keepalive loop ---

func (c *Client) keepaliveLoop(epoch chan struct{}) {
	ticker := time.NewTicker(c.keepaliveInterval)
	defer ticker.Stop()

	for {
		// Tick first, then sleep: the gateway expects traffic as soon
		// as the epoch opens. Fire-and-forget; a failed keepalive must
		// not take the loop down with it.
		if err := c.fireAndForget(hiTimeTick, siTimeTick, []int64{time.Now().Unix()}); err != nil {
			if c.logger != nil {
				c.logger.Debug("keepalive tick failed", "error", err)
			}
		}

		if last := c.lastRx.Load(); last > 0 && time.Since(time.Unix(0, last)) > c.staleThreshold {
			select {
			case <-epoch:
				return // deliberate teardown
			default:
			}
			if c.logger != nil {
				c.logger.Warn("websocket stale, reconnecting", "threshold", c.staleThreshold)
			}
			c.triggerReconnect(fmt.Errorf("no inbound frame for %s", c.staleThreshold))
			return
		}

		select {
		case <-epoch:
			return
		case <-ticker.C:
		}
	}
}

// --- reconnect state machine ---

// triggerReconnect coalesces concurrent triggers: only one reconnect
// sequence runs at a time, and a stopped client never reconnects.
func (c *Client) triggerReconnect(cause error) {
	c.mu.Lock()
	if c.stopped || c.connecting || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	gen := c.epochGen
	conn := c.conn
	c.conn = nil
	epoch := c.epochCh
	c.epochCh = nil
	sess := c.session
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Warn("connection lost", "cause", cause)
	}
	if epoch != nil {
		close(epoch)
	}
	if conn != nil {
		conn.Close()
	}
	// In-flight requests are not replayed; callers must re-issue.
	c.failAllPending(ErrConnectionReset)

	go c.reconnectLoop(sess, gen)
}

// reconnectLoop owns the epoch identified by gen. A Connect issued after
// a Disconnect bumps the generation, at which point this loop abandons
// without touching the new epoch's connection.
func (c *Client) reconnectLoop(sess *Session, gen uint64) {
	delay := c.backoffMin
	for attempt := 1; ; attempt++ {
		c.mu.Lock()
		abandoned := c.stopped || c.epochGen != gen
		done := c.doneCh
		c.mu.Unlock()
		if abandoned {
			c.clearReconnecting(gen)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.handshakeTimeout)
		conn, err := c.dial(ctx, sess)
		cancel()

		if err == nil {
			c.mu.Lock()
			if c.stopped || c.epochGen != gen {
				c.mu.Unlock()
				conn.Close()
				c.clearReconnecting(gen)
				return
			}
			c.conn = conn
			c.epochCh = make(chan struct{})
			epoch := c.epochCh
			c.reconnecting = false
			c.mu.Unlock()

			c.lastRx.Store(time.Now().UnixNano())
			go c.recvLoop(conn, epoch)
			go c.keepaliveLoop(epoch)

			if c.logger != nil {
				c.logger.Info("reconnected", "attempts", attempt)
			}
			return
		}

		if errors.Is(err, ErrInvalidAuth) {
			// Token no longer accepted. The client holds no credentials,
			// so this is terminal until the caller logs in again.
			c.mu.Lock()
			if c.epochGen != gen {
				c.mu.Unlock()
				return
			}
			c.stopped = true
			c.reconnecting = false
			c.termErr = err
			alreadyDone := c.doneClosed
			c.doneClosed = true
			c.mu.Unlock()
			if !alreadyDone {
				close(done)
			}
			if c.logger != nil {
				c.logger.Error("reconnect rejected, re-login required", "error", err)
			}
			return
		}

		if c.logger != nil {
			c.logger.Debug("reconnect attempt failed", "attempt", attempt, "error", err, "delay", delay)
		}

		jitter := time.Duration(rand.Int64N(int64(250 * time.Millisecond)))
		select {
		case <-time.After(delay + jitter):
		case <-done:
			c.clearReconnecting(gen)
			return
		}

		delay *= 2
		if delay > c.backoffMax {
			delay = c.backoffMax
		}
	}
}

func (c *Client) clearReconnecting(gen uint64) {
	c.mu.Lock()
	if c.epochGen == gen {
		c.reconnecting = false
	}
	c.mu.Unlock()
}

func (c *Client) failAllPending(cause error) {
	c.pendingMu.Lock()
	for corr, ch := range c.pending {
		ch <- pendingResult{err: cause}
		delete(c.pending, corr)
	}
	c.pendingMu.Unlock()
}

// --- envelope send ---

func (c *Client) writeFrame(conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// request sends one correlated request and waits for its reply. The
// result slot is registered before sending so a fast reply cannot race
// the registration. There is no built-in per-request timeout; callers
// apply their own deadline through ctx.
func (c *Client) request(ctx context.Context, hi, si int, args any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	sess := c.session
	gmi := c.gmi
	c.mu.Unlock()
	if conn == nil || sess == nil {
		return nil, ErrNotConnected
	}

	corr := newCorrelationID(sess.ID)
	frame, err := encodeRequest(corr, gmi, hi, si, args)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ch := make(chan pendingResult, 1)
	c.pendingMu.Lock()
	c.pending[corr] = ch
	c.pendingMu.Unlock()

	if err := c.writeFrame(conn, frame); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, corr)
		c.pendingMu.Unlock()
		if c.logger != nil {
			c.logger.Error("send failed", "correlationID", corr, "error", err)
		}
		return nil, fmt.Errorf("send request: %w", err)
	}

	if c.logger != nil {
		c.logger.Debug("request sent", "blockID", hi, "subID", si, "correlationID", corr)
	}

	select {
	case res := <-ch:
		return res.raw, res.err
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, corr)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("request canceled: %w", ctx.Err())
	}
}

// fireAndForget sends a request without registering a result slot. It
// fails only on a synchronous send error.
func (c *Client) fireAndForget(hi, si int, args any) error {
	c.mu.Lock()
	conn := c.conn
	sess := c.session
	gmi := c.gmi
	c.mu.Unlock()
	if conn == nil || sess == nil {
		return ErrNotConnected
	}

	frame, err := encodeRequest(newCorrelationID(sess.ID), gmi, hi, si, args)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.writeFrame(conn, frame)
}

// --- push notifications ---

// OnUpdate registers a listener fired on every push notification.
func (c *Client) OnUpdate(h UpdateHandler) {
	c.handlerMu.Lock()
	c.handlers = append(c.handlers, h)
	c.handlerMu.Unlock()
}

// Updates returns the bounded push notification queue. When the queue
// overflows the oldest entry is discarded.
func (c *Client) Updates() <-chan *Envelope {
	return c.updates
}

// --- reads ---

// ZonesRead fetches the zone listing (49/11).
func (c *Client) ZonesRead(ctx context.Context) (json.RawMessage, error) {
	return c.request(ctx, hiZones, siZones, nil)
}

// TimeTick issues a request/response time tick (2/103) carrying the
// current epoch seconds. The keepalive loop uses the fire-and-forget
// variant instead.
func (c *Client) TimeTick(ctx context.Context) (json.RawMessage, error) {
	return c.request(ctx, hiTimeTick, siTimeTick, []int64{time.Now().Unix()})
}

// DeviceMetadata fetches device metadata (17/11).
func (c *Client) DeviceMetadata(ctx context.Context) (json.RawMessage, error) {
	return c.request(ctx, hiDeviceMeta, siDeviceMeta, nil)
}

// DeviceConfig fetches device configuration (14/11).
func (c *Client) DeviceConfig(ctx context.Context) (json.RawMessage, error) {
	return c.request(ctx, hiDeviceConf, siDeviceConf, nil)
}

// StateRead performs a full state read (3/1) and normalizes the result
// into a snapshot.
func (c *Client) StateRead(ctx context.Context) (State, error) {
	raw, err := c.request(ctx, hiStateRead, siStateRead, nil)
	if err != nil {
		return State{}, err
	}
	return ParseState(raw), nil
}

// --- writes (state block, slot 1) ---

func (c *Client) writeItem(ctx context.Context, itemID, value, ot, d int) error {
	args := []any{StateSlot, Item{ID: itemID, Value: value, OT: ot, D: d}}
	_, err := c.request(ctx, hiStateWrite, siStateWrite, args)
	return err
}

// SetTargetTemp sets the target temperature immediately.
func (c *Client) SetTargetTemp(ctx context.Context, celsius float64) error {
	return c.writeItem(ctx, ItemTarget, CToDeci(celsius), OpSet, 0)
}

// SetMode switches heating on or off.
func (c *Client) SetMode(ctx context.Context, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return c.writeItem(ctx, ItemHVAC, v, OpSet, 0)
}

// SetHVAC is an alias for SetMode that makes the intent explicit.
func (c *Client) SetHVAC(ctx context.Context, heat bool) error {
	return c.SetMode(ctx, heat)
}

// SetPreset selects the "away" or "home" preset.
func (c *Client) SetPreset(ctx context.Context, preset string) error {
	var code int
	switch strings.ToLower(strings.TrimSpace(preset)) {
	case "away":
		code = 1
	case "home":
		code = 2
	default:
		return fmt.Errorf("unsupported preset %q (expected \"away\" or \"home\")", preset)
	}
	return c.writeItem(ctx, ItemPreset, code, OpSet, 0)
}

// SetTimedHold holds the target temperature for the given number of
// minutes, after which the schedule resumes.
func (c *Client) SetTimedHold(ctx context.Context, celsius float64, minutes int) error {
	return c.writeItem(ctx, ItemTarget, CToDeci(celsius), OpTimedHold, minutes)
}
