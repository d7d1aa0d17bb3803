package beanbag

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testGateway is a minimal BB-BO-01 endpoint: it upgrades connections,
// records every inbound frame and delegates replies to onFrame.
type testGateway struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	onFrame func(g *testGateway, conn *websocket.Conn, raw []byte)

	frames     chan []byte
	connCount  atomic.Int32
	rejectFrom atomic.Int32 // reject upgrades with 401 from this connection number on

	mu          sync.Mutex
	conns       []*websocket.Conn
	lastHeaders http.Header
}

func newTestGateway(t *testing.T, onFrame func(g *testGateway, conn *websocket.Conn, raw []byte)) *testGateway {
	t.Helper()
	g := &testGateway{
		t:       t,
		onFrame: onFrame,
		frames:  make(chan []byte, 256),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
	}

	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := g.connCount.Add(1)
		if from := g.rejectFrom.Load(); from > 0 && n >= from {
			http.Error(w, "token expired", http.StatusUnauthorized)
			return
		}

		g.mu.Lock()
		g.lastHeaders = r.Header.Clone()
		g.mu.Unlock()

		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conns = append(g.conns, conn)
		g.mu.Unlock()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case g.frames <- raw:
			default:
			}
			if g.onFrame != nil {
				g.onFrame(g, conn, raw)
			}
		}
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *testGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *testGateway) write(conn *websocket.Conn, payload string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

// push sends a frame on the most recent connection.
func (g *testGateway) push(payload string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.conns) == 0 {
		g.t.Error("push with no connection")
		return
	}
	conn := g.conns[len(g.conns)-1]
	conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

// dropAll closes every server-side connection.
func (g *testGateway) dropAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, conn := range g.conns {
		conn.Close()
	}
	g.conns = nil
}

// ping sends a control frame on the most recent connection.
func (g *testGateway) ping() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.conns) == 0 {
		g.t.Error("ping with no connection")
		return
	}
	conn := g.conns[len(g.conns)-1]
	conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}

func isTick(raw []byte) bool {
	var f gwFrame
	if json.Unmarshal(raw, &f) != nil || len(f.P) == 0 {
		return false
	}
	var h requestHeader
	if json.Unmarshal(f.P[0], &h) != nil {
		return false
	}
	return h.HI == hiTimeTick && h.SI == siTimeTick
}

// waitFrame returns the next non-keepalive frame.
func (g *testGateway) waitFrame(t *testing.T) []byte {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case raw := <-g.frames:
			if isTick(raw) {
				continue
			}
			return raw
		case <-deadline:
			t.Fatal("timed out waiting for a frame")
			return nil
		}
	}
}

// waitTick returns the next keepalive frame.
func (g *testGateway) waitTick(t *testing.T) []byte {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case raw := <-g.frames:
			if isTick(raw) {
				return raw
			}
		case <-deadline:
			t.Fatal("timed out waiting for a keepalive tick")
			return nil
		}
	}
}

// expectNoFrame asserts that no non-keepalive frame arrives within d.
func (g *testGateway) expectNoFrame(t *testing.T, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case raw := <-g.frames:
			if !isTick(raw) {
				t.Fatalf("unexpected frame: %s", raw)
			}
		case <-deadline:
			return
		}
	}
}

type gwFrame struct {
	V   string            `json:"V"`
	DTS int64             `json:"DTS"`
	I   string            `json:"I"`
	M   string            `json:"M"`
	P   []json.RawMessage `json:"P"`
}

func parseFrame(t *testing.T, raw []byte) (gwFrame, requestHeader) {
	t.Helper()
	var f gwFrame
	require.NoError(t, json.Unmarshal(raw, &f))
	require.NotEmpty(t, f.P)
	var h requestHeader
	require.NoError(t, json.Unmarshal(f.P[0], &h))
	return f, h
}

// replyEcho answers every request with a result identifying its block/sub.
func replyEcho(g *testGateway, conn *websocket.Conn, raw []byte) {
	var f gwFrame
	if json.Unmarshal(raw, &f) != nil || f.I == "" {
		return
	}
	var h requestHeader
	if json.Unmarshal(f.P[0], &h) != nil {
		return
	}
	g.write(conn, fmt.Sprintf(`{"I":%q,"R":{"HI":%d,"SI":%d}}`, f.I, h.HI, h.SI))
}

func newConnectedClient(t *testing.T, g *testGateway, opts ...ClientOption) *Client {
	t.Helper()
	login := httptest.NewServer(staticResponse(http.StatusOK, loginSuccessBody))
	t.Cleanup(login.Close)

	base := []ClientOption{
		WithBaseURL(login.URL),
		WithWSURL(g.wsURL()),
		WithHandshakeTimeout(2 * time.Second),
		WithReconnectBackoff(10*time.Millisecond, 50*time.Millisecond),
		WithKeepaliveInterval(time.Hour),
	}
	c, err := NewClient(append(base, opts...)...)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Login(ctx, "user@example.com", "secret"))
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(c.Disconnect)
	return c
}

func TestConnectRequiresLogin(t *testing.T) {
	c, err := NewClient()
	require.NoError(t, err)
	require.ErrorIs(t, c.Connect(context.Background()), ErrNoSession)
}

func TestConnectIdempotent(t *testing.T) {
	g := newTestGateway(t, replyEcho)
	c := newConnectedClient(t, g)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, int32(1), g.connCount.Load())
	assert.True(t, c.IsConnected())
}

func TestConnectConcurrentSingleDial(t *testing.T) {
	// Concurrent Connect calls share one dial: exactly one epoch is
	// installed and no socket is orphaned.
	g := newTestGateway(t, replyEcho)
	login := httptest.NewServer(staticResponse(http.StatusOK, loginSuccessBody))
	t.Cleanup(login.Close)

	c, err := NewClient(WithBaseURL(login.URL), WithWSURL(g.wsURL()))
	require.NoError(t, err)
	require.NoError(t, c.Login(context.Background(), "user@example.com", "secret"))
	t.Cleanup(c.Disconnect)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, c.Connect(context.Background()))
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), g.connCount.Load())
	assert.True(t, c.IsConnected())
}

func TestHandshakeHeaders(t *testing.T) {
	g := newTestGateway(t, replyEcho)
	newConnectedClient(t, g)

	g.mu.Lock()
	headers := g.lastHeaders
	g.mu.Unlock()
	require.NotNil(t, headers)
	assert.Equal(t, "Bearer t1", headers.Get("Authorization"))
	assert.Equal(t, "777", headers.Get("Session-id"))
	assert.Contains(t, headers.Get("Sec-Websocket-Protocol"), Subprotocol)
}

func TestRequestReplyCorrelation(t *testing.T) {
	g := newTestGateway(t, replyEcho)
	c := newConnectedClient(t, g)
	ctx := context.Background()

	// Two concurrent requests never resolve each other's slot.
	var wg sync.WaitGroup
	results := make([]json.RawMessage, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], errs[0] = c.ZonesRead(ctx)
	}()
	go func() {
		defer wg.Done()
		results[1], errs[1] = c.DeviceMetadata(ctx)
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.JSONEq(t, `{"HI":49,"SI":11}`, string(results[0]))
	assert.JSONEq(t, `{"HI":17,"SI":11}`, string(results[1]))

	c.pendingMu.Lock()
	assert.Empty(t, c.pending)
	c.pendingMu.Unlock()
}

func TestOutOfOrderReplies(t *testing.T) {
	// Replies are matched strictly by correlation id, not by send order.
	var mu sync.Mutex
	var held []gwFrame
	g := newTestGateway(t, func(g *testGateway, conn *websocket.Conn, raw []byte) {
		if isTick(raw) {
			return
		}
		var f gwFrame
		if json.Unmarshal(raw, &f) != nil {
			return
		}
		mu.Lock()
		held = append(held, f)
		ready := len(held) == 2
		frames := append([]gwFrame(nil), held...)
		mu.Unlock()
		if !ready {
			return
		}
		for i := len(frames) - 1; i >= 0; i-- {
			var h requestHeader
			json.Unmarshal(frames[i].P[0], &h)
			g.write(conn, fmt.Sprintf(`{"I":%q,"R":{"HI":%d}}`, frames[i].I, h.HI))
		}
	})
	c := newConnectedClient(t, g)
	ctx := context.Background()

	var wg sync.WaitGroup
	var zones, config json.RawMessage
	var zerr, cerr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		zones, zerr = c.ZonesRead(ctx)
	}()
	go func() {
		defer wg.Done()
		config, cerr = c.DeviceConfig(ctx)
	}()
	wg.Wait()

	require.NoError(t, zerr)
	require.NoError(t, cerr)
	assert.JSONEq(t, `{"HI":49}`, string(zones))
	assert.JSONEq(t, `{"HI":14}`, string(config))
}

func TestSetTargetTempWireShape(t *testing.T) {
	g := newTestGateway(t, replyEcho)
	c := newConnectedClient(t, g)

	require.NoError(t, c.SetTargetTemp(context.Background(), 21.5))

	f, h := parseFrame(t, g.waitFrame(t))
	assert.Equal(t, ProtocolVersion, f.V)
	assert.Equal(t, MsgRequest, f.M)
	assert.Greater(t, f.DTS, int64(0))
	assert.True(t, strings.HasPrefix(f.I, "777-"))
	assert.Equal(t, int64(1001), h.GMI)
	assert.Equal(t, 2, h.HI)
	assert.Equal(t, 15, h.SI)
	require.Len(t, f.P, 2)
	assert.JSONEq(t, `[1,{"I":1,"V":215,"OT":1,"D":0}]`, string(f.P[1]))
}

func TestWriteOperations(t *testing.T) {
	g := newTestGateway(t, replyEcho)
	c := newConnectedClient(t, g)
	ctx := context.Background()

	cases := []struct {
		name string
		call func() error
		args string
	}{
		{"timed hold", func() error { return c.SetTimedHold(ctx, 19.5, 90) },
			`[1,{"I":1,"V":195,"OT":2,"D":90}]`},
		{"hvac off", func() error { return c.SetMode(ctx, false) },
			`[1,{"I":3,"V":0,"OT":1,"D":0}]`},
		{"hvac heat", func() error { return c.SetHVAC(ctx, true) },
			`[1,{"I":3,"V":1,"OT":1,"D":0}]`},
		{"preset away", func() error { return c.SetPreset(ctx, "away") },
			`[1,{"I":6,"V":1,"OT":1,"D":0}]`},
		{"preset home", func() error { return c.SetPreset(ctx, "Home") },
			`[1,{"I":6,"V":2,"OT":1,"D":0}]`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.call())
			f, h := parseFrame(t, g.waitFrame(t))
			assert.Equal(t, 2, h.HI)
			assert.Equal(t, 15, h.SI)
			require.Len(t, f.P, 2)
			assert.JSONEq(t, tc.args, string(f.P[1]))
		})
	}
}

func TestSetPresetRejectsUnknown(t *testing.T) {
	g := newTestGateway(t, replyEcho)
	c := newConnectedClient(t, g)

	err := c.SetPreset(context.Background(), "lunar")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lunar")

	// Nothing was sent for the rejected preset.
	g.expectNoFrame(t, 50*time.Millisecond)
}

func TestStateReadAndNotify(t *testing.T) {
	g := newTestGateway(t, func(g *testGateway, conn *websocket.Conn, raw []byte) {
		var f gwFrame
		if json.Unmarshal(raw, &f) != nil || f.I == "" {
			return
		}
		var h requestHeader
		json.Unmarshal(f.P[0], &h)
		if h.HI == 3 && h.SI == 1 {
			g.write(conn, fmt.Sprintf(`{"I":%q,"R":%s}`, f.I, fullStateBody))
			return
		}
		g.write(conn, fmt.Sprintf(`{"I":%q,"R":0}`, f.I))
	})
	c := newConnectedClient(t, g)
	ctx := context.Background()

	state, err := c.StateRead(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.TargetC)
	assert.Equal(t, 21.5, *state.TargetC)
	assert.Equal(t, "heat", state.HVACMode)

	// Push notification updates the snapshot incrementally.
	require.True(t, state.ApplyItem(Item{ID: ItemHVAC, Value: 0}))
	g.push(`{"M":"Notify","P":[{"SI":15},[1,{"I":3,"V":1}]]}`)

	select {
	case env := <-c.Updates():
		n, ok := ParseNotify(env)
		require.True(t, ok)
		assert.True(t, state.ApplyItem(n.Item))
		assert.Equal(t, "heat", state.HVACMode)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for notify")
	}
}

func TestOnUpdateFanout(t *testing.T) {
	g := newTestGateway(t, replyEcho)
	c := newConnectedClient(t, g)

	var count atomic.Int32
	c.OnUpdate(func(env *Envelope) {
		if env.Kind() == KindNotify {
			count.Add(1)
		}
	})

	for i := 0; i < 3; i++ {
		g.push(fmt.Sprintf(`{"M":"Notify","P":[{"SI":15},[1,{"I":9,"V":%d}]]}`, i))
	}

	require.Eventually(t, func() bool { return count.Load() == 3 },
		3*time.Second, 10*time.Millisecond)
}

func TestUpdatesQueueOverflow(t *testing.T) {
	g := newTestGateway(t, replyEcho)
	c := newConnectedClient(t, g)

	var seen atomic.Int32
	c.OnUpdate(func(*Envelope) { seen.Add(1) })

	const total = updateQueueSize + 5
	for i := 1; i <= total; i++ {
		g.push(fmt.Sprintf(`{"M":"Notify","P":[{"SI":15},[1,{"I":9,"V":%d}]]}`, i))
	}
	require.Eventually(t, func() bool { return seen.Load() == total },
		5*time.Second, 10*time.Millisecond)

	// Oldest entries were overwritten; the queue holds the newest 200.
	assert.Equal(t, updateQueueSize, len(c.updates))
	env := <-c.Updates()
	n, ok := ParseNotify(env)
	require.True(t, ok)
	assert.Equal(t, 6, n.Item.Value)
}

func TestReplyWithErrorFrame(t *testing.T) {
	g := newTestGateway(t, func(g *testGateway, conn *websocket.Conn, raw []byte) {
		var f gwFrame
		if json.Unmarshal(raw, &f) != nil || f.I == "" {
			return
		}
		g.write(conn, fmt.Sprintf(`{"I":%q,"E":{"code":13,"msg":"denied"}}`, f.I))
	})
	c := newConnectedClient(t, g)

	_, err := c.ZonesRead(context.Background())
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Error(), "denied")
}

func TestRequestWhenNotConnected(t *testing.T) {
	login := httptest.NewServer(staticResponse(http.StatusOK, loginSuccessBody))
	t.Cleanup(login.Close)
	c, err := NewClient(WithBaseURL(login.URL))
	require.NoError(t, err)
	require.NoError(t, c.Login(context.Background(), "user@example.com", "secret"))

	_, err = c.ZonesRead(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestRequestContextCancel(t *testing.T) {
	g := newTestGateway(t, nil) // never replies
	c := newConnectedClient(t, g)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.ZonesRead(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	c.pendingMu.Lock()
	assert.Empty(t, c.pending)
	c.pendingMu.Unlock()
}

func TestDisconnectFailsAllPending(t *testing.T) {
	g := newTestGateway(t, nil) // never replies
	c := newConnectedClient(t, g)
	ctx := context.Background()

	const n = 3
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.ZonesRead(ctx)
			errCh <- err
		}()
	}
	for i := 0; i < n; i++ {
		g.waitFrame(t)
	}

	c.Disconnect()

	// Exactly n pending slots fail with a connection-reset error.
	for i := 0; i < n; i++ {
		select {
		case err := <-errCh:
			require.ErrorIs(t, err, ErrConnectionReset)
		case <-time.After(3 * time.Second):
			t.Fatal("pending request was not failed")
		}
	}
	c.pendingMu.Lock()
	assert.Empty(t, c.pending)
	c.pendingMu.Unlock()

	_, err := c.ZonesRead(ctx)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestDisconnectIdempotent(t *testing.T) {
	g := newTestGateway(t, replyEcho)
	c := newConnectedClient(t, g)

	c.Disconnect()
	c.Disconnect()
	assert.False(t, c.IsConnected())
	assert.NoError(t, c.Err())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after disconnect")
	}
}

func TestKeepaliveTick(t *testing.T) {
	g := newTestGateway(t, nil)
	// A one-hour interval: the tick seen below can only be the immediate
	// one sent when the epoch opens.
	newConnectedClient(t, g, WithKeepaliveInterval(time.Hour))

	f, h := parseFrame(t, g.waitTick(t))
	assert.Equal(t, 2, h.HI)
	assert.Equal(t, 103, h.SI)
	require.Len(t, f.P, 2)

	var args []int64
	require.NoError(t, json.Unmarshal(f.P[1], &args))
	require.Len(t, args, 1)
	assert.InDelta(t, time.Now().Unix(), args[0], 5)
}

func TestReconnectAfterDrop(t *testing.T) {
	g := newTestGateway(t, replyEcho)
	c := newConnectedClient(t, g)

	g.dropAll()

	require.Eventually(t, func() bool {
		return g.connCount.Load() >= 2 && c.IsConnected()
	}, 5*time.Second, 10*time.Millisecond)

	// The new epoch works; in-flight state was not replayed.
	_, err := c.ZonesRead(context.Background())
	require.NoError(t, err)
}

func TestReconnectFailsPending(t *testing.T) {
	g := newTestGateway(t, nil) // never replies
	c := newConnectedClient(t, g)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.ZonesRead(context.Background())
		errCh <- err
	}()
	g.waitFrame(t)

	g.dropAll()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrConnectionReset)
	case <-time.After(3 * time.Second):
		t.Fatal("pending request survived the reconnect")
	}

	require.Eventually(t, func() bool { return c.IsConnected() },
		5*time.Second, 10*time.Millisecond)

	// No replay: the only frames ever seen are the original request.
	g.expectNoFrame(t, 100*time.Millisecond)
}

func TestStaleConnectionTriggersReconnect(t *testing.T) {
	g := newTestGateway(t, nil) // reads frames, never sends anything
	c := newConnectedClient(t, g,
		WithKeepaliveInterval(50*time.Millisecond),
		WithStaleThreshold(100*time.Millisecond))

	require.Eventually(t, func() bool { return g.connCount.Load() >= 2 },
		10*time.Second, 20*time.Millisecond)
	_ = c
}

func TestFreshTrafficKeepsConnectionAlive(t *testing.T) {
	// A sub-second threshold is honored as a duration: regular inbound
	// frames keep the connection from being declared stale.
	g := newTestGateway(t, nil)
	c := newConnectedClient(t, g,
		WithKeepaliveInterval(50*time.Millisecond),
		WithStaleThreshold(400*time.Millisecond))

	stop := time.After(time.Second)
	for loop := true; loop; {
		select {
		case <-stop:
			loop = false
		case <-time.After(100 * time.Millisecond):
			g.push(`{"M":"Notify","P":[{"SI":15},[1,{"I":9,"V":1}]]}`)
		}
	}

	assert.Equal(t, int32(1), g.connCount.Load())
	assert.True(t, c.IsConnected())
}

func TestPingRefreshesActivity(t *testing.T) {
	// Control frames never reach the receive loop but still count as
	// inbound activity for staleness.
	g := newTestGateway(t, nil)
	c := newConnectedClient(t, g)

	before := c.lastRx.Load()
	time.Sleep(10 * time.Millisecond)
	g.ping()

	require.Eventually(t, func() bool { return c.lastRx.Load() > before },
		3*time.Second, 10*time.Millisecond)
}

func TestReconnectAuthRejectIsTerminal(t *testing.T) {
	g := newTestGateway(t, replyEcho)
	c := newConnectedClient(t, g)

	g.rejectFrom.Store(2)
	g.dropAll()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop on auth-rejected reconnect")
	}
	require.ErrorIs(t, c.Err(), ErrInvalidAuth)
	assert.False(t, c.IsConnected())
}

func TestConnectAuthReject(t *testing.T) {
	g := newTestGateway(t, replyEcho)
	g.rejectFrom.Store(1)

	login := httptest.NewServer(staticResponse(http.StatusOK, loginSuccessBody))
	t.Cleanup(login.Close)
	c, err := NewClient(WithBaseURL(login.URL), WithWSURL(g.wsURL()))
	require.NoError(t, err)
	require.NoError(t, c.Login(context.Background(), "user@example.com", "secret"))

	err = c.Connect(context.Background())
	require.ErrorIs(t, err, ErrInvalidAuth)
}
