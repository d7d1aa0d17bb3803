// Package beanbag provides a client for the SecureControls / Beanbag
// cloud thermostat gateway.
//
// The client authenticates over HTTPS, then opens a single persistent
// WebSocket connection that multiplexes request/response pairs and
// asynchronous push notifications under the BB-BO-01 wire protocol.
//
// # Basic Usage
//
//	ctx := context.Background()
//	client, err := beanbag.NewClient()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Login(ctx, "user@example.com", "secret"); err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Disconnect()
//
//	state, err := client.StateRead(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Configuration
//
// The client can be configured using functional options:
//
//	client, err := beanbag.NewClient(
//	    beanbag.WithKeepaliveInterval(30*time.Second),
//	    beanbag.WithReconnectBackoff(time.Second, time.Minute),
//	    beanbag.WithLogger(slog.Default()),
//	)
//
// # Lifecycle
//
// Login must succeed before Connect. Once connected, the client keeps
// the socket alive with an application-layer time tick and reconnects
// automatically with exponential backoff when the transport fails or
// goes stale. In-flight requests fail with ErrConnectionReset on any
// reconnect and must be re-issued by the caller. A reconnect handshake
// rejected with an authentication-class status is terminal: Done is
// closed, Err reports ErrInvalidAuth, and the caller must log in again.
//
// Push notifications are delivered to listeners registered with
// OnUpdate and to the bounded queue returned by Updates. A snapshot
// obtained from StateRead can be kept current by applying block-15
// notification items with ParseNotify and State.ApplyItem.
package beanbag
