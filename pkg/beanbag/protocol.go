package beanbag

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Constants defined by the Beanbag BB-BO-01 wire contract.
const (
	// DefaultBaseURL is the HTTPS endpoint used for login.
	DefaultBaseURL = "https://app.beanbag.online"

	// DefaultWSURL is the WebSocket endpoint carrying all session traffic.
	DefaultWSURL = "wss://app.beanbag.online/api/TransactionRestAPI/ConnectWebSocket"

	// Subprotocol is the WebSocket subprotocol tag advertised on connect.
	Subprotocol = "BB-BO-01"

	// ProtocolVersion is the envelope version field (V).
	ProtocolVersion = "1.0"

	// Message kind markers (M).
	MsgRequest = "Request"
	MsgNotify  = "Notify"

	// StateBlock is the thermostat state block (SI:15). The item table
	// addresses values inside this block only.
	StateBlock = 15

	// StateSlot is the single settable slot within the state block.
	StateSlot = 1
)

// Block/sub-id pairs (HI/SI in the request header) understood by the gateway.
const (
	hiTimeTick   = 2
	siTimeTick   = 103
	hiStateWrite = 2
	siStateWrite = 15
	hiStateRead  = 3
	siStateRead  = 1
	hiZones      = 49
	siZones      = 11
	hiDeviceMeta = 17
	siDeviceMeta = 11
	hiDeviceConf = 14
	siDeviceConf = 11
)

// Item ids within StateBlock, slot 1. Shared by the write path (building
// command item/value pairs) and the read/notify path (decoding items);
// the two must never diverge.
const (
	ItemTarget     = 1  // target temperature, deci-degrees C
	ItemAmbient    = 2  // ambient/probe temperature, deci-degrees C
	ItemHVAC       = 3  // 0=off, 1=heat
	ItemPreset     = 6  // 1=away, 2=home
	ItemHumidity   = 8  // %RH
	ItemNextTime   = 9  // minutes until next scheduled change
	ItemNextTarget = 10 // next scheduled target, deci-degrees C
	ItemFrost      = 11 // frost protection, deci-degrees C
)

// Operation types for state writes.
const (
	OpSet       = 1 // immediate set
	OpTimedHold = 2 // timed override, duration in minutes
)

var (
	ErrNoSession       = errors.New("login required")
	ErrInvalidAuth     = errors.New("invalid credentials")
	ErrCannotConnect   = errors.New("cannot connect")
	ErrNoDevice        = errors.New("login ok but no devices")
	ErrNotConnected    = errors.New("websocket not connected")
	ErrConnectionReset = errors.New("connection reset")
	ErrStopped         = errors.New("client stopped")
)

// ProtocolError is returned when the gateway rejects an operation with an
// explicit error frame (E field on the reply).
type ProtocolError struct {
	Raw json.RawMessage
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("gateway rejected request: %s", string(e.Raw))
}

// Envelope is a decoded inbound wire frame. Exactly one of three shapes
// applies: a reply (I set plus R or E), a push notification (M == Notify),
// or something this client does not understand.
type Envelope struct {
	V   string            `json:"V,omitempty"`
	DTS int64             `json:"DTS,omitempty"`
	I   string            `json:"I,omitempty"`
	M   string            `json:"M,omitempty"`
	P   []json.RawMessage `json:"P,omitempty"`
	R   json.RawMessage   `json:"R,omitempty"`
	E   json.RawMessage   `json:"E,omitempty"`
}

// FrameKind classifies an inbound frame.
type FrameKind int

const (
	KindUnknown FrameKind = iota
	KindReply
	KindNotify
)

// Kind classifies the envelope once at the boundary. A frame carrying a
// correlation id and a result or error field is a reply and is never also
// treated as a notification.
func (e *Envelope) Kind() FrameKind {
	if e.I != "" && (e.R != nil || e.E != nil) {
		return KindReply
	}
	if e.M == MsgNotify {
		return KindNotify
	}
	return KindUnknown
}

// DecodeEnvelope parses a raw text frame.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// requestHeader is the first element of an outbound payload list: it
// identifies the target device and the block/sub operation.
type requestHeader struct {
	GMI int64 `json:"GMI"`
	HI  int   `json:"HI"`
	SI  int   `json:"SI"`
}

// requestEnvelope is the outbound frame shape.
type requestEnvelope struct {
	V   string `json:"V"`
	DTS int64  `json:"DTS"`
	I   string `json:"I"`
	M   string `json:"M"`
	P   []any  `json:"P"`
}

// encodeRequest builds the wire bytes for one request. args, when non-nil,
// becomes the second payload element (operation-specific arguments).
func encodeRequest(corr string, gmi int64, hi, si int, args any) ([]byte, error) {
	p := []any{requestHeader{GMI: gmi, HI: hi, SI: si}}
	if args != nil {
		p = append(p, args)
	}
	return json.Marshal(requestEnvelope{
		V:   ProtocolVersion,
		DTS: time.Now().Unix(),
		I:   corr,
		M:   MsgRequest,
		P:   p,
	})
}

// newCorrelationID produces a correlation id unique per connection epoch,
// in the server-pinned format "{session_id}-{random_hex}".
func newCorrelationID(sessionID int64) string {
	var b [4]byte
	rand.Read(b[:])
	return fmt.Sprintf("%d-%s", sessionID, hex.EncodeToString(b[:]))
}

// CToDeci encodes a celsius value as deci-degrees, the unit used for all
// temperature items on the wire.
func CToDeci(c float64) int {
	return int(math.Round(c * 10))
}

// DeciToC reverses CToDeci exactly.
func DeciToC(v int) float64 {
	return float64(v) / 10.0
}
