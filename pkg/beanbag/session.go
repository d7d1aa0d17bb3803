package beanbag

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Session holds the auth context produced by a successful login. It is
// required for every WebSocket operation and is replaced only by a
// subsequent successful login.
type Session struct {
	Token     string // bearer token (D.JT)
	ID        int64  // session identifier (D.SI)
	Timestamp int64  // session timestamp (D.JTT)
	UserID    int64  // user identifier (D.UI)
}

// Thermostat identifies the selected gateway device. The gateway and the
// thermostat are the same physical unit; it is the single addressable
// target for the remainder of the session.
type Thermostat struct {
	GatewayID string // numeric gateway id (GMI)
	Serial    string // serial number (SN)
	HostName  string // host name (HN)

	// Optional capability flags, carried as-is from the login response.
	CS *int
	UR *int
	HI *int
	DT *int
	DN *string
}

type loginRequest struct {
	ULC loginCreds `json:"ULC"`
}

type loginCreds struct {
	OI  int    `json:"OI"`
	NT  string `json:"NT"`
	UEI string `json:"UEI"`
	P   string `json:"P"`
}

type gatewayEntry struct {
	GMI int64   `json:"GMI"`
	SN  string  `json:"SN"`
	HN  string  `json:"HN"`
	CS  *int    `json:"CS"`
	UR  *int    `json:"UR"`
	HI  *int    `json:"HI"`
	DT  *int    `json:"DT"`
	DN  *string `json:"DN"`
}

type loginData struct {
	JT  string         `json:"JT"`
	SI  int64          `json:"SI"`
	JTT int64          `json:"JTT"`
	UI  int64          `json:"UI"`
	GD  []gatewayEntry `json:"GD"`
}

type loginResponse struct {
	RI json.RawMessage `json:"RI"`
	D  loginData       `json:"D"`
}

// encodePassword returns the MD5 hex digest of the password: 32 lowercase
// hex characters, never truncated. The digest algorithm is a versioned
// contract with the server; treat it as a pinned constant.
func encodePassword(pw string) string {
	sum := md5.Sum([]byte(pw))
	return hex.EncodeToString(sum[:])
}

// Login authenticates over HTTPS and selects the first device returned as
// the session's thermostat. Email is trimmed but its case is preserved.
//
// Failure mapping: 401/403 and a 2xx body lacking token/session id yield
// ErrInvalidAuth; network errors, 5xx statuses and malformed bodies yield
// ErrCannotConnect; a valid session with an empty device list yields
// ErrNoDevice (authentication succeeded, but there is nothing to target).
func (c *Client) Login(ctx context.Context, email, password string) error {
	payload := loginRequest{
		ULC: loginCreds{
			OI:  1550005,
			NT:  "SetLogin",
			UEI: strings.TrimSpace(email),
			P:   encodePassword(password),
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal login payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/UserRestAPI/LoginRequest", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	req.Header.Set("Request-id", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: login: %v", ErrCannotConnect, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if c.logger != nil {
			c.logger.Warn("login unauthorized", "status", resp.StatusCode)
		}
		return fmt.Errorf("%w: HTTP %d", ErrInvalidAuth, resp.StatusCode)
	case resp.StatusCode >= 500:
		if c.logger != nil {
			c.logger.Error("login server error", "status", resp.StatusCode)
		}
		return fmt.Errorf("%w: server error %d", ErrCannotConnect, resp.StatusCode)
	}

	var root loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&root); err != nil {
		return fmt.Errorf("%w: bad JSON from login (HTTP %d)", ErrCannotConnect, resp.StatusCode)
	}

	// Many backends encode failures in a 2xx body; a response without both
	// token and session id is an authentication failure regardless of status.
	if root.D.JT == "" || root.D.SI == 0 {
		return fmt.Errorf("%w: missing JT/SI in response (RI=%s)", ErrInvalidAuth, string(root.RI))
	}

	if len(root.D.GD) == 0 {
		return fmt.Errorf("%w (GD empty)", ErrNoDevice)
	}

	// First-wins device selection. Multi-device accounts are a product
	// scope question; the client does not disambiguate further.
	gw := root.D.GD[0]
	thermo := &Thermostat{
		GatewayID: strconv.FormatInt(gw.GMI, 10),
		Serial:    gw.SN,
		HostName:  gw.HN,
		CS:        gw.CS,
		UR:        gw.UR,
		HI:        gw.HI,
		DT:        gw.DT,
		DN:        gw.DN,
	}

	c.mu.Lock()
	c.session = &Session{
		Token:     root.D.JT,
		ID:        root.D.SI,
		Timestamp: root.D.JTT,
		UserID:    root.D.UI,
	}
	c.thermostat = thermo
	c.gmi = gw.GMI
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Debug("login ok",
			"sessionID", root.D.SI, "userID", root.D.UI, "devices", len(root.D.GD))
		c.logger.Debug("selected thermostat",
			"gatewayID", thermo.GatewayID, "serial", thermo.Serial, "host", thermo.HostName)
	}
	return nil
}

// Session returns the current auth session, or nil before a successful login.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Thermostat returns the selected device, or nil before a successful login.
func (c *Client) Thermostat() *Thermostat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thermostat
}
