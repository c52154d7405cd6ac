package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Status is the normalized connection state of a gateway instance.
// Callers never see the provider's raw response shapes.
type Status string

const (
	StatusUnknown      Status = "unknown"
	StatusConnecting   Status = "connecting"
	StatusQRReady      Status = "qr_ready"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Error is a non-2xx response from the gateway.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway http %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404-class gateway error.
func IsNotFound(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Status == http.StatusNotFound
}

// NoQRError means the instance is in a state that has no QR to offer yet.
// It drives retry, not failure.
type NoQRError struct {
	State string
}

func (e *NoQRError) Error() string {
	return fmt.Sprintf("no qr code yet (state=%s)", e.State)
}

// InstanceState is the single normalized result of a status query.
type InstanceState struct {
	Status      Status `json:"status"`
	PhoneNumber string `json:"phone_number,omitempty"`
	QRImage     string `json:"qr_image,omitempty"`
	RawState    string `json:"raw_state,omitempty"`
}

// InstanceRef is what a creation call yields. No QR is guaranteed yet.
type InstanceRef struct {
	Name    string `json:"name"`
	Token   string `json:"token,omitempty"`
	Status  Status `json:"status"`
	QRImage string `json:"qr_image,omitempty"`
}

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	log     zerolog.Logger
}

func NewClient(baseURL string, apiKey string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 35 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		httpc:   &http.Client{Timeout: timeout},
		log:     logger,
	}
}

// CreateInstance registers a new session on the gateway. Name already in use
// is still returned as a *Error; callers decide whether that is fatal.
func (c *Client) CreateInstance(ctx context.Context, name string, number string, token string) (InstanceRef, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return InstanceRef{}, errors.New("instance name is required")
	}

	payload := map[string]any{
		"instanceName": name,
		"qrcode":       true,
		"integration":  "WHATSAPP-BAILEYS",
	}
	if n := strings.TrimSpace(number); n != "" {
		payload["number"] = n
	}
	if t := strings.TrimSpace(token); t != "" {
		payload["token"] = t
	}

	body, status, raw, err := c.request(ctx, http.MethodPost, "/instance/create", payload)
	if err != nil {
		return InstanceRef{}, err
	}
	if status < 200 || status >= 300 {
		return InstanceRef{}, newGatewayError(status, body, raw)
	}

	ref := InstanceRef{
		Name:   name,
		Token:  pickString(body, "token", "apikey", "api_key"),
		Status: StatusConnecting,
	}
	if providerName := pickString(body, "instanceName", "instance_name"); providerName != "" {
		ref.Name = providerName
	}
	if qr := pickString(body, "base64", "qrcode", "qrCode"); qr != "" {
		ref.QRImage = normalizeQR(qr)
		ref.Status = StatusQRReady
	}
	return ref, nil
}

// FetchStatus queries the current connection state and collapses the
// provider's inconsistent response shapes into one InstanceState.
func (c *Client) FetchStatus(ctx context.Context, name string) (InstanceState, error) {
	body, status, raw, err := c.request(ctx, http.MethodGet, "/instance/connect/"+strings.TrimSpace(name), nil)
	if err != nil {
		return InstanceState{}, err
	}
	if status < 200 || status >= 300 {
		return InstanceState{}, newGatewayError(status, body, raw)
	}

	state := parseInstanceState(body)

	// The gateway omits the number on sessions opened elsewhere; recover it
	// from the instance list. This lookup is best-effort only.
	if state.Status == StatusConnected && state.PhoneNumber == "" {
		number, err := c.lookupNumber(ctx, name)
		if err != nil {
			c.log.Warn().Err(err).Str("instance", name).Msg("number recovery via fetchInstances failed")
		} else {
			state.PhoneNumber = number
		}
	}
	return state, nil
}

// ListInstances returns the raw instance records the gateway reports.
func (c *Client) ListInstances(ctx context.Context) ([]map[string]any, error) {
	body, status, raw, err := c.request(ctx, http.MethodGet, "/instance/fetchInstances", nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, newGatewayError(status, body, raw)
	}

	items, _ := body["items"].([]any)
	records := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if rec, ok := item.(map[string]any); ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

// FetchQRCode returns the pairing QR as a data URI, or *NoQRError when the
// instance is in a state other than qr-ready so callers can keep retrying.
func (c *Client) FetchQRCode(ctx context.Context, name string) (string, error) {
	body, status, raw, err := c.request(ctx, http.MethodGet, "/instance/connect/"+strings.TrimSpace(name), nil)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", newGatewayError(status, body, raw)
	}

	state := parseInstanceState(body)
	if state.QRImage != "" {
		return state.QRImage, nil
	}
	rawState := state.RawState
	if rawState == "" {
		rawState = string(state.Status)
	}
	return "", &NoQRError{State: rawState}
}

// Disconnect logs the instance out. Disconnecting an already-closed
// instance returns a gateway error the caller should treat as success.
func (c *Client) Disconnect(ctx context.Context, name string) error {
	body, status, raw, err := c.request(ctx, http.MethodDelete, "/instance/logout/"+strings.TrimSpace(name), nil)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return newGatewayError(status, body, raw)
	}
	return nil
}

func (c *Client) lookupNumber(ctx context.Context, name string) (string, error) {
	records, err := c.ListInstances(ctx)
	if err != nil {
		return "", err
	}
	want := strings.ToLower(strings.TrimSpace(name))
	for _, rec := range records {
		got := pickString(rec, "instanceName", "instance_name", "name")
		if strings.ToLower(strings.TrimSpace(got)) != want {
			continue
		}
		if number := pickString(rec, "number", "owner"); number != "" {
			return number, nil
		}
	}
	return "", nil
}

func (c *Client) request(ctx context.Context, method string, path string, payload any) (map[string]any, int, string, error) {
	var bodyReader io.Reader
	if payload != nil {
		b, _ := json.Marshal(payload)
		bodyReader = bytes.NewReader(b)
	} else if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		bodyReader = bytes.NewReader([]byte("{}"))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, 0, "", err
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, 0, "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	rawBody := strings.TrimSpace(string(raw))
	parsed := map[string]any{}
	if rawBody != "" {
		var anyPayload any
		if err := json.Unmarshal(raw, &anyPayload); err == nil {
			switch t := anyPayload.(type) {
			case map[string]any:
				parsed = t
			case []any:
				parsed["items"] = t
			default:
				parsed["value"] = t
			}
		} else {
			parsed["raw"] = rawBody
		}
	}

	return parsed, resp.StatusCode, rawBody, nil
}

func newGatewayError(status int, body map[string]any, raw string) *Error {
	message := pickString(body, "message", "error")
	if message == "" {
		message = strings.TrimSpace(raw)
	}
	if message == "" {
		message = fmt.Sprintf("HTTP %d", status)
	}
	return &Error{Status: status, Message: message}
}

// parseInstanceState is the one place raw gateway shapes are interpreted.
func parseInstanceState(body map[string]any) InstanceState {
	node := body
	if nested, ok := body["instance"].(map[string]any); ok {
		node = nested
	}

	var state InstanceState
	if qr := pickString(node, "base64", "qrcode", "qrCode"); qr != "" {
		state.QRImage = normalizeQR(qr)
		state.Status = StatusQRReady
		state.RawState = pickString(node, "state", "status")
		state.PhoneNumber = pickString(node, "number", "owner")
		return state
	}

	state.RawState = pickString(node, "state", "status")
	state.Status = normalizeStatus(state.RawState)
	state.PhoneNumber = pickString(node, "number", "owner")
	return state
}

// normalizeQR turns a raw base64 payload into a data URI. Applying it to an
// already-prefixed payload yields the same string.
func normalizeQR(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "data:image") {
		return raw
	}
	return "data:image/png;base64," + raw
}

func normalizeStatus(raw string) Status {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch {
	case raw == "":
		return StatusConnecting
	case strings.Contains(raw, "close"), strings.Contains(raw, "disconnect"), strings.Contains(raw, "logout"), strings.Contains(raw, "offline"):
		return StatusDisconnected
	case raw == "open", strings.Contains(raw, "connected"), strings.Contains(raw, "online"):
		return StatusConnected
	case strings.Contains(raw, "connecting"):
		return StatusConnecting
	case strings.Contains(raw, "qr"):
		return StatusQRReady
	default:
		return StatusUnknown
	}
}

// pickString walks the node for the first non-empty value under any of the
// given keys, case-insensitively. The gateway spreads the same datum across
// several spellings and nesting levels depending on version; when one node
// carries several of the candidate keys, the keys argument order decides.
func pickString(node any, keys ...string) string {
	want := make([]string, 0, len(keys))
	for _, k := range keys {
		want = append(want, strings.ToLower(strings.TrimSpace(k)))
	}

	var walk func(any) string
	walk = func(current any) string {
		switch t := current.(type) {
		case map[string]any:
			for _, wanted := range want {
				for key, value := range t {
					if strings.ToLower(strings.TrimSpace(key)) != wanted {
						continue
					}
					if raw := anyToString(value); raw != "" {
						return raw
					}
				}
			}
			for _, value := range t {
				if raw := walk(value); raw != "" {
					return raw
				}
			}
		case []any:
			for _, value := range t {
				if raw := walk(value); raw != "" {
					return raw
				}
			}
		}
		return ""
	}

	return walk(node)
}

func anyToString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strings.TrimSpace(fmt.Sprintf("%.0f", t))
	case map[string]any, []any, nil:
		// Containers are descended into by the walk, never stringified.
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
