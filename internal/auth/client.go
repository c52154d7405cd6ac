package auth

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
)

// User is the identity record the provider returns.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Error is a non-2xx response from the identity provider.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth provider http %d: %s", e.Status, e.Message)
}

// IsUnauthorized reports whether err means the presented token is invalid.
func IsUnauthorized(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && (ae.Status == http.StatusUnauthorized || ae.Status == http.StatusForbidden)
}

// Client talks to a GoTrue-style identity provider admin API with a
// service-role key. Session issuance and password verification stay on the
// provider; this client only creates, deletes and introspects users.
type Client struct {
	baseURL    string
	serviceKey string
	httpc      *http.Client
}

func NewClient(baseURL string, serviceKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		serviceKey: strings.TrimSpace(serviceKey),
		httpc:      &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateUser registers an identity with the email pre-confirmed.
func (c *Client) CreateUser(ctx context.Context, email string, password string) (User, error) {
	body, status, raw, err := c.request(ctx, http.MethodPost, "/admin/users", c.serviceKey, map[string]any{
		"email":         email,
		"password":      password,
		"email_confirm": true,
	})
	if err != nil {
		return User{}, err
	}
	if status < 200 || status >= 300 {
		return User{}, newAuthError(status, body, raw)
	}

	var user User
	if nested, ok := body["user"].(map[string]any); ok {
		body = nested
	}
	user.ID, _ = body["id"].(string)
	user.Email, _ = body["email"].(string)
	if user.ID == "" {
		return User{}, errors.New("auth provider returned no user id")
	}
	return user, nil
}

// DeleteUser removes the identity record. Dependent profile rows are the
// data store's referential-integrity problem, not ours.
func (c *Client) DeleteUser(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("user id is required")
	}
	body, status, raw, err := c.request(ctx, http.MethodDelete, "/admin/users/"+id, c.serviceKey, nil)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return newAuthError(status, body, raw)
	}
	return nil
}

// UserFromToken resolves an end-user access token to its identity.
func (c *Client) UserFromToken(ctx context.Context, token string) (User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return User{}, &Error{Status: http.StatusUnauthorized, Message: "missing token"}
	}
	body, status, raw, err := c.request(ctx, http.MethodGet, "/user", token, nil)
	if err != nil {
		return User{}, err
	}
	if status < 200 || status >= 300 {
		return User{}, newAuthError(status, body, raw)
	}

	var user User
	user.ID, _ = body["id"].(string)
	user.Email, _ = body["email"].(string)
	if user.ID == "" {
		return User{}, &Error{Status: http.StatusUnauthorized, Message: "token resolved to no user"}
	}
	return user, nil
}

func (c *Client) request(ctx context.Context, method string, path string, bearer string, payload any) (map[string]any, int, string, error) {
	var bodyReader io.Reader
	if payload != nil {
		b, _ := json.Marshal(payload)
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, 0, "", err
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.serviceKey != "" {
		req.Header.Set("apikey", c.serviceKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
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
		_ = json.Unmarshal(raw, &parsed)
	}
	return parsed, resp.StatusCode, rawBody, nil
}

func newAuthError(status int, body map[string]any, raw string) *Error {
	message := ""
	for _, key := range []string{"msg", "message", "error_description", "error"} {
		if v, ok := body[key].(string); ok && strings.TrimSpace(v) != "" {
			message = strings.TrimSpace(v)
			break
		}
	}
	if message == "" {
		message = strings.TrimSpace(raw)
	}
	if message == "" {
		message = fmt.Sprintf("HTTP %d", status)
	}
	return &Error{Status: status, Message: message}
}
