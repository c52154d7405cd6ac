package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewClient(ts.URL, "test-key", 5*time.Second, zerolog.Nop())
}

func TestNormalizeQR(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"bare base64 gets prefixed", "iVBORw0KGgo=", "data:image/png;base64,iVBORw0KGgo="},
		{"already a data uri is untouched", "data:image/png;base64,iVBORw0KGgo=", "data:image/png;base64,iVBORw0KGgo="},
		{"idempotent when applied twice", normalizeQR("iVBORw0KGgo="), "data:image/png;base64,iVBORw0KGgo="},
		{"empty stays empty", "", ""},
		{"whitespace trimmed", "  abc  ", "data:image/png;base64,abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeQR(tt.raw); got != tt.want {
				t.Errorf("normalizeQR(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
	}{
		{"", StatusConnecting},
		{"open", StatusConnected},
		{"OPEN", StatusConnected},
		{"connected", StatusConnected},
		{"close", StatusDisconnected},
		{"closed", StatusDisconnected},
		{"disconnected", StatusDisconnected},
		{"connecting", StatusConnecting},
		{"qrcode", StatusQRReady},
		{"banana", StatusUnknown},
	}

	for _, tt := range tests {
		t.Run("raw="+tt.raw, func(t *testing.T) {
			if got := normalizeStatus(tt.raw); got != tt.want {
				t.Errorf("normalizeStatus(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseInstanceState(t *testing.T) {
	tests := []struct {
		name       string
		body       map[string]any
		wantStatus Status
		wantNumber string
		wantQR     string
	}{
		{
			name:       "empty body defaults to connecting",
			body:       map[string]any{},
			wantStatus: StatusConnecting,
		},
		{
			name:       "nested instance object is unwrapped",
			body:       map[string]any{"instance": map[string]any{"state": "open", "owner": "5511999999999"}},
			wantStatus: StatusConnected,
			wantNumber: "5511999999999",
		},
		{
			name:       "qr under base64 forces qr_ready",
			body:       map[string]any{"base64": "abc", "state": "close"},
			wantStatus: StatusQRReady,
			wantQR:     "data:image/png;base64,abc",
		},
		{
			name:       "qr under qrcode",
			body:       map[string]any{"qrcode": "abc"},
			wantStatus: StatusQRReady,
			wantQR:     "data:image/png;base64,abc",
		},
		{
			name:       "qr under qrCode",
			body:       map[string]any{"qrCode": "data:image/png;base64,abc"},
			wantStatus: StatusQRReady,
			wantQR:     "data:image/png;base64,abc",
		},
		{
			name:       "number from number field",
			body:       map[string]any{"status": "connecting", "number": "5511888887777"},
			wantStatus: StatusConnecting,
			wantNumber: "5511888887777",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseInstanceState(tt.body)
			if got.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", got.Status, tt.wantStatus)
			}
			if got.PhoneNumber != tt.wantNumber {
				t.Errorf("number = %q, want %q", got.PhoneNumber, tt.wantNumber)
			}
			if got.QRImage != tt.wantQR {
				t.Errorf("qr = %q, want %q", got.QRImage, tt.wantQR)
			}
		})
	}
}

func TestFetchStatusRecoversNumberFromList(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/instance/connect/bot_x", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"instance":{"state":"open"}}`))
	})
	mux.HandleFunc("/instance/fetchInstances", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"instanceName":"  BOT_X  ","owner":"5511999999999"}]`))
	})
	c := testClient(t, mux)

	state, err := c.FetchStatus(context.Background(), "bot_x")
	if err != nil {
		t.Fatalf("FetchStatus: %v", err)
	}
	if state.Status != StatusConnected {
		t.Errorf("status = %q, want connected", state.Status)
	}
	if state.PhoneNumber != "5511999999999" {
		t.Errorf("number = %q, want recovered from list", state.PhoneNumber)
	}
}

func TestFetchStatusListFallbackFailureIsNotFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/instance/connect/bot_x", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"instance":{"state":"open"}}`))
	})
	mux.HandleFunc("/instance/fetchInstances", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	c := testClient(t, mux)

	state, err := c.FetchStatus(context.Background(), "bot_x")
	if err != nil {
		t.Fatalf("FetchStatus should not fail when the fallback fails: %v", err)
	}
	if state.Status != StatusConnected || state.PhoneNumber != "" {
		t.Errorf("state = %+v, want connected with no number", state)
	}
}

func TestFetchQRCodeReportsStateWhenNoQR(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/instance/connect/bot_x", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state":"close"}`))
	})
	c := testClient(t, mux)

	_, err := c.FetchQRCode(context.Background(), "bot_x")
	var noQR *NoQRError
	if !errors.As(err, &noQR) {
		t.Fatalf("err = %v, want *NoQRError", err)
	}
	if noQR.State != "close" {
		t.Errorf("state = %q, want close", noQR.State)
	}
}

func TestGatewayErrorMessageExtraction(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantMsg  string
		wantCode int
	}{
		{"message field wins", 400, `{"message":"Name already in use"}`, "Name already in use", 400},
		{"error field next", 400, `{"error":"bad key"}`, "bad key", 400},
		{"raw text fallback", 502, `upstream exploded`, "upstream exploded", 502},
		{"http status fallback", 404, ``, "HTTP 404", 404},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))

			_, err := c.FetchStatus(context.Background(), "bot_x")
			var ge *Error
			if !errors.As(err, &ge) {
				t.Fatalf("err = %v, want *Error", err)
			}
			if ge.Status != tt.wantCode || ge.Message != tt.wantMsg {
				t.Errorf("got {%d %q}, want {%d %q}", ge.Status, ge.Message, tt.wantCode, tt.wantMsg)
			}
		})
	}
}

func TestCreateInstance(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/instance/create", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("apikey"); got != "test-key" {
			t.Errorf("apikey header = %q, want test-key", got)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"instance":{"instanceName":"bot_x"},"hash":{"apikey":"tok-123"},"qrcode":{"base64":"abc"}}`))
	})
	c := testClient(t, mux)

	ref, err := c.CreateInstance(context.Background(), "bot_x", "5511999999999", "")
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if ref.Name != "bot_x" {
		t.Errorf("name = %q", ref.Name)
	}
	if ref.Token != "tok-123" {
		t.Errorf("token = %q, want tok-123", ref.Token)
	}
	if ref.Status != StatusQRReady || ref.QRImage == "" {
		t.Errorf("expected qr_ready with image, got %+v", ref)
	}
}

func TestCreateInstanceRequiresName(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "k", time.Second, zerolog.Nop())
	if _, err := c.CreateInstance(context.Background(), "  ", "", ""); err == nil {
		t.Fatal("expected validation error for empty name")
	}
}

func TestListInstancesUnwrapsArray(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"instanceName":"a"},{"instanceName":"b"}]`))
	}))

	records, err := c.ListInstances(context.Background())
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len = %d, want 2", len(records))
	}
}

func TestPickStringKeyPriority(t *testing.T) {
	tests := []struct {
		name string
		node map[string]any
		keys []string
		want string
	}{
		{
			name: "message wins over error",
			node: map[string]any{"error": "secondary", "message": "primary"},
			keys: []string{"message", "error"},
			want: "primary",
		},
		{
			name: "state wins over status",
			node: map[string]any{"status": "connecting", "state": "open"},
			keys: []string{"state", "status"},
			want: "open",
		},
		{
			name: "number wins over owner",
			node: map[string]any{"owner": "5511888888888", "number": "5511999999999"},
			keys: []string{"number", "owner"},
			want: "5511999999999",
		},
		{
			name: "empty primary falls through",
			node: map[string]any{"message": "", "error": "secondary"},
			keys: []string{"message", "error"},
			want: "secondary",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 20; i++ {
				if got := pickString(tt.node, tt.keys...); got != tt.want {
					t.Fatalf("pickString = %q, want %q", got, tt.want)
				}
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(&Error{Status: 404, Message: "x"}) {
		t.Error("404 should be not found")
	}
	if IsNotFound(&Error{Status: 500, Message: "x"}) {
		t.Error("500 should not be not found")
	}
	if IsNotFound(errors.New("plain")) {
		t.Error("plain error should not be not found")
	}
}
