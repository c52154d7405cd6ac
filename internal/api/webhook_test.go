package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestGatewayEventText(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "plain conversation",
			body: `{"data":{"message":{"conversation":"olá"}}}`,
			want: "olá",
		},
		{
			name: "extended text fallback",
			body: `{"data":{"message":{"extendedTextMessage":{"text":"olá com link"}}}}`,
			want: "olá com link",
		},
		{
			name: "conversation wins over extended",
			body: `{"data":{"message":{"conversation":"a","extendedTextMessage":{"text":"b"}}}}`,
			want: "a",
		},
		{
			name: "empty message",
			body: `{"data":{"message":{}}}`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var event gatewayEvent
			if err := json.Unmarshal([]byte(tt.body), &event); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := event.text(); got != tt.want {
				t.Errorf("text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGatewayWebhookRejectsIncompleteEvents(t *testing.T) {
	s := &Server{log: zerolog.Nop()}

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"no instance", `{"data":{"key":{"remoteJid":"5511999999999"},"message":{"conversation":"olá"}}}`},
		{"no sender", `{"instance":"bot_x","data":{"message":{"conversation":"olá"}}}`},
		{"no content", `{"instance":"bot_x","data":{"key":{"remoteJid":"5511999999999"},"message":{}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/webhooks/evolution", strings.NewReader(tt.body))
			s.handleGatewayWebhook(w, r)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
		})
	}
}
