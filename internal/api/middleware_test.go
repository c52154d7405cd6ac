package api

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestHasAccess(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		profile profileRow
		want    bool
	}{
		{
			name:    "admin always passes",
			profile: profileRow{Role: "admin", SubscriptionStatus: "inactive"},
			want:    true,
		},
		{
			name:    "active subscription passes",
			profile: profileRow{Role: "user", SubscriptionStatus: "active"},
			want:    true,
		},
		{
			name:    "trial inside window passes",
			profile: profileRow{Role: "user", SubscriptionStatus: "trialing", CreatedAt: now.AddDate(0, 0, -14)},
			want:    true,
		},
		{
			name:    "trial past window is rejected",
			profile: profileRow{Role: "user", SubscriptionStatus: "trialing", CreatedAt: now.AddDate(0, 0, -16)},
			want:    false,
		},
		{
			name:    "inactive user is rejected",
			profile: profileRow{Role: "user", SubscriptionStatus: "inactive"},
			want:    false,
		},
		{
			name:    "empty status is rejected",
			profile: profileRow{Role: "user"},
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasAccess(tt.profile, now); got != tt.want {
				t.Errorf("hasAccess(%+v) = %v, want %v", tt.profile, got, tt.want)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"well formed", "Bearer tok-123", "tok-123"},
		{"case insensitive scheme", "bearer tok-123", "tok-123"},
		{"padded token trimmed", "Bearer   tok-123  ", "tok-123"},
		{"missing header", "", ""},
		{"wrong scheme", "Basic dXNlcg==", ""},
		{"scheme only", "Bearer ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := bearerToken(r); got != tt.want {
				t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}
