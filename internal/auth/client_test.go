package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCreateUser(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantID   string
		wantErr  string
		wantCode int
	}{
		{
			name:   "flat user object",
			status: 200,
			body:   `{"id":"u-1","email":"a@b.com"}`,
			wantID: "u-1",
		},
		{
			name:   "nested user object",
			status: 200,
			body:   `{"user":{"id":"u-2","email":"a@b.com"}}`,
			wantID: "u-2",
		},
		{
			name:     "provider message surfaced",
			status:   422,
			body:     `{"msg":"User already registered"}`,
			wantErr:  "User already registered",
			wantCode: 422,
		},
		{
			name:    "ok body without id",
			status:  200,
			body:    `{}`,
			wantErr: "no user id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != "/admin/users" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				if r.Header.Get("apikey") == "" || r.Header.Get("Authorization") == "" {
					t.Error("service key headers missing")
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			user, err := NewClient(ts.URL, "service-key").CreateUser(context.Background(), "a@b.com", "secret123")
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				if tt.wantCode != 0 {
					var ae *Error
					if !errors.As(err, &ae) || ae.Status != tt.wantCode {
						t.Errorf("err = %v, want *Error with status %d", err, tt.wantCode)
					}
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateUser: %v", err)
			}
			if user.ID != tt.wantID {
				t.Errorf("id = %q, want %q", user.ID, tt.wantID)
			}
		})
	}
}

func TestDeleteUser(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "service-key")
	if err := c.DeleteUser(context.Background(), "u-1"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if gotPath != "DELETE /admin/users/u-1" {
		t.Errorf("request = %q", gotPath)
	}
	if err := c.DeleteUser(context.Background(), "  "); err == nil {
		t.Error("blank id must fail before hitting the provider")
	}
}

func TestUserFromToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"msg":"invalid JWT"}`))
			return
		}
		w.Write([]byte(`{"id":"u-1","email":"a@b.com"}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "service-key")

	user, err := c.UserFromToken(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("UserFromToken: %v", err)
	}
	if user.ID != "u-1" || user.Email != "a@b.com" {
		t.Errorf("user = %+v", user)
	}

	_, err = c.UserFromToken(context.Background(), "bad")
	if !IsUnauthorized(err) {
		t.Errorf("err = %v, want unauthorized", err)
	}

	_, err = c.UserFromToken(context.Background(), "  ")
	if !IsUnauthorized(err) {
		t.Errorf("blank token err = %v, want unauthorized", err)
	}
}
