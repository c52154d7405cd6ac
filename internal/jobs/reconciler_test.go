package jobs

import (
	"context"
	"net/http"
	"testing"

	"github.com/rs/zerolog"

	"zappainel/internal/connect"
	"zappainel/internal/gateway"
)

type fakeFetcher struct {
	state gateway.InstanceState
	err   error
}

func (f *fakeFetcher) FetchStatus(ctx context.Context, name string) (gateway.InstanceState, error) {
	return f.state, f.err
}

func TestObserveSkipsUnchangedRows(t *testing.T) {
	tests := []struct {
		name       string
		fetcher    fakeFetcher
		row        accountRow
		wantStale  bool
		wantState  connect.State
		wantNumber string
	}{
		{
			name:    "connected with same number is untouched",
			fetcher: fakeFetcher{state: gateway.InstanceState{Status: gateway.StatusConnected, PhoneNumber: "5511999999999"}},
			row:     accountRow{name: "bot_x", status: "connected", phone: "5511999999999"},
		},
		{
			name:    "connected without a reported number is untouched",
			fetcher: fakeFetcher{state: gateway.InstanceState{Status: gateway.StatusConnected}},
			row:     accountRow{name: "bot_x", status: "connected", phone: "5511999999999"},
		},
		{
			name:       "number change alone updates",
			fetcher:    fakeFetcher{state: gateway.InstanceState{Status: gateway.StatusConnected, PhoneNumber: "5511888888888"}},
			row:        accountRow{name: "bot_x", status: "connected", phone: "5511999999999"},
			wantStale:  true,
			wantState:  connect.StateConnected,
			wantNumber: "5511888888888",
		},
		{
			name:      "status change updates",
			fetcher:   fakeFetcher{state: gateway.InstanceState{Status: gateway.StatusDisconnected}},
			row:       accountRow{name: "bot_x", status: "connected", phone: "5511999999999"},
			wantStale: true,
			wantState: connect.StateDisconnected,
		},
		{
			name:      "gateway 404 marks not found",
			fetcher:   fakeFetcher{err: &gateway.Error{Status: http.StatusNotFound, Message: "gone"}},
			row:       accountRow{name: "bot_x", status: "connected"},
			wantStale: true,
			wantState: connect.StateNotFound,
		},
		{
			name:    "already not found stays untouched",
			fetcher: fakeFetcher{err: &gateway.Error{Status: http.StatusNotFound, Message: "gone"}},
			row:     accountRow{name: "bot_x", status: "not_found"},
		},
		{
			name:    "transient gateway error skips the row",
			fetcher: fakeFetcher{err: &gateway.Error{Status: http.StatusBadGateway, Message: "boom"}},
			row:     accountRow{name: "bot_x", status: "connected"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Reconciler{gw: &tt.fetcher, log: zerolog.Nop()}

			snap, stale := r.observe(context.Background(), tt.row)
			if stale != tt.wantStale {
				t.Fatalf("stale = %v, want %v", stale, tt.wantStale)
			}
			if !tt.wantStale {
				return
			}
			if snap.Instance != tt.row.name {
				t.Errorf("instance = %q", snap.Instance)
			}
			if snap.State != tt.wantState {
				t.Errorf("state = %q, want %q", snap.State, tt.wantState)
			}
			if snap.PhoneNumber != tt.wantNumber {
				t.Errorf("number = %q, want %q", snap.PhoneNumber, tt.wantNumber)
			}
		})
	}
}

func TestStatusToState(t *testing.T) {
	tests := []struct {
		in   gateway.Status
		want connect.State
	}{
		{gateway.StatusConnected, connect.StateConnected},
		{gateway.StatusDisconnected, connect.StateDisconnected},
		{gateway.StatusQRReady, connect.StateQRReady},
		{gateway.StatusConnecting, connect.StatePolling},
		{gateway.StatusUnknown, connect.StateIdle},
	}
	for _, tt := range tests {
		if got := statusToState(tt.in); got != tt.want {
			t.Errorf("statusToState(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
