package db

import (
	"testing"
	"time"
)

func TestActiveSecret(t *testing.T) {
	now := time.Now()
	pending := "whsec_rotated"
	before := now.Add(time.Hour)
	after := now.Add(-time.Hour)

	tests := []struct {
		name string
		sub  Subscription
		want string
	}{
		{
			name: "no rotation staged",
			sub:  Subscription{Secret: "whsec_original"},
			want: "whsec_original",
		},
		{
			name: "cutover in the future",
			sub:  Subscription{Secret: "whsec_original", PendingSecret: &pending, CutoverAt: &before},
			want: "whsec_original",
		},
		{
			name: "cutover passed",
			sub:  Subscription{Secret: "whsec_original", PendingSecret: &pending, CutoverAt: &after},
			want: "whsec_rotated",
		},
		{
			name: "pending secret without cutover",
			sub:  Subscription{Secret: "whsec_original", PendingSecret: &pending},
			want: "whsec_original",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sub.ActiveSecret(now); got != tt.want {
				t.Errorf("ActiveSecret() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDelivery_Terminal(t *testing.T) {
	terminal := []string{StatusDelivered, StatusFailed, StatusDLQ}
	active := []string{StatusPending, StatusAttempting, StatusRetryScheduled}

	for _, s := range terminal {
		d := Delivery{Status: s}
		if !d.Terminal() {
			t.Errorf("status %s should be terminal", s)
		}
	}
	for _, s := range active {
		d := Delivery{Status: s}
		if d.Terminal() {
			t.Errorf("status %s should not be terminal", s)
		}
	}
}

func TestValidEventType(t *testing.T) {
	for _, et := range EventTypes() {
		if !ValidEventType(et) {
			t.Errorf("%s should be valid", et)
		}
	}

	for _, et := range []string{"", "run", "run.exploded", "RUN.STARTED"} {
		if ValidEventType(et) {
			t.Errorf("%s should be invalid", et)
		}
	}
}

func TestValidStatus(t *testing.T) {
	for _, s := range []string{StatusPending, StatusAttempting, StatusRetryScheduled, StatusDelivered, StatusFailed, StatusDLQ} {
		if !ValidStatus(s) {
			t.Errorf("%s should be valid", s)
		}
	}
	if ValidStatus("exploded") || ValidStatus("") {
		t.Error("unknown statuses should be invalid")
	}
}
