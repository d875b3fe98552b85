package domain

import (
	"testing"
	"time"
)

func TestSenderAllowed(t *testing.T) {
	tests := []struct {
		name      string
		allowlist []string
		denylist  []string
		sender    string
		want      bool
	}{
		{name: "no lists allows everyone", sender: "anyone@example.com", want: true},
		{
			name:     "denylist blocks exact address",
			denylist: []string{"spam@bad.com"},
			sender:   "spam@bad.com",
			want:     false,
		},
		{
			name:     "denylist blocks whole domain",
			denylist: []string{"@bad.com"},
			sender:   "anything@bad.com",
			want:     false,
		},
		{
			name:      "allowlist admits listed sender",
			allowlist: []string{"boss@corp.com"},
			sender:    "boss@corp.com",
			want:      true,
		},
		{
			name:      "allowlist rejects unlisted sender",
			allowlist: []string{"boss@corp.com"},
			sender:    "stranger@other.com",
			want:      false,
		},
		{
			name:      "denylist wins over allowlist",
			allowlist: []string{"@corp.com"},
			denylist:  []string{"noreply@corp.com"},
			sender:    "noreply@corp.com",
			want:      false,
		},
		{
			name:      "matching is case-insensitive",
			allowlist: []string{"Boss@Corp.com"},
			sender:    "boss@corp.COM",
			want:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &AutomationSettings{SenderAllowlist: tt.allowlist, SenderDenylist: tt.denylist}
			if got := s.SenderAllowed(tt.sender); got != tt.want {
				t.Errorf("SenderAllowed(%q) = %t, want %t", tt.sender, got, tt.want)
			}
		})
	}
}

func TestWithinBusinessHours(t *testing.T) {
	at := func(hour int) time.Time {
		return time.Date(2026, 3, 10, hour, 30, 0, 0, time.UTC)
	}

	tests := []struct {
		name  string
		s     AutomationSettings
		now   time.Time
		want  bool
	}{
		{
			name: "gate off passes any hour",
			s:    AutomationSettings{BusinessHoursOnly: false},
			now:  at(3),
			want: true,
		},
		{
			name: "inside window",
			s:    AutomationSettings{BusinessHoursOnly: true, BusinessStartHour: 9, BusinessEndHour: 18, Timezone: "UTC"},
			now:  at(10),
			want: true,
		},
		{
			name: "end hour is exclusive",
			s:    AutomationSettings{BusinessHoursOnly: true, BusinessStartHour: 9, BusinessEndHour: 18, Timezone: "UTC"},
			now:  at(18),
			want: false,
		},
		{
			name: "before opening",
			s:    AutomationSettings{BusinessHoursOnly: true, BusinessStartHour: 9, BusinessEndHour: 18, Timezone: "UTC"},
			now:  at(8),
			want: false,
		},
		{
			name: "overnight window spans midnight",
			s:    AutomationSettings{BusinessHoursOnly: true, BusinessStartHour: 22, BusinessEndHour: 6, Timezone: "UTC"},
			now:  at(23),
			want: true,
		},
		{
			name: "overnight window early morning",
			s:    AutomationSettings{BusinessHoursOnly: true, BusinessStartHour: 22, BusinessEndHour: 6, Timezone: "UTC"},
			now:  at(5),
			want: true,
		},
		{
			name: "overnight window daytime rejected",
			s:    AutomationSettings{BusinessHoursOnly: true, BusinessStartHour: 22, BusinessEndHour: 6, Timezone: "UTC"},
			now:  at(12),
			want: false,
		},
		{
			name: "timezone shifts the window",
			s:    AutomationSettings{BusinessHoursOnly: true, BusinessStartHour: 9, BusinessEndHour: 18, Timezone: "Asia/Seoul"},
			now:  at(2), // 02:30 UTC = 11:30 KST
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.WithinBusinessHours(tt.now); got != tt.want {
				t.Errorf("WithinBusinessHours(%v) = %t, want %t", tt.now, got, tt.want)
			}
		})
	}
}

func TestMessageRestorable(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{name: "auto-deleted in trash", msg: Message{IsTrashed: true, AutoDeleted: true}, want: true},
		{name: "manually trashed", msg: Message{IsTrashed: true, AutoDeleted: false}, want: false},
		{name: "already restored", msg: Message{IsTrashed: false, AutoDeleted: true}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.Restorable(); got != tt.want {
				t.Errorf("Restorable() = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestAccountSchedulable(t *testing.T) {
	tests := []struct {
		name    string
		status  AccountSyncStatus
		enabled bool
		want    bool
	}{
		{name: "active and enabled", status: AccountStatusActive, enabled: true, want: true},
		{name: "paused keeps candidacy", status: AccountStatusPaused, enabled: true, want: true},
		{name: "disabled sync", status: AccountStatusActive, enabled: false, want: false},
		{name: "errored account excluded", status: AccountStatusError, enabled: true, want: false},
		{name: "syncing excluded", status: AccountStatusSyncing, enabled: true, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Account{Status: tt.status, Settings: SyncSettings{Enabled: tt.enabled}}
			if got := a.Schedulable(); got != tt.want {
				t.Errorf("Schedulable() = %t, want %t", got, tt.want)
			}
		})
	}
}
