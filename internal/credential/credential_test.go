package credential

import (
	"testing"
	"time"
)

func rfc3339(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func TestSetValid(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	longValue := "abcdefghijklmnop"

	tests := []struct {
		name string
		set  Set
		want bool
	}{
		{
			name: "empty set",
			set:  Set{},
			want: false,
		},
		{
			name: "both required cookies without expiry info",
			set: Set{
				{Key: KeySessionID, Value: longValue},
				{Key: KeySessionKey, Value: longValue},
			},
			want: true,
		},
		{
			name: "missing session key",
			set: Set{
				{Key: KeySessionID, Value: longValue},
				{Key: "other", Value: longValue},
			},
			want: false,
		},
		{
			name: "missing session id",
			set: Set{
				{Key: KeySessionKey, Value: longValue},
			},
			want: false,
		},
		{
			name: "session id value too short",
			set: Set{
				{Key: KeySessionID, Value: "short"},
				{Key: KeySessionKey, Value: longValue},
			},
			want: false,
		},
		{
			name: "unexpired timed cookie keeps the set valid",
			set: Set{
				{Key: KeySessionID, Value: longValue, MaxAge: 3600, Creation: rfc3339(now.Add(-time.Minute))},
				{Key: KeySessionKey, Value: longValue, MaxAge: 3600, Creation: rfc3339(now.Add(-time.Minute))},
			},
			want: true,
		},
		{
			name: "all entries expired",
			set: Set{
				{Key: KeySessionID, Value: longValue, MaxAge: 60, Creation: rfc3339(now.Add(-time.Hour))},
				{Key: KeySessionKey, Value: longValue, MaxAge: 60, Creation: rfc3339(now.Add(-time.Hour))},
			},
			want: false,
		},
		{
			name: "expired required cookie invalidates the set",
			set: Set{
				{Key: KeySessionID, Value: longValue, MaxAge: 60, Creation: rfc3339(now.Add(-time.Hour))},
				{Key: KeySessionKey, Value: longValue},
				{Key: "tracking", Value: "x"},
			},
			want: false,
		},
		{
			name: "expired auxiliary cookie invalidates the set",
			set: Set{
				{Key: KeySessionID, Value: longValue},
				{Key: KeySessionKey, Value: longValue},
				{Key: "tracking", Value: "x", MaxAge: 60, Creation: rfc3339(now.Add(-time.Hour))},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.set.Valid(now); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCookieExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		cookie Cookie
		want   bool
	}{
		{
			name:   "no expiry info never expires",
			cookie: Cookie{Key: "a", Value: "b"},
			want:   false,
		},
		{
			name:   "within max age",
			cookie: Cookie{MaxAge: 3600, Creation: rfc3339(now.Add(-30 * time.Minute))},
			want:   false,
		},
		{
			name:   "past max age",
			cookie: Cookie{MaxAge: 60, Creation: rfc3339(now.Add(-2 * time.Minute))},
			want:   true,
		},
		{
			name:   "exactly at the boundary counts as expired",
			cookie: Cookie{MaxAge: 60, Creation: rfc3339(now.Add(-60 * time.Second))},
			want:   true,
		},
		{
			name:   "unparseable creation falls back to now",
			cookie: Cookie{MaxAge: 60, Creation: "not-a-time"},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cookie.Expired(now); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSetString(t *testing.T) {
	set := Set{
		{Key: "zpsid", Value: "abc"},
		{Key: "", Value: "skipped"},
		{Key: "skipped", Value: ""},
		{Key: "zpw_sek", Value: "def"},
	}
	if got, want := set.String(), "zpsid=abc; zpw_sek=def"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestSetGet(t *testing.T) {
	set := Set{
		{Key: "zpsid", Value: "first"},
		{Key: "zpsid", Value: "second"},
	}
	if got := set.Get("zpsid"); got != "first" {
		t.Errorf("Get(zpsid) = %q, want %q", got, "first")
	}
	if got := set.Get("missing"); got != "" {
		t.Errorf("Get(missing) = %q, want empty", got)
	}
}
