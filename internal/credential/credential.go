// Package credential models the Zalo cookie jar that allows resuming a
// personal-account session without a fresh QR scan.
package credential

import (
	"strings"
	"time"
)

// Cookies the provider issues at login and requires for a session resume.
const (
	KeySessionID  = "zpsid"
	KeySessionKey = "zpw_sek"
)

// minValueLen is the shortest value either required cookie can carry and
// still be treated as a real token rather than a placeholder.
const minValueLen = 11

// Cookie is a single entry in a stored credential set. The JSON field names
// match the hub's persisted `cookie` column layout.
type Cookie struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
	// MaxAge is the cookie lifetime in seconds. Zero means no expiry info.
	MaxAge int64 `json:"maxAge,omitempty"`
	// Creation is the RFC 3339 timestamp the cookie was issued at.
	Creation string `json:"creation,omitempty"`
}

// Set is the ordered cookie collection stored per channel.
type Set []Cookie

// Valid reports whether the set can be used for a credential-replay login:
// both required cookies must be present with non-trivial values, and no
// entry may be past its computed expiration. An invalid set must never be
// handed to the provider for a resume.
func (s Set) Valid(now time.Time) bool {
	if len(s) == 0 {
		return false
	}

	hasSessionID := false
	hasSessionKey := false
	for _, c := range s {
		if c.Expired(now) {
			return false
		}
		if c.Key == KeySessionID && len(c.Value) >= minValueLen {
			hasSessionID = true
		}
		if c.Key == KeySessionKey && len(c.Value) >= minValueLen {
			hasSessionKey = true
		}
	}

	return hasSessionID && hasSessionKey
}

// Expired reports whether the cookie is past its computed expiration
// (creation time plus max age). Cookies without expiry info never expire.
func (c Cookie) Expired(now time.Time) bool {
	if c.MaxAge == 0 {
		return false
	}
	creation := now
	if c.Creation != "" {
		if t, err := time.Parse(time.RFC3339, c.Creation); err == nil {
			creation = t
		}
	}
	return !creation.Add(time.Duration(c.MaxAge) * time.Second).After(now)
}

// String renders the set in Cookie-header form ("k=v; k=v"), skipping
// entries with an empty key or value.
func (s Set) String() string {
	var b strings.Builder
	for _, c := range s {
		if c.Key == "" || c.Value == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		b.WriteString(c.Key)
		b.WriteByte('=')
		b.WriteString(c.Value)
	}
	return b.String()
}

// Get returns the value of the first cookie with the given key, or "".
func (s Set) Get(key string) string {
	for _, c := range s {
		if c.Key == key {
			return c.Value
		}
	}
	return ""
}
