// Package provider defines the capability interface for the Zalo
// personal-account API and ships two implementations: a live HTTP/websocket
// client and a simulated client for tests and mock mode. The provider's wire
// protocol stays inside this package; callers only see Credentials, sessions,
// and RawMessages.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/trungdn/zalobridge/internal/credential"
)

// ErrLoginRejected is returned when the provider refuses a cookie-replay
// login. Callers treat it as an expired session.
var ErrLoginRejected = errors.New("provider rejected credentials")

// ErrScanTimeout is returned when a QR login is not confirmed before the
// wait deadline.
var ErrScanTimeout = errors.New("qr scan timed out")

// Credentials is everything needed to resume a session without a QR scan:
// the device identity the account was registered under plus the cookie jar.
type Credentials struct {
	IMEI      string         `json:"imei"`
	UserAgent string         `json:"user_agent"`
	Proxy     string         `json:"proxy,omitempty"`
	Cookies   credential.Set `json:"cookie"`
}

// ThreadType distinguishes direct and group threads.
type ThreadType string

const (
	ThreadUser  ThreadType = "user"
	ThreadGroup ThreadType = "group"
)

// MessageKind classifies inbound message content.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindFile  MessageKind = "file"
	KindAudio MessageKind = "audio"
	KindVideo MessageKind = "video"
)

// Attachment is a non-text payload attached to a message.
type Attachment struct {
	Kind MessageKind `json:"kind"`
	URL  string      `json:"url"`
	Name string      `json:"name,omitempty"`
	Size int64       `json:"size,omitempty"`
}

// RawMessage is one inbound message as emitted by the provider stream, in
// provider order.
type RawMessage struct {
	ID           string
	ThreadID     string
	ThreadType   ThreadType
	SenderID     string
	SenderName   string
	SenderAvatar string
	SenderPhone  string
	Content      string
	Kind         MessageKind
	Attachments  []Attachment
	Timestamp    time.Time
}

// AccountInfo identifies the logged-in account.
type AccountInfo struct {
	Name string
}

// Client is the provider login capability. Implementations are selected once
// at startup (live vs simulated), never branched per call.
type Client interface {
	// LoginQR starts a QR login flow and returns the pending session.
	LoginQR(ctx context.Context, device Credentials) (QRSession, error)
	// LoginCookie resumes a session from stored credentials. Returns
	// ErrLoginRejected if the provider refuses them.
	LoginCookie(ctx context.Context, creds Credentials) (Session, error)
}

// QRSession is a pending QR login: the image to display and a wait for the
// out-of-band scan confirmation.
type QRSession interface {
	// Image returns the QR PNG to show the account owner.
	Image() []byte
	// Wait blocks until the scan completes or ctx expires, returning the
	// fresh credentials and the live session on success.
	Wait(ctx context.Context) (Credentials, Session, error)
}

// Session is a live, authenticated provider connection.
type Session interface {
	// Listen opens the inbound stream. The channel preserves provider order
	// and is closed when the connection drops or the session is closed.
	Listen(ctx context.Context) (<-chan RawMessage, error)
	// Send delivers content to a thread and returns the provider message id.
	Send(ctx context.Context, threadID, content string) (string, error)
	// Self describes the logged-in account.
	Self() AccountInfo
	Close() error
}
