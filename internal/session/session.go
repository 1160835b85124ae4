// Package session implements the per-account authentication state machine
// and the inbound message stream for one Zalo personal account.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/trungdn/zalobridge/internal/credential"
	"github.com/trungdn/zalobridge/internal/hub"
	"github.com/trungdn/zalobridge/internal/provider"
)

// Status is the connection state of one account session.
type Status string

const (
	StatusUninitialized  Status = "uninitialized"
	StatusAwaitingQR     Status = "awaiting_qr"
	StatusAuthenticating Status = "authenticating"
	StatusConnected      Status = "connected"
	StatusDisconnected   Status = "disconnected"
	StatusReconnecting   Status = "reconnecting"
	StatusFailed         Status = "failed"
)

// Mode selects how Authenticate obtains a session.
type Mode int

const (
	// ModeQR issues a fresh QR code and waits for the out-of-band scan.
	ModeQR Mode = iota
	// ModeCredentialReplay resumes with the stored cookie jar.
	ModeCredentialReplay
)

var (
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("session not connected")
	// ErrSessionExpired means the provider rejected a credential replay.
	ErrSessionExpired = errors.New("session expired")
	// ErrQRTimeout means the QR scan was not confirmed in time.
	ErrQRTimeout = errors.New("qr login timed out")
	// ErrFailed means the session exhausted its reconnect attempts and
	// needs external intervention.
	ErrFailed = errors.New("session failed permanently")
)

// DefaultQRTimeout bounds how long a QR login waits for the scan.
const DefaultQRTimeout = 5 * time.Minute

// InboundMessage is a normalized provider message, immutable once built.
type InboundMessage struct {
	ChannelID    int64
	ChannelName  string
	AccountID    int64
	AccountName  string
	MessageID    string
	SenderID     string
	SenderName   string
	SenderAvatar string
	SenderPhone  string
	ThreadID     string
	ThreadType   provider.ThreadType
	Content      string
	Kind         provider.MessageKind
	Attachments  []provider.Attachment
	Timestamp    time.Time
}

// DeliveryResult is the outcome of one outbound send.
type DeliveryResult struct {
	Success           bool   `json:"success"`
	ProviderMessageID string `json:"message_id,omitempty"`
	Error             string `json:"error,omitempty"`
}

// AuthSession owns the lifecycle of one account: login, listening,
// disconnect, and reconnect bookkeeping. All state transitions go through
// the session's own mutex; network calls never run under the lock.
type AuthSession struct {
	client      provider.Client
	maxAttempts int
	qrTimeout   time.Duration

	mu       sync.Mutex
	channel  hub.Channel
	live     provider.Session
	status   Status
	attempts int
	lastSeen time.Time
	qr       []byte
}

// New creates an AuthSession for a channel record.
func New(channel hub.Channel, client provider.Client, maxAttempts int) *AuthSession {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &AuthSession{
		client:      client,
		maxAttempts: maxAttempts,
		qrTimeout:   DefaultQRTimeout,
		channel:     channel,
		status:      StatusUninitialized,
		lastSeen:    time.Now(),
	}
}

// SetQRTimeout overrides the QR scan deadline (tests use a short one).
func (s *AuthSession) SetQRTimeout(d time.Duration) { s.qrTimeout = d }

// Status returns the current connection status.
func (s *AuthSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Channel returns a snapshot of the channel record.
func (s *AuthSession) Channel() hub.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// LastSeen is the time of the last observed activity on this account.
func (s *AuthSession) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Attempts returns the reconnect attempt counter.
func (s *AuthSession) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// QR returns the last issued QR image, if a QR login is pending.
func (s *AuthSession) QR() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qr
}

// credentials builds provider credentials from the channel record.
func (s *AuthSession) credentials() provider.Credentials {
	return provider.Credentials{
		IMEI:      s.channel.IMEI,
		UserAgent: s.channel.UserAgent,
		Proxy:     s.channel.Proxy,
		Cookies:   s.channel.Cookie,
	}
}

// Authenticate obtains a live provider session. QR mode issues a code,
// exposes it via QR(), and blocks until the scan or the timeout. Replay mode
// fails fast with ErrSessionExpired when the stored cookie jar is invalid or
// rejected. On success the session is Connected, the attempt counter is
// reset, and the (possibly fresh) credentials are returned.
func (s *AuthSession) Authenticate(ctx context.Context, mode Mode) (provider.Credentials, error) {
	s.mu.Lock()
	if s.status == StatusFailed {
		s.mu.Unlock()
		return provider.Credentials{}, ErrFailed
	}
	creds := s.credentials()
	switch mode {
	case ModeQR:
		s.status = StatusAwaitingQR
	default:
		if !creds.Cookies.Valid(time.Now()) {
			s.status = StatusDisconnected
			s.mu.Unlock()
			return provider.Credentials{}, fmt.Errorf("%w: stored credentials invalid", ErrSessionExpired)
		}
		s.status = StatusAuthenticating
	}
	s.mu.Unlock()

	var (
		live provider.Session
		err  error
	)
	if mode == ModeQR {
		creds, live, err = s.loginQR(ctx, creds)
	} else {
		live, err = s.client.LoginCookie(ctx, creds)
		if errors.Is(err, provider.ErrLoginRejected) {
			err = fmt.Errorf("%w: %v", ErrSessionExpired, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.status = StatusDisconnected
		return provider.Credentials{}, err
	}

	if s.live != nil {
		s.live.Close()
	}
	s.live = live
	s.status = StatusConnected
	s.attempts = 0
	s.lastSeen = time.Now()
	s.qr = nil
	s.channel.Cookie = creds.Cookies
	return creds, nil
}

func (s *AuthSession) loginQR(ctx context.Context, device provider.Credentials) (provider.Credentials, provider.Session, error) {
	qrSess, err := s.client.LoginQR(ctx, device)
	if err != nil {
		return provider.Credentials{}, nil, fmt.Errorf("requesting qr: %w", err)
	}

	s.mu.Lock()
	s.qr = qrSess.Image()
	s.status = StatusAuthenticating
	s.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, s.qrTimeout)
	defer cancel()

	creds, live, err := qrSess.Wait(waitCtx)
	if err != nil {
		if errors.Is(err, provider.ErrScanTimeout) {
			return provider.Credentials{}, nil, ErrQRTimeout
		}
		return provider.Credentials{}, nil, fmt.Errorf("waiting for qr scan: %w", err)
	}
	return creds, live, nil
}

// Listen opens the inbound stream. It fails with ErrNotConnected unless the
// session is Connected. The returned channel preserves provider order and is
// closed when the provider connection drops, at which point the session
// transitions to Disconnected. A fresh Authenticate is required to restart.
func (s *AuthSession) Listen(ctx context.Context) (<-chan InboundMessage, error) {
	s.mu.Lock()
	if s.status != StatusConnected || s.live == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	live := s.live
	ch := s.channel
	self := live.Self()
	s.mu.Unlock()

	raw, err := live.Listen(ctx)
	if err != nil {
		s.markDisconnected()
		return nil, fmt.Errorf("opening inbound stream: %w", err)
	}

	out := make(chan InboundMessage, 64)
	go func() {
		defer close(out)
		for msg := range raw {
			s.touch()
			out <- InboundMessage{
				ChannelID:    ch.ID,
				ChannelName:  ch.Name,
				AccountID:    ch.AccountID,
				AccountName:  firstNonEmpty(ch.ZaloAccountName, self.Name),
				MessageID:    msg.ID,
				SenderID:     msg.SenderID,
				SenderName:   msg.SenderName,
				SenderAvatar: msg.SenderAvatar,
				SenderPhone:  msg.SenderPhone,
				ThreadID:     msg.ThreadID,
				ThreadType:   msg.ThreadType,
				Content:      msg.Content,
				Kind:         msg.Kind,
				Attachments:  msg.Attachments,
				Timestamp:    msg.Timestamp,
			}
		}
		log.Printf("account %d (%s): inbound stream ended", ch.ID, ch.Name)
		s.markDisconnected()
	}()
	return out, nil
}

// Send delivers content to a thread. Network failures are surfaced to the
// caller, not retried here.
func (s *AuthSession) Send(ctx context.Context, threadID, content string) (DeliveryResult, error) {
	s.mu.Lock()
	if s.status != StatusConnected || s.live == nil {
		s.mu.Unlock()
		return DeliveryResult{Success: false, Error: ErrNotConnected.Error()}, ErrNotConnected
	}
	live := s.live
	s.mu.Unlock()

	id, err := live.Send(ctx, threadID, content)
	if err != nil {
		return DeliveryResult{Success: false, Error: err.Error()}, err
	}
	s.touch()
	return DeliveryResult{Success: true, ProviderMessageID: id}, nil
}

// BeginReconnect marks the session Reconnecting if it is eligible for a
// sweep attempt. It reports false for Connected, Failed, or capped sessions.
func (s *AuthSession) BeginReconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusDisconnected, StatusReconnecting:
	default:
		return false
	}
	if s.attempts >= s.maxAttempts {
		return false
	}
	s.status = StatusReconnecting
	return true
}

// RecordFailure increments the reconnect counter after a failed attempt and
// reports whether the session just crossed into Failed.
func (s *AuthSession) RecordFailure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts >= s.maxAttempts {
		s.status = StatusFailed
		return true
	}
	s.status = StatusDisconnected
	return false
}

// SetCookies replaces the stored cookie jar. The next credential replay
// uses the new jar; a live session is not affected.
func (s *AuthSession) SetCookies(cookies credential.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel.Cookie = cookies
}

// Reset clears a Failed (or any) state back to Disconnected with zero
// attempts. This is the external intervention that re-enables sweeping.
func (s *AuthSession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = 0
	if s.status != StatusConnected {
		s.status = StatusDisconnected
	}
}

// Close releases the live provider session and marks the account
// Disconnected. Safe to call repeatedly.
func (s *AuthSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live != nil {
		s.live.Close()
		s.live = nil
	}
	if s.status != StatusFailed {
		s.status = StatusDisconnected
	}
}

func (s *AuthSession) markDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusConnected || s.status == StatusAuthenticating {
		s.status = StatusDisconnected
	}
	if s.live != nil {
		s.live.Close()
		s.live = nil
	}
}

func (s *AuthSession) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
