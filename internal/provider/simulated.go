package provider

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
)

// placeholderPNG is a 1x1 transparent PNG used as the simulated QR image.
const placeholderPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

// PlaceholderQR returns the 1x1 PNG placeholder image bytes.
func PlaceholderQR() []byte {
	png, _ := base64.StdEncoding.DecodeString(placeholderPNG)
	return png
}

// SimOption configures a Simulated client.
type SimOption func(*Simulated)

// SimAccept overrides the credential-acceptance check for cookie logins.
// The default accepts any set that passes credential validity rules.
func SimAccept(fn func(Credentials) error) SimOption {
	return func(s *Simulated) { s.accept = fn }
}

// SimScan configures the credentials a QR login resolves to and how long
// the simulated scan takes.
func SimScan(creds Credentials, delay time.Duration) SimOption {
	return func(s *Simulated) {
		s.scanCreds = creds
		s.scanDelay = delay
	}
}

// Simulated is the mock-mode provider: deterministic, no network, and
// inspectable from tests. It is selected at construction time, never by
// per-call branching.
type Simulated struct {
	mu         sync.Mutex
	accept     func(Credentials) error
	scanCreds  Credentials
	scanDelay  time.Duration
	sessions   []*SimSession
	loginCalls int
}

// NewSimulated creates a simulated provider client.
func NewSimulated(opts ...SimOption) *Simulated {
	s := &Simulated{
		accept: func(creds Credentials) error {
			if !creds.Cookies.Valid(time.Now()) {
				return ErrLoginRejected
			}
			return nil
		},
		scanDelay: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoginCalls reports how many cookie logins have been attempted.
func (s *Simulated) LoginCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginCalls
}

// Sessions returns every session the client has produced, in order.
func (s *Simulated) Sessions() []*SimSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*SimSession, len(s.sessions))
	copy(out, s.sessions)
	return out
}

func (s *Simulated) newSession(creds Credentials) *SimSession {
	sess := &SimSession{
		creds: creds,
		self:  AccountInfo{Name: "sim:" + creds.IMEI},
		inbox: make(chan RawMessage, 64),
	}
	s.sessions = append(s.sessions, sess)
	return sess
}

// LoginCookie resumes a simulated session if the acceptance check passes.
// The acceptance hook runs outside the client lock so concurrent logins stay
// concurrent, the way live network logins are.
func (s *Simulated) LoginCookie(_ context.Context, creds Credentials) (Session, error) {
	s.mu.Lock()
	s.loginCalls++
	accept := s.accept
	s.mu.Unlock()

	if err := accept(creds); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newSession(creds), nil
}

// LoginQR returns a placeholder QR whose Wait resolves after the configured
// scan delay.
func (s *Simulated) LoginQR(_ context.Context, device Credentials) (QRSession, error) {
	creds := s.scanCreds
	if len(creds.Cookies) == 0 {
		creds = device
	}
	creds.IMEI = device.IMEI
	creds.UserAgent = device.UserAgent
	return &simQR{sim: s, creds: creds, delay: s.scanDelay}, nil
}

type simQR struct {
	sim   *Simulated
	creds Credentials
	delay time.Duration
}

func (q *simQR) Image() []byte { return PlaceholderQR() }

func (q *simQR) Wait(ctx context.Context) (Credentials, Session, error) {
	select {
	case <-ctx.Done():
		return Credentials{}, nil, ErrScanTimeout
	case <-time.After(q.delay):
	}
	q.sim.mu.Lock()
	defer q.sim.mu.Unlock()
	return q.creds, q.sim.newSession(q.creds), nil
}

// SimSent records one outbound send on a simulated session.
type SimSent struct {
	ThreadID  string
	Content   string
	MessageID string
}

// SimSession is the simulated provider session. Tests drive it with Inject
// and Drop.
type SimSession struct {
	creds Credentials
	self  AccountInfo

	mu        sync.Mutex
	inbox     chan RawMessage
	listening bool
	closed    bool
	sent      []SimSent
	sendErr   error
}

func (s *SimSession) Self() AccountInfo { return s.self }

// Inject queues an inbound message on the stream.
func (s *SimSession) Inject(msg RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.inbox <- msg
}

// Drop simulates the provider connection dropping: the inbound stream ends.
func (s *SimSession) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.inbox)
}

// FailSends makes subsequent Send calls return err (nil restores success).
func (s *SimSession) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Sent returns a copy of every message sent through this session.
func (s *SimSession) Sent() []SimSent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimSent, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *SimSession) Listen(_ context.Context) (<-chan RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listening = true
	return s.inbox, nil
}

func (s *SimSession) Send(_ context.Context, threadID, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return "", s.sendErr
	}
	id := uuid.New().String()
	s.sent = append(s.sent, SimSent{ThreadID: threadID, Content: content, MessageID: id})
	return id, nil
}

func (s *SimSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.inbox)
	}
	return nil
}
