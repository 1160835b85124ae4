// Package registry owns every account's AuthSession: batched startup,
// periodic reconnection sweeps, outbound delegation, and shutdown.
package registry

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
	"github.com/trungdn/zalobridge/internal/session"
	"github.com/trungdn/zalobridge/internal/store"
)

// ErrAccountNotConnected is returned by SendMessage when the target account
// has no live session. No network call is made in that case.
var ErrAccountNotConnected = errors.New("account not connected")

// ErrUnknownAccount is returned for channel ids the registry does not hold.
var ErrUnknownAccount = errors.New("unknown account")

// StatusWriter records connection state in the hub. Implementations must not
// fail loudly; bookkeeping is best-effort.
type StatusWriter interface {
	UpdateChannelStatus(ctx context.Context, channelID int64, connected bool, lastLogin *time.Time)
}

// InboundHandler consumes normalized inbound messages, one per call, in
// per-account order.
type InboundHandler interface {
	OnInbound(ctx context.Context, msg session.InboundMessage)
}

// Notifier is told when an account exhausts its reconnect attempts.
type Notifier interface {
	AccountFailed(ctx context.Context, ch hub.Channel, attempts int)
}

// Config holds the registry's tunables.
type Config struct {
	// BatchSize bounds concurrent authentications at startup (default 3).
	BatchSize int
	// InterBatchDelay throttles burst load between batches (default 2s).
	InterBatchDelay time.Duration
	// ReconnectInterval is the sweep period (default 30s).
	ReconnectInterval time.Duration
	// MaxReconnectAttempts caps sweep retries per account (default 5).
	MaxReconnectAttempts int
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 3
	}
	if c.InterBatchDelay <= 0 {
		c.InterBatchDelay = 2 * time.Second
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
}

// AccountStatus is one row of the status surface.
type AccountStatus struct {
	Channel     hub.Channel    `json:"channel"`
	Status      session.Status `json:"status"`
	IsConnected bool           `json:"isConnected"`
	LastSeen    time.Time      `json:"lastSeen"`
}

// Registry is the multi-account manager. The account map is mutated only
// under the registry mutex; startup batches, the sweep, and request handlers
// all go through it.
type Registry struct {
	cfg      Config
	client   provider.Client
	loader   *store.Loader
	statuses StatusWriter
	notifier Notifier

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.RWMutex
	accounts map[int64]*session.AuthSession
	inbound  InboundHandler
	degraded bool
	sweeping bool
	shutdown bool

	sweepStop    chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// New creates a Registry.
func New(cfg Config, client provider.Client, loader *store.Loader, statuses StatusWriter) *Registry {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:        cfg,
		client:     client,
		loader:     loader,
		statuses:   statuses,
		baseCtx:    ctx,
		baseCancel: cancel,
		accounts:   make(map[int64]*session.AuthSession),
		sweepStop:  make(chan struct{}),
	}
}

// SetInbound wires the consumer of inbound messages. Must be called before
// InitializeAll.
func (r *Registry) SetInbound(h InboundHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbound = h
}

// SetNotifier wires the optional failure notifier.
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

// Degraded reports whether the channel list came from the local snapshot
// rather than the hub.
func (r *Registry) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded
}

// InitializeAll loads every channel record and authenticates the accounts in
// bounded batches. Individual account failures never abort siblings; only a
// total channel-list failure is returned as an error. On completion the
// reconnect sweep is running.
func (r *Registry) InitializeAll(ctx context.Context) error {
	channels, degraded, err := r.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading channels: %w", err)
	}

	r.mu.Lock()
	r.degraded = degraded
	r.mu.Unlock()

	if len(channels) == 0 {
		log.Println("no zalo channels found")
		r.StartSweep()
		return nil
	}

	log.Printf("initializing %d zalo channels (batch size %d)", len(channels), r.cfg.BatchSize)

	sessions := make([]*session.AuthSession, 0, len(channels))
	for _, ch := range channels {
		sessions = append(sessions, r.Register(ch))
	}

	batches := chunk(sessions, r.cfg.BatchSize)
	for i, batch := range batches {
		if r.isShutdown() {
			return nil
		}
		var wg sync.WaitGroup
		for _, s := range batch {
			wg.Add(1)
			go func(s *session.AuthSession) {
				defer wg.Done()
				r.initAccount(ctx, s)
			}(s)
		}
		wg.Wait()

		if i < len(batches)-1 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.cfg.InterBatchDelay):
			}
		}
	}

	log.Printf("initialized %d connected accounts", r.ConnectedCount())
	r.StartSweep()
	return nil
}

// Register inserts (or replaces) the AuthSession for a channel record and
// returns it. Used at startup and when an account is added at runtime.
func (r *Registry) Register(ch hub.Channel) *session.AuthSession {
	s := session.New(ch, r.client, r.cfg.MaxReconnectAttempts)
	r.mu.Lock()
	r.accounts[ch.ID] = s
	r.mu.Unlock()
	return s
}

// Remove closes and drops the AuthSession for a channel.
func (r *Registry) Remove(channelID int64) {
	r.mu.Lock()
	s := r.accounts[channelID]
	delete(r.accounts, channelID)
	r.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// initAccount performs one credential-replay authentication for a channel.
// Failures are recorded per account and never propagated.
func (r *Registry) initAccount(ctx context.Context, s *session.AuthSession) {
	ch := s.Channel()
	if err := r.connect(ctx, s); err != nil {
		log.Printf("account %d (%s): initial connect failed: %v", ch.ID, ch.Name, err)
		return
	}
	log.Printf("account %d (%s): connected", ch.ID, ch.Name)
}

// connect authenticates via credential replay, updates the hub record, and
// starts the inbound listener on success.
func (r *Registry) connect(ctx context.Context, s *session.AuthSession) error {
	ch := s.Channel()
	_, err := s.Authenticate(ctx, session.ModeCredentialReplay)
	if err != nil {
		r.statuses.UpdateChannelStatus(ctx, ch.ID, false, nil)
		return err
	}

	now := time.Now().UTC()
	r.statuses.UpdateChannelStatus(ctx, ch.ID, true, &now)
	return r.startListening(s)
}

// startListening drains the session's inbound stream into the bridge until
// the provider connection drops.
func (r *Registry) startListening(s *session.AuthSession) error {
	msgs, err := s.Listen(r.baseCtx)
	if err != nil {
		return fmt.Errorf("starting listener: %w", err)
	}

	r.mu.RLock()
	handler := r.inbound
	r.mu.RUnlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for msg := range msgs {
			if handler != nil {
				handler.OnInbound(r.baseCtx, msg)
			}
		}
	}()
	return nil
}

// StartSweep launches the periodic reconnect sweep. Safe to call once; later
// calls are no-ops.
func (r *Registry) StartSweep() {
	r.mu.Lock()
	if r.sweeping || r.shutdown {
		r.mu.Unlock()
		return
	}
	r.sweeping = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.ReconnectInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.sweepStop:
				return
			case <-ticker.C:
				r.ReconnectSweep(r.baseCtx)
			}
		}
	}()
	log.Printf("reconnect sweep started (every %s)", r.cfg.ReconnectInterval)
}

// ReconnectSweep attempts one credential-replay reconnect for every account
// that is disconnected and below its attempt cap. Accounts that reach the
// cap become Failed and are skipped by later sweeps until externally reset.
func (r *Registry) ReconnectSweep(ctx context.Context) {
	for _, s := range r.sessions() {
		if !s.BeginReconnect() {
			continue
		}
		ch := s.Channel()
		log.Printf("account %d (%s): reconnect attempt %d", ch.ID, ch.Name, s.Attempts()+1)

		if err := r.connect(ctx, s); err != nil {
			if s.RecordFailure() {
				log.Printf("account %d (%s): marked failed after %d attempts", ch.ID, ch.Name, s.Attempts())
				r.mu.RLock()
				notifier := r.notifier
				r.mu.RUnlock()
				if notifier != nil {
					notifier.AccountFailed(ctx, ch, s.Attempts())
				}
			} else {
				log.Printf("account %d (%s): reconnect failed: %v", ch.ID, ch.Name, err)
			}
			continue
		}
		log.Printf("account %d (%s): reconnected", ch.ID, ch.Name)
	}
}

// ForceReconnect clears a Failed account and performs one immediate replay
// attempt. This is the external intervention the sweep requires.
func (r *Registry) ForceReconnect(ctx context.Context, channelID int64) error {
	s, ok := r.get(channelID)
	if !ok {
		return ErrUnknownAccount
	}
	s.Reset()
	return r.connect(ctx, s)
}

// AdoptCredentials installs a fresh cookie jar on a registered account,
// clears any Failed state, and performs one immediate replay attempt. This
// is how credentials from an out-of-band QR login reach a running account:
// the stored jar the session was created with is stale by then, so replaying
// it would only re-fail.
func (r *Registry) AdoptCredentials(ctx context.Context, channelID int64, cookies credential.Set) error {
	s, ok := r.get(channelID)
	if !ok {
		return ErrUnknownAccount
	}
	s.SetCookies(cookies)
	s.Reset()
	return r.connect(ctx, s)
}

// SendMessage delegates an outbound send to the account's session. Returns
// ErrAccountNotConnected without any network activity when the session is
// not live.
func (r *Registry) SendMessage(ctx context.Context, channelID int64, threadID, content string) (session.DeliveryResult, error) {
	s, ok := r.get(channelID)
	if !ok {
		return session.DeliveryResult{Error: ErrAccountNotConnected.Error()},
			fmt.Errorf("%w: channel %d", ErrAccountNotConnected, channelID)
	}
	if s.Status() != session.StatusConnected {
		return session.DeliveryResult{Error: ErrAccountNotConnected.Error()},
			fmt.Errorf("%w: channel %d is %s", ErrAccountNotConnected, channelID, s.Status())
	}
	return s.Send(ctx, threadID, content)
}

// Status returns the connection status for one account.
func (r *Registry) Status(channelID int64) (session.Status, error) {
	s, ok := r.get(channelID)
	if !ok {
		return "", ErrUnknownAccount
	}
	return s.Status(), nil
}

// AllStatuses returns a snapshot of every account's state.
func (r *Registry) AllStatuses() []AccountStatus {
	sessions := r.sessions()
	out := make([]AccountStatus, 0, len(sessions))
	for _, s := range sessions {
		status := s.Status()
		out = append(out, AccountStatus{
			Channel:     s.Channel(),
			Status:      status,
			IsConnected: status == session.StatusConnected,
			LastSeen:    s.LastSeen(),
		})
	}
	return out
}

// ConnectedCount counts accounts with a live session.
func (r *Registry) ConnectedCount() int {
	n := 0
	for _, s := range r.sessions() {
		if s.Status() == session.StatusConnected {
			n++
		}
	}
	return n
}

// Session returns the AuthSession for a channel, if registered.
func (r *Registry) Session(channelID int64) (*session.AuthSession, bool) {
	return r.get(channelID)
}

// Shutdown stops the sweep, marks connected accounts disconnected in the
// hub, and releases every session. Idempotent, and safe even if
// InitializeAll never ran.
func (r *Registry) Shutdown(ctx context.Context) {
	r.shutdownOnce.Do(func() {
		r.mu.Lock()
		r.shutdown = true
		r.mu.Unlock()

		// The sweep must stop before any session resource is released.
		close(r.sweepStop)
		r.baseCancel()

		for _, s := range r.sessions() {
			ch := s.Channel()
			if s.Status() == session.StatusConnected {
				r.statuses.UpdateChannelStatus(ctx, ch.ID, false, nil)
			}
			s.Close()
		}

		r.mu.Lock()
		r.accounts = make(map[int64]*session.AuthSession)
		r.mu.Unlock()

		r.wg.Wait()
		log.Println("registry shutdown complete")
	})
}

func (r *Registry) get(channelID int64) (*session.AuthSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.accounts[channelID]
	return s, ok
}

func (r *Registry) sessions() []*session.AuthSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.AuthSession, 0, len(r.accounts))
	for _, s := range r.accounts {
		out = append(out, s)
	}
	return out
}

func (r *Registry) isShutdown() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.shutdown
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for size > 0 && len(items) > 0 {
		n := size
		if n > len(items) {
			n = len(items)
		}
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}
