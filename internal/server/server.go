// Package server provides the zalobridge HTTP API server.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/trungdn/zalobridge/internal/bridge"
	"github.com/trungdn/zalobridge/internal/credential"
	"github.com/trungdn/zalobridge/internal/provider"
	"github.com/trungdn/zalobridge/internal/registry"
	"github.com/trungdn/zalobridge/internal/session"
)

// Accounts is the registry surface the server exposes over HTTP.
type Accounts interface {
	AllStatuses() []registry.AccountStatus
	ConnectedCount() int
	Degraded() bool
	ForceReconnect(ctx context.Context, channelID int64) error
	AdoptCredentials(ctx context.Context, channelID int64, cookies credential.Set) error
}

// Dispatcher delivers hub-originated sends.
type Dispatcher interface {
	DispatchOutbound(ctx context.Context, req bridge.OutboundRequest) session.DeliveryResult
}

// CredentialWriter persists fresh credentials after a QR login. May be nil
// when the hub's internal surface is not configured.
type CredentialWriter interface {
	UpdateChannelCredentials(ctx context.Context, channelID int64, cookie credential.Set) error
}

// Options configures the Server.
type Options struct {
	Addr string
	// QRTimeout bounds how long a pending QR login waits for its scan.
	QRTimeout time.Duration
}

// Server is the zalobridge HTTP API server.
type Server struct {
	opts     Options
	accounts Accounts
	dispatch Dispatcher
	provider provider.Client
	creds    CredentialWriter
	router   chi.Router
	started  time.Time

	qrMu      sync.Mutex
	pendingQR *pendingQR
}

// pendingQR is the last issued QR login awaiting its scan.
type pendingQR struct {
	sessionID string
	image     []byte
	expiresAt time.Time
}

// New creates a Server.
func New(opts Options, accounts Accounts, dispatch Dispatcher, prov provider.Client, creds CredentialWriter) *Server {
	if opts.QRTimeout == 0 {
		opts.QRTimeout = session.DefaultQRTimeout
	}
	s := &Server{
		opts:     opts,
		accounts: accounts,
		dispatch: dispatch,
		provider: prov,
		creds:    creds,
		started:  time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the HTTP server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.opts.Addr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("zalobridge listening on %s", s.opts.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/accounts/status", s.handleAccountsStatus)

	r.Route("/api", func(r chi.Router) {
		r.Post("/send-message", s.handleSendMessage)
		r.Post("/qr-code", s.handleGenerateQR)
		r.Get("/qr-code", s.handleGetQR)
		r.Post("/accounts/{id}/reconnect", s.handleReconnect)
	})

	return r
}

type healthResponse struct {
	Status            string `json:"status"`
	Uptime            string `json:"uptime"`
	ConnectedAccounts int    `json:"connected_accounts"`
	Degraded          bool   `json:"degraded,omitempty"`
}

type accountStatusResponse struct {
	Channel     channelSummary `json:"channel"`
	IsConnected bool           `json:"isConnected"`
	Status      string         `json:"status"`
	LastSeen    time.Time      `json:"lastSeen"`
}

type channelSummary struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	ZaloAccountName string `json:"zalo_account_name"`
}

type qrRequest struct {
	ChannelID int64  `json:"channel_id,omitempty"`
	IMEI      string `json:"imei"`
	UserAgent string `json:"user_agent"`
	Proxy     string `json:"proxy,omitempty"`
}

type qrResponse struct {
	Success   bool      `json:"success"`
	QRCode    string    `json:"qr_code"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Degraded  bool      `json:"degraded,omitempty"`
	Message   string    `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:            "ok",
		Uptime:            time.Since(s.started).Round(time.Second).String(),
		ConnectedAccounts: s.accounts.ConnectedCount(),
		Degraded:          s.accounts.Degraded(),
	})
}

func (s *Server) handleAccountsStatus(w http.ResponseWriter, r *http.Request) {
	statuses := s.accounts.AllStatuses()
	out := make([]accountStatusResponse, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, accountStatusResponse{
			Channel: channelSummary{
				ID:              st.Channel.ID,
				Name:            st.Channel.Name,
				ZaloAccountName: st.Channel.ZaloAccountName,
			},
			IsConnected: st.IsConnected,
			Status:      string(st.Status),
			LastSeen:    st.LastSeen,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req bridge.OutboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChannelID == 0 || req.ThreadID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "channel_id, thread_id and content are required")
		return
	}

	result := s.dispatch.DispatchOutbound(r.Context(), req)
	if !result.Success {
		if result.Error == registry.ErrAccountNotConnected.Error() {
			writeJSON(w, http.StatusConflict, result)
			return
		}
		writeJSON(w, http.StatusBadGateway, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleGenerateQR starts a QR login for a device profile. Provider failures
// degrade to a placeholder QR so the hub's account-setup screen stays usable
// while the provider pipeline is down.
func (s *Server) handleGenerateQR(w http.ResponseWriter, r *http.Request) {
	var req qrRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	device := provider.Credentials{
		IMEI:      req.IMEI,
		UserAgent: req.UserAgent,
		Proxy:     req.Proxy,
	}

	qrSess, err := s.provider.LoginQR(r.Context(), device)
	if err != nil {
		log.Printf("qr generation failed, serving fallback: %v", err)
		writeJSON(w, http.StatusOK, s.fallbackQR())
		return
	}

	pending := &pendingQR{
		sessionID: fmt.Sprintf("qr_%d", time.Now().UnixNano()),
		image:     qrSess.Image(),
		expiresAt: time.Now().Add(s.opts.QRTimeout),
	}
	s.qrMu.Lock()
	s.pendingQR = pending
	s.qrMu.Unlock()

	go s.awaitScan(qrSess, req.ChannelID)

	writeJSON(w, http.StatusOK, qrResponse{
		Success:   true,
		QRCode:    base64.StdEncoding.EncodeToString(pending.image),
		SessionID: pending.sessionID,
		ExpiresAt: pending.expiresAt,
		Message:   "QR code generated successfully",
	})
}

func (s *Server) handleGetQR(w http.ResponseWriter, r *http.Request) {
	s.qrMu.Lock()
	pending := s.pendingQR
	s.qrMu.Unlock()

	if pending == nil || time.Now().After(pending.expiresAt) {
		writeJSON(w, http.StatusOK, s.fallbackQR())
		return
	}
	writeJSON(w, http.StatusOK, qrResponse{
		Success:   true,
		QRCode:    base64.StdEncoding.EncodeToString(pending.image),
		SessionID: pending.sessionID,
		ExpiresAt: pending.expiresAt,
		Message:   "QR code retrieved successfully",
	})
}

// awaitScan waits for the out-of-band scan, then persists the fresh
// credentials for the channel, if one was named, and hands the new jar to
// the registry for an immediate replay.
func (s *Server) awaitScan(qrSess provider.QRSession, channelID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.QRTimeout)
	defer cancel()

	creds, live, err := qrSess.Wait(ctx)
	if err != nil {
		log.Printf("qr login not completed: %v", err)
		return
	}
	// The registry adopts accounts through its replay path; the scan session
	// itself only confirms the login.
	live.Close()

	if channelID == 0 {
		return
	}

	saveCtx, cancelSave := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSave()
	if s.creds != nil {
		if err := s.creds.UpdateChannelCredentials(saveCtx, channelID, creds.Cookies); err != nil {
			log.Printf("channel %d: persisting qr credentials failed: %v", channelID, err)
		}
	}
	// The session's in-memory jar is stale at this point; the fresh one must
	// travel with the reconnect request or the replay would re-fail.
	if err := s.accounts.AdoptCredentials(saveCtx, channelID, creds.Cookies); err != nil {
		log.Printf("channel %d: post-qr reconnect failed: %v", channelID, err)
	}
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	var id int64
	if _, err := fmt.Sscanf(chi.URLParam(r, "id"), "%d", &id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel id")
		return
	}

	if err := s.accounts.ForceReconnect(r.Context(), id); err != nil {
		if errors.Is(err, registry.ErrUnknownAccount) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// fallbackQR is the degraded placeholder served when the provider cannot
// issue a real code.
func (s *Server) fallbackQR() qrResponse {
	return qrResponse{
		Success:   true,
		QRCode:    base64.StdEncoding.EncodeToString(provider.PlaceholderQR()),
		SessionID: fmt.Sprintf("fallback_session_%d", time.Now().Unix()),
		ExpiresAt: time.Now().Add(5 * time.Minute),
		Degraded:  true,
		Message:   "QR code generated (fallback mode)",
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
