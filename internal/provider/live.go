package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// LiveOptions configures the live provider client.
type LiveOptions struct {
	// BaseURL is the provider's HTTP API root (default https://chat.zalo.me).
	BaseURL string
	// WSURL is the websocket endpoint for the message stream.
	WSURL string
	// Timeout bounds every HTTP call (default 10s).
	Timeout time.Duration
}

// Live talks to the real provider over HTTP and websocket. One Live client
// serves all accounts; per-account state (cookies, device identity, proxy)
// travels in the Credentials of each login.
type Live struct {
	opts LiveOptions
}

// NewLive creates a live provider client.
func NewLive(opts LiveOptions) *Live {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://chat.zalo.me"
	}
	if opts.WSURL == "" {
		opts.WSURL = "wss://chat.zalo.me/ws"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Live{opts: opts}
}

func (l *Live) httpClient(creds Credentials) (*http.Client, error) {
	c := &http.Client{Timeout: l.opts.Timeout}
	if creds.Proxy != "" {
		proxyURL, err := url.Parse(creds.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %w", err)
		}
		c.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	return c, nil
}

func (l *Live) do(ctx context.Context, creds Credentials, method, path string, body, out any) error {
	client, err := l.httpClient(creds)
	if err != nil {
		return err
	}

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, l.opts.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", creds.UserAgent)
	if cookie := creds.Cookies.String(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	if creds.IMEI != "" {
		req.Header.Set("X-Device-IMEI", creds.IMEI)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("provider request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrLoginRejected
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider %s %s: status %d: %s", method, path, resp.StatusCode, data)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding provider response: %w", err)
		}
	}
	return nil
}

// LoginCookie resumes a session by replaying the stored cookie jar against
// the login-check endpoint.
func (l *Live) LoginCookie(ctx context.Context, creds Credentials) (Session, error) {
	var check struct {
		Success     bool   `json:"success"`
		AccountName string `json:"account_name"`
		Error       string `json:"error"`
	}
	if err := l.do(ctx, creds, http.MethodGet, "/api/login/check", nil, &check); err != nil {
		return nil, err
	}
	if !check.Success {
		return nil, fmt.Errorf("%w: %s", ErrLoginRejected, check.Error)
	}

	return &liveSession{
		client: l,
		creds:  creds,
		self:   AccountInfo{Name: check.AccountName},
	}, nil
}

// LoginQR requests a fresh QR code for the given device profile and returns
// the pending login. The device's cookie jar is ignored.
func (l *Live) LoginQR(ctx context.Context, device Credentials) (QRSession, error) {
	var resp struct {
		SessionID string `json:"session_id"`
		Code      string `json:"code"` // base64 PNG
	}
	if err := l.do(ctx, device, http.MethodPost, "/api/login/qr", map[string]string{
		"imei":       device.IMEI,
		"user_agent": device.UserAgent,
	}, &resp); err != nil {
		return nil, err
	}

	png, err := base64.StdEncoding.DecodeString(resp.Code)
	if err != nil {
		return nil, fmt.Errorf("decoding qr image: %w", err)
	}

	return &liveQR{client: l, device: device, sessionID: resp.SessionID, png: png}, nil
}

type liveQR struct {
	client    *Live
	device    Credentials
	sessionID string
	png       []byte
}

func (q *liveQR) Image() []byte { return q.png }

// Wait polls the QR status endpoint until the scan is confirmed or ctx
// expires. The poll interval matches the provider's recommended cadence.
func (q *liveQR) Wait(ctx context.Context) (Credentials, Session, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Credentials{}, nil, ErrScanTimeout
		case <-ticker.C:
		}

		var status struct {
			State       string      `json:"state"` // pending, scanned, expired
			AccountName string      `json:"account_name"`
			Credentials Credentials `json:"credentials"`
		}
		err := q.client.do(ctx, q.device, http.MethodGet,
			"/api/login/qr/"+url.PathEscape(q.sessionID), nil, &status)
		if err != nil {
			if ctx.Err() != nil {
				return Credentials{}, nil, ErrScanTimeout
			}
			log.Printf("qr poll: %v", err)
			continue
		}

		switch status.State {
		case "scanned":
			creds := status.Credentials
			creds.IMEI = q.device.IMEI
			creds.UserAgent = q.device.UserAgent
			creds.Proxy = q.device.Proxy
			return creds, &liveSession{
				client: q.client,
				creds:  creds,
				self:   AccountInfo{Name: status.AccountName},
			}, nil
		case "expired":
			return Credentials{}, nil, ErrScanTimeout
		}
	}
}

type liveSession struct {
	client *Live
	creds  Credentials
	self   AccountInfo

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (s *liveSession) Self() AccountInfo { return s.self }

// Listen dials the message websocket and streams inbound messages until the
// connection drops. Messages are delivered in wire order; the channel closes
// on disconnect.
func (s *liveSession) Listen(ctx context.Context) (<-chan RawMessage, error) {
	header := http.Header{}
	header.Set("User-Agent", s.creds.UserAgent)
	if cookie := s.creds.Cookies.String(); cookie != "" {
		header.Set("Cookie", cookie)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.client.opts.WSURL, header)
	if err != nil {
		return nil, fmt.Errorf("dialing message stream: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	out := make(chan RawMessage, 64)
	go s.readLoop(ctx, conn, out)
	return out, nil
}

// wireMessage is the provider's websocket frame layout.
type wireMessage struct {
	ID         string `json:"msgId"`
	ThreadID   string `json:"threadId"`
	ThreadType int    `json:"threadType"` // 0 = user, 1 = group
	Content    string `json:"content"`
	Kind       string `json:"msgType"`
	Timestamp  int64  `json:"ts"` // milliseconds
	Sender     struct {
		ID     string `json:"id"`
		Name   string `json:"dName"`
		Avatar string `json:"avatar"`
		Phone  string `json:"phone"`
	} `json:"sender"`
	Attachments []struct {
		Type string `json:"type"`
		URL  string `json:"href"`
		Name string `json:"title"`
		Size int64  `json:"size"`
	} `json:"attachments"`
}

func (s *liveSession) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- RawMessage) {
	defer close(out)
	defer conn.Close()

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed && ctx.Err() == nil {
				log.Printf("message stream closed: %v", err)
			}
			return
		}

		var wm wireMessage
		if err := json.Unmarshal(data, &wm); err != nil {
			log.Printf("skipping unparseable frame: %v", err)
			continue
		}
		if wm.ID == "" {
			continue
		}

		out <- decodeWire(wm)
	}
}

func decodeWire(wm wireMessage) RawMessage {
	msg := RawMessage{
		ID:           wm.ID,
		ThreadID:     wm.ThreadID,
		ThreadType:   ThreadUser,
		SenderID:     wm.Sender.ID,
		SenderName:   wm.Sender.Name,
		SenderAvatar: wm.Sender.Avatar,
		SenderPhone:  wm.Sender.Phone,
		Content:      wm.Content,
		Kind:         KindText,
		Timestamp:    time.UnixMilli(wm.Timestamp),
	}
	if wm.ThreadType == 1 {
		msg.ThreadType = ThreadGroup
	}
	switch wm.Kind {
	case "image", "photo":
		msg.Kind = KindImage
	case "file":
		msg.Kind = KindFile
	case "audio", "voice":
		msg.Kind = KindAudio
	case "video":
		msg.Kind = KindVideo
	}
	for _, a := range wm.Attachments {
		att := Attachment{Kind: KindFile, URL: a.URL, Name: a.Name, Size: a.Size}
		switch a.Type {
		case "image", "photo":
			att.Kind = KindImage
		case "audio", "voice":
			att.Kind = KindAudio
		case "video":
			att.Kind = KindVideo
		}
		msg.Attachments = append(msg.Attachments, att)
	}
	return msg
}

// Send posts a message to a thread and returns the provider message id.
func (s *liveSession) Send(ctx context.Context, threadID, content string) (string, error) {
	var resp struct {
		Success   bool   `json:"success"`
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	}
	err := s.client.do(ctx, s.creds, http.MethodPost, "/api/message/send", map[string]string{
		"thread_id": threadID,
		"content":   content,
	}, &resp)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("provider send failed: %s", resp.Error)
	}
	return resp.MessageID, nil
}

func (s *liveSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
