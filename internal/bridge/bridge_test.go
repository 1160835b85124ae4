package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/trungdn/zalobridge/internal/bridge"
	"github.com/trungdn/zalobridge/internal/hub"
	"github.com/trungdn/zalobridge/internal/session"
)

const testSecret = "webhook-secret"

// fakeHub records the inbound pipeline's calls in order.
type fakeHub struct {
	mu    sync.Mutex
	calls []string

	contact       *hub.Contact
	contactErr    error
	openConv      *hub.Conversation
	findErr       error
	createConvErr error
	messageErr    error

	createdMessages []hub.MessagePayload
	statusUpdates   []statusUpdate
}

type statusUpdate struct {
	MessageID int64
	Status    string
	SourceID  string
	Error     string
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		contact: &hub.Contact{ID: 11, Name: "Sender"},
	}
}

func (f *fakeHub) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeHub) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeHub) CreateOrFindContact(_ context.Context, _, _ int64, _, _, _ string) (*hub.Contact, error) {
	f.record("contact")
	return f.contact, f.contactErr
}

func (f *fakeHub) CreateContactInbox(_ context.Context, _, _, _ int64, _ string) (*hub.ContactInbox, error) {
	f.record("contact_inbox")
	return &hub.ContactInbox{ID: 21}, nil
}

func (f *fakeHub) FindOpenConversation(_ context.Context, _, _ int64) (*hub.Conversation, error) {
	f.record("find_conversation")
	return f.openConv, f.findErr
}

func (f *fakeHub) CreateConversation(_ context.Context, _, _, _ int64, _ string) (*hub.Conversation, error) {
	f.record("create_conversation")
	if f.createConvErr != nil {
		return nil, f.createConvErr
	}
	return &hub.Conversation{ID: 31, Status: "open"}, nil
}

func (f *fakeHub) CreateMessage(_ context.Context, _, _ int64, msg hub.MessagePayload) error {
	f.record("message")
	f.mu.Lock()
	f.createdMessages = append(f.createdMessages, msg)
	f.mu.Unlock()
	return f.messageErr
}

func (f *fakeHub) UpdateMessageStatus(_ context.Context, messageID int64, status, sourceID, externalError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusUpdates = append(f.statusUpdates, statusUpdate{messageID, status, sourceID, externalError})
	return nil
}

func (f *fakeHub) DefaultInboxID() int64 { return 5 }

// fakeSender scripts the outbound delegate.
type fakeSender struct {
	result session.DeliveryResult
	err    error
	calls  int
}

func (f *fakeSender) SendMessage(context.Context, int64, string, string) (session.DeliveryResult, error) {
	f.calls++
	return f.result, f.err
}

func inboundMessage() session.InboundMessage {
	return session.InboundMessage{
		ChannelID:   3,
		ChannelName: "Support Line",
		AccountID:   1,
		AccountName: "support",
		MessageID:   "zmsg-1",
		SenderID:    "user-9",
		SenderName:  "Ngoc",
		SenderPhone: "+84900000001",
		ThreadID:    "thread-9",
		ThreadType:  "user",
		Content:     "xin chao",
		Kind:        "text",
		Timestamp:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

// webhookCapture is an httptest endpoint recording each push.
type webhookCapture struct {
	mu       sync.Mutex
	bodies   [][]byte
	headers  []string
	paths    []string
	respCode int
}

func newWebhookServer(t *testing.T) (*webhookCapture, *httptest.Server) {
	t.Helper()
	capture := &webhookCapture{respCode: http.StatusOK}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		capture.mu.Lock()
		capture.bodies = append(capture.bodies, body)
		capture.headers = append(capture.headers, r.Header.Get(bridge.SignatureHeader))
		capture.paths = append(capture.paths, r.URL.Path)
		code := capture.respCode
		capture.mu.Unlock()
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return capture, srv
}

func (c *webhookCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

// ---------------------------------------------------------------------------
// Inbound pipeline
// ---------------------------------------------------------------------------

func TestOnInbound_FullPipeline(t *testing.T) {
	fh := newFakeHub()
	capture, srv := newWebhookServer(t)
	b := bridge.New(fh, &fakeSender{}, bridge.Options{WebhookURL: srv.URL, Secret: testSecret})

	b.OnInbound(context.Background(), inboundMessage())

	want := []string{"contact", "contact_inbox", "find_conversation", "create_conversation", "message"}
	got := fh.callLog()
	if len(got) != len(want) {
		t.Fatalf("call log = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call log = %v, want %v", got, want)
		}
	}

	if capture.count() != 1 {
		t.Fatalf("webhook pushes = %d, want 1", capture.count())
	}
	if capture.paths[0] != "/process_payload" {
		t.Errorf("webhook path = %q, want /process_payload", capture.paths[0])
	}
	if !bridge.VerifySignature(testSecret, capture.bodies[0], capture.headers[0]) {
		t.Error("webhook signature does not verify against the body")
	}

	var event struct {
		Message struct {
			ID          string `json:"id"`
			Content     string `json:"content"`
			MessageType string `json:"message_type"`
			ThreadID    string `json:"thread_id"`
		} `json:"message"`
		ZaloData struct {
			AccountID int64 `json:"account_id"`
		} `json:"zalo_data"`
	}
	if err := json.Unmarshal(capture.bodies[0], &event); err != nil {
		t.Fatalf("decoding webhook body: %v", err)
	}
	if event.Message.ID != "zmsg-1" || event.Message.Content != "xin chao" {
		t.Errorf("webhook message = %+v", event.Message)
	}
	if event.Message.MessageType != "incoming" {
		t.Errorf("message_type = %q, want incoming", event.Message.MessageType)
	}
	if event.ZaloData.AccountID != 3 {
		t.Errorf("zalo_data.account_id = %d, want 3", event.ZaloData.AccountID)
	}
}

func TestOnInbound_ReusesOpenConversation(t *testing.T) {
	fh := newFakeHub()
	fh.contact.ContactInboxes = []hub.ContactInbox{{ID: 21}}
	fh.openConv = &hub.Conversation{ID: 31, ContactInboxID: 21, Status: "open"}
	b := bridge.New(fh, &fakeSender{}, bridge.Options{Secret: testSecret})

	b.OnInbound(context.Background(), inboundMessage())

	for _, call := range fh.callLog() {
		if call == "create_conversation" || call == "contact_inbox" {
			t.Errorf("unexpected call %q when an open conversation exists", call)
		}
	}
	if len(fh.createdMessages) != 1 {
		t.Fatalf("created messages = %d, want 1", len(fh.createdMessages))
	}
}

func TestOnInbound_ContactFailureAbortsPipeline(t *testing.T) {
	fh := newFakeHub()
	fh.contactErr = errors.New("hub down")
	capture, srv := newWebhookServer(t)
	b := bridge.New(fh, &fakeSender{}, bridge.Options{WebhookURL: srv.URL, Secret: testSecret})

	b.OnInbound(context.Background(), inboundMessage())

	if got := fh.callLog(); len(got) != 1 || got[0] != "contact" {
		t.Errorf("call log = %v, want only the contact step", got)
	}
	if capture.count() != 0 {
		t.Errorf("webhook pushes = %d, want 0 after an aborted pipeline", capture.count())
	}
}

func TestOnInbound_WebhookFailureDoesNotUndoHubRecords(t *testing.T) {
	fh := newFakeHub()
	capture, srv := newWebhookServer(t)
	capture.respCode = http.StatusBadGateway
	b := bridge.New(fh, &fakeSender{}, bridge.Options{WebhookURL: srv.URL, Secret: testSecret})

	b.OnInbound(context.Background(), inboundMessage())

	// The message step completed; the failed push is logged, not undone.
	if len(fh.createdMessages) != 1 {
		t.Errorf("created messages = %d, want 1", len(fh.createdMessages))
	}
}

func TestOnInbound_MessagePayload(t *testing.T) {
	fh := newFakeHub()
	b := bridge.New(fh, &fakeSender{}, bridge.Options{Secret: testSecret})

	b.OnInbound(context.Background(), inboundMessage())

	if len(fh.createdMessages) != 1 {
		t.Fatalf("created messages = %d, want 1", len(fh.createdMessages))
	}
	msg := fh.createdMessages[0]
	if msg.MessageType != "incoming" || msg.SenderType != "contact" {
		t.Errorf("message = %+v", msg)
	}
	if msg.SourceID != "zmsg-1" {
		t.Errorf("source id = %q, want zmsg-1", msg.SourceID)
	}
	if msg.Sender == nil || msg.Sender.ID != 11 {
		t.Errorf("sender = %+v, want contact 11", msg.Sender)
	}
	if got := msg.AdditionalAttributes["platform"]; got != "zalo" {
		t.Errorf("platform attribute = %v, want zalo", got)
	}
}

// ---------------------------------------------------------------------------
// Outbound dispatch
// ---------------------------------------------------------------------------

func TestDispatchOutbound_ReportsSent(t *testing.T) {
	fh := newFakeHub()
	sender := &fakeSender{result: session.DeliveryResult{Success: true, ProviderMessageID: "prov-1"}}
	b := bridge.New(fh, sender, bridge.Options{Secret: testSecret})

	result := b.DispatchOutbound(context.Background(), bridge.OutboundRequest{
		ChannelID: 3, ThreadID: "thread-9", Content: "reply", MessageID: 77,
	})

	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if len(fh.statusUpdates) != 1 {
		t.Fatalf("status updates = %d, want 1", len(fh.statusUpdates))
	}
	up := fh.statusUpdates[0]
	if up.MessageID != 77 || up.Status != "sent" || up.SourceID != "prov-1" {
		t.Errorf("status update = %+v", up)
	}
}

func TestDispatchOutbound_ReportsFailed(t *testing.T) {
	fh := newFakeHub()
	sendErr := errors.New("provider refused")
	sender := &fakeSender{
		result: session.DeliveryResult{Success: false, Error: sendErr.Error()},
		err:    sendErr,
	}
	b := bridge.New(fh, sender, bridge.Options{Secret: testSecret})

	result := b.DispatchOutbound(context.Background(), bridge.OutboundRequest{
		ChannelID: 3, ThreadID: "thread-9", Content: "reply", MessageID: 78,
	})

	if result.Success {
		t.Fatalf("result = %+v, want failure", result)
	}
	if len(fh.statusUpdates) != 1 {
		t.Fatalf("status updates = %d, want 1", len(fh.statusUpdates))
	}
	up := fh.statusUpdates[0]
	if up.Status != "failed" || up.Error != "provider refused" {
		t.Errorf("status update = %+v", up)
	}
}

func TestDispatchOutbound_NoMessageIDSkipsStatusReport(t *testing.T) {
	fh := newFakeHub()
	sender := &fakeSender{result: session.DeliveryResult{Success: true, ProviderMessageID: "prov-2"}}
	b := bridge.New(fh, sender, bridge.Options{Secret: testSecret})

	b.DispatchOutbound(context.Background(), bridge.OutboundRequest{
		ChannelID: 3, ThreadID: "thread-9", Content: "reply",
	})

	if len(fh.statusUpdates) != 0 {
		t.Errorf("status updates = %d, want 0 without a hub message id", len(fh.statusUpdates))
	}
}

// ---------------------------------------------------------------------------
// Signatures
// ---------------------------------------------------------------------------

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"message":{"id":"m1"}}`)

	sig := bridge.Sign(testSecret, payload)
	if !bridge.VerifySignature(testSecret, payload, sig) {
		t.Error("signature does not verify")
	}
	if bridge.VerifySignature("wrong-secret", payload, sig) {
		t.Error("signature verified under the wrong secret")
	}
	if bridge.VerifySignature(testSecret, []byte("tampered"), sig) {
		t.Error("signature verified for a tampered payload")
	}
	if bridge.VerifySignature(testSecret, payload, "zz-not-hex") {
		t.Error("malformed signature verified")
	}
}
