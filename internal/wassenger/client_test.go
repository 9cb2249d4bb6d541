package wassenger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wabot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]any
}

// fakeAPI records every request and answers from a route table keyed by
// "METHOD /path".
type fakeAPI struct {
	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]func(w http.ResponseWriter)
}

func newFakeAPI(t *testing.T) (*fakeAPI, *Client) {
	t.Helper()
	api := &fakeAPI{routes: map[string]func(w http.ResponseWriter){}}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	c := New(Config{
		APIKey:         "test-key",
		APIBase:        srv.URL,
		Logger:         testLogger(),
		SendRetryDelay: time.Millisecond,
	})
	return api, c
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization")}
	data, _ := io.ReadAll(r.Body)
	if len(data) > 0 {
		json.Unmarshal(data, &rec.Body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, rec)
	h := f.routes[r.Method+" "+r.URL.Path]
	f.mu.Unlock()
	if h == nil {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
		return
	}
	h(w)
}

func (f *fakeAPI) route(route string, h func(w http.ResponseWriter)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[route] = h
}

func (f *fakeAPI) handle(route, body string) {
	f.route(route, func(w http.ResponseWriter) { w.Write([]byte(body)) })
}

func (f *fakeAPI) count(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.Method+" "+r.Path == route {
			n++
		}
	}
	return n
}

func (f *fakeAPI) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

var (
	testDevice = domain.Device{ID: "dev1"}
	testMsg    = domain.InboundMessage{FromNumber: "+34600000000", Chat: domain.Chat{ID: "34600000000@c.us"}}
)

func TestSendMessage_Payload(t *testing.T) {
	api, c := newFakeAPI(t)

	err := c.SendMessage(context.Background(), domain.OutboundMessage{Phone: "+34600000000", Message: "hi", Device: "dev1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := api.last()
	if req.Method != http.MethodPost || req.Path != "/messages" {
		t.Fatalf("unexpected request %s %s", req.Method, req.Path)
	}
	if req.Auth != "Bearer test-key" {
		t.Fatalf("expected bearer auth, got %q", req.Auth)
	}
	if req.Body["enqueue"] != "never" || req.Body["phone"] != "+34600000000" || req.Body["message"] != "hi" {
		t.Fatalf("unexpected body %v", req.Body)
	}
	if _, ok := req.Body["media"]; ok {
		t.Fatal("media should be omitted for text replies")
	}
}

func TestSendMessage_RetriesThreeTimes(t *testing.T) {
	api, c := newFakeAPI(t)
	api.route("POST /messages", func(w http.ResponseWriter) { w.WriteHeader(http.StatusInternalServerError) })

	err := c.SendMessage(context.Background(), domain.OutboundMessage{Phone: "1", Message: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 500 {
		t.Fatalf("expected wrapped APIError, got %v", err)
	}
	if n := api.count("POST /messages"); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestSendMessage_RecoversOnRetry(t *testing.T) {
	api, c := newFakeAPI(t)
	var calls atomic.Int32
	api.route("POST /messages", func(w http.ResponseWriter) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"id":"m1"}`))
	})

	if err := c.SendMessage(context.Background(), domain.OutboundMessage{Phone: "1", Message: "x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestLoadDevice_FirstAndCached(t *testing.T) {
	api, c := newFakeAPI(t)
	api.handle("GET /devices", `[{"id":"d1","alias":"main","status":"operative"},{"id":"d2"}]`)

	for i := 0; i < 2; i++ {
		d, err := c.LoadDevice(context.Background(), "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.ID != "d1" {
			t.Fatalf("expected first device, got %q", d.ID)
		}
	}
	if n := api.count("GET /devices"); n != 1 {
		t.Fatalf("expected a single lookup, got %d", n)
	}
}

func TestLoadDevice_ByID(t *testing.T) {
	api, c := newFakeAPI(t)
	api.handle("GET /devices/d9", `{"id":"d9","phone":"+100","session":{"status":"online"},"billing":{"subscription":{"product":"io"}}}`)

	d, err := c.LoadDevice(context.Background(), "d9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Phone != "+100" || d.Session.Status != "online" || d.Billing.Subscription.Product != "io" {
		t.Fatalf("unexpected device %+v", d)
	}
}

func TestLoadDevice_NoDevices(t *testing.T) {
	api, c := newFakeAPI(t)
	api.handle("GET /devices", `[]`)

	if _, err := c.LoadDevice(context.Background(), ""); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
}

func TestVerifyDevice(t *testing.T) {
	ok := domain.Device{ID: "d", Status: "operative", Session: domain.DeviceSession{Status: "online"}}
	ok.Billing.Subscription.Product = "io"
	if err := VerifyDevice(ok); err != nil {
		t.Fatalf("expected valid device, got %v", err)
	}

	offline := ok
	offline.Session.Status = "offline"
	if err := VerifyDevice(offline); err == nil || !strings.Contains(err.Error(), "not online") {
		t.Fatalf("expected offline error, got %v", err)
	}

	wrongPlan := ok
	wrongPlan.Billing.Subscription.Product = "chat"
	if err := VerifyDevice(wrongPlan); err == nil || !strings.Contains(err.Error(), "plan") {
		t.Fatalf("expected plan error, got %v", err)
	}

	if err := VerifyDevice(domain.Device{}); err == nil {
		t.Fatal("expected error for inactive device")
	}
}

func TestPullMembers_Cached(t *testing.T) {
	api, c := newFakeAPI(t)
	api.handle("GET /chat/dev1/members", `[{"id":"a1","status":"active","role":"agent"}]`)

	for i := 0; i < 3; i++ {
		members, err := c.PullMembers(context.Background(), testDevice)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(members) != 1 || members[0].ID != "a1" {
			t.Fatalf("unexpected members %+v", members)
		}
	}
	if n := api.count("GET /chat/dev1/members"); n != 1 {
		t.Fatalf("expected a single lookup, got %d", n)
	}
}

func TestCreateLabels_OnlyMissing(t *testing.T) {
	api, c := newFakeAPI(t)
	api.handle("GET /chat/dev1/labels", `[{"name":"Bot"}]`)

	if err := c.CreateLabels(context.Background(), testDevice, []string{"bot", "from-bot", ""}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := api.count("POST /chat/dev1/labels"); n != 1 {
		t.Fatalf("expected one label created, got %d", n)
	}
	// Initial pull plus forced refresh.
	if n := api.count("GET /chat/dev1/labels"); n != 2 {
		t.Fatalf("expected 2 label pulls, got %d", n)
	}

	api.mu.Lock()
	var created recordedRequest
	for _, r := range api.requests {
		if r.Method == http.MethodPost {
			created = r
		}
	}
	api.mu.Unlock()
	if created.Body["name"] != "from-bot" || created.Body["color"] != "#007bff" {
		t.Fatalf("unexpected label body %v", created.Body)
	}
}

func TestChatUpdates(t *testing.T) {
	api, c := newFakeAPI(t)
	ctx := context.Background()

	if err := c.UpdateChatLabels(ctx, testMsg, testDevice, []string{"bot"}); err != nil {
		t.Fatalf("labels: %v", err)
	}
	req := api.last()
	if req.Method != http.MethodPatch || req.Path != "/chat/dev1/chats/34600000000@c.us/labels" {
		t.Fatalf("unexpected labels request %s %s", req.Method, req.Path)
	}

	if err := c.UpdateChatMetadata(ctx, testMsg, testDevice, []domain.MetadataItem{{Key: "bot", Value: "on"}}); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	req = api.last()
	items, _ := req.Body["metadata"].([]any)
	if req.Path != "/chat/dev1/chats/34600000000@c.us/metadata" || len(items) != 1 {
		t.Fatalf("unexpected metadata request %s %v", req.Path, req.Body)
	}

	if err := c.AssignChat(ctx, testMsg, testDevice, "agent-7"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	req = api.last()
	if req.Path != "/chat/dev1/chats/34600000000@c.us/owner" || req.Body["agent"] != "agent-7" {
		t.Fatalf("unexpected assign request %s %v", req.Path, req.Body)
	}
}

func TestAssignChat_Error(t *testing.T) {
	api, c := newFakeAPI(t)
	api.route("PATCH /chat/dev1/chats/34600000000@c.us/owner", func(w http.ResponseWriter) { w.WriteHeader(http.StatusForbidden) })

	if err := c.AssignChat(context.Background(), testMsg, testDevice, "a"); err == nil {
		t.Fatal("expected assignment error")
	}
}

func TestSendTyping(t *testing.T) {
	api, c := newFakeAPI(t)
	if err := c.SendTyping(context.Background(), testMsg, testDevice); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := api.last()
	if req.Path != "/chat/dev1/typing" || req.Body["action"] != "typing" || req.Body["duration"] != float64(10) || req.Body["chat"] != "+34600000000" {
		t.Fatalf("unexpected typing request %s %v", req.Path, req.Body)
	}
}

func TestDownloadMedia(t *testing.T) {
	api, c := newFakeAPI(t)
	api.handle("GET /media/m1", "OggS-binary")

	data, err := c.DownloadMedia(context.Background(), "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "OggS-binary" {
		t.Fatalf("unexpected media %q", data)
	}
}

func TestRegisterWebhook(t *testing.T) {
	api, c := newFakeAPI(t)
	api.handle("POST /webhooks", `{"id":"wh1","url":"https://bot.example.com/webhook"}`)

	wh, err := c.RegisterWebhook(context.Background(), "https://bot.example.com/webhook", testDevice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wh.ID != "wh1" {
		t.Fatalf("unexpected webhook %+v", wh)
	}
	req := api.last()
	events, _ := req.Body["events"].([]any)
	if req.Body["name"] != "Chatbot" || req.Body["device"] != "dev1" || len(events) != 1 || events[0] != WebhookEvent {
		t.Fatalf("unexpected registration body %v", req.Body)
	}
}
