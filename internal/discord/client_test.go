package discord

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ahnafnafee/eas-discord-build-notify/internal/notify"
)

// fakeDiscord serves a minimal gateway on /gateway and REST under /api.
type fakeDiscord struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	// closeCode, when set, is sent instead of READY.
	closeCode int
	// holdHello delays HELLO until the channel is closed.
	holdHello chan struct{}
	// channelFailures is how many channel fetches answer 502 first.
	channelFailures int

	mu         sync.Mutex
	identifies []identifyData
	heartbeats int
	messages   []*http.Request
	bodies     []capturedMessage
	channelHit int
}

type capturedMessage struct {
	payloadJSON string
	fileName    string
	fileType    string
	fileData    []byte
}

func newFakeDiscord(t *testing.T, configure ...func(*fakeDiscord)) *fakeDiscord {
	f := &fakeDiscord{t: t}
	for _, fn := range configure {
		fn(f)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/gateway", f.gateway)
	mux.HandleFunc("/api/channels/chan-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bot token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		f.channelHit++
		failing := f.channelHit <= f.channelFailures
		f.mu.Unlock()
		if failing {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"chan-1","name":"builds","guild_id":"g-1","type":0}`))
	})
	mux.HandleFunc("/api/channels/chan-1/messages", f.postMessage)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDiscord) client() *Client {
	c := New(Config{
		Token:      "token-1",
		ChannelID:  "chan-1",
		APIBase:    f.srv.URL + "/api/",
		GatewayURL: "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/gateway",
	})
	f.t.Cleanup(func() { _ = c.Close() })
	return c
}

func (f *fakeDiscord) gateway(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if f.holdHello != nil {
		<-f.holdHello
	}
	_ = conn.WriteJSON(map[string]any{"op": opHello, "d": map[string]any{"heartbeat_interval": 50}})

	var identify struct {
		Op int          `json:"op"`
		D  identifyData `json:"d"`
	}
	if err := conn.ReadJSON(&identify); err != nil || identify.Op != opIdentify {
		return
	}
	f.mu.Lock()
	f.identifies = append(f.identifies, identify.D)
	f.mu.Unlock()

	if f.closeCode != 0 {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(f.closeCode, "Authentication failed."))
		return
	}

	_ = conn.WriteJSON(map[string]any{"op": opDispatch, "t": "GUILD_CREATE", "s": 1, "d": map[string]any{}})
	_ = conn.WriteJSON(map[string]any{"op": opDispatch, "t": "READY", "s": 2, "d": map[string]any{
		"session_id": "sess",
		"user":       map[string]any{"id": "bot", "username": "eas-bot"},
	}})

	for {
		var msg struct {
			Op int    `json:"op"`
			D  *int64 `json:"d"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Op == opHeartbeat {
			f.mu.Lock()
			f.heartbeats++
			f.mu.Unlock()
			_ = conn.WriteJSON(map[string]any{"op": opHeartbeatAck})
		}
	}
}

func (f *fakeDiscord) postMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var msg capturedMessage
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		msg.payloadJSON = r.FormValue("payload_json")
		if files := r.MultipartForm.File["files[0]"]; len(files) == 1 {
			msg.fileName = files[0].Filename
			msg.fileType = files[0].Header.Get("Content-Type")
			file, err := files[0].Open()
			if err == nil {
				msg.fileData, _ = io.ReadAll(file)
				file.Close()
			}
		}
	} else {
		data, _ := io.ReadAll(r.Body)
		msg.payloadJSON = string(data)
	}
	f.mu.Lock()
	f.messages = append(f.messages, r)
	f.bodies = append(f.bodies, msg)
	f.mu.Unlock()
	_, _ = w.Write([]byte(`{"id":"m-1"}`))
}

func TestReadyResolvesOnceForConcurrentCallers(t *testing.T) {
	f := newFakeDiscord(t)
	c := f.client()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([]*Channel, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Ready(ctx)
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("Ready() error = %v", errs[i])
		}
		if results[i] != results[0] {
			t.Fatal("Ready() returned different handles")
		}
	}
	if results[0].ID != "chan-1" || results[0].Name != "builds" {
		t.Fatalf("channel = %+v", results[0])
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.identifies) != 1 || f.channelHit != 1 {
		t.Fatalf("identifies = %d, channel fetches = %d, want 1 each", len(f.identifies), f.channelHit)
	}
	id := f.identifies[0]
	if id.Token != "token-1" || id.Intents != intentGuilds|intentGuildMessages {
		t.Fatalf("identify = %+v", id)
	}
}

func TestGatewayHeartbeats(t *testing.T) {
	f := newFakeDiscord(t)
	c := f.client()

	if _, err := c.Ready(context.Background()); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := f.heartbeats
		f.mu.Unlock()
		if n >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no heartbeats received")
}

func TestReadyFailsOnAuthenticationClose(t *testing.T) {
	f := newFakeDiscord(t, func(f *fakeDiscord) { f.closeCode = 4004 })
	c := f.client()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Ready(ctx)
	var fatal fatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("Ready() error = %v, want fatal close", err)
	}
	if _, again := c.Ready(ctx); again == nil || again.Error() != err.Error() {
		t.Fatalf("second Ready() = %v, want cached %v", again, err)
	}
}

func TestReadyHonoursCallerContext(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	f := newFakeDiscord(t, func(f *fakeDiscord) { f.holdHello = hold })
	c := f.client()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := c.Ready(ctx); !errors.Is(err, ErrNotReady) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Ready() error = %v, want ErrNotReady and deadline", err)
	}
}

func TestReadyRetriesTransientChannelFailure(t *testing.T) {
	f := newFakeDiscord(t, func(f *fakeDiscord) { f.channelFailures = 1 })
	c := f.client()
	c.retryDelay = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := c.Ready(ctx)
	if err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if ch.ID != "chan-1" {
		t.Fatalf("channel = %+v", ch)
	}
	if again, err := c.Ready(ctx); err != nil || again != ch {
		t.Fatalf("second Ready() = %v, %v", again, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channelHit != 2 || len(f.identifies) != 1 {
		t.Fatalf("channel fetches = %d, identifies = %d, want 2 and 1", f.channelHit, len(f.identifies))
	}
}

func TestReadyGivesUpOnUnknownChannel(t *testing.T) {
	f := newFakeDiscord(t)
	c := New(Config{
		Token:      "token-1",
		ChannelID:  "chan-404",
		APIBase:    f.srv.URL + "/api",
		GatewayURL: "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/gateway",
	})
	t.Cleanup(func() { _ = c.Close() })
	c.retryDelay = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Ready(ctx)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("Ready() error = %v, want 404 APIError", err)
	}
	if errors.Is(err, ErrNotReady) {
		t.Fatalf("Ready() waited for a retry: %v", err)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{err: errors.New("connection reset"), want: true},
		{err: &APIError{Status: http.StatusBadGateway}, want: true},
		{err: &APIError{Status: http.StatusTooManyRequests}, want: true},
		{err: &APIError{Status: http.StatusUnauthorized}, want: false},
		{err: &APIError{Status: http.StatusForbidden}, want: false},
		{err: &APIError{Status: http.StatusNotFound}, want: false},
	}
	for _, tt := range tests {
		if got := retryable(tt.err); got != tt.want {
			t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestSendEscapesAttachmentName(t *testing.T) {
	f := newFakeDiscord(t)
	c := f.client()
	ch, err := c.Ready(context.Background())
	if err != nil {
		t.Fatalf("Ready() error = %v", err)
	}

	name := `build "7".png`
	n := notify.Notification{
		Embed:      notify.Embed{Title: "✅ Build Success - App"},
		Attachment: &notify.Attachment{Name: name, ContentType: "image/png", Data: []byte("png")},
	}
	if err := c.Send(context.Background(), ch, n); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bodies) != 1 || f.bodies[0].fileName != name {
		t.Fatalf("bodies = %+v, want file %q", f.bodies, name)
	}
}

func TestSendWithAttachment(t *testing.T) {
	f := newFakeDiscord(t)
	c := f.client()

	ch, err := c.Ready(context.Background())
	if err != nil {
		t.Fatalf("Ready() error = %v", err)
	}

	n := notify.Notification{
		Embed: notify.Embed{
			Title: "✅ Build Success - App",
			Color: notify.ColorGreen,
			Image: &notify.EmbedImage{URL: notify.AttachmentRef("qrCode.png")},
			Fields: []notify.EmbedField{
				{Name: "Platform", Value: "android", Inline: true},
			},
		},
		Attachment: &notify.Attachment{Name: "qrCode.png", ContentType: "image/png", Data: []byte("\x89PNG-data")},
	}
	if err := c.Send(context.Background(), ch, n); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bodies) != 1 {
		t.Fatalf("messages = %d, want 1", len(f.bodies))
	}
	got := f.bodies[0]
	if got.fileName != "qrCode.png" || got.fileType != "image/png" || string(got.fileData) != "\x89PNG-data" {
		t.Fatalf("file = %q %q %q", got.fileName, got.fileType, got.fileData)
	}
	var payload struct {
		Embeds      []notify.Embed      `json:"embeds"`
		Attachments []attachmentPayload `json:"attachments"`
	}
	if err := json.Unmarshal([]byte(got.payloadJSON), &payload); err != nil {
		t.Fatalf("payload_json: %v", err)
	}
	if len(payload.Embeds) != 1 || payload.Embeds[0].Image.URL != "attachment://qrCode.png" {
		t.Fatalf("embeds = %+v", payload.Embeds)
	}
	if len(payload.Attachments) != 1 || payload.Attachments[0].Filename != "qrCode.png" {
		t.Fatalf("attachments = %+v", payload.Attachments)
	}
	if auth := f.messages[0].Header.Get("Authorization"); auth != "Bot token-1" {
		t.Fatalf("Authorization = %q", auth)
	}
}

func TestSendWithoutAttachmentUsesJSON(t *testing.T) {
	f := newFakeDiscord(t)
	c := f.client()
	ch, err := c.Ready(context.Background())
	if err != nil {
		t.Fatalf("Ready() error = %v", err)
	}

	if err := c.Send(context.Background(), ch, notify.Notification{Embed: notify.Embed{Title: "🛑 Build Canceled - App"}}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if ct := f.messages[0].Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if strings.Contains(f.bodies[0].payloadJSON, "attachments") {
		t.Fatalf("payload has attachments: %s", f.bodies[0].payloadJSON)
	}
}

func TestSendReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"Missing Permissions","code":50013}`))
	}))
	defer srv.Close()

	c := New(Config{Token: "t", ChannelID: "c", APIBase: srv.URL})
	defer c.Close()

	err := c.Send(context.Background(), &Channel{ID: "c"}, notify.Notification{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Send() error = %v, want APIError", err)
	}
	if apiErr.Status != http.StatusForbidden || !strings.Contains(apiErr.Body, "Missing Permissions") {
		t.Fatalf("APIError = %+v", apiErr)
	}
}

func TestSendRequiresChannel(t *testing.T) {
	c := New(Config{})
	defer c.Close()
	if err := c.Send(context.Background(), nil, notify.Notification{}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Send(nil) error = %v, want ErrNotReady", err)
	}
}

func TestNextBackoffCaps(t *testing.T) {
	d := time.Second
	for i := 0; i < 10; i++ {
		d = nextBackoff(d)
	}
	if d != 30*time.Second {
		t.Fatalf("backoff = %v, want 30s", d)
	}
}
