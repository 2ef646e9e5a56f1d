package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-transcriber/internal/config"
)

const testToken = "123456:test-token"

const updatesBatch = `{"ok":true,"result":[
{"update_id":1,"message":{"message_id":10,"date":1700000000,"chat":{"id":100,"type":"private"},"voice":{"file_id":"A1","file_unique_id":"u1","duration":3,"mime_type":"audio/ogg","file_size":1234}}},
{"update_id":2,"message":{"message_id":11,"date":1700000001,"chat":{"id":100,"type":"private"},"location":{"longitude":1.5,"latitude":2.5}}},
{"update_id":3,"edited_message":{"message_id":9,"date":1700000002,"chat":{"id":100,"type":"private"},"text":"edited"}},
{"update_id":4,"message":{"message_id":12,"date":1700000003,"chat":{"id":100,"type":"private"},"text":"/start"}}
]}`

// fakeBotAPI is a minimal Bot API server
type fakeBotAPI struct {
	mu          sync.Mutex
	sent        []url.Values
	deleted     []url.Values
	updateCalls int
	nextID      int
	server      *httptest.Server
}

func newFakeBotAPI(t *testing.T) *fakeBotAPI {
	t.Helper()
	f := &fakeBotAPI{nextID: 41}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeBotAPI) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if !strings.HasPrefix(r.URL.Path, "/bot"+testToken+"/") {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
		return
	}
	_ = r.ParseForm()

	f.mu.Lock()
	defer f.mu.Unlock()

	switch path.Base(r.URL.Path) {
	case "getMe":
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Test","username":"test_bot"}}`)
	case "sendMessage":
		f.sent = append(f.sent, r.PostForm)
		f.nextID++
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":0,"chat":{"id":%s,"type":"private"},"text":%q}}`,
			f.nextID, r.PostForm.Get("chat_id"), r.PostForm.Get("text"))
	case "deleteMessage":
		f.deleted = append(f.deleted, r.PostForm)
		if r.PostForm.Get("message_id") == "999" {
			fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: message to delete not found"}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":true}`)
	case "getFile":
		if r.PostForm.Get("file_id") != "A1" {
			fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: invalid file_id"}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":{"file_id":"A1","file_unique_id":"u1","file_size":1234,"file_path":"voice/file_1.oga"}}`)
	case "getUpdates":
		f.updateCalls++
		if f.updateCalls == 1 {
			fmt.Fprint(w, updatesBatch)
			return
		}
		f.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		f.mu.Lock()
		fmt.Fprint(w, `{"ok":true,"result":[]}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
	}
}

func (f *fakeBotAPI) config(token string) *config.Config {
	return &config.Config{
		TelegramBotToken:      token,
		TelegramAPIEndpoint:   f.server.URL + "/bot%s/%s",
		TelegramFileEndpoint:  f.server.URL + "/file/bot%s/%s",
		TelegramUpdateTimeout: 1,
	}
}

func newTestTelegram(t *testing.T) (*Telegram, *fakeBotAPI) {
	t.Helper()
	fake := newFakeBotAPI(t)
	tg, err := NewTelegram(fake.config(testToken), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewTelegram() failed: %v", err)
	}
	return tg, fake
}

func TestNewTelegram_Connects(t *testing.T) {
	tg, _ := newTestTelegram(t)
	if tg.BotName() != "test_bot" {
		t.Errorf("Expected bot name 'test_bot', got '%s'", tg.BotName())
	}
}

func TestNewTelegram_RejectedToken(t *testing.T) {
	fake := newFakeBotAPI(t)
	_, err := NewTelegram(fake.config("999:wrong-token"), zerolog.Nop())
	if err == nil {
		t.Fatal("Expected an error for a rejected token")
	}
	if strings.Contains(err.Error(), "wrong-token") {
		t.Errorf("Expected token to be redacted, got %v", err)
	}
}

func TestTelegram_Send(t *testing.T) {
	tg, fake := newTestTelegram(t)

	id, err := tg.Send(context.Background(), 100, 10, "hello world")
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if id != 42 {
		t.Errorf("Expected message id 42, got %d", id)
	}

	if _, err := tg.Send(context.Background(), 100, 0, "no reply"); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.sent) != 2 {
		t.Fatalf("Expected 2 sent messages, got %d", len(fake.sent))
	}
	first := fake.sent[0]
	if first.Get("chat_id") != "100" || first.Get("text") != "hello world" || first.Get("reply_to_message_id") != "10" {
		t.Errorf("Unexpected sendMessage form: %v", first)
	}
	if fake.sent[1].Get("reply_to_message_id") != "" {
		t.Errorf("Expected no reply_to_message_id when replyTo is zero, got %v", fake.sent[1])
	}
}

func TestTelegram_SendCancelledContext(t *testing.T) {
	tg, fake := newTestTelegram(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := tg.Send(ctx, 100, 10, "late"); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.sent) != 0 {
		t.Error("Expected no request after cancellation")
	}
}

func TestTelegram_Delete(t *testing.T) {
	tg, fake := newTestTelegram(t)

	if err := tg.Delete(context.Background(), 100, 42); err != nil {
		t.Errorf("Delete() failed: %v", err)
	}
	err := tg.Delete(context.Background(), 100, 999)
	if err == nil || !strings.Contains(err.Error(), "message to delete not found") {
		t.Errorf("Expected delete failure to surface, got %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.deleted) != 2 || fake.deleted[0].Get("message_id") != "42" {
		t.Errorf("Unexpected deleteMessage calls: %v", fake.deleted)
	}
}

func TestTelegram_FileURL(t *testing.T) {
	tg, fake := newTestTelegram(t)

	link, err := tg.FileURL(context.Background(), "A1")
	if err != nil {
		t.Fatalf("FileURL() failed: %v", err)
	}
	expected := fake.server.URL + "/file/bot" + testToken + "/voice/file_1.oga"
	if link != expected {
		t.Errorf("Expected %s, got %s", expected, link)
	}

	if _, err := tg.FileURL(context.Background(), "nope"); err == nil {
		t.Error("Expected an error for an unknown file id")
	}
}

func TestTelegram_HealthCheck(t *testing.T) {
	tg, _ := newTestTelegram(t)
	ok, err := tg.HealthCheck(context.Background())
	if !ok || err != nil {
		t.Errorf("Expected healthy, got %v, %v", ok, err)
	}
}

func TestTelegram_TransportErrorsAreRedacted(t *testing.T) {
	tg, fake := newTestTelegram(t)
	fake.server.Close()

	_, err := tg.Send(context.Background(), 100, 10, "hello")
	if err == nil {
		t.Fatal("Expected an error once the server is gone")
	}
	if strings.Contains(err.Error(), "test-token") {
		t.Errorf("Expected token to be redacted, got %v", err)
	}
	if !strings.Contains(err.Error(), redactedToken) {
		t.Errorf("Expected redaction marker in %v", err)
	}
}

func TestTelegram_Updates(t *testing.T) {
	tg, _ := newTestTelegram(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := tg.Updates(ctx)

	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("Timed out waiting for events, got %d", len(got))
		}
	}

	voice := got[0]
	if voice.Kind != EventVoice || voice.AttachmentID != "A1" || voice.ChatID != 100 || voice.MessageID != 10 {
		t.Errorf("Unexpected voice event: %+v", voice)
	}
	if voice.Duration != 3 || voice.MimeType != "audio/ogg" || voice.FileSize != 1234 {
		t.Errorf("Expected voice metadata, got %+v", voice)
	}

	text := got[1]
	if text.Kind != EventText || text.Text != "/start" || text.MessageID != 12 {
		t.Errorf("Unexpected text event: %+v", text)
	}

	cancel()
	select {
	case _, ok := <-events:
		if ok {
			t.Error("Expected no further events after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Error("Expected events channel to close after cancellation")
	}
}

func TestToEvent(t *testing.T) {
	chat := &tgbotapi.Chat{ID: 7}

	tests := []struct {
		name   string
		update tgbotapi.Update
		ok     bool
		kind   EventKind
	}{
		{"no message", tgbotapi.Update{UpdateID: 1}, false, ""},
		{"no chat", tgbotapi.Update{Message: &tgbotapi.Message{Text: "hi"}}, false, ""},
		{"voice", tgbotapi.Update{Message: &tgbotapi.Message{Chat: chat, Voice: &tgbotapi.Voice{FileID: "V"}}}, true, EventVoice},
		{"audio file", tgbotapi.Update{Message: &tgbotapi.Message{Chat: chat, Audio: &tgbotapi.Audio{FileID: "AU"}}}, true, EventVoice},
		{"text", tgbotapi.Update{Message: &tgbotapi.Message{Chat: chat, Text: "hello"}}, true, EventText},
		{"voice with caption", tgbotapi.Update{Message: &tgbotapi.Message{Chat: chat, Caption: "c", Voice: &tgbotapi.Voice{FileID: "V"}}}, true, EventVoice},
		{"empty", tgbotapi.Update{Message: &tgbotapi.Message{Chat: chat}}, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := toEvent(tt.update)
			if ok != tt.ok {
				t.Fatalf("Expected ok=%v, got %v", tt.ok, ok)
			}
			if ev.Kind != tt.kind {
				t.Errorf("Expected kind %q, got %q", tt.kind, ev.Kind)
			}
			if ok && ev.ChatID != 7 {
				t.Errorf("Expected chat id 7, got %d", ev.ChatID)
			}
		})
	}
}

func TestRedact(t *testing.T) {
	if redact(nil, "tok") != nil {
		t.Error("Expected nil to stay nil")
	}

	plain := errors.New("nothing secret")
	if redact(plain, "tok") != plain {
		t.Error("Expected errors without the token to pass through unchanged")
	}

	inner := errors.New(`Post "https://api.telegram.org/bottok/sendMessage": timeout`)
	err := redact(inner, "tok")
	if strings.Contains(err.Error(), "bottok") {
		t.Errorf("Expected token to be removed, got %v", err)
	}
	if !errors.Is(err, inner) {
		t.Error("Expected redacted error to unwrap to the original")
	}
}

func TestBotLoggerRedacts(t *testing.T) {
	var buf strings.Builder
	l := botLogger{logger: zerolog.New(&buf), token: "tok-123"}
	l.Printf("request to %s failed", "https://api.telegram.org/bottok-123/getUpdates")
	l.Println("retrying", strconv.Itoa(3))

	if strings.Contains(buf.String(), "tok-123") {
		t.Errorf("Expected token to be removed from library logs, got %s", buf.String())
	}
	if !strings.Contains(buf.String(), "retrying 3") {
		t.Errorf("Expected Println output to be logged, got %s", buf.String())
	}
}
