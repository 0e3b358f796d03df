package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/towdyouso/internal/orchestrator"
	"github.com/user/towdyouso/internal/runtime"
	"github.com/user/towdyouso/internal/state"
	"github.com/user/towdyouso/internal/types"
)

type fakeBot struct {
	mu      sync.Mutex
	sent    []tgbotapi.MessageConfig
	fileURL string
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		b.sent = append(b.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func (b *fakeBot) GetFileDirectURL(fileID string) (string, error) {
	return b.fileURL + "/" + fileID, nil
}

func (b *fakeBot) texts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.sent {
		out = append(out, m.Text)
	}
	return out
}

type turnCall struct {
	sid     types.SessionID
	content string
	fileID  types.FileID
}

type fakeTurns struct {
	mu      sync.Mutex
	sinks   map[types.SessionID]runtime.Sink
	started chan turnCall
	err     error
}

func newFakeTurns() *fakeTurns {
	return &fakeTurns{sinks: make(map[types.SessionID]runtime.Sink), started: make(chan turnCall, 4)}
}

func (f *fakeTurns) Attach(_ context.Context, sid types.SessionID, sink runtime.Sink) error {
	f.mu.Lock()
	f.sinks[sid] = sink
	f.mu.Unlock()
	return nil
}

func (f *fakeTurns) StartTurn(_ context.Context, sid types.SessionID, content string, fileID types.FileID) error {
	f.started <- turnCall{sid, content, fileID}
	return f.err
}

func (f *fakeTurns) sink(sid types.SessionID) runtime.Sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinks[sid]
}

type fixture struct {
	adapter  *Adapter
	bot      *fakeBot
	turns    *fakeTurns
	sessions *state.SessionStore
	entries  *state.EntryStore
	files    *state.FileStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		bot:      &fakeBot{},
		turns:    newFakeTurns(),
		sessions: state.NewSessionStore(dir),
		entries:  state.NewEntryStore(dir),
		files:    state.NewFileStore(filepath.Join(dir, "uploads"), "http://localhost:8000"),
	}
	f.adapter = newAdapter(f.bot, f.turns, f.sessions, f.entries, f.files)
	return f
}

func textMessage(text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		Text: text,
		From: &tgbotapi.User{ID: 12345},
		Chat: &tgbotapi.Chat{ID: 67890},
	}
}

func commandMessage(cmd string) *tgbotapi.Message {
	msg := textMessage("/" + cmd)
	msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd) + 1}}
	return msg
}

func (f *fixture) waitTurn(t *testing.T) turnCall {
	t.Helper()
	select {
	case c := <-f.turns.started:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for turn")
		return turnCall{}
	}
}

func TestSplitMessage(t *testing.T) {
	short := "Hello world"
	parts := splitMessage(short)
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	if parts[0] != short {
		t.Errorf("expected %q, got %q", short, parts[0])
	}
}

func TestSplitMessageLong(t *testing.T) {
	long := strings.Repeat("a", 5000)
	parts := splitMessage(long)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if len(parts[0]) != maxTelegramMessage {
		t.Errorf("expected first part length %d, got %d", maxTelegramMessage, len(parts[0]))
	}
}

func TestBuildSessionKey(t *testing.T) {
	key := buildSessionKey(12345, 67890)
	if string(key) != "telegram:12345:67890" {
		t.Errorf("expected 'telegram:12345:67890', got %q", key)
	}
}

func TestTextMessageStartsTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.adapter.handleMessage(ctx, textMessage("Can I park on 20th st?"))
	call := f.waitTurn(t)
	if call.content != "Can I park on 20th st?" || call.fileID != "" {
		t.Fatalf("unexpected turn %+v", call)
	}

	sess, err := f.sessions.ResolveOrCreate(ctx, "telegram:12345:67890")
	if err != nil {
		t.Fatal(err)
	}
	if call.sid != sess.ID {
		t.Errorf("turn ran on %s, chat session is %s", call.sid, sess.ID)
	}

	// The same chat keeps its session.
	f.adapter.handleMessage(ctx, textMessage("and tomorrow?"))
	if again := f.waitTurn(t); again.sid != sess.ID {
		t.Errorf("second message went to %s", again.sid)
	}
}

func TestSinkForwardsAssistantMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.adapter.handleMessage(ctx, textMessage("hello"))
	call := f.waitTurn(t)
	sink := f.turns.sink(call.sid)
	if sink == nil {
		t.Fatal("chat should be attached")
	}

	user, err := f.entries.Append(ctx, call.sid, types.KindUserMessage, types.MessageData{Content: "hello"}, "")
	if err != nil {
		t.Fatal(err)
	}
	reply, err := f.entries.Append(ctx, call.sid, types.KindAssistantMessage, types.MessageData{Content: "You can park until 8AM."}, "")
	if err != nil {
		t.Fatal(err)
	}

	for _, ev := range []types.LiveEvent{
		types.ContentDelta("You can"),
		types.EntryEvent(user),
		types.EntryEvent(reply),
		types.TurnComplete(),
	} {
		if err := sink.Send(ev); err != nil {
			t.Fatalf("send %s: %v", ev.Type, err)
		}
	}

	texts := f.bot.texts()
	if len(texts) != 1 || texts[0] != "You can park until 8AM." {
		t.Errorf("expected only the assistant message, got %q", texts)
	}
	if f.bot.sent[0].ChatID != 67890 {
		t.Errorf("sent to chat %d", f.bot.sent[0].ChatID)
	}
}

func TestPhotoIsStoredAndAttached(t *testing.T) {
	f := newFixture(t)
	photo := []byte("jpeg-bytes")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/big" {
			http.NotFound(w, r)
			return
		}
		w.Write(photo)
	}))
	defer ts.Close()
	f.bot.fileURL = ts.URL

	msg := textMessage("")
	msg.Caption = "what does this say?"
	msg.Photo = []tgbotapi.PhotoSize{
		{FileID: "small", FileUniqueID: "u-small"},
		{FileID: "big", FileUniqueID: "u-big"},
	}
	f.adapter.handleMessage(context.Background(), msg)

	call := f.waitTurn(t)
	if call.content != "what does this say?" {
		t.Errorf("caption should be the content, got %q", call.content)
	}
	if call.fileID == "" {
		t.Fatal("photo should be attached")
	}
	file, err := f.files.Get(context.Background(), call.fileID)
	if err != nil {
		t.Fatal(err)
	}
	if file.Size != int64(len(photo)) || file.MimeType != "image/jpeg" {
		t.Errorf("unexpected stored file %+v", file)
	}
}

func TestTurnInProgressReply(t *testing.T) {
	f := newFixture(t)
	f.turns.err = orchestrator.ErrTurnInProgress

	f.adapter.handleMessage(context.Background(), textMessage("hello?"))
	f.waitTurn(t)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if texts := f.bot.texts(); len(texts) == 1 {
			if !strings.Contains(texts[0], "Still working") {
				t.Errorf("unexpected reply %q", texts[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected a busy reply")
}

func TestNewCommandSwitchesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.adapter.handleMessage(ctx, textMessage("first"))
	first := f.waitTurn(t)

	f.adapter.handleMessage(ctx, commandMessage("new"))
	f.adapter.handleMessage(ctx, textMessage("second"))
	second := f.waitTurn(t)

	if first.sid == second.sid {
		t.Fatal("/new should start a fresh session")
	}
	if f.turns.sink(second.sid) == nil {
		t.Error("new session should be attached")
	}
}

func TestStatusCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.sessions.ResolveOrCreate(ctx, buildSessionKey(12345, 67890))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.entries.Append(ctx, sess.ID, types.KindUserMessage, types.MessageData{Content: "hi"}, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.entries.Append(ctx, sess.ID, types.KindToolCall, types.ToolCallData{CallID: "c1", ToolName: "get_current_time"}, ""); err != nil {
		t.Fatal(err)
	}

	f.adapter.handleMessage(ctx, commandMessage("status"))
	texts := f.bot.texts()
	if len(texts) != 1 {
		t.Fatalf("expected one reply, got %q", texts)
	}
	want := "Session: " + string(sess.ID) + "\nEntries: 2\nPending tool calls: 1"
	if texts[0] != want {
		t.Errorf("expected %q, got %q", want, texts[0])
	}
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)
	f.adapter.handleMessage(context.Background(), commandMessage("bogus"))
	texts := f.bot.texts()
	if len(texts) != 1 || !strings.HasPrefix(texts[0], "Unknown command") {
		t.Errorf("unexpected reply %q", texts)
	}
}
