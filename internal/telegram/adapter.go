package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/towdyouso/internal/orchestrator"
	"github.com/user/towdyouso/internal/runtime"
	"github.com/user/towdyouso/internal/types"
)

const (
	maxTelegramMessage = 4096
	maxPhotoBytes      = 20 << 20
)

// Turns is the part of the orchestrator the adapter drives.
type Turns interface {
	Attach(ctx context.Context, sessionID types.SessionID, sink runtime.Sink) error
	StartTurn(ctx context.Context, sessionID types.SessionID, content string, fileID types.FileID) error
}

// botAPI is the subset of the Bot API the adapter sends through.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Adapter bridges Telegram chats to sessions. Each chat is a live
// connection: its sink forwards persisted assistant messages to the chat.
type Adapter struct {
	bot      *tgbotapi.BotAPI
	api      botAPI
	turns    Turns
	sessions types.SessionStore
	entries  types.EntryStore
	files    types.FileStore
	client   *http.Client

	mu      sync.Mutex
	current map[types.SessionKey]types.SessionID
	chats   map[types.SessionID]int64
}

// New creates a Telegram adapter.
func New(token string, turns Turns, sessions types.SessionStore, entries types.EntryStore, files types.FileStore) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := newAdapter(bot, turns, sessions, entries, files)
	a.bot = bot
	return a, nil
}

func newAdapter(api botAPI, turns Turns, sessions types.SessionStore, entries types.EntryStore, files types.FileStore) *Adapter {
	return &Adapter{
		api:      api,
		turns:    turns,
		sessions: sessions,
		entries:  entries,
		files:    files,
		client:   &http.Client{Timeout: 30 * time.Second},
		current:  make(map[types.SessionKey]types.SessionID),
		chats:    make(map[types.SessionID]int64),
	}
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	if content == "" && len(msg.Photo) == 0 {
		return
	}

	chatID := msg.Chat.ID
	sid, err := a.session(ctx, msg.From.ID, chatID)
	if err != nil {
		slog.Error("resolve telegram session", "chat_id", chatID, "error", err)
		a.sendResponse(chatID, orchestrator.Apology)
		return
	}

	var fileID types.FileID
	if len(msg.Photo) > 0 {
		file, err := a.storePhoto(ctx, msg.Photo[len(msg.Photo)-1])
		if err != nil {
			slog.Error("store telegram photo", "session_id", string(sid), "error", err)
			a.sendResponse(chatID, orchestrator.Apology)
			return
		}
		fileID = file.ID
	}

	go func() {
		err := a.turns.StartTurn(ctx, sid, content, fileID)
		switch {
		case err == nil:
		case errors.Is(err, orchestrator.ErrTurnInProgress):
			a.sendResponse(chatID, "Still working on your last message, hang on.")
		default:
			slog.Debug("telegram turn ended with error", "session_id", string(sid), "error", err)
		}
	}()
}

// session returns the chat's current session, attaching the chat's sink on
// first use.
func (a *Adapter) session(ctx context.Context, userID, chatID int64) (types.SessionID, error) {
	key := buildSessionKey(userID, chatID)

	a.mu.Lock()
	sid, ok := a.current[key]
	a.mu.Unlock()
	if ok {
		return sid, nil
	}

	sess, err := a.sessions.ResolveOrCreate(ctx, key)
	if err != nil {
		return "", err
	}
	if err := a.bind(ctx, key, sess.ID, chatID); err != nil {
		return "", err
	}
	return sess.ID, nil
}

func (a *Adapter) bind(ctx context.Context, key types.SessionKey, sid types.SessionID, chatID int64) error {
	a.mu.Lock()
	a.current[key] = sid
	a.chats[sid] = chatID
	a.mu.Unlock()
	return a.turns.Attach(ctx, sid, a.sinkFor(sid))
}

func (a *Adapter) sinkFor(sid types.SessionID) runtime.Sink {
	return runtime.SinkFunc(func(ev types.LiveEvent) error {
		if ev.Type != types.EventEntry || ev.Entry == nil || ev.Entry.Kind != types.KindAssistantMessage {
			return nil
		}
		var data types.MessageData
		if err := json.Unmarshal(ev.Entry.Data, &data); err != nil || data.Content == "" {
			return err
		}
		a.mu.Lock()
		chatID, ok := a.chats[sid]
		a.mu.Unlock()
		if !ok {
			return nil
		}
		a.sendResponse(chatID, data.Content)
		return nil
	})
}

// storePhoto downloads a photo from Telegram into the file store.
func (a *Adapter) storePhoto(ctx context.Context, photo tgbotapi.PhotoSize) (*types.UploadedFile, error) {
	if a.files == nil {
		return nil, errors.New("no file store configured")
	}
	url, err := a.api.GetFileDirectURL(photo.FileID)
	if err != nil {
		return nil, fmt.Errorf("file url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download photo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download photo: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes))
	if err != nil {
		return nil, fmt.Errorf("read photo: %w", err)
	}
	return a.files.Save(ctx, data, photo.FileUniqueID+".jpg", "image/jpeg")
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		a.sendResponse(chatID, "Hi! I'm Tow'd You So. Send me a photo of a parking sign and I'll tell you whether you can park there.")

	case "new":
		key := buildSessionKey(msg.From.ID, chatID)
		sess, err := a.sessions.Create(ctx, "")
		if err != nil {
			slog.Error("create telegram session", "chat_id", chatID, "error", err)
			a.sendResponse(chatID, "Error starting a new session.")
			return
		}
		if err := a.bind(ctx, key, sess.ID, chatID); err != nil {
			slog.Error("attach telegram session", "session_id", string(sess.ID), "error", err)
			a.sendResponse(chatID, "Error starting a new session.")
			return
		}
		a.sendResponse(chatID, "Starting a new session. Previous conversation has been archived.")

	case "status":
		sid, err := a.session(ctx, msg.From.ID, chatID)
		if err != nil {
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		entries, err := a.entries.List(ctx, sid)
		if err != nil {
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		pending := 0
		for _, e := range entries {
			if e.Kind.Executable() && !e.StatusOrEmpty().Terminal() {
				pending++
			}
		}
		a.sendResponse(chatID, fmt.Sprintf("Session: %s\nEntries: %d\nPending tool calls: %d", sid, len(entries), pending))

	default:
		a.sendResponse(chatID, "Unknown command. Available: /start, /new, /status")
	}
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.api.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.api.Send(msg); err != nil {
				slog.Error("send telegram message", "chat_id", chatID, "error", err)
			}
		}
	}
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func buildSessionKey(userID, chatID int64) types.SessionKey {
	return types.NewSessionKey("telegram",
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(chatID, 10),
	)
}
