// Package telegram bridges the Telegram Bot API to the queue using
// long polling: inbound messages (text, photos, documents) become
// queue rows, pending responses are split, delivered, and acked.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/crewdhq/crewd/internal/bus"
	"github.com/crewdhq/crewd/internal/channels"
	"github.com/crewdhq/crewd/internal/config"
	"github.com/crewdhq/crewd/internal/queue"
)

// Name is the channel id used in queue rows.
const Name = "telegram"

// maxChars is the Telegram per-message character limit.
const maxChars = 4096

// Adapter connects one bot account to the queue.
type Adapter struct {
	cfg      config.TelegramConfig
	store    queue.Store
	bus      bus.Publisher
	filesDir string
	bot      *telego.Bot
	allow    channels.Allowlist
	limits   *channels.Limiters
	poll     time.Duration
}

// New creates the Telegram adapter. The bot token is validated on the
// first API call, not here.
func New(cfg config.TelegramConfig, store queue.Store, pub bus.Publisher, filesDir string) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: token is required (CREWD_TELEGRAM_TOKEN)")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	poll := 2 * time.Second
	if cfg.PollInterval != "" {
		if d, err := time.ParseDuration(cfg.PollInterval); err == nil && d > 0 {
			poll = d
		}
	}

	return &Adapter{
		cfg:      cfg,
		store:    store,
		bus:      pub,
		filesDir: filesDir,
		bot:      bot,
		allow:    channels.Allowlist(cfg.AllowFrom),
		limits:   channels.NewLimiters(1, 3),
		poll:     poll,
	}, nil
}

// Name implements channels.Adapter.
func (a *Adapter) Name() string { return Name }

// Run long-polls for updates and delivers pending responses until ctx
// is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	updates, err := a.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}
	slog.Info("telegram.connected", "username", a.bot.Username())

	go a.deliverLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("telegram: updates channel closed")
			}
			if update.Message != nil {
				a.handleMessage(ctx, update.Message)
			}
		}
	}
}

// handleMessage turns one Telegram message into a queue row.
func (a *Adapter) handleMessage(ctx context.Context, m *telego.Message) {
	user := m.From
	if user == nil {
		return
	}

	userID := strconv.FormatInt(user.ID, 10)
	compound := userID
	if user.Username != "" {
		compound = userID + "|" + user.Username
	}
	if !a.allow.Allows(compound) {
		slog.Debug("telegram.sender_rejected", "user_id", userID, "username", user.Username)
		return
	}

	text := m.Text
	if m.Caption != "" {
		if text != "" {
			text += "\n"
		}
		text += m.Caption
	}

	files := a.collectMedia(ctx, m)
	for _, path := range files {
		if text != "" {
			text += "\n"
		}
		text += fmt.Sprintf("[file: %s]", path)
	}
	if text == "" {
		return
	}

	sender := user.FirstName
	if user.Username != "" {
		sender = user.Username
	}
	messageID := fmt.Sprintf("tg-%d-%d", m.Chat.ID, m.MessageID)

	a.bus.Emit(bus.EventMessageReceived, map[string]any{
		"channel":    Name,
		"sender":     sender,
		"message_id": messageID,
	})

	_, err := a.store.Enqueue(ctx, &queue.Message{
		MessageID: messageID,
		Channel:   Name,
		Sender:    sender,
		SenderID:  strconv.FormatInt(m.Chat.ID, 10),
		Text:      text,
		Files:     files,
	})
	if err != nil {
		if errors.Is(err, queue.ErrDuplicateID) {
			slog.Debug("telegram.duplicate_update", "message_id", messageID)
			return
		}
		slog.Error("telegram.enqueue_failed", "message_id", messageID, "error", err)
		return
	}

	a.bus.Emit(bus.EventMessageEnqueued, map[string]any{
		"channel":    Name,
		"sender":     sender,
		"message_id": messageID,
	})
	slog.Info("telegram.message_enqueued",
		"sender", sender, "message_id", messageID,
		"preview", channels.Truncate(text, 60))
}

// collectMedia downloads photos and documents into the files area.
// Oversized images are downscaled before the agent sees them.
func (a *Adapter) collectMedia(ctx context.Context, m *telego.Message) []string {
	var files []string

	if len(m.Photo) > 0 {
		// Highest resolution is last.
		photo := m.Photo[len(m.Photo)-1]
		path, err := a.download(ctx, photo.FileID, "photo.jpg")
		if err != nil {
			slog.Warn("telegram.photo_download_failed", "file_id", photo.FileID, "error", err)
		} else {
			if err := channels.FitImage(path, channels.MaxImagePixels); err != nil {
				slog.Warn("telegram.image_resize_failed", "path", path, "error", err)
			}
			files = append(files, path)
		}
	}

	if m.Document != nil {
		name := m.Document.FileName
		if name == "" {
			name = "document.bin"
		}
		path, err := a.download(ctx, m.Document.FileID, name)
		if err != nil {
			slog.Warn("telegram.document_download_failed", "file_id", m.Document.FileID, "error", err)
		} else {
			files = append(files, path)
		}
	}

	return files
}

// download resolves a file_id to a Bot API URL and fetches it.
func (a *Adapter) download(ctx context.Context, fileID, name string) (string, error) {
	file, err := a.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", fileID)
	}
	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", a.cfg.Token, file.FilePath)
	return channels.DownloadFile(ctx, http.DefaultClient, url, a.filesDir, name, channels.DefaultMediaMaxBytes)
}

// deliverLoop polls the store for pending responses and pushes them out.
func (a *Adapter) deliverLoop(ctx context.Context) {
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.deliverPending(ctx)
		}
	}
}

func (a *Adapter) deliverPending(ctx context.Context) {
	resps, err := a.store.PendingResponses(ctx, Name)
	if err != nil {
		slog.Warn("telegram.pending_poll_failed", "error", err)
		return
	}
	for _, r := range resps {
		if err := a.deliver(ctx, r); err != nil {
			// Leave the row pending; the next tick retries.
			slog.Warn("telegram.deliver_failed", "response_id", r.ID, "error", err)
			continue
		}
		if err := a.store.AckResponse(ctx, r.ID); err != nil {
			slog.Warn("telegram.ack_failed", "response_id", r.ID, "error", err)
		}
	}
}

// deliver pushes one response: text in 4096-char chunks, then each
// attachment as a document. Delivery is at-least-once; Telegram
// dedupes nothing, so a mid-send failure may repeat leading chunks.
func (a *Adapter) deliver(ctx context.Context, r queue.Response) error {
	chatID, err := strconv.ParseInt(r.SenderID, 10, 64)
	if err != nil {
		// Undeliverable forever: drop it rather than retrying every tick.
		slog.Error("telegram.bad_chat_id", "response_id", r.ID, "sender_id", r.SenderID)
		return nil
	}

	for _, chunk := range channels.Split(r.Text, maxChars) {
		if err := a.limits.Wait(ctx, r.SenderID); err != nil {
			return err
		}
		if _, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}

	for _, path := range r.Files {
		if err := a.limits.Wait(ctx, r.SenderID); err != nil {
			return err
		}
		if err := a.sendDocument(ctx, chatID, path); err != nil {
			slog.Warn("telegram.document_send_failed", "path", path, "error", err)
		}
	}

	return nil
}

func (a *Adapter) sendDocument(ctx context.Context, chatID int64, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	_, err = a.bot.SendDocument(ctx, tu.Document(tu.ID(chatID), tu.File(f)))
	if err != nil {
		return fmt.Errorf("send document: %w", err)
	}
	return nil
}
