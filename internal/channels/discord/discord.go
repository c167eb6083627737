// Package discord bridges the Discord gateway to the queue: message
// create events become queue rows, pending responses are split at the
// 2000-char limit and delivered with attachments.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/crewdhq/crewd/internal/bus"
	"github.com/crewdhq/crewd/internal/channels"
	"github.com/crewdhq/crewd/internal/config"
	"github.com/crewdhq/crewd/internal/queue"
)

// Name is the channel id used in queue rows.
const Name = "discord"

// maxChars is the Discord per-message character limit.
const maxChars = 2000

const responsePoll = 2 * time.Second

// Adapter connects one bot account to the queue.
type Adapter struct {
	cfg       config.DiscordConfig
	store     queue.Store
	bus       bus.Publisher
	filesDir  string
	session   *discordgo.Session
	allow     channels.Allowlist
	limits    *channels.Limiters
	botUserID string
	runCtx    context.Context
}

// New creates the Discord adapter.
func New(cfg config.DiscordConfig, store queue.Store, pub bus.Publisher, filesDir string) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: token is required (CREWD_DISCORD_TOKEN)")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Adapter{
		cfg:      cfg,
		store:    store,
		bus:      pub,
		filesDir: filesDir,
		session:  session,
		allow:    channels.Allowlist(cfg.AllowFrom),
		limits:   channels.NewLimiters(1, 3),
	}, nil
}

// Name implements channels.Adapter.
func (a *Adapter) Name() string { return Name }

// Run opens the gateway connection and delivers pending responses
// until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	a.runCtx = ctx
	a.session.AddHandler(a.onMessage)

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	defer a.session.Close()

	user, err := a.session.User("@me")
	if err != nil {
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	a.botUserID = user.ID
	slog.Info("discord.connected", "username", user.Username, "id", user.ID)

	go a.deliverLoop(ctx)

	<-ctx.Done()
	return nil
}

// onMessage turns one message-create event into a queue row.
func (a *Adapter) onMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == a.botUserID || m.Author.Bot {
		return
	}
	if !a.allow.Allows(m.Author.ID + "|" + m.Author.Username) {
		slog.Debug("discord.sender_rejected", "user_id", m.Author.ID, "username", m.Author.Username)
		return
	}

	ctx := a.runCtx
	text := m.Content

	var files []string
	for _, att := range m.Attachments {
		path, err := a.downloadAttachment(ctx, att)
		if err != nil {
			slog.Warn("discord.attachment_download_failed", "name", att.Filename, "error", err)
			continue
		}
		files = append(files, path)
		if text != "" {
			text += "\n"
		}
		text += fmt.Sprintf("[file: %s]", path)
	}
	if text == "" {
		return
	}

	sender := displayName(m)
	messageID := "dc-" + m.ID

	a.bus.Emit(bus.EventMessageReceived, map[string]any{
		"channel":    Name,
		"sender":     sender,
		"message_id": messageID,
	})

	_, err := a.store.Enqueue(ctx, &queue.Message{
		MessageID: messageID,
		Channel:   Name,
		Sender:    sender,
		SenderID:  m.ChannelID,
		Text:      text,
		Files:     files,
	})
	if err != nil {
		if errors.Is(err, queue.ErrDuplicateID) {
			slog.Debug("discord.duplicate_event", "message_id", messageID)
			return
		}
		slog.Error("discord.enqueue_failed", "message_id", messageID, "error", err)
		return
	}

	a.bus.Emit(bus.EventMessageEnqueued, map[string]any{
		"channel":    Name,
		"sender":     sender,
		"message_id": messageID,
	})
	slog.Info("discord.message_enqueued",
		"sender", sender, "message_id", messageID,
		"preview", channels.Truncate(text, 60))
}

func (a *Adapter) downloadAttachment(ctx context.Context, att *discordgo.MessageAttachment) (string, error) {
	if int64(att.Size) > channels.DefaultMediaMaxBytes {
		return "", fmt.Errorf("attachment too large: %d bytes", att.Size)
	}
	path, err := channels.DownloadFile(ctx, http.DefaultClient, att.URL, a.filesDir, att.Filename, channels.DefaultMediaMaxBytes)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(att.ContentType, "image/") {
		if err := channels.FitImage(path, channels.MaxImagePixels); err != nil {
			slog.Warn("discord.image_resize_failed", "path", path, "error", err)
		}
	}
	return path, nil
}

// deliverLoop polls the store for pending responses and pushes them out.
func (a *Adapter) deliverLoop(ctx context.Context) {
	ticker := time.NewTicker(responsePoll)
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
		slog.Warn("discord.pending_poll_failed", "error", err)
		return
	}
	for _, r := range resps {
		if err := a.deliver(ctx, r); err != nil {
			slog.Warn("discord.deliver_failed", "response_id", r.ID, "error", err)
			continue
		}
		if err := a.store.AckResponse(ctx, r.ID); err != nil {
			slog.Warn("discord.ack_failed", "response_id", r.ID, "error", err)
		}
	}
}

// deliver pushes one response: text in 2000-char chunks, then each
// attachment as a file upload.
func (a *Adapter) deliver(ctx context.Context, r queue.Response) error {
	channelID := r.SenderID
	if channelID == "" {
		slog.Error("discord.missing_channel_id", "response_id", r.ID)
		return nil
	}

	for _, chunk := range channels.Split(r.Text, maxChars) {
		if err := a.limits.Wait(ctx, channelID); err != nil {
			return err
		}
		if _, err := a.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}

	for _, path := range r.Files {
		if err := a.limits.Wait(ctx, channelID); err != nil {
			return err
		}
		if err := a.sendFile(channelID, path); err != nil {
			slog.Warn("discord.file_send_failed", "path", path, "error", err)
		}
	}

	return nil
}

func (a *Adapter) sendFile(channelID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	_, err = a.session.ChannelFileSend(channelID, channels.SafeFileName(path), f)
	if err != nil {
		return fmt.Errorf("send file: %w", err)
	}
	return nil
}

// displayName returns the friendliest name available for the author.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
