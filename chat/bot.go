package chat

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"

	"github.com/mawnt/renderbot/config"
	"github.com/mawnt/renderbot/render"
	"github.com/mawnt/renderbot/store"
	"github.com/mawnt/renderbot/telemetry"
)

// SkinLister enumerates skins available to the renderer.
type SkinLister interface {
	ListSkins() ([]string, error)
}

// Bot joins the configured Twitch channel, handles render commands, and
// implements render.MessageSender for outbound delivery messages.
type Bot struct {
	cfg    *config.Config
	client *twitch.Client
	svc    *render.Service
	db     *sql.DB
	skins  SkinLister

	cooldown time.Duration
	mu       sync.Mutex
	lastCmd  map[string]time.Time
}

func NewBot(cfg *config.Config, svc *render.Service, db *sql.DB, skins SkinLister) *Bot {
	b := &Bot{
		cfg:      cfg,
		client:   twitch.NewClient(cfg.TwitchBotUsername, cfg.TwitchOAuthToken),
		svc:      svc,
		db:       db,
		skins:    skins,
		cooldown: 3 * time.Second,
		lastCmd:  make(map[string]time.Time),
	}
	b.client.OnPrivateMessage(b.onMessage)
	return b
}

// Say implements render.MessageSender.
func (b *Bot) Say(channel, message string) {
	if channel == "" {
		channel = b.cfg.TwitchChannel
	}
	b.client.Say(channel, message)
}

// Run connects to Twitch chat and blocks until ctx is cancelled or the
// connection fails terminally.
func (b *Bot) Run(ctx context.Context) error {
	b.client.Join(b.cfg.TwitchChannel)

	go func() {
		<-ctx.Done()
		if err := b.client.Disconnect(); err != nil {
			slog.Debug("twitch disconnect", slog.Any("err", err))
		}
	}()

	slog.Info("joining twitch chat", slog.String("channel", b.cfg.TwitchChannel), slog.String("component", "chat"))
	err := b.client.Connect()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// throttled enforces the per-user command cooldown.
func (b *Bot) throttled(user string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if last, ok := b.lastCmd[user]; ok && now.Sub(last) < b.cooldown {
		return true
	}
	b.lastCmd[user] = now
	return false
}

func (b *Bot) onMessage(msg twitch.PrivateMessage) {
	cmd, ok := ParseCommand(msg.Message)
	if !ok {
		return
	}
	user := strings.ToLower(msg.User.Name)
	if b.throttled(user) {
		return
	}

	corr := uuid.New().String()
	ctx, cancel := context.WithTimeout(telemetry.WithCorrelation(context.Background(), corr), 10*time.Second)
	defer cancel()
	logger := slog.Default().With(
		slog.String("component", "chat"),
		slog.String("user", user),
		slog.String("command", cmd.Name),
		slog.String("correlation_id", corr))
	logger.Info("chat command")

	reply := func(format string, args ...any) {
		b.Say(msg.Channel, "@"+user+" "+fmt.Sprintf(format, args...))
	}

	switch cmd.Name {
	case "render":
		b.handleRender(ctx, cmd.Args, user, msg.Channel, corr, reply, logger)
	case "cancel":
		n := b.svc.CancelUser(user)
		if n == 0 {
			reply("you have no renders in flight")
		} else {
			reply("cancelling %d render(s)", n)
		}
	case "queue":
		b.handleQueue(reply)
	case "skin":
		b.handleSkin(ctx, cmd.Args, user, reply, logger)
	case "help":
		reply("%s", helpText)
	}
}

func (b *Bot) handleRender(ctx context.Context, args []string, user, channel, corr string, reply func(string, ...any), logger *slog.Logger) {
	ra, err := ParseRenderArgs(args)
	if err != nil {
		reply("%v", err)
		return
	}

	// Saved defaults fill whatever the command left unset.
	if b.db != nil && (!ra.SkinSet || !ra.ModsSet) {
		if saved, err := store.GetUserSettings(ctx, b.db, user); err == nil {
			if !ra.SkinSet {
				ra.Settings.Skin = saved.Skin
			}
			if !ra.ModsSet && saved.Mods != "" {
				ra.Settings.Mods = saved.Mods
			}
		} else {
			logger.Warn("load user settings failed", slog.Any("err", err))
		}
	}

	job, created, err := b.svc.Submit(ctx, render.Request{
		Requester: render.Requester{User: user, Channel: channel, Corr: corr},
		BeatmapID: ra.BeatmapID,
		ReplayURL: ra.ReplayURL,
		Settings:  ra.Settings,
	})
	if err != nil {
		reply("%s", render.UserMessage(err))
		return
	}
	if !created {
		reply("that render is already in progress, you'll be pinged when it's done")
		return
	}
	reply("render queued (%d ahead of you)", b.svc.QueueDepth()-1)
	logger.Info("render submitted", slog.String("job_id", job.ID))
}

func (b *Bot) handleQueue(reply func(string, ...any)) {
	snaps := b.svc.Status()
	if len(snaps) == 0 {
		reply("render queue is empty")
		return
	}
	parts := make([]string, 0, len(snaps))
	for i, s := range snaps {
		if i == 5 {
			parts = append(parts, fmt.Sprintf("and %d more", len(snaps)-i))
			break
		}
		p := fmt.Sprintf("%s: %s", s.Key.User, s.State)
		if s.State == render.StateRendering {
			p = fmt.Sprintf("%s (%d%%)", p, s.Progress)
		}
		parts = append(parts, p)
	}
	reply("queue: %s", strings.Join(parts, ", "))
}

func (b *Bot) handleSkin(ctx context.Context, args []string, user string, reply func(string, ...any), logger *slog.Logger) {
	if len(args) == 0 {
		reply("usage: !skin list | !skin set <name>")
		return
	}
	switch strings.ToLower(args[0]) {
	case "list":
		names, err := b.skins.ListSkins()
		if err != nil {
			logger.Warn("list skins failed", slog.Any("err", err))
			reply("couldn't list skins right now")
			return
		}
		if len(names) == 0 {
			reply("no skins installed, the default will be used")
			return
		}
		reply("skins: %s", strings.Join(names, ", "))
	case "set":
		if len(args) < 2 {
			reply("usage: !skin set <name>")
			return
		}
		if b.db == nil {
			reply("settings storage is unavailable")
			return
		}
		name := args[1]
		saved, err := store.GetUserSettings(ctx, b.db, user)
		if err != nil {
			logger.Warn("load user settings failed", slog.Any("err", err))
			reply("couldn't save that right now")
			return
		}
		saved.Skin = name
		if err := store.UpsertUserSettings(ctx, b.db, saved); err != nil {
			logger.Warn("save user settings failed", slog.Any("err", err))
			reply("couldn't save that right now")
			return
		}
		reply("default skin set to %s", name)
	default:
		reply("usage: !skin list | !skin set <name>")
	}
}
