package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	startText = "Welcome to the Live Recording Bot! Send a live stream link (for example an M3U8 playlist) to start recording."
	stopUsage = "Reply to the message with the stream link to stop that recording."
)

// HandleMessage routes one inbound message. Commands are answered inline; a
// stream link starts a capture and blocks until it finishes.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if cmd, ok := parseCommand(text); ok {
		d.handleCommand(ctx, msg, cmd)
		return
	}
	if msg.Private && !d.opts.AllowPrivate {
		return
	}
	d.Capture(ctx, CaptureRequest{
		SourceURL: text,
		ChatID:    msg.ChatID,
		MessageID: msg.MessageID,
		SenderID:  msg.SenderID,
	})
}

// Dispatch handles msg on a tracked goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) {
	d.Go(func() { d.HandleMessage(ctx, msg) })
}

// parseCommand returns the lower-cased command name of a "/cmd[@bot] args" message.
func parseCommand(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	name := strings.Fields(text)[0][1:]
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", false
	}
	return strings.ToLower(name), true
}

func (d *Dispatcher) handleCommand(ctx context.Context, msg Message, cmd string) {
	logger := d.logger.With(slog.String("command", cmd), slog.Int64("chat_id", msg.ChatID), slog.Int64("sender_id", msg.SenderID))
	switch cmd {
	case "start":
		if msg.Private {
			d.reply(ctx, msg.ChatID, startText)
		}
	case "dumpdb":
		if !d.requireAuthorized(ctx, msg, logger) {
			return
		}
		d.dumpHistory(ctx, msg, logger)
	case "stop":
		if !d.requireAuthorized(ctx, msg, logger) {
			return
		}
		if msg.ReplyToMessageID == 0 {
			d.reply(ctx, msg.ChatID, stopUsage)
			return
		}
		if d.Cancel(Key{ChatID: msg.ChatID, MessageID: msg.ReplyToMessageID}) {
			logger.Info("capture stop requested", slog.Int("message_id", msg.ReplyToMessageID))
			return
		}
		d.reply(ctx, msg.ChatID, "No recording in progress for that message.")
	case "status":
		if !d.requireAuthorized(ctx, msg, logger) {
			return
		}
		d.reply(ctx, msg.ChatID, d.statusText())
	default:
		logger.Debug("ignoring unknown command")
	}
}

func (d *Dispatcher) requireAuthorized(ctx context.Context, msg Message, logger *slog.Logger) bool {
	if d.Authorized(msg.SenderID) {
		return true
	}
	logger.Info("command rejected: unauthorized")
	d.reply(ctx, msg.ChatID, "You are not authorized to use this bot.")
	return false
}

func (d *Dispatcher) statusText() string {
	jobs := d.Active()
	inUse, limit := d.Capacity()
	var b strings.Builder
	if limit > 0 {
		fmt.Fprintf(&b, "%d/%d recordings in progress.", inUse, limit)
	} else {
		fmt.Fprintf(&b, "%d recordings in progress.", inUse)
	}
	now := time.Now()
	for _, j := range jobs {
		fmt.Fprintf(&b, "\n- %s %s (%s, %s)", j.ID[:8], j.SourceURL, j.State, now.Sub(j.StartedAt).Truncate(time.Second))
	}
	return b.String()
}

// dumpHistory exports the capture history to the dump channel as a CSV document.
func (d *Dispatcher) dumpHistory(ctx context.Context, msg Message, logger *slog.Logger) {
	if d.opts.Exporter == nil {
		d.reply(ctx, msg.ChatID, "No capture history database is configured.")
		return
	}
	if d.opts.DumpChatID == 0 {
		d.reply(ctx, msg.ChatID, "No dump channel is configured.")
		return
	}
	d.reply(ctx, msg.ChatID, fmt.Sprintf("Dumping database to channel %d.", d.opts.DumpChatID))

	if err := os.MkdirAll(d.opts.DataDir, 0o755); err != nil {
		logger.Error("create data dir", slog.Any("err", err))
		d.reply(ctx, msg.ChatID, "Database dump failed.")
		return
	}
	f, err := os.CreateTemp(d.opts.DataDir, "captures-*.csv")
	if err != nil {
		logger.Error("create dump file", slog.Any("err", err))
		d.reply(ctx, msg.ChatID, "Database dump failed.")
		return
	}
	path := f.Name()
	defer removeArtifact(logger, path)

	rows, err := d.opts.Exporter.ExportCaptures(ctx, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		logger.Error("export capture history", slog.Any("err", err))
		d.reply(ctx, msg.ChatID, "Database dump failed.")
		return
	}
	caption := fmt.Sprintf("Capture history: %d rows, %s", rows, time.Now().UTC().Format(time.RFC3339))
	if err := d.sender.SendDocument(ctx, d.opts.DumpChatID, path, caption); err != nil {
		logger.Error("send database dump", slog.Any("err", err))
		d.reply(ctx, msg.ChatID, "Database dump failed.")
		return
	}
	logger.Info("database dumped", slog.Int("rows", rows), slog.Int64("dump_chat_id", d.opts.DumpChatID))
}
