// Package delivery uploads finished artifacts to a chat and guarantees the local
// files are gone afterwards.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/onnwee/stream-relay/capture"
	"github.com/onnwee/stream-relay/telemetry"
)

// Sender is the chat platform surface the pipeline needs.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendDocument(ctx context.Context, chatID int64, path, caption string) error
}

// ErrDelivery matches any failed upload.
var ErrDelivery = errors.New("delivery failed")

// DeliveryError reports the part whose upload failed.
type DeliveryError struct {
	Part  capture.Part
	Total int
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("upload part %d/%d: %v", e.Part.Index, e.Total, e.Err)
}
func (e *DeliveryError) Unwrap() error        { return e.Err }
func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }

// Adapter hands parts to the Sender in order.
type Adapter struct {
	Sender Sender
	Logger *slog.Logger
}

// Caption returns the caption for part index (1-based) of total. Only later parts
// carry a suffix.
func Caption(caption string, index, total int) string {
	if index <= 1 || total <= 1 {
		return caption
	}
	return fmt.Sprintf("%s (part %d/%d)", caption, index, total)
}

// Deliver uploads parts to chatID in Index order. It stops at the first failure.
// Every part file is removed before Deliver returns, whether it was uploaded,
// failed, or never attempted.
func (a *Adapter) Deliver(ctx context.Context, chatID int64, parts []capture.Part, caption string) error {
	logger := a.logger().With(slog.Int64("chat_id", chatID), slog.Int("parts", len(parts)))
	next := 0
	defer func() {
		for _, p := range parts[next:] {
			remove(logger, p.Path)
		}
	}()

	for next < len(parts) {
		p := parts[next]
		next++
		err := a.upload(ctx, chatID, p, Caption(caption, p.Index, len(parts)))
		remove(logger, p.Path)
		if err != nil {
			telemetry.UploadsFailed.Inc()
			logger.Error("upload failed", slog.Int("part", p.Index), slog.Any("err", err))
			return &DeliveryError{Part: p, Total: len(parts), Err: err}
		}
	}
	return nil
}

func (a *Adapter) upload(ctx context.Context, chatID int64, p capture.Part, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	if err := a.Sender.SendDocument(ctx, chatID, p.Path, caption); err != nil {
		return err
	}
	d := time.Since(start)
	telemetry.UploadsSucceeded.Inc()
	telemetry.UploadDuration.Observe(d.Seconds())
	telemetry.UploadedBytes.Add(float64(p.SizeBytes))
	a.logger().Info("part uploaded", slog.Int64("chat_id", chatID), slog.Int("part", p.Index), slog.Int64("size_bytes", p.SizeBytes), slog.Duration("upload_duration", d))
	return nil
}

func (a *Adapter) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default().With(slog.String("component", "delivery"))
}

func remove(logger *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("remove artifact", slog.String("path", path), slog.Any("err", err))
	}
}
