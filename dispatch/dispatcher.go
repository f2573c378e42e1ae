// Package dispatch turns chat messages into capture jobs: it authorizes the
// sender, refuses duplicate in-flight requests, drives capture, split and delivery
// in order, and makes sure no artifact outlives its request.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/stream-relay/capture"
	"github.com/onnwee/stream-relay/delivery"
	"github.com/onnwee/stream-relay/telemetry"
)

// JobStore persists capture history. Failures are logged and never fail a job.
type JobStore interface {
	RecordStart(ctx context.Context, info JobInfo) error
	RecordFinish(ctx context.Context, info JobInfo) error
}

// Exporter writes the capture history as CSV and returns the number of rows.
type Exporter interface {
	ExportCaptures(ctx context.Context, w io.Writer) (int, error)
}

// Options configures a Dispatcher. Zero values are usable except for DataDir.
type Options struct {
	// AuthorizedSenders is the fixed allow-list. It is copied at construction.
	AuthorizedSenders []int64
	DataDir           string
	Caption           string
	// MaxCaptureDuration stops a capture after this long; 0 means unbounded.
	MaxCaptureDuration time.Duration
	// MaxConcurrent caps in-flight jobs; 0 means unlimited.
	MaxConcurrent int
	// AllowPrivate accepts capture requests in private chats.
	AllowPrivate bool
	// DumpChatID receives /dumpdb exports.
	DumpChatID int64
	// OperatorChatID is told about failures that need a human.
	OperatorChatID int64

	SplitMaxBytes   int64
	FallbackSegment time.Duration

	Store    JobStore
	Exporter Exporter
	Logger   *slog.Logger
}

// DefaultCaption is attached to the first delivered part.
const DefaultCaption = "Recording live stream"

const replyTimeout = 30 * time.Second

// Dispatcher owns the in-flight set and runs jobs.
type Dispatcher struct {
	sender   delivery.Sender
	builder  capture.Builder
	runner   capture.Runner
	splitter *capture.Splitter
	delivery *delivery.Adapter
	opts     Options
	allowed  map[int64]struct{}
	logger   *slog.Logger

	mu     sync.Mutex
	active map[Key]*Job
	slots  *slots
	wg     sync.WaitGroup
}

// New builds a Dispatcher around the chat sender and the capture tool.
func New(sender delivery.Sender, builder capture.Builder, runner capture.Runner, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Caption == "" {
		opts.Caption = DefaultCaption
	}
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	allowed := make(map[int64]struct{}, len(opts.AuthorizedSenders))
	for _, id := range opts.AuthorizedSenders {
		allowed[id] = struct{}{}
	}
	opts.AuthorizedSenders = nil
	return &Dispatcher{
		sender:  sender,
		builder: builder,
		runner:  runner,
		splitter: &capture.Splitter{
			Builder:         builder,
			Runner:          runner,
			MaxBytes:        opts.SplitMaxBytes,
			FallbackSegment: opts.FallbackSegment,
			Logger:          logger,
		},
		delivery: &delivery.Adapter{Sender: sender, Logger: logger},
		opts:     opts,
		allowed:  allowed,
		logger:   logger,
		active:   make(map[Key]*Job),
		slots:    newSlots(opts.MaxConcurrent),
	}
}

// Authorized reports whether senderID is on the allow-list.
func (d *Dispatcher) Authorized(senderID int64) bool {
	_, ok := d.allowed[senderID]
	return ok
}

// ValidSourceURL reports whether s is a single absolute http(s) URL with a host.
func ValidSourceURL(s string) bool {
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}

// Capture runs req to a terminal state and returns the finished job. It blocks
// for the whole capture; callers run it on its own goroutine.
func (d *Dispatcher) Capture(ctx context.Context, req CaptureRequest) *Job {
	job := newJob(req)
	logger := d.logger.With(slog.String("job_id", job.ID), slog.Int64("chat_id", req.ChatID), slog.Int("message_id", req.MessageID))

	job.transition(Authorizing)
	if err := d.authorize(req); err != nil {
		d.reject(ctx, job, err, logger)
		return job
	}
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	job.cancel = cancel
	if err := d.admit(job); err != nil {
		d.reject(ctx, job, err, logger)
		return job
	}
	defer d.release(job)

	d.run(jobCtx, job, logger)
	return job
}

func (d *Dispatcher) authorize(req CaptureRequest) error {
	if !d.Authorized(req.SenderID) {
		return &ValidationError{Reason: "unauthorized", Msg: "You are not authorized to use this bot."}
	}
	if !ValidSourceURL(req.SourceURL) {
		return &ValidationError{Reason: "bad_url", Msg: "Please send a valid http(s) stream link."}
	}
	return nil
}

// admit claims the request key and a concurrency slot.
func (d *Dispatcher) admit(job *Job) error {
	key := job.Request.key()
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.active[key]; busy {
		return &BusyError{Reason: "duplicate", Key: key}
	}
	if !d.slots.tryAcquire() {
		return &BusyError{Reason: "capacity", Key: key}
	}
	d.active[key] = job
	telemetry.SetActiveCaptures(len(d.active))
	return nil
}

func (d *Dispatcher) release(job *Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := job.Request.key()
	if d.active[key] == job {
		delete(d.active, key)
		d.slots.release()
	}
	telemetry.SetActiveCaptures(len(d.active))
}

func (d *Dispatcher) reject(ctx context.Context, job *Job, err error, logger *slog.Logger) {
	job.fail(err)
	reason := Kind(err)
	var ve *ValidationError
	var be *BusyError
	switch {
	case errors.As(err, &ve):
		reason = ve.Reason
	case errors.As(err, &be):
		reason = be.Reason
	}
	telemetry.Rejections.WithLabelValues(reason).Inc()
	logger.Info("request rejected", slog.String("reason", reason), slog.Int64("sender_id", job.Request.SenderID))
	d.reply(ctx, job.Request.ChatID, rejectionText(err))
}

func rejectionText(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Msg
	}
	var be *BusyError
	if errors.As(err, &be) && be.Reason == "capacity" {
		return "Too many recordings are running. Try again later."
	}
	return "This link is already being recorded."
}

// run drives an admitted job through capture, split and delivery.
func (d *Dispatcher) run(ctx context.Context, job *Job, logger *slog.Logger) {
	req := job.Request
	start := time.Now()
	ctx = telemetry.WithCorrelation(ctx, job.ID)
	ctx, span := telemetry.StartSpan(ctx, "capture_job", telemetry.ChatAttrs(req.ChatID, req.MessageID)...)
	defer span.End()

	out := filepath.Join(d.opts.DataDir, fmt.Sprintf("capture_%d_%d%s", req.ChatID, req.MessageID, d.builder.Extension()))
	job.setOutput(out)
	var (
		parts      []capture.Part
		quarantine bool
	)
	defer func() {
		if !quarantine {
			removeArtifact(logger, out)
		}
		for _, p := range parts {
			removeArtifact(logger, p.Path)
		}
		info := job.Info()
		d.recordFinish(ctx, info, logger)
		telemetry.TotalProcessDuration.Observe(time.Since(start).Seconds())
		if err := job.Err(); err != nil {
			telemetry.CapturesFailed.WithLabelValues(Kind(err)).Inc()
			telemetry.RecordError(span, err)
			logger.Warn("capture job failed", slog.String("kind", Kind(err)), slog.Any("err", err), slog.Any("states", job.History()))
			return
		}
		telemetry.CapturesSucceeded.Inc()
		telemetry.SetSpanSuccess(span)
		logger.Info("capture job done", slog.Int("parts", info.Parts), slog.Int64("bytes", info.Bytes), slog.Duration("elapsed", time.Since(start)))
	}()

	job.transition(Capturing)
	telemetry.CapturesStarted.Inc()
	d.recordStart(ctx, job.Info(), logger)
	if err := os.MkdirAll(d.opts.DataDir, 0o755); err != nil {
		d.failJob(ctx, job, fmt.Errorf("create data dir: %w", err), logger)
		return
	}
	logger.Info("capture started", slog.String("url", req.SourceURL), slog.String("output", out))
	d.reply(ctx, req.ChatID, "Recording started.")

	capCtx := ctx
	if d.opts.MaxCaptureDuration > 0 {
		var cancel context.CancelFunc
		capCtx, cancel = context.WithTimeoutCause(ctx, d.opts.MaxCaptureDuration, errMaxDuration)
		defer cancel()
	}
	capStart := time.Now()
	_, err := d.runner.Run(capCtx, d.builder.Capture(req.SourceURL, out))
	elapsed := time.Since(capStart)
	telemetry.CaptureDuration.Observe(elapsed.Seconds())
	if err != nil {
		d.failJob(ctx, job, err, logger)
		return
	}

	if !job.transition(Splitting) {
		return
	}
	splitCtx, splitSpan := telemetry.StartSpan(ctx, "split", telemetry.StageAttr("split"))
	parts, err = d.splitter.Split(splitCtx, out, elapsed)
	splitSpan.End()
	if err != nil {
		if errors.Is(err, capture.ErrBrokenInvariant) {
			quarantine = true
			d.quarantine(ctx, job, logger)
		}
		d.failJob(ctx, job, err, logger)
		return
	}
	job.setParts(parts)
	if len(parts) > 1 {
		telemetry.Splits.Inc()
	}

	if !job.transition(Delivering) {
		return
	}
	caption := req.Caption
	if caption == "" {
		caption = d.opts.Caption
	}
	if err := d.delivery.Deliver(ctx, req.ChatID, parts, caption); err != nil {
		d.failJob(ctx, job, err, logger)
		return
	}
	job.transition(Done)
}

// failJob moves the job to Failed and tells the user (and operator, when useful) why.
func (d *Dispatcher) failJob(ctx context.Context, job *Job, err error, logger *slog.Logger) {
	if ctx.Err() != nil && !errors.Is(err, capture.ErrCanceled) {
		err = fmt.Errorf("%w: %w", capture.ErrCanceled, err)
	}
	job.fail(err)
	chat := job.Request.ChatID
	switch Kind(err) {
	case "canceled":
		if errors.Is(err, errMaxDuration) {
			d.reply(ctx, chat, fmt.Sprintf("Recording stopped after the maximum duration of %s.", d.opts.MaxCaptureDuration))
			return
		}
		d.reply(ctx, chat, "Recording canceled.")
	case "start":
		d.reply(ctx, chat, "Recording failed: the capture tool could not be started.")
		d.notifyOperator(ctx, fmt.Sprintf("Capture tool failed to start for job %s: %v", job.ID, err))
	case "process":
		pe := &capture.ProcessError{ExitCode: -1}
		errors.As(err, &pe)
		class := capture.ClassifyDiagnostics(pe.Tail)
		d.reply(ctx, chat, processFailureText(pe, class))
		d.notifyOperator(ctx, fmt.Sprintf("Capture job %s failed (%s, exit %d): %s", job.ID, class, pe.ExitCode, job.Request.SourceURL))
	case "broken_invariant":
		d.reply(ctx, chat, "Recording finished but could not be split for upload. An operator has been notified.")
	case "delivery":
		d.reply(ctx, chat, deliveryFailureText(err))
	default:
		logger.Error("capture job internal error", slog.Any("err", err))
		d.reply(ctx, chat, "Recording failed due to an internal error.")
	}
}

func deliveryFailureText(err error) string {
	var de *delivery.DeliveryError
	if errors.As(err, &de) && de.Total > 1 {
		return fmt.Sprintf("Upload failed: part %d of %d could not be sent to this chat.", de.Part.Index, de.Total)
	}
	return "Upload failed: the recording could not be sent to this chat."
}

const (
	replyTailLines = 5
	replyTailBytes = 800
)

func processFailureText(pe *capture.ProcessError, class capture.FailureClass) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Recording failed: %s (exit code %d).", class.Describe(), pe.ExitCode)
	tail := pe.Tail
	if len(tail) > replyTailLines {
		tail = tail[len(tail)-replyTailLines:]
	}
	if diag := strings.Join(tail, "\n"); diag != "" {
		if len(diag) > replyTailBytes {
			diag = "…" + diag[len(diag)-replyTailBytes:]
		}
		b.WriteString("\n\n")
		b.WriteString(diag)
	}
	return b.String()
}

// quarantine moves an unsplittable artifact aside for inspection.
func (d *Dispatcher) quarantine(ctx context.Context, job *Job, logger *slog.Logger) {
	src := job.OutputPath()
	dir := filepath.Join(d.opts.DataDir, QuarantineDir)
	dst := filepath.Join(dir, job.ID+"_"+filepath.Base(src))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Error("create quarantine dir", slog.Any("err", err))
		dst = src
	} else if err := os.Rename(src, dst); err != nil {
		logger.Error("quarantine artifact", slog.Any("err", err))
		dst = src
	}
	job.setOutput(dst)
	logger.Error("artifact quarantined", slog.String("path", dst))
	d.notifyOperator(ctx, fmt.Sprintf("Split produced no parts for job %s; artifact kept at %s", job.ID, dst))
}

// QuarantineDir is the DataDir subdirectory holding artifacts that could not be split.
const QuarantineDir = "quarantine"

// reply sends text even when ctx is already canceled, so shutdown and /stop
// still produce a final message.
func (d *Dispatcher) reply(ctx context.Context, chatID int64, text string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	if err := d.sender.SendText(rctx, chatID, text); err != nil {
		d.logger.Warn("send reply", slog.Int64("chat_id", chatID), slog.Any("err", err))
	}
}

func (d *Dispatcher) notifyOperator(ctx context.Context, text string) {
	if d.opts.OperatorChatID == 0 {
		return
	}
	d.reply(ctx, d.opts.OperatorChatID, text)
}

func (d *Dispatcher) recordStart(ctx context.Context, info JobInfo, logger *slog.Logger) {
	if d.opts.Store == nil {
		return
	}
	if err := d.opts.Store.RecordStart(context.WithoutCancel(ctx), info); err != nil {
		logger.Warn("record capture start", slog.Any("err", err))
	}
}

func (d *Dispatcher) recordFinish(ctx context.Context, info JobInfo, logger *slog.Logger) {
	if d.opts.Store == nil {
		return
	}
	if err := d.opts.Store.RecordFinish(context.WithoutCancel(ctx), info); err != nil {
		logger.Warn("record capture finish", slog.Any("err", err))
	}
}

func removeArtifact(logger *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("remove artifact", slog.String("path", path), slog.Any("err", err))
	}
}

// Cancel stops the in-flight job for key. It reports whether one was found.
func (d *Dispatcher) Cancel(key Key) bool {
	d.mu.Lock()
	job, ok := d.active[key]
	d.mu.Unlock()
	if !ok || job.cancel == nil {
		return false
	}
	job.cancel(errStopped)
	return true
}

// CancelJob stops the in-flight job with the given id.
func (d *Dispatcher) CancelJob(id string) bool {
	d.mu.Lock()
	var found *Job
	for _, j := range d.active {
		if j.ID == id {
			found = j
			break
		}
	}
	d.mu.Unlock()
	if found == nil || found.cancel == nil {
		return false
	}
	found.cancel(errStopped)
	return true
}

// CancelAll stops every in-flight job and returns how many were signaled.
func (d *Dispatcher) CancelAll(cause error) int {
	d.mu.Lock()
	jobs := make([]*Job, 0, len(d.active))
	for _, j := range d.active {
		jobs = append(jobs, j)
	}
	d.mu.Unlock()
	for _, j := range jobs {
		if j.cancel != nil {
			j.cancel(cause)
		}
	}
	return len(jobs)
}

// Active lists in-flight jobs, oldest first.
func (d *Dispatcher) Active() []JobInfo {
	d.mu.Lock()
	out := make([]JobInfo, 0, len(d.active))
	for _, j := range d.active {
		out = append(out, j.Info())
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	return out
}

// Capacity returns jobs in flight and the configured limit (0 when unlimited).
func (d *Dispatcher) Capacity() (inUse, limit int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active), d.slots.limit()
}

// Go runs fn on a tracked goroutine so Wait can join it.
func (d *Dispatcher) Go(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// Wait blocks until every goroutine started by Go has returned or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
