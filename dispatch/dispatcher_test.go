package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/stream-relay/capture"
)

const (
	testSender int64 = 42
	testChat   int64 = 100
	operator   int64 = -500
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []capture.Invocation
	run   func(ctx context.Context, inv capture.Invocation) (*capture.Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, inv capture.Invocation) (*capture.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	f.mu.Unlock()
	if f.run == nil {
		return &capture.Result{}, nil
	}
	return f.run(ctx, inv)
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type sent struct {
	chatID  int64
	text    string
	path    string
	caption string
	size    int64
}

type fakeSender struct {
	mu       sync.Mutex
	texts    []sent
	docs     []sent
	failDocs bool
	onText   func(chatID int64, text string)
}

func (s *fakeSender) SendText(_ context.Context, chatID int64, text string) error {
	if s.onText != nil {
		s.onText(chatID, text)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, sent{chatID: chatID, text: text})
	return nil
}

func (s *fakeSender) SendDocument(_ context.Context, chatID int64, path, caption string) error {
	var size int64
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, sent{chatID: chatID, path: path, caption: caption, size: size})
	if s.failDocs {
		return errors.New("Bad Request: file is too big")
	}
	return nil
}

func (s *fakeSender) textsTo(chatID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.texts {
		if m.chatID == chatID {
			out = append(out, m.text)
		}
	}
	return out
}

func (s *fakeSender) documents() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.docs...)
}

func newTestDispatcher(t *testing.T, sender *fakeSender, runner *fakeRunner, mutate func(*Options)) *Dispatcher {
	t.Helper()
	opts := Options{
		AuthorizedSenders: []int64{testSender},
		DataDir:           t.TempDir(),
		OperatorChatID:    operator,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(sender, capture.NewBuilder("ffmpeg", "ffprobe", "matroska"), runner, opts)
}

func request(msgID int) CaptureRequest {
	return CaptureRequest{SourceURL: "https://example.com/stream.m3u8", ChatID: testChat, MessageID: msgID, SenderID: testSender}
}

// writeArtifact creates a sparse file of size bytes.
func writeArtifact(path string, size int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func outputOf(inv capture.Invocation) string { return inv.Args[len(inv.Args)-1] }

func inputOf(inv capture.Invocation) string {
	for i, a := range inv.Args {
		if a == "-i" && i+1 < len(inv.Args) {
			return inv.Args[i+1]
		}
	}
	return ""
}

func isSplit(inv capture.Invocation) bool { return slices.Contains(inv.Args, "segment") }

// captureWrites returns a run func whose capture step writes size bytes.
func captureWrites(size int64) func(context.Context, capture.Invocation) (*capture.Result, error) {
	return func(_ context.Context, inv capture.Invocation) (*capture.Result, error) {
		if inv.Binary == "ffprobe" || isSplit(inv) {
			return &capture.Result{}, nil
		}
		return &capture.Result{}, writeArtifact(outputOf(inv), size)
	}
}

// blockingCapture writes a small artifact then blocks until canceled.
func blockingCapture(started chan<- struct{}) func(context.Context, capture.Invocation) (*capture.Result, error) {
	return func(ctx context.Context, inv capture.Invocation) (*capture.Result, error) {
		if err := writeArtifact(outputOf(inv), 64); err != nil {
			return nil, err
		}
		started <- struct{}{}
		<-ctx.Done()
		return &capture.Result{ExitCode: -1}, fmt.Errorf("%w: %w", capture.ErrCanceled, context.Cause(ctx))
	}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		if e.Name() == QuarantineDir {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) != 0 {
		t.Fatalf("expected no artifacts, found %v", names)
	}
}

func TestValidSourceURL(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"https://example.com/stream.m3u8", true},
		{"http://10.0.0.1:8080/live", true},
		{"HTTPS://Example.com/a", true},
		{"ftp://example.com/stream", false},
		{"file:///etc/passwd", false},
		{"javascript:alert(1)", false},
		{"example.com/stream.m3u8", false},
		{"https://", false},
		{"https://example.com/a b", false},
		{"-i /etc/passwd", false},
		{"", false},
	}
	for _, c := range cases {
		if got := ValidSourceURL(c.in); got != c.want {
			t.Errorf("ValidSourceURL(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestUnauthorizedSenderNeverStartsProcess(t *testing.T) {
	runner := &fakeRunner{}
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender, runner, nil)

	req := request(1)
	req.SenderID = 99
	job := d.Capture(context.Background(), req)

	if job.State() != Failed || Kind(job.Err()) != "validation" {
		t.Fatalf("expected validation failure, got %s / %v", job.State(), job.Err())
	}
	if runner.count() != 0 {
		t.Fatalf("runner called %d times for unauthorized sender", runner.count())
	}
	texts := sender.textsTo(testChat)
	if len(texts) != 1 || !strings.Contains(texts[0], "not authorized") {
		t.Fatalf("expected a rejection reply, got %v", texts)
	}
	if slices.Contains(job.History(), Capturing) {
		t.Fatalf("unauthorized job reached capturing: %v", job.History())
	}
}

func TestBadSchemeNeverStartsProcess(t *testing.T) {
	for _, u := range []string{"ftp://example.com/s", "file:///etc/passwd", "not a url", "rtmp://example.com/live"} {
		runner := &fakeRunner{}
		sender := &fakeSender{}
		d := newTestDispatcher(t, sender, runner, nil)
		req := request(1)
		req.SourceURL = u
		job := d.Capture(context.Background(), req)
		if !errors.Is(job.Err(), ErrValidation) {
			t.Errorf("%q: expected ErrValidation, got %v", u, job.Err())
		}
		if runner.count() != 0 {
			t.Errorf("%q: runner called %d times", u, runner.count())
		}
		if len(sender.textsTo(testChat)) != 1 {
			t.Errorf("%q: expected exactly one reply", u)
		}
	}
}

func TestCaptureEndToEndSingleFile(t *testing.T) {
	const size = 500 * 1024 * 1024
	runner := &fakeRunner{run: captureWrites(size)}
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender, runner, nil)

	var statesAtReply []string
	sender.onText = func(chatID int64, _ string) {
		for _, j := range d.Active() {
			if j.ChatID == chatID {
				statesAtReply = append(statesAtReply, j.State)
			}
		}
	}

	job := d.Capture(context.Background(), CaptureRequest{SourceURL: "https://example.com/stream.m3u8", ChatID: 100, MessageID: 7, SenderID: testSender})

	if job.State() != Done {
		t.Fatalf("expected done, got %s (%v)", job.State(), job.Err())
	}
	want := []State{Received, Authorizing, Capturing, Splitting, Delivering, Done}
	if !slices.Equal(job.History(), want) {
		t.Fatalf("history = %v, want %v", job.History(), want)
	}
	docs := sender.documents()
	if len(docs) != 1 {
		t.Fatalf("expected 1 upload, got %d", len(docs))
	}
	if docs[0].chatID != 100 || docs[0].caption != DefaultCaption || docs[0].size != size {
		t.Fatalf("unexpected upload %+v", docs[0])
	}
	if filepath.Base(docs[0].path) != "capture_100_7.mkv" {
		t.Fatalf("unexpected artifact name %s", docs[0].path)
	}
	if _, err := os.Stat(job.OutputPath()); !os.IsNotExist(err) {
		t.Fatalf("artifact still on disk: %v", err)
	}
	assertEmptyDir(t, d.opts.DataDir)

	if len(statesAtReply) == 0 || statesAtReply[0] != Capturing.String() {
		t.Fatalf("first reply sent in state %v, want capturing", statesAtReply)
	}
	inv := runner.calls[0]
	if inv.Binary != "ffmpeg" || !slices.Contains(inv.Args, "copy") || inputOf(inv) != "https://example.com/stream.m3u8" {
		t.Fatalf("unexpected capture invocation %s", inv)
	}
	if len(d.Active()) != 0 {
		t.Fatal("job still listed as active")
	}
}

func TestSplitDeliversPartsInOrder(t *testing.T) {
	runner := &fakeRunner{}
	runner.run = func(_ context.Context, inv capture.Invocation) (*capture.Result, error) {
		switch {
		case inv.Binary == "ffprobe":
			return &capture.Result{Lines: []capture.Line{{Stream: capture.Stdout, Text: "100.0"}}}, nil
		case isSplit(inv):
			for n := 0; n < 3; n++ {
				if err := writeArtifact(capture.SegmentPath(inputOf(inv), n), 800); err != nil {
					return nil, err
				}
			}
			return &capture.Result{}, nil
		default:
			return &capture.Result{}, writeArtifact(outputOf(inv), 2500)
		}
	}
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender, runner, func(o *Options) {
		o.SplitMaxBytes = 1000
		o.Caption = "Live"
	})

	job := d.Capture(context.Background(), request(3))
	if job.State() != Done {
		t.Fatalf("expected done, got %s (%v)", job.State(), job.Err())
	}
	docs := sender.documents()
	if len(docs) != 3 {
		t.Fatalf("expected 3 uploads, got %d", len(docs))
	}
	wantCaptions := []string{"Live", "Live (part 2/3)", "Live (part 3/3)"}
	for i, doc := range docs {
		if doc.caption != wantCaptions[i] {
			t.Errorf("part %d caption %q, want %q", i+1, doc.caption, wantCaptions[i])
		}
		if !strings.HasSuffix(doc.path, fmt.Sprintf("_part%03d.mkv", i)) {
			t.Errorf("part %d out of order: %s", i+1, doc.path)
		}
	}
	if info := job.Info(); info.Parts != 3 || info.Bytes != 2400 {
		t.Fatalf("unexpected job info %+v", info)
	}
	assertEmptyDir(t, d.opts.DataDir)
}

func TestDuplicateRequestRejectedBusy(t *testing.T) {
	started := make(chan struct{}, 1)
	runner := &fakeRunner{run: blockingCapture(started)}
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender, runner, nil)

	first := make(chan *Job, 1)
	go func() { first <- d.Capture(context.Background(), request(7)) }()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first capture never started")
	}

	dup := d.Capture(context.Background(), request(7))
	if !errors.Is(dup.Err(), ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", dup.Err())
	}
	if runner.count() != 1 {
		t.Fatalf("duplicate started a second process: %d calls", runner.count())
	}
	if texts := sender.textsTo(testChat); !slices.Contains(texts, "This link is already being recorded.") {
		t.Fatalf("missing busy reply in %v", texts)
	}

	if !d.Cancel(Key{ChatID: testChat, MessageID: 7}) {
		t.Fatal("cancel found no job")
	}
	job := <-first
	if Kind(job.Err()) != "canceled" {
		t.Fatalf("expected canceled, got %v", job.Err())
	}
	if texts := sender.textsTo(testChat); texts[len(texts)-1] != "Recording canceled." {
		t.Fatalf("unexpected final reply %q", texts[len(texts)-1])
	}
	assertEmptyDir(t, d.opts.DataDir)
}

func TestCapacityLimit(t *testing.T) {
	started := make(chan struct{}, 1)
	runner := &fakeRunner{run: blockingCapture(started)}
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender, runner, func(o *Options) { o.MaxConcurrent = 1 })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		d.Capture(ctx, request(1))
		close(done)
	}()
	<-started

	job := d.Capture(context.Background(), request(2))
	var be *BusyError
	if !errors.As(job.Err(), &be) || be.Reason != "capacity" {
		t.Fatalf("expected capacity rejection, got %v", job.Err())
	}
	if inUse, limit := d.Capacity(); inUse != 1 || limit != 1 {
		t.Fatalf("capacity = %d/%d, want 1/1", inUse, limit)
	}
	cancel()
	<-done
	if inUse, _ := d.Capacity(); inUse != 0 {
		t.Fatalf("slot not released, %d in use", inUse)
	}
}

func TestStartFailureCleansUp(t *testing.T) {
	runner := &fakeRunner{run: func(context.Context, capture.Invocation) (*capture.Result, error) {
		return nil, &capture.StartError{Binary: "ffmpeg", Err: os.ErrNotExist}
	}}
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender, runner, nil)

	job := d.Capture(context.Background(), request(1))
	if Kind(job.Err()) != "start" {
		t.Fatalf("expected start failure, got %v", job.Err())
	}
	if runner.count() != 1 {
		t.Fatalf("start failure must not be retried: %d calls", runner.count())
	}
	if texts := sender.textsTo(testChat); !strings.Contains(texts[len(texts)-1], "could not be started") {
		t.Fatalf("unexpected reply %v", texts)
	}
	assertEmptyDir(t, d.opts.DataDir)
}

func TestProcessFailureReportsDiagnostics(t *testing.T) {
	runner := &fakeRunner{run: func(_ context.Context, inv capture.Invocation) (*capture.Result, error) {
		if err := writeArtifact(outputOf(inv), 128); err != nil {
			return nil, err
		}
		tail := []string{"Opening 'https://example.com/stream.m3u8' for reading", "Server returned 404 Not Found"}
		return &capture.Result{ExitCode: 1}, &capture.ProcessError{ExitCode: 1, Tail: tail}
	}}
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender, runner, nil)

	job := d.Capture(context.Background(), request(1))
	if !errors.Is(job.Err(), capture.ErrProcess) {
		t.Fatalf("expected process failure, got %v", job.Err())
	}
	texts := sender.textsTo(testChat)
	last := texts[len(texts)-1]
	if !strings.Contains(last, "exit code 1") || !strings.Contains(last, "not found") || !strings.Contains(last, "404 Not Found") {
		t.Fatalf("reply missing diagnostics: %q", last)
	}
	if len(sender.textsTo(operator)) != 1 {
		t.Fatalf("operator not notified: %v", sender.textsTo(operator))
	}
	assertEmptyDir(t, d.opts.DataDir)
}

func TestBrokenInvariantPreservesOriginal(t *testing.T) {
	runner := &fakeRunner{run: captureWrites(5000)}
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender, runner, func(o *Options) { o.SplitMaxBytes = 1000 })

	job := d.Capture(context.Background(), request(9))
	if !errors.Is(job.Err(), capture.ErrBrokenInvariant) {
		t.Fatalf("expected broken invariant, got %v", job.Err())
	}
	kept := job.OutputPath()
	if filepath.Dir(kept) != filepath.Join(d.opts.DataDir, QuarantineDir) {
		t.Fatalf("artifact not quarantined: %s", kept)
	}
	fi, err := os.Stat(kept)
	if err != nil || fi.Size() != 5000 {
		t.Fatalf("quarantined artifact missing or truncated: %v", err)
	}
	if len(sender.documents()) != 0 {
		t.Fatal("nothing should be uploaded")
	}
	if len(sender.textsTo(operator)) == 0 {
		t.Fatal("operator not notified")
	}
	assertEmptyDir(t, d.opts.DataDir)
}

func TestDeliveryFailureRemovesFiles(t *testing.T) {
	runner := &fakeRunner{run: captureWrites(2048)}
	sender := &fakeSender{failDocs: true}
	d := newTestDispatcher(t, sender, runner, nil)

	job := d.Capture(context.Background(), request(1))
	if Kind(job.Err()) != "delivery" {
		t.Fatalf("expected delivery failure, got %v", job.Err())
	}
	texts := sender.textsTo(testChat)
	if last := texts[len(texts)-1]; !strings.HasPrefix(last, "Upload failed:") || strings.Contains(last, "file is too big") {
		t.Fatalf("unexpected reply %v", texts)
	}
	assertEmptyDir(t, d.opts.DataDir)
}

func TestMaxCaptureDuration(t *testing.T) {
	started := make(chan struct{}, 1)
	runner := &fakeRunner{run: blockingCapture(started)}
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender, runner, func(o *Options) { o.MaxCaptureDuration = 50 * time.Millisecond })

	job := d.Capture(context.Background(), request(1))
	if Kind(job.Err()) != "canceled" || !errors.Is(job.Err(), errMaxDuration) {
		t.Fatalf("expected max duration stop, got %v", job.Err())
	}
	if texts := sender.textsTo(testChat); !strings.Contains(texts[len(texts)-1], "maximum duration") {
		t.Fatalf("unexpected reply %v", texts)
	}
	assertEmptyDir(t, d.opts.DataDir)
}

func TestCancelAllOnShutdown(t *testing.T) {
	started := make(chan struct{}, 2)
	runner := &fakeRunner{run: blockingCapture(started)}
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender, runner, nil)

	ctx := context.Background()
	d.Go(func() { d.Capture(ctx, request(1)) })
	d.Go(func() { d.Capture(ctx, request(2)) })
	<-started
	<-started

	if n := d.CancelAll(errors.New("shutting down")); n != 2 {
		t.Fatalf("expected 2 jobs canceled, got %d", n)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	assertEmptyDir(t, d.opts.DataDir)
}

type fakeStore struct {
	mu       sync.Mutex
	started  []JobInfo
	finished []JobInfo
}

func (s *fakeStore) RecordStart(_ context.Context, info JobInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, info)
	return nil
}

func (s *fakeStore) RecordFinish(_ context.Context, info JobInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, info)
	return nil
}

func (s *fakeStore) ExportCaptures(_ context.Context, w io.Writer) (int, error) {
	_, err := io.WriteString(w, "id,state\na,done\nb,failed\n")
	return 2, err
}

func TestStoreRecordsAdmittedJobsOnly(t *testing.T) {
	store := &fakeStore{}
	runner := &fakeRunner{run: captureWrites(10)}
	d := newTestDispatcher(t, &fakeSender{}, runner, func(o *Options) { o.Store = store })

	ok := d.Capture(context.Background(), request(1))
	bad := request(2)
	bad.SenderID = 1
	d.Capture(context.Background(), bad)

	if len(store.started) != 1 || len(store.finished) != 1 {
		t.Fatalf("expected one start and one finish, got %d/%d", len(store.started), len(store.finished))
	}
	if store.started[0].ID != ok.ID || store.started[0].State != "capturing" {
		t.Fatalf("unexpected start record %+v", store.started[0])
	}
	if fin := store.finished[0]; fin.State != "done" || fin.Parts != 1 || fin.Bytes != 10 {
		t.Fatalf("unexpected finish record %+v", fin)
	}
}

func TestKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&ValidationError{Reason: "bad_url"}, "validation"},
		{&BusyError{Reason: "duplicate"}, "busy"},
		{&capture.StartError{Binary: "ffmpeg", Err: os.ErrNotExist}, "start"},
		{&capture.ProcessError{ExitCode: 1}, "process"},
		{&capture.BrokenInvariantError{Path: "x"}, "broken_invariant"},
		{fmt.Errorf("%w: %w", capture.ErrCanceled, context.Canceled), "canceled"},
		{fmt.Errorf("split x: %w", &capture.ProcessError{ExitCode: 2}), "process"},
		{errors.New("disk full"), "internal"},
	}
	for _, c := range cases {
		if got := Kind(c.err); got != c.want {
			t.Errorf("Kind(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}
