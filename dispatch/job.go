package dispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/stream-relay/capture"
)

// Message is an inbound chat message as the dispatcher sees it.
type Message struct {
	ChatID    int64
	MessageID int
	SenderID  int64
	Text      string
	Private   bool
	// ReplyToMessageID is the message this one replies to, or 0.
	ReplyToMessageID int
}

// CaptureRequest is one authorized-or-not request to record a stream.
type CaptureRequest struct {
	SourceURL string
	ChatID    int64
	MessageID int
	SenderID  int64
	Caption   string
}

// Key identifies an in-flight request.
type Key struct {
	ChatID    int64
	MessageID int
}

func (r CaptureRequest) key() Key { return Key{ChatID: r.ChatID, MessageID: r.MessageID} }

// State is a step of the per-request state machine.
type State int

const (
	Received State = iota
	Authorizing
	Capturing
	Splitting
	Delivering
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Received:
		return "received"
	case Authorizing:
		return "authorizing"
	case Capturing:
		return "capturing"
	case Splitting:
		return "splitting"
	case Delivering:
		return "delivering"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == Done || s == Failed }

// Job tracks one request through the pipeline. It is driven by a single goroutine;
// the mutex only guards reads from status listings.
type Job struct {
	ID      string
	Request CaptureRequest

	mu         sync.Mutex
	state      State
	history    []State
	err        error
	outputPath string
	parts      int
	bytes      int64
	startedAt  time.Time
	finishedAt time.Time
	cancel     func(error)
}

func newJob(req CaptureRequest) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Request:   req,
		state:     Received,
		history:   []State{Received},
		startedAt: time.Now().UTC(),
	}
}

// transition moves to s unless the job already reached a terminal state.
func (j *Job) transition(s State) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.state = s
	j.history = append(j.history, s)
	if s.Terminal() {
		j.finishedAt = time.Now().UTC()
	}
	return true
}

func (j *Job) fail(err error) {
	j.mu.Lock()
	if j.err == nil {
		j.err = err
	}
	j.mu.Unlock()
	j.transition(Failed)
}

func (j *Job) setOutput(path string) {
	j.mu.Lock()
	j.outputPath = path
	j.mu.Unlock()
}

func (j *Job) setParts(parts []capture.Part) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.parts = len(parts)
	j.bytes = 0
	for _, p := range parts {
		j.bytes += p.SizeBytes
	}
}

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// History returns every state the job has been in, in order.
func (j *Job) History() []State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]State(nil), j.history...)
}

// Err returns the failure cause, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// OutputPath is where the capture was written (or quarantined).
func (j *Job) OutputPath() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outputPath
}

// JobInfo is a point-in-time copy of a Job for listings and persistence.
type JobInfo struct {
	ID         string    `json:"id"`
	ChatID     int64     `json:"chat_id"`
	MessageID  int       `json:"message_id"`
	SenderID   int64     `json:"sender_id"`
	SourceURL  string    `json:"source_url"`
	State      string    `json:"state"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Parts      int       `json:"parts"`
	Bytes      int64     `json:"bytes"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Info snapshots the job.
func (j *Job) Info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	info := JobInfo{
		ID:         j.ID,
		ChatID:     j.Request.ChatID,
		MessageID:  j.Request.MessageID,
		SenderID:   j.Request.SenderID,
		SourceURL:  j.Request.SourceURL,
		State:      j.state.String(),
		Parts:      j.parts,
		Bytes:      j.bytes,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
	}
	if j.err != nil {
		info.ErrorKind = Kind(j.err)
		info.Error = j.err.Error()
	}
	return info
}
