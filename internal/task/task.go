package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	dlErrors "github.com/NamanBalaji/sharebridge/internal/errors"
	"github.com/NamanBalaji/sharebridge/internal/status"
)

const (
	MinPriority = 0
	MaxPriority = 3

	// UnknownSize marks a task whose host did not report a length.
	UnknownSize int64 = -1
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidPriority   = errors.New("priority out of range")
)

// SegmentState is the persisted offset of one byte range. End is inclusive;
// End < 0 means the range runs to the end of an unknown-length body.
type SegmentState struct {
	Index   int   `json:"index"`
	Start   int64 `json:"start"`
	End     int64 `json:"end"`
	Written int64 `json:"written"`
}

// Size returns the length of the range, or UnknownSize for open ranges.
func (s SegmentState) Size() int64 {
	if s.End < 0 {
		return UnknownSize
	}

	return s.End - s.Start + 1
}

// Done reports whether every byte of a bounded range has been written.
func (s SegmentState) Done() bool {
	return s.End >= 0 && s.Written >= s.Size()
}

// Offset is the absolute file offset of the next byte to fetch.
func (s SegmentState) Offset() int64 {
	return s.Start + s.Written
}

// Task is one logical file download.
type Task struct {
	ID              uuid.UUID         `json:"id"`
	BatchID         uuid.UUID         `json:"batchId,omitempty"`
	OriginalURL     string            `json:"originalUrl"`
	ResolvedURL     string            `json:"resolvedUrl,omitempty"`
	LinkHeaders     map[string]string `json:"linkHeaders,omitempty"`
	Filename        string            `json:"filename"`
	Category        string            `json:"category,omitempty"`
	DestinationPath string            `json:"destinationPath"`
	SizeBytes       int64             `json:"sizeBytes"`
	DownloadedBytes int64             `json:"downloadedBytes"`
	SupportsRanges  bool              `json:"supportsRanges"`
	Segments        []SegmentState    `json:"segments,omitempty"`
	State           status.Status     `json:"state"`
	Priority        int               `json:"priority"`
	AccountID       string            `json:"accountId,omitempty"`
	ErrorKind       dlErrors.Kind     `json:"errorKind,omitempty"`
	ErrorMessage    string            `json:"errorMessage,omitempty"`
	SpeedBPS        int64             `json:"speedBps"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	EnqueuedAt      time.Time         `json:"enqueuedAt"`
	CompletedAt     time.Time         `json:"completedAt,omitempty"`
}

// New creates a Queued task for shareURL.
func New(shareURL, name string, priority int) (*Task, error) {
	if err := ValidatePriority(priority); err != nil {
		return nil, err
	}

	now := time.Now()

	return &Task{
		ID:          uuid.New(),
		OriginalURL: shareURL,
		Filename:    name,
		SizeBytes:   UnknownSize,
		State:       status.Queued,
		Priority:    priority,
		CreatedAt:   now,
		UpdatedAt:   now,
		EnqueuedAt:  now,
	}, nil
}

func ValidatePriority(p int) error {
	if p < MinPriority || p > MaxPriority {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, p)
	}

	return nil
}

// Clone returns a deep copy safe to hand outside the store.
func (t *Task) Clone() *Task {
	c := *t
	if t.Segments != nil {
		c.Segments = append([]SegmentState(nil), t.Segments...)
	}

	if t.LinkHeaders != nil {
		c.LinkHeaders = make(map[string]string, len(t.LinkHeaders))
		for k, v := range t.LinkHeaders {
			c.LinkHeaders[k] = v
		}
	}

	return &c
}

// Percentage is the completed share in [0, 100].
func (t *Task) Percentage() float64 {
	if t.State == status.Completed {
		return 100
	}

	if t.SizeBytes <= 0 {
		return 0
	}

	pct := float64(t.DownloadedBytes) / float64(t.SizeBytes) * 100
	if pct > 100 {
		pct = 100
	}

	return pct
}

// Remaining returns bytes left, or UnknownSize.
func (t *Task) Remaining() int64 {
	if t.SizeBytes < 0 {
		return UnknownSize
	}

	r := t.SizeBytes - t.DownloadedBytes
	if r < 0 {
		return 0
	}

	return r
}

// ETA estimates the time left from the current speed.
func (t *Task) ETA() time.Duration {
	r := t.Remaining()
	if r <= 0 || t.SpeedBPS <= 0 {
		return 0
	}

	return time.Duration(float64(r)/float64(t.SpeedBPS)) * time.Second
}

// RecordError stores the classified failure on the task.
func (t *Task) RecordError(err error) {
	if err == nil {
		t.ErrorKind = ""
		t.ErrorMessage = ""

		return
	}

	t.ErrorKind = dlErrors.KindOf(err)
	t.ErrorMessage = err.Error()
}

// NeedsResolve reports whether the next admission must call the resolver
// before fetching.
func (t *Task) NeedsResolve() bool {
	return t.ResolvedURL == "" || dlErrors.ShouldReResolve(t.ErrorKind)
}

var transitions = map[status.Status][]status.Status{
	status.Queued:      {status.Resolving, status.Paused, status.Cancelled},
	status.Resolving:   {status.Downloading, status.Queued, status.Paused, status.Failed, status.Cancelled},
	status.Downloading: {status.Paused, status.Completed, status.Failed, status.Queued, status.Cancelled},
	status.Paused:      {status.Queued, status.Cancelled},
	status.Failed:      {status.Queued, status.Cancelled},
}

// CanTransition reports whether the state machine allows from -> to.
// Resolving/Downloading -> Queued covers requeue after an account fault and
// restart recovery.
func CanTransition(from, to status.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}

	return false
}

// Transition moves the task to next or returns ErrInvalidTransition.
func (t *Task) Transition(next status.Status) error {
	if !CanTransition(t.State, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, next)
	}

	t.State = next
	t.UpdatedAt = time.Now()

	switch next {
	case status.Queued:
		t.EnqueuedAt = t.UpdatedAt
		t.SpeedBPS = 0
	case status.Completed:
		t.CompletedAt = t.UpdatedAt
		t.SpeedBPS = 0
		t.ErrorKind = ""
		t.ErrorMessage = ""
	case status.Paused, status.Failed, status.Cancelled:
		t.SpeedBPS = 0
	}

	return nil
}

// Batch groups related tasks, e.g. every episode of one release.
type Batch struct {
	ID        uuid.UUID   `json:"id"`
	Name      string      `json:"name"`
	TaskIDs   []uuid.UUID `json:"taskIds"`
	CreatedAt time.Time   `json:"createdAt"`
}

// NewBatch creates an empty named batch.
func NewBatch(name string) *Batch {
	return &Batch{
		ID:        uuid.New(),
		Name:      name,
		CreatedAt: time.Now(),
	}
}

// BatchProgress is the aggregated view over a batch's tasks.
type BatchProgress struct {
	Batch           *Batch
	SizeBytes       int64
	DownloadedBytes int64
	Completed       int
	Failed          int
	Total           int
}

// Summarize aggregates tasks belonging to b.
func Summarize(b *Batch, tasks []*Task) BatchProgress {
	p := BatchProgress{Batch: b, Total: len(b.TaskIDs)}

	for _, t := range tasks {
		if t.BatchID != b.ID {
			continue
		}

		if t.SizeBytes > 0 {
			p.SizeBytes += t.SizeBytes
		}

		p.DownloadedBytes += t.DownloadedBytes

		switch t.State {
		case status.Completed:
			p.Completed++
		case status.Failed:
			p.Failed++
		}
	}

	return p
}
