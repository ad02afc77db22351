package layerexport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/max-bytes/omnikeeper-sub003/internal/core"
	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

// ExportStatus describes the lifecycle stage of an export request.
type ExportStatus string

const (
	ExportStatusQueued    ExportStatus = "queued"
	ExportStatusRunning   ExportStatus = "running"
	ExportStatusSucceeded ExportStatus = "succeeded"
	ExportStatusFailed    ExportStatus = "failed"
)

// ErrQueueFull is returned when the worker cannot take more requests.
var ErrQueueFull = errors.New("export queue full")

const defaultQueueSize = 32

// ExportInput is an enqueue request. An empty CIIDs list exports every CI.
type ExportInput struct {
	LayerID     string
	CIIDs       []domain.CIID
	RequestedBy string
}

// ExportRecord tracks an export request and its archive.
type ExportRecord struct {
	ID          string       `json:"id"`
	LayerID     string       `json:"layer_id"`
	CIIDs       []string     `json:"ciids,omitempty"`
	Status      ExportStatus `json:"status"`
	Error       string       `json:"error,omitempty"`
	Artifact    *Artifact    `json:"artifact,omitempty"`
	RequestedBy string       `json:"requested_by"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

func (r ExportRecord) copy() ExportRecord {
	dup := r
	dup.CIIDs = append([]string(nil), r.CIIDs...)
	if r.Artifact != nil {
		a := *r.Artifact
		dup.Artifact = &a
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		dup.CompletedAt = &t
	}
	return dup
}

// ExportScheduler queues layer exports and exposes their status.
type ExportScheduler interface {
	EnqueueExport(ctx context.Context, input ExportInput) (ExportRecord, error)
	GetExport(id string) (ExportRecord, bool)
}

var _ ExportScheduler = (*Worker)(nil)

// Worker runs layer exports asynchronously, one at a time.
type Worker struct {
	exporter *Exporter
	audit    core.AuditRecorder
	logger   core.Logger
	now      func() time.Time

	queue chan exportTask
	mu    sync.RWMutex
	jobs  map[string]*ExportRecord

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type exportTask struct {
	id    string
	input ExportInput
}

// WorkerOption customises a Worker.
type WorkerOption func(*Worker)

// WithWorkerAudit records every status transition.
func WithWorkerAudit(audit core.AuditRecorder) WorkerOption {
	return func(w *Worker) {
		if audit != nil {
			w.audit = audit
		}
	}
}

// WithWorkerLogger sets the logger used for failed exports.
func WithWorkerLogger(logger core.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithQueueSize bounds the number of pending requests.
func WithQueueSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.queue = make(chan exportTask, n)
		}
	}
}

// NewWorker constructs an export worker. Call Start before enqueueing.
func NewWorker(exporter *Exporter, opts ...WorkerOption) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		exporter: exporter,
		audit:    discardAudit{},
		logger:   discardLogger{},
		now:      func() time.Time { return time.Now().UTC() },
		queue:    make(chan exportTask, defaultQueueSize),
		jobs:     make(map[string]*ExportRecord),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins processing export requests.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for the running export.
// Requests still queued stay in the queued state.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case task := <-w.queue:
			w.process(task)
		}
	}
}

// EnqueueExport validates and schedules an export, returning the queued record.
func (w *Worker) EnqueueExport(ctx context.Context, input ExportInput) (ExportRecord, error) {
	if w.exporter == nil {
		return ExportRecord{}, fmt.Errorf("exporter not configured")
	}
	if strings.TrimSpace(input.LayerID) == "" {
		return ExportRecord{}, fmt.Errorf("layer id required")
	}
	if err := domain.ValidateLayerID(input.LayerID); err != nil {
		return ExportRecord{}, err
	}

	now := w.now()
	record := ExportRecord{
		ID:          uuid.NewString(),
		LayerID:     input.LayerID,
		Status:      ExportStatusQueued,
		RequestedBy: input.RequestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, id := range input.CIIDs {
		record.CIIDs = append(record.CIIDs, id.String())
	}
	input.CIIDs = append([]domain.CIID(nil), input.CIIDs...)

	w.mu.Lock()
	select {
	case w.queue <- exportTask{id: record.ID, input: input}:
	default:
		w.mu.Unlock()
		return ExportRecord{}, ErrQueueFull
	}
	w.jobs[record.ID] = &record
	queued := record.copy()
	w.mu.Unlock()

	w.record(ctx, queued, nil)
	return queued, nil
}

// GetExport returns a snapshot of the export record.
func (w *Worker) GetExport(id string) (ExportRecord, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	record, ok := w.jobs[id]
	if !ok {
		return ExportRecord{}, false
	}
	return record.copy(), true
}

func (w *Worker) process(task exportTask) {
	w.update(task.id, func(r *ExportRecord) { r.Status = ExportStatusRunning })

	cis := domain.AllCIIDs()
	if len(task.input.CIIDs) > 0 {
		cis = domain.SpecificCIIDs(task.input.CIIDs...)
	}
	artifact, err := w.exporter.ExportLayer(w.ctx, task.input.LayerID, cis)
	if err != nil {
		w.logger.Error("layer export failed", "export_id", task.id, "layer", task.input.LayerID, "error", err)
		w.update(task.id, func(r *ExportRecord) {
			r.Status = ExportStatusFailed
			r.Error = err.Error()
		})
		return
	}
	w.update(task.id, func(r *ExportRecord) {
		r.Status = ExportStatusSucceeded
		r.Error = ""
		r.Artifact = &artifact
	})
}

// update applies fn under the lock, stamps the record and audits the new state.
func (w *Worker) update(id string, fn func(*ExportRecord)) {
	now := w.now()
	w.mu.Lock()
	record, ok := w.jobs[id]
	if !ok {
		w.mu.Unlock()
		return
	}
	fn(record)
	record.UpdatedAt = now
	if record.Status == ExportStatusSucceeded || record.Status == ExportStatusFailed {
		record.CompletedAt = &now
	}
	snapshot := record.copy()
	w.mu.Unlock()

	var err error
	if snapshot.Status == ExportStatusFailed {
		err = errors.New(snapshot.Error)
	}
	w.record(w.ctx, snapshot, err)
}

func (w *Worker) record(ctx context.Context, r ExportRecord, err error) {
	entry := core.AuditEntry{
		Operation: "export_layer." + string(r.Status),
		Entity:    domain.EntityLayer,
		Action:    domain.ActionCreate,
		EntityID:  r.LayerID,
		Status:    core.AuditStatusSuccess,
		Duration:  r.UpdatedAt.Sub(r.CreatedAt),
		Timestamp: r.UpdatedAt,
	}
	if err != nil {
		entry.Status = core.AuditStatusError
		entry.Error = err.Error()
	}
	w.audit.Record(ctx, entry)
}

type discardAudit struct{}

func (discardAudit) Record(context.Context, core.AuditEntry) {}

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}
