// Package orchestrator runs batches of encoder work items on a bounded
// worker pool with cooperative cancellation and a single-flight rule.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ccc2223/audiotool/internal/encoder"
	"github.com/ccc2223/audiotool/internal/job"
)

// DefaultSplitCeiling caps the worker count of split batches.
const DefaultSplitCeiling = 3

// DefaultConcurrency leaves two cores for the rest of the system.
func DefaultConcurrency() int {
	return max(1, runtime.NumCPU()-2)
}

// Policy holds the pool sizing rules.
type Policy struct {
	Concurrency  int // used when Submit gets concurrency <= 0
	SplitCeiling int // upper bound for split batches
}

// Workers returns the pool size for a batch of kind.
func (p Policy) Workers(kind job.Kind, requested int) int {
	n := requested
	if n <= 0 {
		n = p.Concurrency
	}
	if n <= 0 {
		n = DefaultConcurrency()
	}
	if kind == job.KindSplit && p.SplitCeiling > 0 {
		n = min(n, p.SplitCeiling)
	}
	return n
}

// Orchestrator executes one batch at a time.
type Orchestrator struct {
	enc    encoder.Encoder
	store  job.Store
	lock   *flock.Flock
	policy Policy
	now    func() time.Time

	mu     sync.Mutex
	active *Handle
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStore records batches and item transitions in s.
func WithStore(s job.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithLockFile extends the single-flight rule across processes by holding
// an exclusive lock on path while a batch is active.
func WithLockFile(path string) Option {
	return func(o *Orchestrator) { o.lock = flock.New(path) }
}

// WithPolicy overrides the pool sizing rules.
func WithPolicy(p Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// New returns an orchestrator driving enc.
func New(enc encoder.Encoder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		enc: enc,
		policy: Policy{
			Concurrency:  DefaultConcurrency(),
			SplitCeiling: DefaultSplitCeiling,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Active returns the running batch, or nil.
func (o *Orchestrator) Active() *Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Submit validates items and starts them as a new batch on a pool of
// concurrency workers (policy default when <= 0). All items must share a
// kind and write distinct outputs. It returns job.ErrNoEligibleFiles for an empty batch and
// job.ErrConcurrentOperation while another batch is active; in both cases
// no work is started and the active batch is untouched.
//
// Cancelling ctx cancels the batch cooperatively. Running encoder calls are
// never interrupted.
func (o *Orchestrator) Submit(ctx context.Context, items []job.WorkItem, concurrency int) (*Handle, error) {
	if len(items) == 0 {
		return nil, job.ErrNoEligibleFiles
	}
	kind := items[0].Kind
	outputs := make(map[string]bool, len(items))
	for _, w := range items {
		if err := w.Validate(); err != nil {
			return nil, err
		}
		if w.Kind != kind {
			return nil, fmt.Errorf("%w: batch mixes %s and %s items", job.ErrInvalidWorkItem, kind, w.Kind)
		}
		if outputs[w.Output] {
			return nil, fmt.Errorf("%w: more than one item writes %s", job.ErrInvalidWorkItem, w.Output)
		}
		outputs[w.Output] = true
	}

	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		return nil, job.ErrConcurrentOperation
	}
	if err := o.acquireLock(); err != nil {
		o.mu.Unlock()
		return nil, err
	}

	batchItems := make([]job.WorkItem, len(items))
	for i, w := range items {
		c := w.Clone()
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		c.Status = job.StatusPending
		c.Message = ""
		c.StartedAt, c.CompletedAt = nil, nil
		batchItems[i] = c
	}
	h := newHandle(uuid.New().String(), kind, o.policy.Workers(kind, concurrency), batchItems, o.now())
	o.active = h
	o.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	o.record(runCtx, h)
	if ctx.Err() != nil {
		h.Cancel()
	}
	h.stopAfter = context.AfterFunc(ctx, h.Cancel)

	slog.Info("batch started", "batch_id", h.id, "kind", kind, "items", len(batchItems), "workers", h.concurrency)
	go o.run(runCtx, h)
	return h, nil
}

// Abort records a batch that failed before any item could be built, such
// as an unreadable input folder, and returns its report.
func (o *Orchestrator) Abort(ctx context.Context, kind job.Kind, err error) job.Settlement {
	at := o.now()
	s := job.Abort(kind, err, at)
	s.BatchID = uuid.New().String()
	if o.store != nil {
		b := &job.Batch{ID: s.BatchID, Kind: kind, StartedAt: at}
		if err := o.store.CreateBatch(ctx, b); err != nil {
			slog.Warn("record aborted batch", "batch_id", s.BatchID, "error", err)
		} else if err := o.store.Settle(ctx, s); err != nil {
			slog.Warn("settle aborted batch", "batch_id", s.BatchID, "error", err)
		}
	}
	slog.Warn("batch aborted", "batch_id", s.BatchID, "kind", kind, "reason", s.Reason)
	return s
}

func (o *Orchestrator) acquireLock() error {
	if o.lock == nil {
		return nil
	}
	if err := ensureLockDir(o.lock.Path()); err != nil {
		return err
	}
	locked, err := o.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", o.lock.Path(), err)
	}
	if !locked {
		return job.ErrConcurrentOperation
	}
	return nil
}

func (o *Orchestrator) release(h *Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == h {
		o.active = nil
	}
	if o.lock != nil {
		if err := o.lock.Unlock(); err != nil {
			slog.Warn("release lock", "path", o.lock.Path(), "error", err)
		}
	}
}

func (o *Orchestrator) record(ctx context.Context, h *Handle) {
	if o.store == nil {
		return
	}
	b := &job.Batch{
		ID:          h.id,
		Kind:        h.kind,
		Total:       len(h.items),
		Concurrency: h.concurrency,
		StartedAt:   h.startedAt,
	}
	for i := range h.items {
		b.Items = append(b.Items, &h.items[i])
	}
	if err := o.store.CreateBatch(ctx, b); err != nil {
		slog.Warn("record batch", "batch_id", h.id, "error", err)
	}
}

// run dispatches every item on the pool, waits for all of them to reach a
// terminal state and settles the batch.
func (o *Orchestrator) run(ctx context.Context, h *Handle) {
	var g errgroup.Group
	g.SetLimit(h.concurrency)
	for i := range len(h.items) {
		g.Go(func() error {
			o.processItem(ctx, h, i)
			return nil
		})
	}
	_ = g.Wait()

	s := h.classify(o.now())
	if o.store != nil {
		if err := o.store.Settle(ctx, s); err != nil {
			slog.Warn("settle batch", "batch_id", h.id, "error", err)
		}
	}
	h.stopAfter()
	o.release(h)

	slog.Info("batch settled", "batch_id", h.id, "outcome", s.Outcome,
		"succeeded", s.Succeeded, "failed", s.Failed, "cancelled", s.Cancelled,
		"duration", s.Duration().Round(time.Millisecond))
	h.settle(s)
}

func (o *Orchestrator) processItem(ctx context.Context, h *Handle, i int) {
	w, ok := h.begin(i, o.now())
	if !ok {
		o.finishItem(ctx, w)
		return
	}
	if o.store != nil {
		if err := o.store.MarkRunning(ctx, w.ID, *w.StartedAt); err != nil {
			slog.Warn("mark running", "item_id", w.ID, "error", err)
		}
	}

	msg, err := o.execute(ctx, w)
	status := job.StatusSucceeded
	if err != nil {
		status, msg = job.StatusFailed, err.Error()
		slog.Warn("item failed", "batch_id", h.id, "item_id", w.ID, "error", err)
	}
	o.finishItem(ctx, h.finish(i, status, msg, o.now()))
}

func (o *Orchestrator) finishItem(ctx context.Context, w job.WorkItem) {
	if o.store == nil {
		return
	}
	if err := o.store.FinishItem(ctx, w.ID, w.Status, w.Message, *w.CompletedAt); err != nil {
		slog.Warn("finish item", "item_id", w.ID, "error", err)
	}
}

// execute runs one encoder call. A panic inside the encoder fails the item
// instead of the process.
func (o *Orchestrator) execute(ctx context.Context, w job.WorkItem) (msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s %s: encoder panic: %v", w.Kind, filepath.Base(w.Output), r)
		}
	}()

	switch w.Kind {
	case job.KindReencode:
		if err := o.enc.Reencode(ctx, w.Input(), w.Output, targetOf(w)); err != nil {
			return "", err
		}
		return "converted to " + filepath.Base(w.Output), nil
	case job.KindSplit:
		n, err := o.enc.Segment(ctx, w.Input(), w.Output, w.SegmentSeconds)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("split into %d parts", n), nil
	case job.KindJoin:
		if err := o.enc.Concatenate(ctx, w.Inputs, w.Output); err != nil {
			return "", err
		}
		return fmt.Sprintf("joined %d parts into %s", len(w.Inputs), filepath.Base(w.Output)), nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", job.ErrInvalidWorkItem, w.Kind)
	}
}

// targetOf recovers the encoder target of a reencode item from its output
// extension and stored codec settings.
func targetOf(w job.WorkItem) encoder.Target {
	return encoder.Target{
		Format:  strings.ToLower(strings.TrimPrefix(filepath.Ext(w.Output), ".")),
		Codec:   w.Codec,
		Bitrate: w.Bitrate,
	}
}

func ensureLockDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create lock folder: %w", err)
	}
	return nil
}
