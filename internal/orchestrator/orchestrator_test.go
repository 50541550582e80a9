package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccc2223/audiotool/internal/encoder"
	"github.com/ccc2223/audiotool/internal/job"
)

type call struct {
	op     string
	inputs []string
	output string
}

// fakeEncoder records calls. When gate is set every call blocks until the
// gate is closed; started receives the first input of each call as it begins.
type fakeEncoder struct {
	gate    chan struct{}
	started chan string
	panicOn string

	mu         sync.Mutex
	calls      []call
	running    int
	maxRunning int
}

func newFakeEncoder(gated bool) *fakeEncoder {
	f := &fakeEncoder{started: make(chan string, 100)}
	if gated {
		f.gate = make(chan struct{})
	}
	return f
}

func (f *fakeEncoder) do(op string, inputs []string, output string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call{op: op, inputs: append([]string(nil), inputs...), output: output})
	f.running++
	f.maxRunning = max(f.maxRunning, f.running)
	f.mu.Unlock()

	f.started <- inputs[0]
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	f.running--
	f.mu.Unlock()

	if f.panicOn != "" && strings.Contains(inputs[0], f.panicOn) {
		panic("boom")
	}
	if strings.Contains(inputs[0], "fail") {
		return &encoder.ProcessError{Op: op, Input: inputs[0], ExitCode: 1, Detail: "Invalid data found when processing input"}
	}
	return nil
}

func (f *fakeEncoder) Reencode(_ context.Context, input, output string, _ encoder.Target) error {
	return f.do("reencode", []string{input}, output)
}

func (f *fakeEncoder) Segment(_ context.Context, input, pattern string, _ int) (int, error) {
	if err := f.do("split", []string{input}, pattern); err != nil {
		return 0, err
	}
	return 3, nil
}

func (f *fakeEncoder) Concatenate(_ context.Context, inputs []string, output string) error {
	return f.do("join", inputs, output)
}

func (f *fakeEncoder) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeEncoder) MaxRunning() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxRunning
}

// waitStarted blocks until n calls have begun.
func (f *fakeEncoder) waitStarted(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-f.started:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for encoder call to start")
		}
	}
}

func reencodeItems(names ...string) []job.WorkItem {
	items := make([]job.WorkItem, len(names))
	for i, n := range names {
		items[i] = job.WorkItem{
			Kind:   job.KindReencode,
			Inputs: []string{"/in/" + n + ".mp3"},
			Output: "/out/" + n + ".wav",
			Codec:  "pcm_s16le",
		}
	}
	return items
}

func wait(t *testing.T, h *Handle) job.Settlement {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := h.Wait(ctx)
	require.NoError(t, err)
	return s
}

func TestSubmit_EmptyBatch(t *testing.T) {
	t.Parallel()
	enc := newFakeEncoder(false)
	o := New(enc)

	h, err := o.Submit(context.Background(), nil, 4)
	require.ErrorIs(t, err, job.ErrNoEligibleFiles)
	assert.Nil(t, h)
	assert.Empty(t, enc.Calls())
	assert.Nil(t, o.Active())
}

func TestSubmit_RejectsInvalidItems(t *testing.T) {
	t.Parallel()
	o := New(newFakeEncoder(false))

	_, err := o.Submit(context.Background(), []job.WorkItem{{Kind: job.KindReencode, Output: "/out/x.wav"}}, 1)
	require.ErrorIs(t, err, job.ErrInvalidWorkItem)

	mixed := append(reencodeItems("a"), job.WorkItem{Kind: job.KindJoin, Inputs: []string{"p1"}, Output: "o"})
	_, err = o.Submit(context.Background(), mixed, 1)
	require.ErrorIs(t, err, job.ErrInvalidWorkItem)
	assert.Nil(t, o.Active())
}

func TestSubmit_RejectsSharedOutput(t *testing.T) {
	t.Parallel()
	enc := newFakeEncoder(false)
	o := New(enc)

	items := reencodeItems("song", "other")
	items[1].Inputs = []string{"/in/song.flac"}
	items[1].Output = items[0].Output

	h, err := o.Submit(context.Background(), items, 2)
	require.ErrorIs(t, err, job.ErrInvalidWorkItem)
	assert.Nil(t, h)
	assert.Empty(t, enc.Calls())
	assert.Nil(t, o.Active())
}

func TestRun_AllSucceed(t *testing.T) {
	t.Parallel()
	enc := newFakeEncoder(false)
	o := New(enc)

	h, err := o.Submit(context.Background(), reencodeItems("a", "b", "c", "d", "e"), 2)
	require.NoError(t, err)
	s := wait(t, h)

	assert.Equal(t, job.OutcomeSucceeded, s.Outcome)
	assert.Equal(t, 5, s.Succeeded)
	assert.Equal(t, "Successfully processed 5 files.", s.Message())
	assert.Equal(t, job.Progress{Completed: 5, Total: 5, State: job.StateSettled}, h.Poll())
	assert.Len(t, enc.Calls(), 5)
	assert.LessOrEqual(t, enc.MaxRunning(), 2)

	for _, w := range h.Items() {
		assert.Equal(t, job.StatusSucceeded, w.Status)
		assert.NotEmpty(t, w.ID)
		assert.NotNil(t, w.StartedAt)
		assert.NotNil(t, w.CompletedAt)
	}
	assert.Nil(t, o.Active())
}

func TestRun_FailureDoesNotAbortSiblings(t *testing.T) {
	t.Parallel()
	enc := newFakeEncoder(false)
	o := New(enc)

	h, err := o.Submit(context.Background(), reencodeItems("a", "fail1", "b", "fail2", "c"), 3)
	require.NoError(t, err)
	s := wait(t, h)

	assert.Equal(t, job.OutcomeFailed, s.Outcome)
	assert.Equal(t, 3, s.Succeeded)
	assert.Equal(t, 2, s.Failed)
	assert.Len(t, enc.Calls(), 5)
	require.Len(t, s.Samples, 2)
	assert.Contains(t, s.Samples[0], "ffmpeg exited with status 1")
	assert.True(t, strings.HasPrefix(s.Message(), "Completed with 2 errors:"))
}

func TestRun_FailureSamplesCapped(t *testing.T) {
	t.Parallel()
	names := make([]string, 8)
	for i := range names {
		names[i] = fmt.Sprintf("fail%d", i)
	}
	h, err := New(newFakeEncoder(false)).Submit(context.Background(), reencodeItems(names...), 4)
	require.NoError(t, err)
	s := wait(t, h)

	assert.Len(t, s.Samples, job.MaxFailureSamples)
	assert.Equal(t, 3, s.Omitted)
	assert.Contains(t, s.Message(), "+3 more")
}

func TestRun_PanicFailsItem(t *testing.T) {
	t.Parallel()
	enc := newFakeEncoder(false)
	enc.panicOn = "bad"

	h, err := New(enc).Submit(context.Background(), reencodeItems("ok", "bad"), 2)
	require.NoError(t, err)
	s := wait(t, h)

	assert.Equal(t, job.OutcomeFailed, s.Outcome)
	assert.Equal(t, 1, s.Succeeded)
	require.Len(t, s.Samples, 1)
	assert.Contains(t, s.Samples[0], "encoder panic: boom")
}

func TestCancel_BeforeAnyItemStarts(t *testing.T) {
	t.Parallel()
	enc := newFakeEncoder(false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h, err := New(enc).Submit(ctx, reencodeItems("a", "b", "c"), 2)
	require.NoError(t, err)
	s := wait(t, h)

	assert.Equal(t, job.OutcomeCancelled, s.Outcome)
	assert.Equal(t, 0, s.Succeeded)
	assert.Equal(t, 0, s.Failed)
	assert.Equal(t, 3, s.Cancelled)
	assert.Empty(t, enc.Calls())
	for _, w := range h.Items() {
		assert.Equal(t, job.StatusCancelled, w.Status)
		assert.Nil(t, w.StartedAt)
	}
}

func TestCancel_RunningItemsKeepOutcome(t *testing.T) {
	t.Parallel()
	enc := newFakeEncoder(true)
	o := New(enc)

	h, err := o.Submit(context.Background(), reencodeItems("a", "fail", "c", "d", "e"), 2)
	require.NoError(t, err)
	enc.waitStarted(t, 2)

	h.Cancel()
	assert.Equal(t, job.StateCancelling, h.Poll().State)
	close(enc.gate)
	s := wait(t, h)

	assert.Equal(t, job.OutcomeCancelled, s.Outcome)
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 3, s.Cancelled)
	assert.Len(t, enc.Calls(), 2)
	assert.Equal(t, "Operation cancelled (1 succeeded, 1 failed, 3 not started).", s.Message())

	items := h.Items()
	assert.Equal(t, job.StatusSucceeded, items[0].Status)
	assert.Equal(t, job.StatusFailed, items[1].Status)
	for _, w := range items[2:] {
		assert.Equal(t, job.StatusCancelled, w.Status)
	}
}

func TestCancel_AfterPartialCompletion(t *testing.T) {
	t.Parallel()
	enc := newFakeEncoder(true)
	h, err := New(enc).Submit(context.Background(), reencodeItems("a", "b", "c", "d"), 1)
	require.NoError(t, err)

	// Let the first item finish, then cancel while the second runs.
	enc.waitStarted(t, 1)
	enc.gate <- struct{}{}
	enc.waitStarted(t, 1)
	h.Cancel()
	close(enc.gate)
	s := wait(t, h)

	assert.Equal(t, job.OutcomeCancelled, s.Outcome)
	assert.Equal(t, 2, s.Succeeded)
	assert.Equal(t, 2, s.Cancelled)
	assert.Len(t, enc.Calls(), 2)
}

func TestCancel_ContextCancelsBatch(t *testing.T) {
	t.Parallel()
	enc := newFakeEncoder(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := New(enc).Submit(ctx, reencodeItems("a", "b", "c"), 1)
	require.NoError(t, err)
	enc.waitStarted(t, 1)
	cancel()

	require.Eventually(t, func() bool { return h.Poll().State == job.StateCancelling }, 5*time.Second, 5*time.Millisecond)
	close(enc.gate)
	s := wait(t, h)

	assert.Equal(t, job.OutcomeCancelled, s.Outcome)
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 2, s.Cancelled)
}

func TestCancel_AfterSettleIsNoop(t *testing.T) {
	t.Parallel()
	h, err := New(newFakeEncoder(false)).Submit(context.Background(), reencodeItems("a"), 1)
	require.NoError(t, err)
	before := wait(t, h)

	h.Cancel()
	after, ok := h.Settlement()
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.Equal(t, job.StateSettled, h.Poll().State)
}

func TestSingleFlight(t *testing.T) {
	t.Parallel()
	enc := newFakeEncoder(true)
	o := New(enc)

	first, err := o.Submit(context.Background(), reencodeItems("a", "b"), 2)
	require.NoError(t, err)
	enc.waitStarted(t, 2)

	second, err := o.Submit(context.Background(), reencodeItems("x"), 1)
	require.ErrorIs(t, err, job.ErrConcurrentOperation)
	assert.Nil(t, second)
	assert.Same(t, first, o.Active())
	assert.Equal(t, job.StateRunning, first.Poll().State)

	close(enc.gate)
	s := wait(t, first)
	assert.Equal(t, job.OutcomeSucceeded, s.Outcome)
	assert.Len(t, enc.Calls(), 2)

	// The slot is free once Done is closed.
	third, err := o.Submit(context.Background(), reencodeItems("y"), 1)
	require.NoError(t, err)
	wait(t, third)
}

func TestSingleFlight_LockFileAcrossOrchestrators(t *testing.T) {
	t.Parallel()
	lockPath := filepath.Join(t.TempDir(), "run", "audiotool.lock")
	enc := newFakeEncoder(true)
	a := New(enc, WithLockFile(lockPath))
	b := New(newFakeEncoder(false), WithLockFile(lockPath))

	h, err := a.Submit(context.Background(), reencodeItems("a"), 1)
	require.NoError(t, err)
	enc.waitStarted(t, 1)

	_, err = b.Submit(context.Background(), reencodeItems("x"), 1)
	require.ErrorIs(t, err, job.ErrConcurrentOperation)

	close(enc.gate)
	wait(t, h)

	h2, err := b.Submit(context.Background(), reencodeItems("x"), 1)
	require.NoError(t, err)
	wait(t, h2)
}

func TestProgress_MonotonicAndComplete(t *testing.T) {
	t.Parallel()
	enc := newFakeEncoder(true)
	names := make([]string, 20)
	for i := range names {
		names[i] = fmt.Sprintf("f%02d", i)
	}
	h, err := New(enc).Submit(context.Background(), reencodeItems(names...), 4)
	require.NoError(t, err)
	events := h.Subscribe()

	polls := make(chan []int, 1)
	go func() {
		var seen []int
		for {
			p := h.Poll()
			seen = append(seen, p.Completed)
			if p.State == job.StateSettled {
				polls <- seen
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	close(enc.gate)

	last := -1
	var final *job.Settlement
	for ev := range events {
		assert.GreaterOrEqual(t, ev.Progress.Completed, last)
		last = ev.Progress.Completed
		if ev.Type == EventSettled {
			final = ev.Settlement
		}
	}
	require.NotNil(t, final)
	assert.Equal(t, 20, last)

	seen := <-polls
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
	}
	assert.Equal(t, 100.0, h.Poll().Percent())
}

func TestSubscribe_AfterSettle(t *testing.T) {
	t.Parallel()
	h, err := New(newFakeEncoder(false)).Submit(context.Background(), reencodeItems("a", "fail"), 2)
	require.NoError(t, err)
	wait(t, h)

	var got []Event
	for ev := range h.Subscribe() {
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	assert.Equal(t, EventItemFinished, got[0].Type)
	assert.Equal(t, job.StatusSucceeded, got[0].Item.Status)
	assert.Equal(t, EventItemFinished, got[1].Type)
	assert.Equal(t, job.StatusFailed, got[1].Item.Status)
	assert.Equal(t, EventSettled, got[2].Type)
	assert.Equal(t, job.OutcomeFailed, got[2].Settlement.Outcome)
}

func TestSubscribe_LateSubscriberSeesEarlierItems(t *testing.T) {
	t.Parallel()
	now := time.Now()
	h := newHandle("b1", job.KindReencode, 2, reencodeItems("a", "b", "c"), now)

	_, ok := h.begin(0, now)
	require.True(t, ok)
	h.finish(0, job.StatusSucceeded, "converted to a.wav", now)
	_, ok = h.begin(1, now)
	require.True(t, ok)

	events := h.Subscribe()
	ev := <-events
	assert.Equal(t, EventItemFinished, ev.Type)
	assert.Equal(t, "/in/a.mp3", ev.Item.Input())
	assert.Equal(t, 1, ev.Progress.Completed)
	ev = <-events
	assert.Equal(t, EventItemStarted, ev.Type)
	assert.Equal(t, "/in/b.mp3", ev.Item.Input())

	h.finish(1, job.StatusFailed, "boom", now)
	ev = <-events
	assert.Equal(t, EventItemFinished, ev.Type)
	assert.Equal(t, job.StatusFailed, ev.Item.Status)
	assert.Equal(t, 2, ev.Progress.Completed)
	assert.Empty(t, events)
}

func TestSplitBatch_UsesCeiling(t *testing.T) {
	t.Parallel()
	enc := newFakeEncoder(true)
	items := make([]job.WorkItem, 6)
	for i := range items {
		items[i] = job.WorkItem{
			Kind:           job.KindSplit,
			Inputs:         []string{fmt.Sprintf("/in/long%d.wav", i)},
			Output:         fmt.Sprintf("/out/long%d_part%%03d.wav", i),
			SegmentSeconds: 720,
		}
	}

	h, err := New(enc).Submit(context.Background(), items, 8)
	require.NoError(t, err)
	assert.Equal(t, 3, h.Concurrency())

	enc.waitStarted(t, 3)
	select {
	case in := <-enc.started:
		t.Fatalf("fourth split started while three were running: %s", in)
	case <-time.After(50 * time.Millisecond):
	}
	close(enc.gate)
	s := wait(t, h)

	assert.Equal(t, 6, s.Succeeded)
	assert.LessOrEqual(t, enc.MaxRunning(), 3)
	assert.Equal(t, "split into 3 parts", h.Items()[0].Message)
}

func TestJoin_PassesPartsInOrder(t *testing.T) {
	t.Parallel()
	enc := newFakeEncoder(false)
	parts := []string{"/in/a_part1.wav", "/in/a_part2.wav", "/in/a_part10.wav"}

	h, err := New(enc).Submit(context.Background(), []job.WorkItem{{Kind: job.KindJoin, Inputs: parts, Output: "/out/a_joined.wav"}}, 1)
	require.NoError(t, err)
	wait(t, h)

	calls := enc.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "join", calls[0].op)
	assert.Equal(t, parts, calls[0].inputs)
}

func TestWait_ContextExpires(t *testing.T) {
	t.Parallel()
	enc := newFakeEncoder(true)
	h, err := New(enc).Submit(context.Background(), reencodeItems("a"), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = h.Wait(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.NotEqual(t, job.StateCancelling, h.Poll().State)

	close(enc.gate)
	wait(t, h)
}

func TestStore_RecordsLifecycle(t *testing.T) {
	t.Parallel()
	store, err := job.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h, err := New(newFakeEncoder(false), WithStore(store)).Submit(context.Background(), reencodeItems("a", "fail"), 2)
	require.NoError(t, err)
	s := wait(t, h)

	b, err := store.GetBatch(context.Background(), h.ID())
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, job.OutcomeFailed, b.Outcome)
	assert.Equal(t, s.Message(), b.Message)
	assert.Equal(t, 2, b.Total)
	require.Len(t, b.Items, 2)
	assert.Equal(t, job.StatusSucceeded, b.Items[0].Status)
	assert.Equal(t, job.StatusFailed, b.Items[1].Status)
	assert.NotNil(t, b.SettledAt)
}

func TestAbort_RecordsReport(t *testing.T) {
	t.Parallel()
	store, err := job.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	o := New(newFakeEncoder(false), WithStore(store))
	s := o.Abort(context.Background(), job.KindJoin, errors.New("read folder /x: permission denied"))

	assert.Equal(t, job.OutcomeAborted, s.Outcome)
	assert.NotEmpty(t, s.BatchID)
	b, err := store.GetBatch(context.Background(), s.BatchID)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, job.OutcomeAborted, b.Outcome)
	assert.Equal(t, "Operation aborted: read folder /x: permission denied", b.Message)
	assert.Nil(t, o.Active())
}

func TestPolicy_Workers(t *testing.T) {
	t.Parallel()
	p := Policy{Concurrency: 6, SplitCeiling: 3}
	tests := []struct {
		kind      job.Kind
		requested int
		want      int
	}{
		{job.KindReencode, 0, 6},
		{job.KindReencode, 10, 10},
		{job.KindJoin, 2, 2},
		{job.KindSplit, 0, 3},
		{job.KindSplit, 2, 2},
		{job.KindSplit, 8, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Workers(tt.kind, tt.requested), "%s/%d", tt.kind, tt.requested)
	}
	assert.GreaterOrEqual(t, Policy{}.Workers(job.KindJoin, 0), 1)
}
