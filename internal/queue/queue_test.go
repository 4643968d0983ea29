package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failingQueue struct{ err error }

func (f failingQueue) Enqueue(context.Context, Job) error { return f.err }

type recordingQueue struct {
	mu   sync.Mutex
	jobs []Job
}

func (q *recordingQueue) Enqueue(_ context.Context, j Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, j)
	return nil
}

func (q *recordingQueue) all() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.jobs...)
}

func testPolicies() Policies {
	return DefaultPolicies(PolicyOptions{
		DispatchMaxAttempts: 3,
		DispatchRetryDelay:  time.Minute,
		SheetMaxAttempts:    5,
		SheetRetryDelay:     5 * time.Minute,
	})
}

func TestJob_EncodeDecode(t *testing.T) {
	j := New(KindDutyAllotment, uuid.New()).Next(time.Unix(1700000000, 0), time.Minute)

	body, err := Encode(j)
	require.NoError(t, err)

	got, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, j.Kind, got.Kind)
	assert.Equal(t, j.EntityID, got.EntityID)
	assert.Equal(t, 1, got.Attempt)
	assert.True(t, got.NotBefore.Equal(j.NotBefore))
}

func TestDecode_RejectsIncomplete(t *testing.T) {
	for _, body := range []string{`{}`, `{"kind":"reminder_due"}`, `not json`} {
		_, err := Decode([]byte(body))
		assert.Error(t, err, body)
	}
}

func TestJob_Delay(t *testing.T) {
	now := time.Now()
	assert.Zero(t, New(KindSheetSync, uuid.New()).Delay(now))

	j := Job{NotBefore: now.Add(30 * time.Second)}
	assert.Equal(t, 30*time.Second, j.Delay(now))

	j = Job{NotBefore: now.Add(-time.Second)}
	assert.Zero(t, j.Delay(now))
}

func TestPolicies(t *testing.T) {
	p := testPolicies()

	tests := []struct {
		kind      Kind
		attempt   int
		exhausted bool
	}{
		{KindRegistrationConfirmation, 0, false},
		{KindRegistrationConfirmation, 1, false},
		{KindRegistrationConfirmation, 2, true},
		{KindChangeRequestNotice, 2, true},
		{KindSheetSync, 3, false},
		{KindSheetSync, 4, true},
		{Kind("unknown"), 0, true},
	}

	for _, tt := range tests {
		j := Job{Kind: tt.kind, Attempt: tt.attempt}
		assert.Equal(t, tt.exhausted, p.Exhausted(j), "%s attempt %d", tt.kind, tt.attempt)
	}

	assert.Equal(t, 5*time.Minute, p.For(KindSheetSync).Delay)
}

func TestRetryableError(t *testing.T) {
	base := errors.New("provider 503")
	err := Retry(base)

	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsRetryable(base))
	assert.Nil(t, Retry(nil))

	var re *RetryableError
	require.ErrorAs(t, RetryAfter(base, time.Second), &re)
	assert.Equal(t, time.Second, re.After)
}

func TestRunner_RetriesUntilBound(t *testing.T) {
	var calls atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, j Job) error {
		calls.Add(1)
		return Retry(errors.New("timeout"))
	})

	runner := NewRunner(handler, testPolicies(), zap.NewNop())
	runner.SetRequeue(NewInline(runner))
	runner.now = func() time.Time { return time.Now().Add(-time.Hour) }

	err := runner.Process(context.Background(), New(KindDutyAllotment, uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRunner_NonRetryableDropped(t *testing.T) {
	requeue := &recordingQueue{}
	runner := NewRunner(HandlerFunc(func(ctx context.Context, j Job) error {
		return errors.New("invalid template")
	}), testPolicies(), zap.NewNop())
	runner.SetRequeue(requeue)

	require.NoError(t, runner.Process(context.Background(), New(KindDutyAllotment, uuid.New())))
	assert.Empty(t, requeue.all())
}

func TestRunner_RetrySchedulesNextAttempt(t *testing.T) {
	now := time.Date(2026, 3, 12, 12, 0, 0, 0, time.UTC)
	requeue := &recordingQueue{}
	runner := NewRunner(HandlerFunc(func(ctx context.Context, j Job) error {
		return Retry(errors.New("429"))
	}), testPolicies(), zap.NewNop())
	runner.SetRequeue(requeue)
	runner.now = func() time.Time { return now }

	job := New(KindSheetSync, uuid.New())
	require.NoError(t, runner.Process(context.Background(), job))

	jobs := requeue.all()
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempt)
	assert.Equal(t, job.EntityID, jobs[0].EntityID)
	assert.True(t, jobs[0].NotBefore.Equal(now.Add(5*time.Minute)))
}

func TestRunner_RequeueFailureReturned(t *testing.T) {
	runner := NewRunner(HandlerFunc(func(ctx context.Context, j Job) error {
		return Retry(errors.New("503"))
	}), testPolicies(), zap.NewNop())
	runner.SetRequeue(failingQueue{err: ErrQueueFull})

	err := runner.Process(context.Background(), New(KindDutyAllotment, uuid.New()))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestRunner_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen sync.Map
	var wg sync.WaitGroup
	wg.Add(20)

	runner := NewRunner(HandlerFunc(func(ctx context.Context, j Job) error {
		seen.Store(j.EntityID, true)
		wg.Done()
		return nil
	}), testPolicies(), zap.NewNop())

	mem := NewMemory(32)
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx, mem.Jobs(), 4) }()

	ids := make([]uuid.UUID, 20)
	for i := range ids {
		ids[i] = uuid.New()
		require.NoError(t, mem.Enqueue(ctx, New(KindDutyAllotment, ids[i])))
	}

	wg.Wait()
	cancel()
	require.NoError(t, <-done)

	for _, id := range ids {
		_, ok := seen.Load(id)
		assert.True(t, ok)
	}
}

func TestMemory_FullAndClosed(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(1)

	require.NoError(t, mem.Enqueue(ctx, New(KindSheetSync, uuid.New())))
	assert.ErrorIs(t, mem.Enqueue(ctx, New(KindSheetSync, uuid.New())), ErrQueueFull)

	mem.Close()
	assert.ErrorIs(t, mem.Enqueue(ctx, New(KindSheetSync, uuid.New())), ErrClosed)
}

func TestMemory_DelayedJob(t *testing.T) {
	mem := NewMemory(1)
	job := Job{Kind: KindDutyAllotment, EntityID: uuid.New(), NotBefore: time.Now().Add(20 * time.Millisecond)}

	require.NoError(t, mem.Enqueue(context.Background(), job))

	select {
	case got := <-mem.Jobs():
		assert.Equal(t, job.EntityID, got.EntityID)
	case <-time.After(time.Second):
		t.Fatal("delayed job was not delivered")
	}
}

func TestInline_HonorsContext(t *testing.T) {
	runner := NewRunner(HandlerFunc(func(ctx context.Context, j Job) error {
		t.Fatal("handler must not run")
		return nil
	}), testPolicies(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := Job{Kind: KindSheetSync, EntityID: uuid.New(), NotBefore: time.Now().Add(time.Hour)}
	assert.ErrorIs(t, NewInline(runner).Enqueue(ctx, job), context.Canceled)
}

func TestFallback_Async(t *testing.T) {
	ran := make(chan Job, 1)
	runner := NewRunner(HandlerFunc(func(ctx context.Context, j Job) error {
		ran <- j
		return nil
	}), testPolicies(), zap.NewNop())

	fb := NewFallback(failingQueue{err: errors.New("sqs down")}, "sqs", runner, true, zap.NewNop())
	job := New(KindRegistrationConfirmation, uuid.New())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, fb.Enqueue(ctx, job))
	cancel()

	select {
	case got := <-ran:
		assert.Equal(t, job.EntityID, got.EntityID)
	case <-time.After(time.Second):
		t.Fatal("fallback goroutine did not run the job")
	}
}

func TestFallback_Sync(t *testing.T) {
	var ran atomic.Bool
	runner := NewRunner(HandlerFunc(func(ctx context.Context, j Job) error {
		ran.Store(true)
		return nil
	}), testPolicies(), zap.NewNop())

	fb := NewFallback(failingQueue{err: errors.New("sqs down")}, "sqs", runner, false, zap.NewNop())
	require.NoError(t, fb.Enqueue(context.Background(), New(KindDutyAllotment, uuid.New())))
	assert.True(t, ran.Load())
}

func TestFallback_PrimarySucceeds(t *testing.T) {
	primary := &recordingQueue{}
	runner := NewRunner(HandlerFunc(func(ctx context.Context, j Job) error {
		t.Fatal("handler must not run locally")
		return nil
	}), testPolicies(), zap.NewNop())

	fb := NewFallback(primary, "memory", runner, true, zap.NewNop())
	require.NoError(t, fb.Enqueue(context.Background(), New(KindDutyAllotment, uuid.New())))
	assert.Len(t, primary.all(), 1)
}

func TestCommit_Flush(t *testing.T) {
	var c Commit
	c.Add(New(KindDutyAllotment, uuid.New()), New(KindSheetSync, uuid.New()))
	assert.Len(t, c.Jobs(), 2)

	q := &recordingQueue{}
	require.NoError(t, c.Flush(context.Background(), q))
	assert.Len(t, q.all(), 2)
	assert.Empty(t, c.Jobs())
}

func TestCommit_FlushContinuesOnError(t *testing.T) {
	var c Commit
	c.Add(New(KindDutyAllotment, uuid.New()), New(KindSheetSync, uuid.New()))

	err := c.Flush(context.Background(), failingQueue{err: ErrClosed})
	assert.ErrorIs(t, err, ErrClosed)
}
