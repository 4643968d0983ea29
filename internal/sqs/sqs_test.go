package sqs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/khidmat/internal/queue"
)

type fakeSQS struct {
	mu         sync.Mutex
	sent       []*sqs.SendMessageInput
	deleted    []string
	visibility map[string]int32
	extended   map[string]int
	sendErr    error
	messages   []types.Message
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String(uuid.NewString())}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages
	f.messages = nil
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.visibility == nil {
		f.visibility = map[string]int32{}
	}
	if f.extended == nil {
		f.extended = map[string]int{}
	}
	f.visibility[aws.ToString(in.ReceiptHandle)] = in.VisibilityTimeout
	f.extended[aws.ToString(in.ReceiptHandle)]++
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) extensions(receipt string) (int, int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extended[receipt], f.visibility[receipt]
}

type procFunc func(ctx context.Context, job queue.Job) error

func (f procFunc) Process(ctx context.Context, job queue.Job) error { return f(ctx, job) }

func message(t *testing.T, receipt string, job queue.Job) types.Message {
	t.Helper()
	body, err := queue.Encode(job)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return types.Message{
		MessageId:     aws.String(uuid.NewString()),
		ReceiptHandle: aws.String(receipt),
		Body:          aws.String(string(body)),
	}
}

func TestDelaySeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int32
	}{
		{0, 0},
		{-time.Second, 0},
		{500 * time.Millisecond, 1},
		{time.Minute, 60},
		{5 * time.Minute, 300},
		{time.Hour, 900},
	}

	for _, tt := range tests {
		if got := delaySeconds(tt.in); got != tt.want {
			t.Errorf("delaySeconds(%s) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestProducer_Enqueue(t *testing.T) {
	fake := &fakeSQS{}
	p := NewProducer(fake, "https://sqs.ap-south-1.amazonaws.com/123/khidmat", zap.NewNop())
	now := time.Now()
	p.now = func() time.Time { return now }

	job := queue.New(queue.KindDutyAllotment, uuid.New()).Next(now, time.Minute)
	if err := p.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(fake.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fake.sent))
	}
	if fake.sent[0].DelaySeconds != 60 {
		t.Errorf("expected delay 60, got %d", fake.sent[0].DelaySeconds)
	}

	got, err := queue.Decode([]byte(aws.ToString(fake.sent[0].MessageBody)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EntityID != job.EntityID || got.Attempt != 1 {
		t.Errorf("unexpected job: %+v", got)
	}
}

func TestProducer_EnqueueError(t *testing.T) {
	fake := &fakeSQS{sendErr: errors.New("throttled")}
	p := NewProducer(fake, "q", zap.NewNop())

	if err := p.Enqueue(context.Background(), queue.New(queue.KindSheetSync, uuid.New())); err == nil {
		t.Fatal("expected error")
	}
}

func TestConsumer_ProcessesAndDeletes(t *testing.T) {
	job := queue.New(queue.KindDutyAllotment, uuid.New())
	fake := &fakeSQS{messages: []types.Message{message(t, "r1", job)}}
	c := NewConsumer(fake, "q", zap.NewNop())

	var got queue.Job
	err := c.poll(context.Background(), procFunc(func(ctx context.Context, j queue.Job) error {
		got = j
		return nil
	}))
	if err != nil {
		t.Fatalf("poll: %v", err)
	}

	if got.EntityID != job.EntityID {
		t.Errorf("processed wrong job: %+v", got)
	}
	if len(fake.deleted) != 1 || fake.deleted[0] != "r1" {
		t.Errorf("expected r1 deleted, got %v", fake.deleted)
	}
}

func TestConsumer_KeepsUnacknowledged(t *testing.T) {
	fake := &fakeSQS{messages: []types.Message{message(t, "r1", queue.New(queue.KindDutyAllotment, uuid.New()))}}
	c := NewConsumer(fake, "q", zap.NewNop())

	_ = c.poll(context.Background(), procFunc(func(ctx context.Context, j queue.Job) error {
		return errors.New("requeue failed")
	}))

	if len(fake.deleted) != 0 {
		t.Errorf("message should stay on the queue, deleted %v", fake.deleted)
	}
}

func TestConsumer_RefreshesVisibilityPerMessage(t *testing.T) {
	first := queue.New(queue.KindRegistrationConfirmation, uuid.New())
	second := queue.New(queue.KindDutyAllotment, uuid.New())
	fake := &fakeSQS{messages: []types.Message{message(t, "r1", first), message(t, "r2", second)}}
	c := NewConsumer(fake, "q", zap.NewNop())

	receipts := map[uuid.UUID]string{first.EntityID: "r1", second.EntityID: "r2"}
	err := c.poll(context.Background(), procFunc(func(ctx context.Context, j queue.Job) error {
		n, secs := fake.extensions(receipts[j.EntityID])
		if n < 1 || secs != 60 {
			t.Errorf("%s started without a fresh window: %d extensions, %ds", receipts[j.EntityID], n, secs)
		}
		return nil
	}))
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(fake.deleted) != 2 {
		t.Errorf("expected both messages deleted, got %v", fake.deleted)
	}
}

func TestConsumer_HeartbeatWhileProcessing(t *testing.T) {
	fake := &fakeSQS{messages: []types.Message{message(t, "r1", queue.New(queue.KindRegistrationConfirmation, uuid.New()))}}
	c := NewConsumer(fake, "q", zap.NewNop())
	c.heartbeat = 5 * time.Millisecond

	_ = c.poll(context.Background(), procFunc(func(ctx context.Context, j queue.Job) error {
		time.Sleep(60 * time.Millisecond)
		return nil
	}))

	n, _ := fake.extensions("r1")
	if n < 2 {
		t.Errorf("expected heartbeat extensions during a slow job, got %d", n)
	}

	time.Sleep(30 * time.Millisecond)
	if after, _ := fake.extensions("r1"); after != n {
		t.Errorf("heartbeat kept running after the job finished: %d then %d", n, after)
	}
}

func TestConsumer_PostponesEarlyMessage(t *testing.T) {
	now := time.Now()
	job := queue.Job{Kind: queue.KindSheetSync, EntityID: uuid.New(), NotBefore: now.Add(20 * time.Minute)}
	fake := &fakeSQS{messages: []types.Message{message(t, "r1", job)}}
	c := NewConsumer(fake, "q", zap.NewNop())
	c.now = func() time.Time { return now }

	_ = c.poll(context.Background(), procFunc(func(ctx context.Context, j queue.Job) error {
		t.Fatal("early job must not run")
		return nil
	}))

	if fake.visibility["r1"] != 900 {
		t.Errorf("expected visibility 900, got %d", fake.visibility["r1"])
	}
	if len(fake.deleted) != 0 {
		t.Errorf("early message must not be deleted")
	}
}

func TestConsumer_DropsInvalidBody(t *testing.T) {
	fake := &fakeSQS{messages: []types.Message{{
		MessageId:     aws.String("m1"),
		ReceiptHandle: aws.String("r1"),
		Body:          aws.String("garbage"),
	}}}
	c := NewConsumer(fake, "q", zap.NewNop())

	_ = c.poll(context.Background(), procFunc(func(ctx context.Context, j queue.Job) error {
		t.Fatal("invalid body must not be processed")
		return nil
	}))

	if len(fake.deleted) != 1 {
		t.Errorf("invalid message should be deleted")
	}
}
