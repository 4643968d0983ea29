package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalithlochan/khidmat/internal/db"
	"github.com/lalithlochan/khidmat/internal/dedupe"
	"github.com/lalithlochan/khidmat/internal/queue"
	"github.com/lalithlochan/khidmat/internal/sns"
)

var testNow = time.Date(2026, 3, 12, 18, 0, 0, 0, time.UTC)

// fakeStore keeps rows in memory. InTx is serialized, which stands in for
// the row lock a claim takes.
type fakeStore struct {
	mu          sync.Mutex
	txMu        sync.Mutex
	registrants map[uuid.UUID]*db.Registrant
	slots       map[uuid.UUID]*db.DutySlot
	requests    map[uuid.UUID]*db.ChangeRequest
	reminders   map[uuid.UUID]*db.Reminder
	voiceCalls  map[uuid.UUID]*db.VoiceCall
	logs        []*db.ReminderLog
	marks       []db.WhatsAppResult
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		registrants: map[uuid.UUID]*db.Registrant{},
		slots:       map[uuid.UUID]*db.DutySlot{},
		requests:    map[uuid.UUID]*db.ChangeRequest{},
		reminders:   map[uuid.UUID]*db.Reminder{},
		voiceCalls:  map[uuid.UUID]*db.VoiceCall{},
	}
}

func (s *fakeStore) InTx(_ context.Context, fn func(Queries) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(s)
}

func (s *fakeStore) GetRegistrant(_ context.Context, id uuid.UUID) (*db.Registrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.registrants[id]
	if !ok {
		return nil, fmt.Errorf("registrant %s: %w", id, db.ErrNotFound)
	}
	cp := *reg
	return &cp, nil
}

func (s *fakeStore) MarkRegistrantWhatsApp(_ context.Context, id uuid.UUID, res db.WhatsAppResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.registrants[id]
	if !ok {
		return db.ErrNotFound
	}
	s.marks = append(s.marks, res)
	reg.WhatsAppSent = reg.WhatsAppSent || res.Sent
	if res.MessageID != "" {
		reg.WhatsAppMessageID = strPtr(res.MessageID)
	}
	reg.WhatsAppStatus = strPtr(res.Status)
	return nil
}

func (s *fakeStore) GetSlot(_ context.Context, id uuid.UUID) (*db.DutySlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[id]
	if !ok {
		return nil, fmt.Errorf("duty slot %s: %w", id, db.ErrNotFound)
	}
	cp := *slot
	return &cp, nil
}

func (s *fakeStore) MarkAllotment(_ context.Context, slotID uuid.UUID, res db.WhatsAppResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[slotID]
	if !ok {
		return db.ErrNotFound
	}
	s.marks = append(s.marks, res)
	slot.AllotmentNotified = slot.AllotmentNotified || res.Sent
	if res.MessageID != "" {
		slot.AllotmentMessageID = strPtr(res.MessageID)
	}
	slot.AllotmentStatus = strPtr(res.Status)
	return nil
}

func (s *fakeStore) GetChangeRequest(_ context.Context, id uuid.UUID) (*db.ChangeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("change request %s: %w", id, db.ErrNotFound)
	}
	cp := *req
	return &cp, nil
}

func (s *fakeStore) ClaimReminder(_ context.Context, id uuid.UUID, now time.Time) (*db.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok || r.Status != db.ReminderPending || r.ScheduledAt.After(now) {
		return nil, db.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *fakeStore) UpdateReminder(_ context.Context, r *db.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.reminders[r.ID]
	if !ok {
		return db.ErrNotFound
	}
	cp := *r
	cp.EmailSent = cur.EmailSent || r.EmailSent
	cp.WhatsAppSent = cur.WhatsAppSent || r.WhatsAppSent
	s.reminders[r.ID] = &cp
	return nil
}

func (s *fakeStore) InsertReminderLog(_ context.Context, l *db.ReminderLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, l)
	return nil
}

func (s *fakeStore) ClaimVoiceCall(_ context.Context, id uuid.UUID, now time.Time) (*db.VoiceCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.voiceCalls[id]
	if !ok || v.Status != db.VoicePending || v.ScheduledAt.After(now) {
		return nil, db.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *fakeStore) UpdateVoiceCall(_ context.Context, v *db.VoiceCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.voiceCalls[v.ID]; !ok {
		return db.ErrNotFound
	}
	cp := *v
	s.voiceCalls[v.ID] = &cp
	return nil
}

func (s *fakeStore) reminder(id uuid.UUID) db.Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.reminders[id]
}

func (s *fakeStore) voiceCall(id uuid.UUID) db.VoiceCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.voiceCalls[id]
}

// scriptedSender returns queued outcomes in order, then succeeds.
type scriptedSender struct {
	mu        sync.Mutex
	outcomes  []Outcome
	emails    []Email
	templates []sentTemplate
	texts     []string
	calls     []VoiceCallRequest
}

type sentTemplate struct {
	to       string
	template string
	params   []string
}

func (s *scriptedSender) next(id string) Outcome {
	if len(s.outcomes) == 0 {
		return Succeeded(id)
	}
	out := s.outcomes[0]
	s.outcomes = s.outcomes[1:]
	return out
}

func (s *scriptedSender) SendEmail(_ context.Context, msg Email) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails = append(s.emails, msg)
	return s.next("ses-1")
}

func (s *scriptedSender) SendTemplate(_ context.Context, to, template string, params []string) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates = append(s.templates, sentTemplate{to, template, params})
	return s.next("wamid.1")
}

func (s *scriptedSender) SendText(_ context.Context, _ string, body string) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, body)
	return s.next("wamid.text")
}

func (s *scriptedSender) Call(_ context.Context, req VoiceCallRequest) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	return s.next("call-1")
}

func (s *scriptedSender) counts() (emails, templates, texts, calls int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.emails), len(s.templates), len(s.texts), len(s.calls)
}

type fakePublisher struct {
	mu      sync.Mutex
	notices []sns.Notice
}

func (p *fakePublisher) Publish(_ context.Context, n sns.Notice) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, n)
	return "sns-1", nil
}

type fakeExporter struct {
	err      error
	exported []uuid.UUID
}

func (e *fakeExporter) AppendRegistrant(_ context.Context, reg *db.Registrant) error {
	if e.err != nil {
		return e.err
	}
	e.exported = append(e.exported, reg.ID)
	return nil
}

type dispatchFixture struct {
	store     *fakeStore
	email     *scriptedSender
	whatsapp  *scriptedSender
	voice     *scriptedSender
	publisher *fakePublisher
	sheets    *fakeExporter
	d         *Dispatcher

	reg  *db.Registrant
	slot *db.DutySlot
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	f := &dispatchFixture{
		store:     newFakeStore(),
		email:     &scriptedSender{},
		whatsapp:  &scriptedSender{},
		voice:     &scriptedSender{},
		publisher: &fakePublisher{},
		sheets:    &fakeExporter{},
	}

	f.reg = &db.Registrant{
		ID:          uuid.New(),
		ITSNumber:   "30412345",
		FullName:    "Ali Husain",
		Email:       "ali@example.com",
		Phone:       "919876543210",
		Preferences: []string{"FAJAR_AZAAN", "SANAH"},
		Status:      db.RegistrantAllotted,
	}
	f.store.registrants[f.reg.ID] = f.reg

	regID := f.reg.ID
	f.slot = &db.DutySlot{
		ID:           uuid.New(),
		DutyDate:     time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC),
		DutyType:     "FAJAR_AZAAN",
		RegistrantID: &regID,
		Locked:       true,
		Status:       db.SlotConfirmed,
	}
	f.store.slots[f.slot.ID] = f.slot

	admin := NewAdminNotifier(f.whatsapp, "919800000000", f.publisher, testLogger())
	f.d = NewDispatcher(f.store, Senders{Email: f.email, WhatsApp: f.whatsapp, Voice: f.voice},
		admin, f.sheets, dedupe.NewLocal(time.Minute), Options{MaxChannelAttempts: 2}, testLogger())
	f.d.now = func() time.Time { return testNow }
	return f
}

func (f *dispatchFixture) addReminder() uuid.UUID {
	r := &db.Reminder{
		ID:           uuid.New(),
		SlotID:       f.slot.ID,
		RegistrantID: f.reg.ID,
		ScheduledAt:  testNow.Add(-time.Minute),
		Status:       db.ReminderPending,
	}
	f.store.reminders[r.ID] = r
	return r.ID
}

func (f *dispatchFixture) addVoiceCall() uuid.UUID {
	v := &db.VoiceCall{
		ID:           uuid.New(),
		SlotID:       f.slot.ID,
		RegistrantID: f.reg.ID,
		ScheduledAt:  testNow.Add(-time.Minute),
		Status:       db.VoicePending,
	}
	f.store.voiceCalls[v.ID] = v
	return v.ID
}

func TestDispatch_RegistrationConfirmation(t *testing.T) {
	f := newDispatchFixture(t)

	err := f.d.Dispatch(context.Background(), queue.New(queue.KindRegistrationConfirmation, f.reg.ID))
	require.NoError(t, err)

	require.Len(t, f.email.emails, 1)
	assert.Equal(t, subjectRegistered, f.email.emails[0].Subject)
	assert.Contains(t, f.email.emails[0].Body, "Fajar Azaan, Sanah")

	require.Len(t, f.whatsapp.templates, 1)
	assert.Equal(t, TemplateRegistration, f.whatsapp.templates[0].template)
	assert.Equal(t, []string{"Ali Husain"}, f.whatsapp.templates[0].params)

	reg := f.store.registrants[f.reg.ID]
	assert.True(t, reg.WhatsAppSent)
	assert.Equal(t, "wamid.1", *reg.WhatsAppMessageID)
	assert.Equal(t, db.DeliverySent, *reg.WhatsAppStatus)
}

func TestDispatch_ConfirmationTransientRetries(t *testing.T) {
	f := newDispatchFixture(t)
	f.whatsapp.outcomes = []Outcome{TransientFailure("503 service unavailable")}

	job := queue.New(queue.KindRegistrationConfirmation, f.reg.ID)
	err := f.d.Dispatch(context.Background(), job)
	require.Error(t, err)
	assert.True(t, queue.IsRetryable(err))

	reg := f.store.registrants[f.reg.ID]
	assert.False(t, reg.WhatsAppSent)
	assert.Equal(t, db.DeliveryFailed, *reg.WhatsAppStatus)

	// The retry resends WhatsApp only; the email went out on the first attempt.
	err = f.d.Dispatch(context.Background(), job.Next(testNow, time.Minute))
	require.NoError(t, err)
	emails, templates, _, _ := f.email.counts()
	assert.Equal(t, 1, emails)
	_, templates, _, _ = f.whatsapp.counts()
	assert.Equal(t, 2, templates)
	assert.True(t, f.store.registrants[f.reg.ID].WhatsAppSent)
}

func TestDispatch_ConfirmationRestricted(t *testing.T) {
	f := newDispatchFixture(t)
	f.whatsapp.outcomes = []Outcome{Restricted("(#131030) recipient not in allowed list")}

	err := f.d.Dispatch(context.Background(), queue.New(queue.KindRegistrationConfirmation, f.reg.ID))
	require.NoError(t, err)

	reg := f.store.registrants[f.reg.ID]
	assert.False(t, reg.WhatsAppSent)
	assert.Equal(t, db.DeliverySandbox, *reg.WhatsAppStatus)
}

func TestDispatch_ConfirmationInvalidNotRetried(t *testing.T) {
	f := newDispatchFixture(t)
	f.whatsapp.outcomes = []Outcome{InvalidRequest("template takes 1 parameters, got 2")}

	err := f.d.Dispatch(context.Background(), queue.New(queue.KindRegistrationConfirmation, f.reg.ID))
	require.NoError(t, err)
	assert.False(t, f.store.registrants[f.reg.ID].WhatsAppSent)
}

func TestDispatch_ConfirmationAlreadySent(t *testing.T) {
	f := newDispatchFixture(t)
	f.reg.WhatsAppSent = true

	err := f.d.Dispatch(context.Background(), queue.New(queue.KindRegistrationConfirmation, f.reg.ID))
	require.NoError(t, err)
	_, templates, _, _ := f.whatsapp.counts()
	assert.Zero(t, templates)
}

func TestDispatch_EmailFailureDoesNotBlock(t *testing.T) {
	f := newDispatchFixture(t)
	f.email.outcomes = []Outcome{TransientFailure("ses down")}

	err := f.d.Dispatch(context.Background(), queue.New(queue.KindRegistrationConfirmation, f.reg.ID))
	require.NoError(t, err)
	assert.True(t, f.store.registrants[f.reg.ID].WhatsAppSent)
}

func TestDispatch_MissingEntityDropped(t *testing.T) {
	f := newDispatchFixture(t)

	for _, kind := range []queue.Kind{
		queue.KindRegistrationConfirmation,
		queue.KindDutyAllotment,
		queue.KindChangeRequestNotice,
		queue.KindSheetSync,
	} {
		err := f.d.Dispatch(context.Background(), queue.New(kind, uuid.New()))
		assert.NoError(t, err, kind)
	}
	emails, templates, _, _ := f.email.counts()
	assert.Zero(t, emails+templates)
}

func TestDispatch_DutyAllotment(t *testing.T) {
	f := newDispatchFixture(t)

	err := f.d.Dispatch(context.Background(), queue.New(queue.KindDutyAllotment, f.slot.ID))
	require.NoError(t, err)

	require.Len(t, f.whatsapp.templates, 1)
	sent := f.whatsapp.templates[0]
	assert.Equal(t, TemplateAllotment, sent.template)
	assert.Equal(t, []string{"Ali Husain", "13 March 2026", "Fajar Azaan", "05:20 AM"}, sent.params)

	require.Len(t, f.email.emails, 1)
	assert.Contains(t, f.email.emails[0].Body, "Reporting Time: 05:20 AM")

	slot := f.store.slots[f.slot.ID]
	assert.True(t, slot.AllotmentNotified)
	assert.Equal(t, "wamid.1", *slot.AllotmentMessageID)
}

func TestDispatch_DutyAllotmentUnmappedDuty(t *testing.T) {
	f := newDispatchFixture(t)
	f.slot.DutyType = "MISC_KHIDMAT"

	require.NoError(t, f.d.Dispatch(context.Background(), queue.New(queue.KindDutyAllotment, f.slot.ID)))
	require.Len(t, f.whatsapp.templates, 1)
	assert.Equal(t, "N/A", f.whatsapp.templates[0].params[3])
}

func TestDispatch_DutyAllotmentSkipsCancelledSlot(t *testing.T) {
	f := newDispatchFixture(t)
	f.slot.Status = db.SlotCancelled

	require.NoError(t, f.d.Dispatch(context.Background(), queue.New(queue.KindDutyAllotment, f.slot.ID)))
	emails, _, _, _ := f.email.counts()
	_, templates, _, _ := f.whatsapp.counts()
	assert.Zero(t, emails+templates)
}

func TestDispatch_DuplicateDropped(t *testing.T) {
	f := newDispatchFixture(t)
	reserver := dedupe.NewLocal(time.Minute)
	f.d.dedupe = reserver

	key := dedupe.Key(string(queue.KindDutyAllotment), f.slot.ID.String())
	ok, err := reserver.Reserve(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.d.Dispatch(context.Background(), queue.New(queue.KindDutyAllotment, f.slot.ID)))
	_, templates, _, _ := f.whatsapp.counts()
	assert.Zero(t, templates)

	// Once the in-flight dispatch releases, the trigger runs.
	require.NoError(t, reserver.Release(context.Background(), key))
	require.NoError(t, f.d.Dispatch(context.Background(), queue.New(queue.KindDutyAllotment, f.slot.ID)))
	_, templates, _, _ = f.whatsapp.counts()
	assert.Equal(t, 1, templates)
}

func TestDispatch_ReleasesReservation(t *testing.T) {
	f := newDispatchFixture(t)

	for i := 0; i < 2; i++ {
		require.NoError(t, f.d.Dispatch(context.Background(), queue.New(queue.KindSheetSync, f.reg.ID)))
	}
	assert.Len(t, f.sheets.exported, 2)
}

func TestDispatch_UnknownKind(t *testing.T) {
	f := newDispatchFixture(t)
	err := f.d.Dispatch(context.Background(), queue.New("bogus", uuid.New()))
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.False(t, queue.IsRetryable(err))
}

func TestProcessDueReminder_BothChannelsSent(t *testing.T) {
	f := newDispatchFixture(t)
	id := f.addReminder()

	res, err := f.d.ProcessDueReminder(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ResultSent, res)

	r := f.store.reminder(id)
	assert.Equal(t, db.ReminderSent, r.Status)
	assert.True(t, r.EmailSent)
	assert.True(t, r.WhatsAppSent)
	assert.Equal(t, 1, r.EmailAttempts)
	assert.Equal(t, 1, r.WhatsAppAttempts)
	require.NotNil(t, r.SentAt)
	assert.Equal(t, "wamid.1", *r.WhatsAppMessageID)

	require.Len(t, f.store.logs, 2)
	assert.Equal(t, db.ChannelEmail, f.store.logs[0].Channel)
	assert.Equal(t, db.ChannelWhatsApp, f.store.logs[1].Channel)
	assert.Equal(t, subjectReminder, f.email.emails[0].Subject)
	assert.Equal(t, TemplateReminder, f.whatsapp.templates[0].template)
}

func TestProcessDueReminder_ChannelsIndependent(t *testing.T) {
	f := newDispatchFixture(t)
	id := f.addReminder()
	f.whatsapp.outcomes = []Outcome{TransientFailure("timeout"), TransientFailure("timeout")}

	res, err := f.d.ProcessDueReminder(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ResultPending, res)

	r := f.store.reminder(id)
	assert.True(t, r.EmailSent)
	assert.False(t, r.WhatsAppSent)
	assert.Equal(t, db.ReminderPending, r.Status)

	// Second pass retries only WhatsApp and exhausts it.
	res, err = f.d.ProcessDueReminder(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res)

	emails, _, _, _ := f.email.counts()
	_, templates, _, _ := f.whatsapp.counts()
	assert.Equal(t, 1, emails)
	assert.Equal(t, 2, templates)

	r = f.store.reminder(id)
	assert.Equal(t, db.ReminderFailed, r.Status)
	assert.True(t, r.EmailSent)
	assert.Equal(t, 2, r.WhatsAppAttempts)
	assert.Equal(t, maxAttemptsReached, *r.LastError)

	// A terminal reminder is never claimed again.
	res, err = f.d.ProcessDueReminder(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, res)
}

func TestProcessDueReminder_RestrictedExhaustsChannel(t *testing.T) {
	f := newDispatchFixture(t)
	id := f.addReminder()
	f.whatsapp.outcomes = []Outcome{Restricted("(#63016) not allowed")}

	res, err := f.d.ProcessDueReminder(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res)

	r := f.store.reminder(id)
	assert.Equal(t, db.DeliverySandbox, *r.WhatsAppStatus)
	assert.False(t, r.WhatsAppSent)
	assert.Equal(t, 2, r.WhatsAppAttempts)
}

func TestProcessDueReminder_CancelledSlot(t *testing.T) {
	f := newDispatchFixture(t)
	id := f.addReminder()
	f.slot.Status = db.SlotCancelled

	res, err := f.d.ProcessDueReminder(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ResultCancelled, res)
	assert.Equal(t, db.ReminderCancelled, f.store.reminder(id).Status)

	emails, templates, _, _ := f.email.counts()
	assert.Zero(t, emails+templates)
}

func TestProcessDueReminder_ReassignedSlot(t *testing.T) {
	f := newDispatchFixture(t)
	id := f.addReminder()
	other := uuid.New()
	f.slot.RegistrantID = &other

	res, err := f.d.ProcessDueReminder(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ResultCancelled, res)
}

func TestProcessDueReminder_NotYetDue(t *testing.T) {
	f := newDispatchFixture(t)
	id := f.addReminder()
	f.store.reminders[id].ScheduledAt = testNow.Add(time.Hour)

	res, err := f.d.ProcessDueReminder(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, res)
}

func TestProcessDueReminder_ConcurrentClaims(t *testing.T) {
	f := newDispatchFixture(t)
	id := f.addReminder()

	var wg sync.WaitGroup
	results := make(chan Result, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.d.ProcessDueReminder(context.Background(), id)
			if err == nil {
				results <- res
			}
		}()
	}
	wg.Wait()
	close(results)

	sent := 0
	for res := range results {
		if res == ResultSent {
			sent++
		}
	}
	assert.Equal(t, 1, sent)
	emails, _, _, _ := f.email.counts()
	_, templates, _, _ := f.whatsapp.counts()
	assert.Equal(t, 1, emails)
	assert.Equal(t, 1, templates)
}

func TestProcessDueReminder_RetriedOnNextSweep(t *testing.T) {
	f := newDispatchFixture(t)
	id := f.addReminder()
	f.whatsapp.outcomes = []Outcome{TransientFailure("timeout")}

	res, err := f.d.ProcessDueReminder(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ResultPending, res)

	res, err = f.d.ProcessDueReminder(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ResultSent, res)
	assert.Equal(t, db.ReminderSent, f.store.reminder(id).Status)
}

func TestProcessDueVoiceCall(t *testing.T) {
	f := newDispatchFixture(t)
	id := f.addVoiceCall()

	res, err := f.d.ProcessDueVoiceCall(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ResultSent, res)

	v := f.store.voiceCall(id)
	assert.Equal(t, db.VoiceSent, v.Status)
	assert.Equal(t, "call-1", *v.CallSID)
	assert.Equal(t, 1, v.Attempts)

	require.Len(t, f.voice.calls, 1)
	call := f.voice.calls[0]
	assert.Equal(t, "Fajar Azaan", call.DutyName)
	assert.Equal(t, "05:20 AM", call.ReportingTime)
	assert.Equal(t, "Ali Husain", call.Name)
}

func TestProcessDueVoiceCall_RetryBound(t *testing.T) {
	f := newDispatchFixture(t)
	id := f.addVoiceCall()
	f.voice.outcomes = []Outcome{TransientFailure("503"), TransientFailure("503")}

	res, err := f.d.ProcessDueVoiceCall(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ResultPending, res)
	assert.Equal(t, db.VoicePending, f.store.voiceCall(id).Status)

	res, err = f.d.ProcessDueVoiceCall(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res)

	v := f.store.voiceCall(id)
	assert.Equal(t, db.VoiceFailed, v.Status)
	assert.Equal(t, 2, v.Attempts)
}

func TestProcessDueVoiceCall_InvalidFailsImmediately(t *testing.T) {
	f := newDispatchFixture(t)
	id := f.addVoiceCall()
	f.voice.outcomes = []Outcome{InvalidRequest("exotel status 403")}

	res, err := f.d.ProcessDueVoiceCall(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res)
	assert.Equal(t, 1, f.store.voiceCall(id).Attempts)
}

func TestProcessDueVoiceCall_CancelledSlot(t *testing.T) {
	f := newDispatchFixture(t)
	id := f.addVoiceCall()
	f.slot.Status = db.SlotCancelled

	res, err := f.d.ProcessDueVoiceCall(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ResultCancelled, res)

	v := f.store.voiceCall(id)
	assert.Equal(t, db.VoiceFailed, v.Status)
	assert.Equal(t, "cancelled", *v.LastError)
	_, _, _, calls := f.voice.counts()
	assert.Zero(t, calls)
}

func (f *dispatchFixture) addRequest(kind db.RequestKind) *db.ChangeRequest {
	date := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	dutyType := "MAGRIB_AZAAN"
	req := &db.ChangeRequest{
		ID:           uuid.New(),
		SlotID:       f.slot.ID,
		RegistrantID: f.reg.ID,
		Kind:         kind,
		Status:       db.RequestPending,
		Reason:       "travelling",
	}
	if kind == db.RequestReallocate {
		req.PreferredDate = &date
		req.PreferredType = &dutyType
	}
	f.store.requests[req.ID] = req
	return req
}

func TestDispatch_ChangeRequestNotice(t *testing.T) {
	f := newDispatchFixture(t)
	req := f.addRequest(db.RequestReallocate)

	require.NoError(t, f.d.Dispatch(context.Background(), queue.New(queue.KindChangeRequestNotice, req.ID)))

	require.Len(t, f.whatsapp.texts, 1)
	text := f.whatsapp.texts[0]
	assert.True(t, strings.HasPrefix(text, "Khidmat Reallocation Request"))
	assert.Contains(t, text, "ITS: 30412345")
	assert.Contains(t, text, "Preferred: 20 March 2026, Magrib Azaan")
	assert.Contains(t, text, "Reason: travelling")

	require.Len(t, f.publisher.notices, 1)
	assert.Equal(t, sns.EventReallocationRequest, f.publisher.notices[0].Event)
}

func TestDispatch_ChangeRequestNoticeRetryDoesNotRepublish(t *testing.T) {
	f := newDispatchFixture(t)
	req := f.addRequest(db.RequestCancel)
	f.whatsapp.outcomes = []Outcome{TransientFailure("502")}

	job := queue.New(queue.KindChangeRequestNotice, req.ID)
	err := f.d.Dispatch(context.Background(), job)
	assert.True(t, queue.IsRetryable(err))

	require.NoError(t, f.d.Dispatch(context.Background(), job.Next(testNow, time.Minute)))
	assert.Len(t, f.publisher.notices, 1)
	assert.Len(t, f.whatsapp.texts, 2)
	assert.Contains(t, f.whatsapp.texts[1], "Reason: travelling")
}

func TestDispatch_ChangeRequestNoticeSkipsReviewed(t *testing.T) {
	f := newDispatchFixture(t)
	req := f.addRequest(db.RequestCancel)
	req.Status = db.RequestRejected

	require.NoError(t, f.d.Dispatch(context.Background(), queue.New(queue.KindChangeRequestNotice, req.ID)))
	assert.Empty(t, f.whatsapp.texts)
}

func TestDispatch_SheetSync(t *testing.T) {
	f := newDispatchFixture(t)

	require.NoError(t, f.d.Dispatch(context.Background(), queue.New(queue.KindSheetSync, f.reg.ID)))
	assert.Equal(t, []uuid.UUID{f.reg.ID}, f.sheets.exported)

	f.sheets.err = errors.New("quota exceeded")
	err := f.d.Dispatch(context.Background(), queue.New(queue.KindSheetSync, f.reg.ID))
	assert.True(t, queue.IsRetryable(err))
}

func TestDispatch_SheetSyncDisabled(t *testing.T) {
	f := newDispatchFixture(t)
	f.d.sheets = nil
	assert.NoError(t, f.d.Dispatch(context.Background(), queue.New(queue.KindSheetSync, f.reg.ID)))
}
