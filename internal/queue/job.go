// Package queue runs notification dispatch in the background. Jobs are
// small references to a row; handlers reload state, so a job can be
// delivered more than once without harm.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names the work a job performs.
type Kind string

const (
	KindRegistrationConfirmation Kind = "registration_confirmation"
	KindDutyAllotment            Kind = "duty_allotment"
	KindChangeRequestNotice      Kind = "change_request_notice"
	KindSheetSync                Kind = "sheet_sync"
)

// Job is the unit handed to a queue backend.
type Job struct {
	Kind      Kind      `json:"kind"`
	EntityID  uuid.UUID `json:"entity_id"`
	Attempt   int       `json:"attempt"`
	NotBefore time.Time `json:"not_before,omitempty"`
}

// New creates a first-attempt job for an entity.
func New(kind Kind, entityID uuid.UUID) Job {
	return Job{Kind: kind, EntityID: entityID}
}

// Key identifies the trigger for deduplication: one key per kind and entity.
func (j Job) Key() string {
	return fmt.Sprintf("%s:%s", j.Kind, j.EntityID)
}

// Next returns the job's next attempt, not runnable before now+delay.
func (j Job) Next(now time.Time, delay time.Duration) Job {
	j.Attempt++
	j.NotBefore = now.Add(delay)
	return j
}

// Delay is how long the job must wait at now before it can run.
func (j Job) Delay(now time.Time) time.Duration {
	if j.NotBefore.IsZero() {
		return 0
	}
	d := j.NotBefore.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Encode serializes a job for a message queue body.
func Encode(j Job) ([]byte, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	return b, nil
}

// Decode parses a job body. Bodies without a kind or entity are rejected.
func Decode(body []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(body, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if j.Kind == "" || j.EntityID == uuid.Nil {
		return Job{}, fmt.Errorf("decode job: missing kind or entity id")
	}
	return j, nil
}
