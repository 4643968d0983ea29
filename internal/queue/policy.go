package queue

import "time"

// Policy bounds the retries of one job kind. Attempts are counted from one:
// a job with MaxAttempts 3 runs at most three times.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Policies maps job kinds to their retry policy.
type Policies map[Kind]Policy

// PolicyOptions feeds DefaultPolicies from configuration.
type PolicyOptions struct {
	DispatchMaxAttempts int
	DispatchRetryDelay  time.Duration
	SheetMaxAttempts    int
	SheetRetryDelay     time.Duration
}

// DefaultPolicies builds the per-kind retry table. Due reminders and voice
// calls never pass through the queue; the sweep retries them against the
// per-channel attempt counters on their rows.
func DefaultPolicies(o PolicyOptions) Policies {
	dispatch := Policy{MaxAttempts: o.DispatchMaxAttempts, Delay: o.DispatchRetryDelay}
	return Policies{
		KindRegistrationConfirmation: dispatch,
		KindDutyAllotment:            dispatch,
		KindChangeRequestNotice:      dispatch,
		KindSheetSync:                {MaxAttempts: o.SheetMaxAttempts, Delay: o.SheetRetryDelay},
	}
}

// For returns the policy of a kind; unknown kinds run once.
func (p Policies) For(kind Kind) Policy {
	pol, ok := p[kind]
	if !ok || pol.MaxAttempts < 1 {
		return Policy{MaxAttempts: 1}
	}
	return pol
}

// Exhausted reports whether the job has used its last attempt.
func (p Policies) Exhausted(j Job) bool {
	return j.Attempt+1 >= p.For(j.Kind).MaxAttempts
}
