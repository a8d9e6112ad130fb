// Package job defines the processing-job model shared by the pipeline:
// the job record, its state machine, the error-kind taxonomy that the
// scheduler uses to decide retry vs. terminal failure, and the
// notification event emitted on terminal transitions.
package job

import (
	"errors"
	"fmt"
	"time"
)

// State is a job lifecycle state.
type State string

const (
	StateQueued       State = "queued"
	StateMatching     State = "matching"
	StateExtracting   State = "extracting"
	StateTransforming State = "transforming"
	StateWriting      State = "writing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateTimedOut     State = "timed_out"
	StateUnmapped     State = "unmapped"
)

// Terminal reports whether no further automatic transition occurs from s.
// TimedOut is not terminal: the scheduler may retry it while attempts remain.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateUnmapped:
		return true
	}
	return false
}

// Origin identifies how a job entered the system.
type Origin string

const (
	OriginMail   Origin = "mail"
	OriginManual Origin = "manual"
)

// Job is a processing job. Created on ingestion, mutated exclusively by
// the scheduler, retained after completion for history.
type Job struct {
	ID          string
	Origin      Origin
	SourcePath  string
	SourceName  string
	Sender      string
	Subject     string
	Fingerprint string

	// RuleID/RuleVersion are zero until the matching stage binds a rule
	// snapshot. An explicitly submitted rule id skips matching.
	RuleID      int64
	RuleVersion int64

	State      State
	Attempts   int
	ErrorKind  Kind
	ErrorMsg   string
	OutputPath string

	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Kind classifies a pipeline failure.
type Kind string

const (
	KindNone           Kind = ""
	KindTransientIO    Kind = "transient_io"
	KindExtraction     Kind = "extraction"
	KindTransformation Kind = "transformation"
	KindLimitExceeded  Kind = "limit_exceeded"
	KindWrite          Kind = "write"
	KindNoRule         Kind = "no_rule"
	KindTimeout        Kind = "timeout"
)

// Retryable reports whether a failure of this kind may be retried.
// Timeouts are handled separately by the scheduler (retried only while
// attempts remain); everything else here is permanent.
func (k Kind) Retryable() bool { return k == KindTransientIO }

// Error is a pipeline failure carrying its kind. Stages wrap causes in
// an Error; the scheduler inspects the kind to pick the terminal state.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an Error of the given kind, fmt.Errorf-style.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the error kind from err. Unclassified errors map to
// KindTransientIO: unknown trouble is the safe retryable default, and
// retries are bounded either way.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var je *Error
	if errors.As(err, &je) {
		return je.Kind
	}
	return KindTransientIO
}

// Outcome is the terminal disposition reported in a notification event.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeUnmapped  Outcome = "unmapped"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Event is the notification emitted when a job reaches a terminal state.
// Fire-and-forget: delivery failures are logged, never retried.
type Event struct {
	JobID   string
	Outcome Outcome
	Summary string
}
