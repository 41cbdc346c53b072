package queue

import (
	"errors"
	"fmt"
)

// Event names a state-machine input applied to a job's current status.
type Event string

const (
	EventAdmit          Event = "admit"
	EventSkip           Event = "skip"
	EventBeginAcquire   Event = "begin_acquire"
	EventAcquireDone    Event = "acquire_done"
	EventBeginTranscode Event = "begin_transcribe"
	EventTranscribeDone Event = "transcribe_done"
	EventQuotaDeny      Event = "quota_deny"
	EventBeginSummarize Event = "begin_summarize"
	EventSummarizeDone  Event = "summarize_done"
	EventReoffer        Event = "reoffer"
	EventFail           Event = "fail"
)

// ErrIllegalTransition marks a caller bug: an event applied to a status that
// does not accept it. It is never retried and never mapped to a job failure.
var ErrIllegalTransition = errors.New("illegal status transition")

// transitionTable is the closed transition graph. Anything absent is rejected.
var transitionTable = map[Status]map[Event]Status{
	StatusDiscovered: {
		EventAdmit: StatusAdmitted,
		EventSkip:  StatusSkipped,
		EventFail:  StatusFailed,
	},
	StatusAdmitted: {
		EventSkip:         StatusSkipped,
		EventBeginAcquire: StatusAcquiring,
		EventFail:         StatusFailed,
	},
	StatusAcquiring: {
		EventAcquireDone: StatusAcquired,
		EventFail:        StatusFailed,
	},
	StatusAcquired: {
		EventBeginTranscode: StatusTranscribing,
		EventFail:           StatusFailed,
	},
	StatusTranscribing: {
		EventTranscribeDone: StatusTranscribed,
		EventFail:           StatusFailed,
	},
	StatusTranscribed: {
		EventQuotaDeny:      StatusAwaitingQuota,
		EventBeginSummarize: StatusSummarizing,
		EventFail:           StatusFailed,
	},
	StatusAwaitingQuota: {
		EventReoffer: StatusTranscribed,
		EventFail:    StatusFailed,
	},
	StatusSummarizing: {
		EventSummarizeDone: StatusCompleted,
		EventFail:          StatusFailed,
	},
}

// Transition applies an event to a status and returns the next status. Unknown
// statuses and events not accepted by the current status are rejected with
// ErrIllegalTransition; terminal statuses accept nothing.
func Transition(current Status, event Event) (Status, error) {
	if _, known := statusSet[current]; !known {
		return "", fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, current)
	}
	accepted, ok := transitionTable[current]
	if !ok {
		return "", fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, current)
	}
	next, ok := accepted[event]
	if !ok {
		return "", fmt.Errorf("%w: %s does not accept %s", ErrIllegalTransition, current, event)
	}
	return next, nil
}

// rollbackTargets maps each in-flight status to the start of its phase. Used
// when reclaiming stale claims and when an operator retries a failed job.
var rollbackTargets = map[Status]Status{
	StatusAcquiring:    StatusAdmitted,
	StatusTranscribing: StatusAcquired,
	StatusSummarizing:  StatusTranscribed,
	StatusDiscovered:   StatusDiscovered,
}

// RollbackTarget returns the phase-start status for an in-flight status.
func RollbackTarget(processing Status) (Status, bool) {
	target, ok := rollbackTargets[processing]
	return target, ok
}
