package workflow

import (
	"log/slog"

	"vodsum/internal/queue"
	"vodsum/internal/stage"
)

// StageSet bundles the concrete phase handlers the manager orchestrates.
type StageSet struct {
	Admission   stage.Handler
	Acquirer    stage.Handler
	Transcriber stage.Handler
	Summarizer  stage.Handler
}

// phase binds a handler to the statuses it moves a job between. Admission
// runs without a claim: it is pure policy with no external side effects, so a
// crash mid-phase just repeats the check. The heavy phases claim a lease
// first so stale work can be reclaimed by heartbeat.
type phase struct {
	name             string
	handler          stage.Handler
	startStatus      queue.Status
	processingStatus queue.Status
	doneStatus       queue.Status
	doneEvent        queue.Event
	claimed          bool
	timeout          func() int
}

type laneKind string

const (
	laneForeground laneKind = "foreground"
	laneBackground laneKind = "background"
)

// laneState groups phases that share a worker goroutine. The foreground lane
// covers the cheap decision points (admission, the quota gate, distribution);
// the background lane runs the long external-tool phases and the heartbeat
// reclaimer for them.
type laneState struct {
	kind          laneKind
	name          string
	phases        []phase
	statusOrder   []queue.Status
	phaseByStart  map[queue.Status]phase
	pollsDelivery bool
	runReclaimer  bool
	logger        *slog.Logger
}

func (l *laneState) finalize() {
	if l == nil {
		return
	}
	l.phaseByStart = make(map[queue.Status]phase, len(l.phases))
	l.statusOrder = make([]queue.Status, 0, len(l.phases))
	for _, ph := range l.phases {
		l.phaseByStart[ph.startStatus] = ph
		l.statusOrder = append(l.statusOrder, ph.startStatus)
	}
}

func (l *laneState) phaseForStatus(status queue.Status) (phase, bool) {
	if l == nil {
		return phase{}, false
	}
	ph, ok := l.phaseByStart[status]
	return ph, ok
}
