package workflow

import "vodsum/internal/queue"

// ConfigureStages registers the concrete phase handlers the workflow will run.
func (m *Manager) ConfigureStages(set StageSet) {
	foreground := &laneState{kind: laneForeground, name: "foreground", pollsDelivery: true}
	background := &laneState{kind: laneBackground, name: "background", runReclaimer: true}

	if set.Admission != nil {
		foreground.phases = append(foreground.phases, phase{
			name:        "admission",
			handler:     set.Admission,
			startStatus: queue.StatusDiscovered,
			doneStatus:  queue.StatusAdmitted,
			doneEvent:   queue.EventAdmit,
		})
	}
	if set.Acquirer != nil {
		background.phases = append(background.phases, phase{
			name:             "acquire",
			handler:          set.Acquirer,
			startStatus:      queue.StatusAdmitted,
			processingStatus: queue.StatusAcquiring,
			doneStatus:       queue.StatusAcquired,
			doneEvent:        queue.EventAcquireDone,
			claimed:          true,
			timeout:          func() int { return m.cfg.Workflow.AcquireTimeout },
		})
	}
	if set.Transcriber != nil {
		background.phases = append(background.phases, phase{
			name:             "transcribe",
			handler:          set.Transcriber,
			startStatus:      queue.StatusAcquired,
			processingStatus: queue.StatusTranscribing,
			doneStatus:       queue.StatusTranscribed,
			doneEvent:        queue.EventTranscribeDone,
			claimed:          true,
			timeout:          func() int { return m.cfg.Workflow.TranscribeTimeout },
		})
	}
	if set.Summarizer != nil {
		foreground.phases = append(foreground.phases, phase{
			name:             "summarize",
			handler:          set.Summarizer,
			startStatus:      queue.StatusTranscribed,
			processingStatus: queue.StatusSummarizing,
			doneStatus:       queue.StatusCompleted,
			doneEvent:        queue.EventSummarizeDone,
			claimed:          true,
			timeout:          func() int { return m.cfg.Workflow.SummarizeTimeout },
		})
	}

	lanes := make(map[laneKind]*laneState)
	order := make([]laneKind, 0, 2)

	if len(foreground.phases) > 0 || m.distributor != nil {
		foreground.finalize()
		lanes[foreground.kind] = foreground
		order = append(order, foreground.kind)
	}
	if len(background.phases) > 0 {
		background.finalize()
		lanes[background.kind] = background
		order = append(order, background.kind)
	}

	m.mu.Lock()
	m.lanes = lanes
	m.laneOrder = order
	m.mu.Unlock()
}
