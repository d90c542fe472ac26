package agent

import (
	"context"
	"fmt"
	"log"

	"treasury_watcher/internal/docs"
	"treasury_watcher/internal/models"
	"treasury_watcher/internal/parser"
)

// SchedulerTick fires every due schedule exactly once. The spawned command
// enters the pipeline already APPROVED: the schedule itself went through
// approval when it was armed.
func (a *Agent) SchedulerTick(ctx context.Context) {
	if !a.schedGuard.TryLock() {
		return
	}
	defer a.schedGuard.Unlock()

	due, err := a.store.DueSchedules()
	if err != nil {
		log.Printf("Scheduler: query due: %v", err)
		return
	}

	for _, sched := range due {
		if err := a.fireSchedule(ctx, sched); err != nil {
			log.Printf("[%s] Schedule %s fire failed: %v", sched.DocID, sched.ScheduleID, err)
		}
	}
}

func (a *Agent) fireSchedule(ctx context.Context, sched *models.Schedule) error {
	parsed, err := parser.ParseInner(sched.InnerText)
	if err != nil {
		// The inner text no longer parses, so the schedule can never
		// produce a runnable command again. Disarm it.
		log.Printf("[%s] Schedule %s inner text unparseable, cancelling: %v", sched.DocID, sched.ScheduleID, err)
		return a.store.CancelSchedule(sched.ScheduleID)
	}

	raw := fmt.Sprintf("[SCHED:%s#%d] %s", sched.ScheduleID, sched.TotalRuns+1, sched.InnerText)
	cmd, err := a.store.CreateCommand(sched.DocID, raw, &parsed, models.StatusApproved)
	if err != nil {
		return err
	}
	log.Printf("[%s] Schedule %s run %d spawned command %s", sched.DocID, sched.ScheduleID, sched.TotalRuns+1, cmd.CmdID)

	// Best effort; the store row is authoritative even when the document
	// append fails.
	if err := a.provider.AppendRow(ctx, sched.DocID, docs.Row{
		ID:     cmd.CmdID,
		Text:   raw,
		Status: string(models.StatusApproved),
	}); err != nil {
		log.Printf("[%s] Schedule %s append row: %v", sched.DocID, sched.ScheduleID, err)
	}

	return a.store.AdvanceSchedule(sched.ScheduleID)
}
