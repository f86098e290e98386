package batch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	logx "jobmill/pkg/logx"
)

// admitTasksLocked fills free task slots of a running job with its
// highest-priority pending tasks. Ties keep creation order: the candidate
// slice is built in task order and sorted stably on priority alone, which
// makes insertion-order tie-breaking an explicit guarantee rather than a
// sort-routine accident. Call with mu held.
func (s *Scheduler) admitTasksLocked(j *jobState) {
	if j.status != StatusRunning {
		return
	}
	free := j.concurrency - len(j.running)
	if free <= 0 {
		return
	}

	var pending []*taskState
	for _, t := range j.tasks {
		// Tasks waiting out a retry delay are not admission candidates
		// until their timer fires.
		if t.status == StatusPending && t.retryTimer == nil {
			pending = append(pending, t)
		}
	}
	sort.SliceStable(pending, func(a, b int) bool {
		return pending[a].priority > pending[b].priority
	})

	for _, t := range pending {
		if free <= 0 {
			return
		}
		if s.startTaskLocked(j, t) {
			free--
		}
	}
}

// startTaskLocked hands one pending task to the executor. It returns true
// when the task now occupies a slot. A missing processor fails the task
// immediately without consuming an attempt. Call with mu held.
func (s *Scheduler) startTaskLocked(j *jobState, t *taskState) bool {
	proc, ok := s.procs[t.typ]
	if !ok {
		t.status = StatusFailed
		t.err = fmt.Sprintf("no processor registered for task type %q", t.typ)
		t.completedAt = time.Now()
		s.refreshProgressLocked(j)
		s.publishTask(EventTaskFailed, j, t, TaskEvent{Error: t.err})
		s.log.Warn("task failed: unknown type",
			logx.String("job", j.id),
			logx.String("task", t.id),
			logx.String("type", t.typ),
		)
		return false
	}

	t.status = StatusRunning
	t.attempts++
	t.startedAt = time.Now()
	j.running[t.id] = struct{}{}
	s.publishTask(EventTaskStarted, j, t, TaskEvent{Attempt: t.attempts})
	s.log.Debug("task started",
		logx.String("job", j.id),
		logx.String("task", t.id),
		logx.String("type", t.typ),
		logx.Int("attempt", t.attempts),
	)

	go s.runProcessor(j.ctx, j.id, proc, s.snapshotTaskLocked(t))
	return true
}

// runProcessor executes one attempt on its own goroutine. Panics are
// converted to task errors so one bad processor cannot take the scheduler
// down or leak a task slot.
func (s *Scheduler) runProcessor(ctx context.Context, jobID string, proc Processor, t Task) {
	report := func(pct int) { s.onProgress(jobID, t.ID, pct) }

	var result any
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("processor panic",
					logx.String("job", jobID),
					logx.String("task", t.ID),
					logx.String("type", t.Type),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())),
				)
			}
		}()
		result, err = proc(ctx, t, report)
	}()

	s.onTaskDone(jobID, t.ID, result, err)
}

// onProgress is the progress callback handed to processors. Reports from
// attempts that are no longer current (task canceled, job deleted) are
// dropped.
func (s *Scheduler) onProgress(jobID, taskID string, pct int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, t := s.lookupLocked(jobID, taskID)
	if t == nil || t.status != StatusRunning {
		return
	}
	t.progress = clampProgress(pct)
	s.refreshProgressLocked(j)
	s.publishTask(EventTaskProgress, j, t, TaskEvent{Attempt: t.attempts, Progress: t.progress})
	s.publishWatchersLocked()
}

// onTaskDone records the outcome of one processor attempt and drives
// retry, finalization, intra-job admission and job completion.
func (s *Scheduler) onTaskDone(jobID, taskID string, result any, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, t := s.lookupLocked(jobID, taskID)
	if t == nil || t.status != StatusRunning {
		// Late outcome from a canceled or deleted job. Tolerated and
		// dropped; the terminal state set by CancelJob wins.
		s.log.Debug("late task outcome ignored",
			logx.String("job", jobID),
			logx.String("task", taskID),
		)
		return
	}

	now := time.Now()
	delete(j.running, t.id)

	switch {
	case err == nil:
		t.status = StatusCompleted
		t.result = result
		t.err = ""
		t.progress = 100
		t.completedAt = now
		s.refreshProgressLocked(j)
		s.publishTask(EventTaskCompleted, j, t, TaskEvent{Attempt: t.attempts, Progress: 100, Result: result})
		s.log.Debug("task completed",
			logx.String("job", j.id),
			logx.String("task", t.id),
			logx.Int("attempts", t.attempts),
		)

	case t.attempts < t.maxAttempts:
		t.status = StatusPending
		t.err = err.Error()
		s.refreshProgressLocked(j)
		s.publishTask(EventTaskRetrying, j, t, TaskEvent{Attempt: t.attempts, Error: t.err})
		s.log.Warn("task retry scheduled",
			logx.String("job", j.id),
			logx.String("task", t.id),
			logx.Int("attempt", t.attempts),
			logx.Int("max_attempts", t.maxAttempts),
			logx.Duration("delay", t.retryDelay),
			logx.Err(err),
		)
		s.scheduleRetryLocked(j, t)

	default:
		t.status = StatusFailed
		t.err = err.Error()
		t.completedAt = now
		s.refreshProgressLocked(j)
		s.publishTask(EventTaskFailed, j, t, TaskEvent{Attempt: t.attempts, Error: t.err})
		s.log.Warn("task failed permanently",
			logx.String("job", j.id),
			logx.String("task", t.id),
			logx.Int("attempts", t.attempts),
			logx.Err(err),
		)
	}

	if j.status == StatusRunning {
		s.admitTasksLocked(j)
		s.checkJobDoneLocked(j)
	}
	s.publishWatchersLocked()
}

// scheduleRetryLocked arms the one-shot retry timer for a task that failed
// with attempts left. The timer handle stays on the task so CancelJob and
// DeleteJob can stop pending retries deterministically; the version counter
// invalidates callbacks from timers that fired concurrently with a stop.
// Call with mu held.
func (s *Scheduler) scheduleRetryLocked(j *jobState, t *taskState) {
	t.retryVer++
	ver := t.retryVer
	jobID, taskID := j.id, t.id
	t.retryTimer = time.AfterFunc(t.retryDelay, func() {
		s.onRetryTimer(jobID, taskID, ver)
	})
}

func (s *Scheduler) onRetryTimer(jobID, taskID string, ver uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, t := s.lookupLocked(jobID, taskID)
	if t == nil || t.retryVer != ver {
		return
	}
	t.retryTimer = nil
	if j.status != StatusRunning {
		// Paused (or stopped mid-flight): the task stays pending and is
		// re-admitted when the job runs again.
		return
	}
	s.admitTasksLocked(j)
	s.publishWatchersLocked()
}

// stopRetryLocked disarms a pending retry, if any. Call with mu held.
func (s *Scheduler) stopRetryLocked(t *taskState) {
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
	t.retryVer++
}

// checkJobDoneLocked finalizes a running job once every task is terminal:
// failed if any task failed, completed otherwise. Finishing a job frees a
// global slot, so queued pending jobs are re-evaluated afterwards. Call
// with mu held.
func (s *Scheduler) checkJobDoneLocked(j *jobState) {
	if j.status != StatusRunning {
		return
	}
	failed := false
	for _, t := range j.tasks {
		if !t.status.Terminal() {
			return
		}
		if t.status == StatusFailed {
			failed = true
		}
	}

	j.status = StatusCompleted
	event := EventJobCompleted
	if failed {
		j.status = StatusFailed
		event = EventJobFailed
	}
	j.completedAt = time.Now()
	j.running = map[string]struct{}{}
	s.refreshProgressLocked(j)
	delete(s.runningJobs, j.id)
	j.cancel()

	s.publishJob(event, j)
	s.log.Info("job finished",
		logx.String("job", j.id),
		logx.String("name", j.name),
		logx.String("status", string(j.status)),
		logx.Duration("took", j.completedAt.Sub(j.createdAt)),
	)

	s.admitPendingJobsLocked()
}

func (s *Scheduler) lookupLocked(jobID, taskID string) (*jobState, *taskState) {
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	for _, t := range j.tasks {
		if t.id == taskID {
			return j, t
		}
	}
	return j, nil
}
