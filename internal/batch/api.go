package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "jobmill/pkg/logx"
)

// CreateJob registers a new job built from specs and returns its id.
//
// Task types are not validated here; an unregistered type only fails when
// the task is handed to the executor. If the scheduler is not stopped and a
// global job slot is free, the job starts immediately.
func (s *Scheduler) CreateJob(name string, specs []TaskSpec, opts JobOptions) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("job name is required")
	}
	for i, spec := range specs {
		if strings.TrimSpace(spec.Type) == "" {
			return "", fmt.Errorf("task[%d]: type is required", i)
		}
	}

	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	j := &jobState{
		id:          uuid.NewString(),
		name:        name,
		description: opts.Description,
		status:      StatusPending,
		concurrency: opts.Concurrency,
		running:     map[string]struct{}{},
		createdAt:   now,
		ctx:         ctx,
		cancel:      cancel,
	}

	s.mu.Lock()
	if j.concurrency <= 0 {
		j.concurrency = s.cfg.MaxConcurrentTasksPerJob
	}
	for _, spec := range specs {
		t := &taskState{
			id:          uuid.NewString(),
			typ:         strings.TrimSpace(spec.Type),
			data:        spec.Data,
			metadata:    spec.Metadata,
			status:      StatusPending,
			priority:    s.resolvePriorityLocked(spec, opts),
			maxAttempts: spec.MaxAttempts,
			retryDelay:  spec.RetryDelay,
			createdAt:   now,
		}
		if t.maxAttempts <= 0 {
			t.maxAttempts = opts.MaxAttempts
		}
		if t.maxAttempts <= 0 {
			t.maxAttempts = s.cfg.DefaultMaxAttempts
		}
		if t.retryDelay <= 0 {
			t.retryDelay = opts.RetryDelay
		}
		if t.retryDelay <= 0 {
			t.retryDelay = s.cfg.DefaultRetryDelay
		}
		j.tasks = append(j.tasks, t)
	}
	s.jobs[j.id] = j
	s.publishJob(EventJobCreated, j)
	s.log.Info("job created",
		logx.String("job", j.id),
		logx.String("name", j.name),
		logx.Int("tasks", len(j.tasks)),
		logx.Int("concurrency", j.concurrency),
	)

	if !s.stopped && len(s.runningJobs) < s.cfg.MaxConcurrentJobs {
		s.startJobLocked(j, EventJobStarted)
	}
	s.publishWatchersLocked()
	s.mu.Unlock()

	return j.id, nil
}

func (s *Scheduler) resolvePriorityLocked(spec TaskSpec, opts JobOptions) int {
	if spec.Priority != nil {
		return *spec.Priority
	}
	if opts.Priority != nil {
		return *opts.Priority
	}
	return s.cfg.DefaultPriority
}

// StartJob starts a pending or paused job. It returns false when the job is
// unknown, in another state, or the global job limit is reached.
func (s *Scheduler) StartJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || (j.status != StatusPending && j.status != StatusPaused) {
		return false
	}
	if len(s.runningJobs) >= s.cfg.MaxConcurrentJobs {
		return false
	}
	s.startJobLocked(j, EventJobStarted)
	s.publishWatchersLocked()
	return true
}

// startJobLocked admits j. The caller has verified state and capacity.
// Call with mu held.
func (s *Scheduler) startJobLocked(j *jobState, event string) {
	j.status = StatusRunning
	if j.startedAt.IsZero() {
		j.startedAt = time.Now()
	}
	s.runningJobs[j.id] = struct{}{}
	s.publishJob(event, j)
	s.log.Info("job started", logx.String("job", j.id), logx.String("name", j.name))
	s.admitTasksLocked(j)
	// Zero-task jobs (and jobs whose tasks all failed resolution) finish here.
	s.checkJobDoneLocked(j)
}

// PauseJob stops further task admission for a running job. Tasks already
// mid-execution are not interrupted; their results are still recorded.
func (s *Scheduler) PauseJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.status != StatusRunning {
		return false
	}
	j.status = StatusPaused
	delete(s.runningJobs, j.id)
	s.publishJob(EventJobPaused, j)
	s.log.Info("job paused", logx.String("job", j.id), logx.String("name", j.name))
	s.publishWatchersLocked()
	return true
}

// ResumeJob resumes a paused job, subject to the same admission check as
// StartJob.
func (s *Scheduler) ResumeJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.status != StatusPaused {
		return false
	}
	if len(s.runningJobs) >= s.cfg.MaxConcurrentJobs {
		return false
	}
	s.startJobLocked(j, EventJobResumed)
	s.publishWatchersLocked()
	return true
}

// CancelJob cancels a job and force-cancels every task still pending or
// running, including pending retries. An in-flight processor call is not
// interrupted beyond its context being canceled; a result it reports later
// is ignored.
func (s *Scheduler) CancelJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.status == StatusCompleted || j.status == StatusCanceled {
		return false
	}

	now := time.Now()
	canceled := 0
	for _, t := range j.tasks {
		if t.status != StatusPending && t.status != StatusRunning {
			continue
		}
		s.stopRetryLocked(t)
		t.status = StatusCanceled
		t.completedAt = now
		canceled++
	}
	j.running = map[string]struct{}{}
	j.status = StatusCanceled
	j.completedAt = now
	s.refreshProgressLocked(j)
	delete(s.runningJobs, j.id)
	j.cancel()

	s.publishJob(EventJobCanceled, j)
	s.log.Info("job canceled",
		logx.String("job", j.id),
		logx.String("name", j.name),
		logx.Int("canceled_tasks", canceled),
	)

	s.admitPendingJobsLocked()
	s.publishWatchersLocked()
	return true
}

// DeleteJob removes a job and all of its bookkeeping. Running jobs cannot
// be deleted; cancel or pause them first.
func (s *Scheduler) DeleteJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.status == StatusRunning {
		return false
	}
	for _, t := range j.tasks {
		s.stopRetryLocked(t)
	}
	j.cancel()
	delete(s.jobs, id)
	s.log.Info("job deleted", logx.String("job", id), logx.String("name", j.name))
	s.publishWatchersLocked()
	return true
}

// GetJob returns a snapshot of one job.
func (s *Scheduler) GetJob(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return s.snapshotJobLocked(j), true
}

// GetJobs returns snapshots of all jobs, oldest first.
func (s *Scheduler) GetJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotJobsLocked()
}

// JobSummary returns per-status task counts and the aggregate progress for
// one job.
func (s *Scheduler) JobSummary(id string) (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return Summary{}, false
	}
	sum := Summary{
		JobID:    j.id,
		Name:     j.name,
		Status:   j.status,
		Progress: aggregateProgress(j.tasks),
		Total:    len(j.tasks),
		ByStatus: map[Status]int{},
	}
	for _, t := range j.tasks {
		sum.ByStatus[t.status]++
	}
	return sum, true
}

// admitPendingJobsLocked starts as many queued pending jobs as global
// capacity allows, oldest first. No-op while the scheduler is stopped.
// Call with mu held.
func (s *Scheduler) admitPendingJobsLocked() {
	if s.stopped {
		return
	}
	var queued []*jobState
	for _, j := range s.jobs {
		if j.status == StatusPending {
			queued = append(queued, j)
		}
	}
	sort.SliceStable(queued, func(a, b int) bool {
		return queued[a].createdAt.Before(queued[b].createdAt)
	})
	for _, j := range queued {
		if len(s.runningJobs) >= s.cfg.MaxConcurrentJobs {
			return
		}
		// A nested admission pass (triggered by an instantly completing
		// job) may already have started this one.
		if j.status != StatusPending {
			continue
		}
		s.startJobLocked(j, EventJobStarted)
	}
}
