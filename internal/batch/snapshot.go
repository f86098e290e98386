package batch

import "sort"

func (s *Scheduler) snapshotTaskLocked(t *taskState) Task {
	return Task{
		ID:          t.id,
		Type:        t.typ,
		Data:        t.data,
		Metadata:    t.metadata,
		Status:      t.status,
		Progress:    t.progress,
		Priority:    t.priority,
		Attempts:    t.attempts,
		MaxAttempts: t.maxAttempts,
		RetryDelay:  t.retryDelay,
		Result:      t.result,
		Error:       t.err,
		CreatedAt:   t.createdAt,
		StartedAt:   t.startedAt,
		CompletedAt: t.completedAt,
	}
}

func (s *Scheduler) snapshotJobLocked(j *jobState) Job {
	tasks := make([]Task, 0, len(j.tasks))
	for _, t := range j.tasks {
		tasks = append(tasks, s.snapshotTaskLocked(t))
	}
	return Job{
		ID:          j.id,
		Name:        j.name,
		Description: j.description,
		Status:      j.status,
		Progress:    j.progress,
		Concurrency: j.concurrency,
		Tasks:       tasks,
		CreatedAt:   j.createdAt,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
	}
}

func (s *Scheduler) snapshotJobsLocked() []Job {
	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, s.snapshotJobLocked(j))
	}
	sort.SliceStable(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
	return jobs
}

// WatchJobs subscribes to the job-table stream: the full set of job
// snapshots is delivered after every mutation. Delivery follows the bus
// contract (buffered, non-blocking, slow subscribers drop frames).
func (s *Scheduler) WatchJobs(buffer int) (<-chan []Job, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan []Job, buffer)

	s.watchMu.Lock()
	s.watchSeq++
	id := s.watchSeq
	s.watchers[id] = ch
	s.watchMu.Unlock()

	unsub := func() {
		s.watchMu.Lock()
		if cur, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(cur)
		}
		s.watchMu.Unlock()
	}
	return ch, unsub
}

// publishWatchersLocked pushes the current job table to WatchJobs
// subscribers. Call with mu held.
func (s *Scheduler) publishWatchersLocked() {
	s.watchMu.Lock()
	n := len(s.watchers)
	s.watchMu.Unlock()
	if n == 0 {
		return
	}

	jobs := s.snapshotJobsLocked()

	s.watchMu.Lock()
	for _, ch := range s.watchers {
		select {
		case ch <- jobs:
		default:
		}
	}
	s.watchMu.Unlock()
}

// Snapshot returns a scheduler-wide diagnostic view.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Stopped:                  s.stopped,
		Jobs:                     len(s.jobs),
		RunningJobs:              len(s.runningJobs),
		Processors:               len(s.procs),
		MaxConcurrentJobs:        s.cfg.MaxConcurrentJobs,
		MaxConcurrentTasksPerJob: s.cfg.MaxConcurrentTasksPerJob,
	}
	for _, j := range s.jobs {
		if j.status == StatusPending {
			snap.PendingJobs++
		}
		snap.RunningTasks += len(j.running)
	}
	return snap
}
