package batch

import "math"

func clampProgress(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// aggregateProgress derives job progress from task progress: the rounded
// mean over all tasks, 0 for an empty job. It is recomputed eagerly on every
// task progress or status change, never cached.
func aggregateProgress(tasks []*taskState) int {
	if len(tasks) == 0 {
		return 0
	}
	sum := 0
	for _, t := range tasks {
		sum += t.progress
	}
	return int(math.Round(float64(sum) / float64(len(tasks))))
}

// refreshProgressLocked recomputes j.progress. Call with mu held.
func (s *Scheduler) refreshProgressLocked(j *jobState) {
	j.progress = aggregateProgress(j.tasks)
}
