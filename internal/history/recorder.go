// Package history records finished jobs into the storage backend.
package history

import (
	"context"
	"time"

	"jobmill/internal/batch"
	"jobmill/internal/eventbus"
	"jobmill/internal/storage"
	logx "jobmill/pkg/logx"
)

// JobReader is the read-only scheduler surface the recorder needs.
// *batch.Scheduler satisfies it.
type JobReader interface {
	GetJob(id string) (batch.Job, bool)
}

// Recorder appends a JobRecord whenever a job reaches a terminal status.
type Recorder struct {
	log   logx.Logger
	store storage.Store
	jobs  JobReader

	ch    <-chan eventbus.Event
	unsub func()
}

// New subscribes to the bus immediately so that jobs finishing between New
// and Run are not lost; the subscription buffer holds them until Run drains.
func New(log logx.Logger, bus eventbus.Bus, store storage.Store, jobs JobReader) *Recorder {
	ch, unsub := bus.Subscribe(64)
	return &Recorder{log: log, store: store, jobs: jobs, ch: ch, unsub: unsub}
}

// Run blocks until ctx is done. Call it on its own goroutine.
func (r *Recorder) Run(ctx context.Context) {
	defer r.unsub()
	ch := r.ch

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Type {
			case batch.EventJobCompleted, batch.EventJobFailed, batch.EventJobCanceled:
				r.record(ctx, ev)
			}
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev eventbus.Event) {
	data, ok := ev.Data.(batch.JobEvent)
	if !ok {
		return
	}
	j, ok := r.jobs.GetJob(data.JobID)
	if !ok {
		// Deleted before we got to it; the event payload still has the basics.
		j = batch.Job{ID: data.JobID, Name: data.Name, Status: data.Status, Progress: data.Progress}
	}

	rec := storage.JobRecord{
		JobID:      j.ID,
		Name:       j.Name,
		Status:     string(j.Status),
		Progress:   j.Progress,
		Tasks:      len(j.Tasks),
		CreatedAt:  j.CreatedAt,
		FinishedAt: j.CompletedAt,
	}
	for _, t := range j.Tasks {
		switch t.Status {
		case batch.StatusCompleted:
			rec.Completed++
		case batch.StatusFailed:
			rec.Failed++
		case batch.StatusCanceled:
			rec.Canceled++
		}
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = ev.Time
	}
	if !rec.CreatedAt.IsZero() {
		rec.TookMS = rec.FinishedAt.Sub(rec.CreatedAt).Milliseconds()
	}

	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.store.AppendJob(cctx, rec); err != nil {
		r.log.Warn("history append failed", logx.String("job", rec.JobID), logx.Err(err))
	}
}
