package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobmill/internal/eventbus"
	logx "jobmill/pkg/logx"
)

const waitTimeout = 5 * time.Second

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, <-chan eventbus.Event) {
	t.Helper()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(256)
	t.Cleanup(unsub)
	return New(cfg, logx.Nop(), bus), ch
}

// waitEvent consumes events until one of the given type arrives.
func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", typ)
		}
	}
}

// waitJobEvent consumes events until typ arrives for the given job.
func waitJobEvent(t *testing.T, ch <-chan eventbus.Event, typ, jobID string) JobEvent {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-ch:
			if ev.Type != typ {
				continue
			}
			data, ok := ev.Data.(JobEvent)
			if ok && data.JobID == jobID {
				return data
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s of job %s", typ, jobID)
		}
	}
}

func okProc(ctx context.Context, _ Task, report ProgressFunc) (any, error) {
	report(100)
	return "ok", nil
}

func TestCreateJobValidation(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, Config{})

	if _, err := s.CreateJob("  ", nil, JobOptions{}); err == nil {
		t.Fatal("expected error for empty job name")
	}
	if _, err := s.CreateJob("j", []TaskSpec{{Type: " "}}, JobOptions{}); err == nil {
		t.Fatal("expected error for empty task type")
	}
}

func TestJobRunsToCompletion(t *testing.T) {
	t.Parallel()
	s, ch := newTestScheduler(t, Config{})
	s.RegisterProcessor("work", okProc)

	specs := []TaskSpec{{Type: "work"}, {Type: "work"}, {Type: "work"}}
	id, err := s.CreateJob("batch", specs, JobOptions{})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	waitJobEvent(t, ch, EventJobCompleted, id)

	j, ok := s.GetJob(id)
	if !ok {
		t.Fatalf("job %s not found", id)
	}
	if j.Status != StatusCompleted {
		t.Fatalf("job status = %s, want %s", j.Status, StatusCompleted)
	}
	if j.Progress != 100 {
		t.Fatalf("job progress = %d, want 100", j.Progress)
	}
	if j.CompletedAt.IsZero() {
		t.Fatal("completed job has zero CompletedAt")
	}
	for _, task := range j.Tasks {
		if task.Status != StatusCompleted || task.Attempts != 1 {
			t.Fatalf("task %s: status=%s attempts=%d, want completed/1", task.ID, task.Status, task.Attempts)
		}
		if task.Result != "ok" {
			t.Fatalf("task result = %v, want ok", task.Result)
		}
	}
}

func TestZeroTaskJobCompletesImmediately(t *testing.T) {
	t.Parallel()
	s, ch := newTestScheduler(t, Config{})

	id, err := s.CreateJob("empty", nil, JobOptions{})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	waitJobEvent(t, ch, EventJobCompleted, id)

	j, _ := s.GetJob(id)
	if j.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", j.Status, StatusCompleted)
	}
}

func TestTaskPriorityOrder(t *testing.T) {
	t.Parallel()
	s, ch := newTestScheduler(t, Config{})

	var mu sync.Mutex
	var order []string
	s.RegisterProcessor("work", func(_ context.Context, task Task, _ ProgressFunc) (any, error) {
		mu.Lock()
		order = append(order, task.Data.(string))
		mu.Unlock()
		return nil, nil
	})

	low1, high, low2 := 1, 5, 1
	specs := []TaskSpec{
		{Type: "work", Data: "a", Priority: &low1},
		{Type: "work", Data: "b", Priority: &high},
		{Type: "work", Data: "c", Priority: &low2},
	}
	id, err := s.CreateJob("ordered", specs, JobOptions{Concurrency: 1})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	waitJobEvent(t, ch, EventJobCompleted, id)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"b", "a", "c"}
	if len(order) != len(want) {
		t.Fatalf("ran %d tasks, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v (high priority first, ties in creation order)", order, want)
		}
	}
}

func TestRetrySucceedsWithinBudget(t *testing.T) {
	t.Parallel()
	s, ch := newTestScheduler(t, Config{})

	var calls atomic.Int32
	s.RegisterProcessor("flaky", func(context.Context, Task, ProgressFunc) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return "done", nil
	})

	id, err := s.CreateJob("retrying", []TaskSpec{{Type: "flaky"}}, JobOptions{
		MaxAttempts: 2,
		RetryDelay:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	ev := waitEvent(t, ch, EventTaskRetrying)
	if data := ev.Data.(TaskEvent); data.Attempt != 1 || data.Error == "" {
		t.Fatalf("retrying event = %+v, want attempt 1 with error", data)
	}
	waitJobEvent(t, ch, EventJobCompleted, id)

	j, _ := s.GetJob(id)
	task := j.Tasks[0]
	if task.Status != StatusCompleted || task.Attempts != 2 {
		t.Fatalf("task status=%s attempts=%d, want completed/2", task.Status, task.Attempts)
	}
	if task.Error != "" {
		t.Fatalf("completed task still carries error %q", task.Error)
	}
}

func TestRetryExhaustionFailsJob(t *testing.T) {
	t.Parallel()
	s, ch := newTestScheduler(t, Config{})
	s.RegisterProcessor("broken", func(context.Context, Task, ProgressFunc) (any, error) {
		return nil, errors.New("boom")
	})
	s.RegisterProcessor("work", okProc)

	specs := []TaskSpec{{Type: "broken"}, {Type: "work"}}
	id, err := s.CreateJob("doomed", specs, JobOptions{
		MaxAttempts: 2,
		RetryDelay:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	waitJobEvent(t, ch, EventJobFailed, id)

	j, _ := s.GetJob(id)
	if j.Status != StatusFailed {
		t.Fatalf("job status = %s, want %s", j.Status, StatusFailed)
	}
	var failed, completed int
	for _, task := range j.Tasks {
		switch task.Status {
		case StatusFailed:
			failed++
			if task.Attempts != 2 {
				t.Fatalf("failed task attempts = %d, want 2", task.Attempts)
			}
			if !strings.Contains(task.Error, "boom") {
				t.Fatalf("task error = %q, want boom", task.Error)
			}
		case StatusCompleted:
			completed++
		}
	}
	if failed != 1 || completed != 1 {
		t.Fatalf("failed=%d completed=%d, want 1/1", failed, completed)
	}
}

func TestMissingProcessorFailsTaskWithoutAttempt(t *testing.T) {
	t.Parallel()
	s, ch := newTestScheduler(t, Config{})
	s.RegisterProcessor("work", okProc)

	specs := []TaskSpec{{Type: "work"}, {Type: "unknown"}}
	id, err := s.CreateJob("partial", specs, JobOptions{})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	waitJobEvent(t, ch, EventJobFailed, id)

	j, _ := s.GetJob(id)
	for _, task := range j.Tasks {
		if task.Type != "unknown" {
			continue
		}
		if task.Status != StatusFailed {
			t.Fatalf("unknown task status = %s, want %s", task.Status, StatusFailed)
		}
		if task.Attempts != 0 {
			t.Fatalf("configuration failure consumed %d attempts, want 0", task.Attempts)
		}
		if !strings.Contains(task.Error, `"unknown"`) {
			t.Fatalf("task error = %q, want the missing type named", task.Error)
		}
	}
}

func TestPerJobConcurrencyLimit(t *testing.T) {
	t.Parallel()
	s, ch := newTestScheduler(t, Config{})

	var active, peak atomic.Int32
	gate := make(chan struct{})
	started := make(chan struct{}, 8)
	s.RegisterProcessor("work", func(context.Context, Task, ProgressFunc) (any, error) {
		cur := active.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		started <- struct{}{}
		<-gate
		active.Add(-1)
		return nil, nil
	})

	specs := []TaskSpec{{Type: "work"}, {Type: "work"}, {Type: "work"}, {Type: "work"}}
	id, err := s.CreateJob("bounded", specs, JobOptions{Concurrency: 2})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// Both slots fill before anything finishes.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(waitTimeout):
			t.Fatal("timed out waiting for tasks to start")
		}
	}
	close(gate)
	waitJobEvent(t, ch, EventJobCompleted, id)

	if got := peak.Load(); got != 2 {
		t.Fatalf("peak concurrent tasks = %d, want 2", got)
	}
}

func TestGlobalJobLimitQueuesJobs(t *testing.T) {
	t.Parallel()
	s, ch := newTestScheduler(t, Config{MaxConcurrentJobs: 1})

	gate := make(chan struct{})
	s.RegisterProcessor("block", func(context.Context, Task, ProgressFunc) (any, error) {
		<-gate
		return nil, nil
	})
	s.RegisterProcessor("quick", okProc)

	first, err := s.CreateJob("first", []TaskSpec{{Type: "block"}}, JobOptions{})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	waitJobEvent(t, ch, EventJobStarted, first)

	second, err := s.CreateJob("second", []TaskSpec{{Type: "quick"}}, JobOptions{})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if j, _ := s.GetJob(second); j.Status != StatusPending {
		t.Fatalf("second job status = %s, want %s while slot is taken", j.Status, StatusPending)
	}
	if s.StartJob(second) {
		t.Fatal("StartJob succeeded past the global job limit")
	}

	close(gate)
	waitJobEvent(t, ch, EventJobCompleted, first)
	waitJobEvent(t, ch, EventJobCompleted, second)
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()
	s, ch := newTestScheduler(t, Config{})

	gate := make(chan struct{})
	s.RegisterProcessor("work", func(context.Context, Task, ProgressFunc) (any, error) {
		<-gate
		return nil, nil
	})

	specs := []TaskSpec{{Type: "work"}, {Type: "work"}}
	id, err := s.CreateJob("pausable", specs, JobOptions{Concurrency: 1})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	waitEvent(t, ch, EventTaskStarted)

	if !s.PauseJob(id) {
		t.Fatal("PauseJob returned false for a running job")
	}
	// The in-flight task finishes and its result is recorded, but the job
	// stays paused and the second task is not admitted.
	close(gate)
	waitEvent(t, ch, EventTaskCompleted)

	j, _ := s.GetJob(id)
	if j.Status != StatusPaused {
		t.Fatalf("job status = %s, want %s", j.Status, StatusPaused)
	}
	var done, pending int
	for _, task := range j.Tasks {
		switch task.Status {
		case StatusCompleted:
			done++
		case StatusPending:
			pending++
		}
	}
	if done != 1 || pending != 1 {
		t.Fatalf("completed=%d pending=%d after pause, want 1/1", done, pending)
	}

	if !s.ResumeJob(id) {
		t.Fatal("ResumeJob returned false for a paused job")
	}
	waitJobEvent(t, ch, EventJobCompleted, id)
}

func TestCancelStopsRetriesAndInflightWork(t *testing.T) {
	t.Parallel()
	s, ch := newTestScheduler(t, Config{})

	unblocked := make(chan struct{})
	s.RegisterProcessor("block", func(ctx context.Context, _ Task, _ ProgressFunc) (any, error) {
		<-ctx.Done()
		close(unblocked)
		return nil, ctx.Err()
	})
	s.RegisterProcessor("broken", func(context.Context, Task, ProgressFunc) (any, error) {
		return nil, errors.New("boom")
	})

	specs := []TaskSpec{
		{Type: "block"},
		{Type: "broken", MaxAttempts: 3, RetryDelay: time.Hour},
	}
	id, err := s.CreateJob("cancelable", specs, JobOptions{Concurrency: 2})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	// The broken task is now waiting out a one-hour retry delay.
	waitEvent(t, ch, EventTaskRetrying)

	if !s.CancelJob(id) {
		t.Fatal("CancelJob returned false")
	}
	waitJobEvent(t, ch, EventJobCanceled, id)

	// Cancellation reaches the in-flight processor through the job context.
	select {
	case <-unblocked:
	case <-time.After(waitTimeout):
		t.Fatal("in-flight processor did not observe cancellation")
	}

	j, _ := s.GetJob(id)
	if j.Status != StatusCanceled {
		t.Fatalf("job status = %s, want %s", j.Status, StatusCanceled)
	}
	for _, task := range j.Tasks {
		if task.Status != StatusCanceled {
			t.Fatalf("task %s status = %s, want %s", task.Type, task.Status, StatusCanceled)
		}
	}
	// The canceled-while-retrying task never got another attempt.
	for _, task := range j.Tasks {
		if task.Type == "broken" && task.Attempts != 1 {
			t.Fatalf("broken task attempts = %d, want 1", task.Attempts)
		}
	}

	if s.CancelJob(id) {
		t.Fatal("CancelJob succeeded twice")
	}
}

func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()
	s, ch := newTestScheduler(t, Config{MaxConcurrentJobs: 1})

	gate := make(chan struct{})
	defer close(gate)
	s.RegisterProcessor("block", func(context.Context, Task, ProgressFunc) (any, error) {
		<-gate
		return nil, nil
	})

	running, err := s.CreateJob("running", []TaskSpec{{Type: "block"}}, JobOptions{})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	waitJobEvent(t, ch, EventJobStarted, running)

	queued, err := s.CreateJob("queued", []TaskSpec{{Type: "block"}}, JobOptions{})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if s.PauseJob(queued) {
		t.Fatal("paused a pending job")
	}
	if s.ResumeJob(running) {
		t.Fatal("resumed a running job")
	}
	if s.DeleteJob(running) {
		t.Fatal("deleted a running job")
	}
	if s.StartJob("nope") || s.PauseJob("nope") || s.CancelJob("nope") || s.DeleteJob("nope") {
		t.Fatal("lifecycle call succeeded for unknown job id")
	}

	if !s.DeleteJob(queued) {
		t.Fatal("DeleteJob returned false for a pending job")
	}
	if _, ok := s.GetJob(queued); ok {
		t.Fatal("deleted job still visible")
	}
}

func TestStopGatesAdmission(t *testing.T) {
	t.Parallel()
	s, ch := newTestScheduler(t, Config{})
	s.RegisterProcessor("work", okProc)

	s.Stop()
	id, err := s.CreateJob("held", []TaskSpec{{Type: "work"}}, JobOptions{})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if j, _ := s.GetJob(id); j.Status != StatusPending {
		t.Fatalf("job status = %s, want %s while stopped", j.Status, StatusPending)
	}

	// Explicit start bypasses the gate.
	if !s.StartJob(id) {
		t.Fatal("StartJob returned false while stopped")
	}
	waitJobEvent(t, ch, EventJobCompleted, id)

	held, err := s.CreateJob("held2", []TaskSpec{{Type: "work"}}, JobOptions{})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if j, _ := s.GetJob(held); j.Status != StatusPending {
		t.Fatalf("job status = %s, want pending while stopped", j.Status)
	}
	s.Start()
	waitJobEvent(t, ch, EventJobCompleted, held)
}

func TestJobSummary(t *testing.T) {
	t.Parallel()
	s, ch := newTestScheduler(t, Config{})
	s.RegisterProcessor("work", okProc)
	s.RegisterProcessor("broken", func(context.Context, Task, ProgressFunc) (any, error) {
		return nil, errors.New("boom")
	})

	specs := []TaskSpec{{Type: "work"}, {Type: "work"}, {Type: "broken", MaxAttempts: 1}}
	id, err := s.CreateJob("mixed", specs, JobOptions{})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	waitJobEvent(t, ch, EventJobFailed, id)

	sum, ok := s.JobSummary(id)
	if !ok {
		t.Fatal("JobSummary returned false")
	}
	if sum.Total != 3 {
		t.Fatalf("total = %d, want 3", sum.Total)
	}
	if sum.ByStatus[StatusCompleted] != 2 || sum.ByStatus[StatusFailed] != 1 {
		t.Fatalf("by-status = %v, want 2 completed / 1 failed", sum.ByStatus)
	}
	// Two tasks at 100, one at 0: mean 66.67 rounds to 67.
	if sum.Progress != 67 {
		t.Fatalf("summary progress = %d, want 67", sum.Progress)
	}
	if sum.Status != StatusFailed {
		t.Fatalf("summary status = %s, want %s", sum.Status, StatusFailed)
	}

	if _, ok := s.JobSummary("nope"); ok {
		t.Fatal("JobSummary returned true for unknown id")
	}
}

func TestProcessorPanicBecomesTaskError(t *testing.T) {
	t.Parallel()
	s, ch := newTestScheduler(t, Config{})
	s.RegisterProcessor("hot", func(context.Context, Task, ProgressFunc) (any, error) {
		panic("kaboom")
	})

	id, err := s.CreateJob("panicky", []TaskSpec{{Type: "hot"}}, JobOptions{
		MaxAttempts: 1,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	waitJobEvent(t, ch, EventJobFailed, id)

	j, _ := s.GetJob(id)
	if !strings.Contains(j.Tasks[0].Error, "kaboom") {
		t.Fatalf("task error = %q, want panic message", j.Tasks[0].Error)
	}
}

func TestWatchJobsStreamsSnapshots(t *testing.T) {
	t.Parallel()
	s, ch := newTestScheduler(t, Config{})
	s.RegisterProcessor("work", okProc)

	frames, unsub := s.WatchJobs(16)
	defer unsub()

	id, err := s.CreateJob("watched", []TaskSpec{{Type: "work"}}, JobOptions{})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	waitJobEvent(t, ch, EventJobCompleted, id)

	deadline := time.After(waitTimeout)
	for {
		select {
		case jobs := <-frames:
			for _, j := range jobs {
				if j.ID == id && j.Status == StatusCompleted {
					return
				}
			}
		case <-deadline:
			t.Fatal("watcher never delivered the completed snapshot")
		}
	}
}

// waitFrame consumes watcher frames until one shows the job in the wanted
// status.
func waitFrame(t *testing.T, frames <-chan []Job, jobID string, want Status) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case jobs := <-frames:
			for _, j := range jobs {
				if j.ID == jobID && j.Status == want {
					return
				}
			}
		case <-deadline:
			t.Fatalf("no watcher frame showed job %s as %s", jobID, want)
		}
	}
}

func TestStartAndApplyPublishWatcherFrames(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, Config{MaxConcurrentJobs: 1})

	gate := make(chan struct{})
	defer close(gate)
	s.RegisterProcessor("block", func(context.Context, Task, ProgressFunc) (any, error) {
		<-gate
		return nil, nil
	})

	frames, unsub := s.WatchJobs(32)
	defer unsub()

	// A job created under the admission gate stays pending; lifting the gate
	// admits it and must surface the transition on the watcher stream.
	s.Stop()
	first, err := s.CreateJob("gated", []TaskSpec{{Type: "block"}}, JobOptions{})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	waitFrame(t, frames, first, StatusPending)
	s.Start()
	waitFrame(t, frames, first, StatusRunning)

	// A job queued behind the global limit is admitted when a config reload
	// widens it; that transition must surface on the stream too.
	second, err := s.CreateJob("queued", []TaskSpec{{Type: "block"}}, JobOptions{})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	waitFrame(t, frames, second, StatusPending)
	s.Apply(Config{MaxConcurrentJobs: 2})
	waitFrame(t, frames, second, StatusRunning)
}

func TestProgressEventsAreClamped(t *testing.T) {
	t.Parallel()
	s, ch := newTestScheduler(t, Config{})

	s.RegisterProcessor("chatty", func(_ context.Context, _ Task, report ProgressFunc) (any, error) {
		report(-10)
		report(250)
		return nil, nil
	})

	id, err := s.CreateJob("clamped", []TaskSpec{{Type: "chatty"}}, JobOptions{})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-ch:
			if ev.Type != EventTaskProgress {
				continue
			}
			data := ev.Data.(TaskEvent)
			if data.Progress < 0 || data.Progress > 100 {
				t.Fatalf("progress %d escaped the 0..100 clamp", data.Progress)
			}
			if data.Progress == 100 {
				waitJobEvent(t, ch, EventJobCompleted, id)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for progress events")
		}
	}
}
