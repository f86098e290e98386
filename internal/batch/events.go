package batch

// Event types published on the bus. Payloads are JobEvent and TaskEvent.
const (
	EventJobCreated   = "job.created"
	EventJobStarted   = "job.started"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobCanceled  = "job.canceled"
	EventJobPaused    = "job.paused"
	EventJobResumed   = "job.resumed"

	EventTaskStarted   = "task.started"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
	EventTaskRetrying  = "task.retrying"
	EventTaskProgress  = "task.progress"
)

// JobEvent is the payload for job.* events.
type JobEvent struct {
	JobID    string `json:"job_id"`
	Name     string `json:"name"`
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
}

// TaskEvent is the payload for task.* events.
//
// Attempt is the attempt the event refers to: for task.retrying it is the
// attempt that just failed, for task.started the attempt that just began.
type TaskEvent struct {
	JobID  string `json:"job_id"`
	TaskID string `json:"task_id"`
	Type   string `json:"type"`

	Attempt  int    `json:"attempt,omitempty"`
	Progress int    `json:"progress,omitempty"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}
