package history

import "time"

// Status is the terminal or current state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
)

// Run is one persisted batch run.
type Run struct {
	ID           string        `json:"id"`
	Source       string        `json:"source"`
	OutputDir    string        `json:"output_dir"`
	Model        string        `json:"model,omitempty"`
	Format       string        `json:"format,omitempty"`
	Target       int           `json:"target"`
	Processed    int           `json:"processed"`
	Status       Status        `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at,omitzero"`
	Elapsed      time.Duration `json:"elapsed_ns"`
}

// Failure is one file that did not finalize.
type Failure struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Outcome is what Finish records.
type Outcome struct {
	Status       Status
	Target       int
	Processed    int
	ErrorMessage string
	Elapsed      time.Duration
	Failures     []Failure
}
