package api

import (
	"time"

	"batchscale/internal/history"
	"batchscale/internal/progress"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Progress is the live progress snapshot.
type Progress struct {
	RunID     string  `json:"runId,omitempty"`
	Phase     string  `json:"phase,omitempty"`
	Busy      bool    `json:"busy"`
	Processed int     `json:"processed"`
	Target    int     `json:"target"`
	Percent   float64 `json:"percent"`
	Message   string  `json:"message"`
	UpdatedAt string  `json:"updatedAt,omitempty"`
}

// RunSummary describes one recorded run.
type RunSummary struct {
	ID             string  `json:"id"`
	Source         string  `json:"source"`
	OutputDir      string  `json:"outputDir"`
	Model          string  `json:"model,omitempty"`
	Format         string  `json:"format,omitempty"`
	Status         string  `json:"status"`
	Target         int     `json:"target"`
	Processed      int     `json:"processed"`
	ErrorMessage   string  `json:"errorMessage,omitempty"`
	StartedAt      string  `json:"startedAt,omitempty"`
	FinishedAt     string  `json:"finishedAt,omitempty"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

// Failure is one file that did not finalize.
type Failure struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RunListResponse wraps the run list.
type RunListResponse struct {
	Runs []RunSummary `json:"runs"`
}

// RunDetailResponse is one run with its failures.
type RunDetailResponse struct {
	Run      RunSummary `json:"run"`
	Failures []Failure  `json:"failures"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// FromState converts a progress snapshot.
func FromState(s progress.State) Progress {
	return Progress{
		RunID:     s.RunID,
		Phase:     s.Phase,
		Busy:      s.Busy,
		Processed: s.Processed,
		Target:    s.Target,
		Percent:   s.Percent,
		Message:   s.Message,
		UpdatedAt: formatTime(s.UpdatedAt),
	}
}

// FromRun converts a history row.
func FromRun(r history.Run) RunSummary {
	return RunSummary{
		ID:             r.ID,
		Source:         r.Source,
		OutputDir:      r.OutputDir,
		Model:          r.Model,
		Format:         r.Format,
		Status:         string(r.Status),
		Target:         r.Target,
		Processed:      r.Processed,
		ErrorMessage:   r.ErrorMessage,
		StartedAt:      formatTime(r.StartedAt),
		FinishedAt:     formatTime(r.FinishedAt),
		ElapsedSeconds: r.Elapsed.Seconds(),
	}
}

// FromFailures converts history failures, never returning nil.
func FromFailures(in []history.Failure) []Failure {
	out := make([]Failure, 0, len(in))
	for _, f := range in {
		out = append(out, Failure{Path: f.Path, Kind: f.Kind, Message: f.Message})
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
