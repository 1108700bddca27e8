package schema

import "time"

// Task is a unit of work on the scheduler board. The scheduler owns
// status transitions; everything else is caller-provided description.
type Task struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title,omitempty"`
	Description        string     `json:"description,omitempty"`
	Agent              string     `json:"agent,omitempty"`
	Status             TaskStatus `json:"status"`
	RequiresValidation bool       `json:"requires_validation,omitempty"`
	Result             any        `json:"result,omitempty"`
	Feedback           string     `json:"feedback,omitempty"`
	Error              *FlowError `json:"error,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
}

// Reset clears execution state so the task can run again after a
// revision sweep. Status handling is the scheduler's responsibility.
func (t *Task) Reset() {
	t.Result = nil
	t.Error = nil
	t.StartedAt = nil
	t.EndedAt = nil
}
