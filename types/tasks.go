package types

import "encoding/json"

// TaskUnit is one unit of benchmark work dispatched to every active worker
// during a round. Pools of task units are generated once per season and
// reused across the season's rounds, so the same unit id always refers to
// the same content.
type TaskUnit struct {
	ID               string          `json:"id"`
	Season           int64           `json:"season"`
	Index            int             `json:"index"`
	Kind             string          `json:"kind"`
	Statement        string          `json:"statement"`
	Body             json.RawMessage `json:"body,omitempty"`
	TimeLimitSeconds int64           `json:"time_limit_seconds"`
}

// Submission is a worker's answer to a single task unit. A nil *Submission
// is the explicit "no answer" value: workers that time out, error, or
// respond without content are represented as nil all the way through
// evaluation instead of being special-cased at every call site.
type Submission struct {
	TaskID      string            `json:"task_id"`
	WorkerID    string            `json:"worker_id"`
	AgentName   string            `json:"agent_name,omitempty"`
	Version     string            `json:"version,omitempty"`
	Content     string            `json:"content"`
	Attachments map[string]string `json:"attachments,omitempty"`
}

// IsEmpty reports whether the submission carries no usable content.
func (s *Submission) IsEmpty() bool {
	return s == nil || (s.Content == "" && len(s.Attachments) == 0)
}
