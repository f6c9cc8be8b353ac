package schemas

import "time"

// ActionRequest is one action the model chose, by catalog name, with its
// raw parameters. Parameters are validated against the registered schema
// before dispatch.
type ActionRequest struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// Decision is the structured output expected from the model each step: a
// short self-assessment, anything worth remembering, the immediate goal,
// and an ordered batch of actions.
type Decision struct {
	StateAssessment string          `json:"state_assessment,omitempty"`
	Memory          string          `json:"memory,omitempty"`
	NextGoal        string          `json:"next_goal,omitempty"`
	Actions         []ActionRequest `json:"actions"`
}

// ActionRecord is the persisted outcome of one dispatched action.
type ActionRecord struct {
	Name            string         `json:"name"`
	Params          map[string]any `json:"params,omitempty"`
	TargetSignature string         `json:"target_signature,omitempty"`
	OK              bool           `json:"ok"`
	Error           string         `json:"error,omitempty"`
	Extracted       string         `json:"extracted,omitempty"`
	Skipped         bool           `json:"skipped,omitempty"` // page changed before this action ran
	DurationMS      int64          `json:"duration_ms"`
	IncludeInMemory bool           `json:"include_in_memory,omitempty"`
}

// StepRecord is the persisted trace of one perceive-decide-act-observe
// cycle, sufficient to replay the step by element signature.
type StepRecord struct {
	EpisodeID    string         `json:"episode_id"`
	StepIndex    int            `json:"step_index"`
	URL          string         `json:"url"`
	Title        string         `json:"title,omitempty"`
	ViewSize     int            `json:"view_size"` // indexable elements this cycle
	Decision     Decision       `json:"decision"`
	Actions      []ActionRecord `json:"actions"`
	NewElements  int            `json:"new_elements"`
	GoneElements int            `json:"gone_elements"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
}

// EpisodeStatus is the terminal or live status of an episode.
type EpisodeStatus string

const (
	EpisodeRunning EpisodeStatus = "running"
	EpisodeDone    EpisodeStatus = "done"
	EpisodeFailed  EpisodeStatus = "failed"
	EpisodeStopped EpisodeStatus = "stopped"
)

// EpisodeRecord is the persisted header of one episode.
type EpisodeRecord struct {
	ID             string        `json:"id"`
	Task           string        `json:"task"`
	Status         EpisodeStatus `json:"status"`
	Success        bool          `json:"success"`
	PartialSuccess bool          `json:"partial_success,omitempty"` // step limit reached mid-task
	Steps          int           `json:"steps"`
	TokensUsed     int           `json:"tokens_used"`
	FinalURL       string        `json:"final_url,omitempty"`
	Summary        string        `json:"summary,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
}
