package campaigns

import "time"

// Campaign is the scheduler's read model of a survey campaign.
//
// Campaign CRUD lives in the admin layer; the orchestration core only reads
// campaigns and flips Status for pause/resume.
type Campaign struct {
	ID       string `json:"id" db:"id" validate:"required"`
	Name     string `json:"name" db:"name"`
	Status   Status `json:"status" db:"status" validate:"oneof=draft scheduled running paused completed cancelled"`
	Language string `json:"language" db:"language" validate:"oneof=en it"`

	IntroScript   string `json:"intro_script" db:"intro_script" validate:"required"`
	ClosingScript string `json:"closing_script,omitempty" db:"closing_script"`

	Questions [3]Question `json:"questions" validate:"dive"`

	MaxAttempts   int           `json:"max_attempts" db:"max_attempts" validate:"min=1,max=5"`
	RetryInterval time.Duration `json:"retry_interval" db:"retry_interval_minutes" validate:"min=1m"`

	Window CallWindow `json:"window"`

	// CallerID overrides the process-wide outbound number when set.
	CallerID string `json:"caller_id,omitempty" db:"caller_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

type Question struct {
	Text string       `json:"text" validate:"required"`
	Type QuestionType `json:"type" validate:"oneof=free_text numeric scale"`
}

type QuestionType string

const (
	QuestionFreeText QuestionType = "free_text"
	QuestionNumeric  QuestionType = "numeric"
	QuestionScale    QuestionType = "scale"
)

// Running reports whether the campaign admits new call attempts.
func (c Campaign) Running() bool { return c.Status == StatusRunning }

// CallerIDOr returns the campaign caller ID or def.
func (c Campaign) CallerIDOr(def string) string {
	if c.CallerID != "" {
		return c.CallerID
	}
	return def
}
