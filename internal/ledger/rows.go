package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"voice-survey-agent/internal/calls"
	"voice-survey-agent/internal/campaigns"
)

type scanner interface {
	Scan(dest ...any) error
}

const campaignColumns = `p.id, p.name, p.status, p.language, p.intro_script, p.closing_script,
	p.question_1_text, p.question_1_type, p.question_2_text, p.question_2_type,
	p.question_3_text, p.question_3_type, p.max_attempts, p.retry_interval_minutes,
	to_char(p.allowed_call_start_local, 'HH24:MI'), to_char(p.allowed_call_end_local, 'HH24:MI'),
	p.timezone, p.caller_id, p.created_at, p.updated_at`

type campaignRow struct {
	c          campaigns.Campaign
	qText      [3]string
	qType      [3]string
	retryMins  int
	start, end string
}

func (r *campaignRow) dest() []any {
	return []any{
		&r.c.ID, &r.c.Name, &r.c.Status, &r.c.Language, &r.c.IntroScript, &r.c.ClosingScript,
		&r.qText[0], &r.qType[0], &r.qText[1], &r.qType[1], &r.qText[2], &r.qType[2],
		&r.c.MaxAttempts, &r.retryMins, &r.start, &r.end,
		&r.c.Window.Timezone, &r.c.CallerID, &r.c.CreatedAt, &r.c.UpdatedAt,
	}
}

func (r *campaignRow) campaign() (campaigns.Campaign, error) {
	c := r.c
	for i := range c.Questions {
		c.Questions[i] = campaigns.Question{Text: r.qText[i], Type: campaigns.QuestionType(r.qType[i])}
	}
	c.RetryInterval = time.Duration(r.retryMins) * time.Minute
	var err error
	if c.Window.Start, err = campaigns.ParseLocalTime(r.start); err != nil {
		return campaigns.Campaign{}, fmt.Errorf("campaign %s: %w", c.ID, err)
	}
	if c.Window.End, err = campaigns.ParseLocalTime(r.end); err != nil {
		return campaigns.Campaign{}, fmt.Errorf("campaign %s: %w", c.ID, err)
	}
	return c, nil
}

const contactColumns = `c.id, c.campaign_id, c.phone_number, c.state, c.attempts_count,
	c.last_attempt_at, c.last_outcome, c.created_at, c.updated_at`

type contactRow struct {
	c           calls.Contact
	lastAttempt sql.NullTime
	lastOutcome sql.NullString
}

func (r *contactRow) dest() []any {
	return []any{
		&r.c.ID, &r.c.CampaignID, &r.c.PhoneNumber, &r.c.State, &r.c.AttemptsCount,
		&r.lastAttempt, &r.lastOutcome, &r.c.CreatedAt, &r.c.UpdatedAt,
	}
}

func (r *contactRow) contact() calls.Contact {
	c := r.c
	c.LastAttemptAt = timePtr(r.lastAttempt)
	c.LastOutcome = outcomePtr(r.lastOutcome)
	return c
}

const attemptColumns = `a.id, a.contact_id, a.campaign_id, a.attempt_number, a.call_id,
	a.provider_call_id, a.started_at, a.answered_at, a.ended_at, a.outcome, a.error_code, a.version`

type attemptRow struct {
	a          calls.CallAttempt
	providerID sql.NullString
	answeredAt sql.NullTime
	endedAt    sql.NullTime
	outcome    sql.NullString
	errorCode  sql.NullString
}

func (r *attemptRow) dest() []any {
	return []any{
		&r.a.ID, &r.a.ContactID, &r.a.CampaignID, &r.a.AttemptNumber, &r.a.CallID,
		&r.providerID, &r.a.StartedAt, &r.answeredAt, &r.endedAt, &r.outcome, &r.errorCode, &r.a.Version,
	}
}

func (r *attemptRow) attempt() calls.CallAttempt {
	a := r.a
	a.ProviderCallID = r.providerID.String
	a.AnsweredAt = timePtr(r.answeredAt)
	a.EndedAt = timePtr(r.endedAt)
	a.Outcome = outcomePtr(r.outcome)
	a.ErrorCode = r.errorCode.String
	return a
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func outcomePtr(s sql.NullString) *calls.Outcome {
	if !s.Valid || s.String == "" {
		return nil
	}
	return calls.Outcome(s.String).Ptr()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullOutcome(o *calls.Outcome) any {
	if o == nil {
		return nil
	}
	return string(*o)
}
