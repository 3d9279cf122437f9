package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"voice-survey-agent/internal/calls"
	"voice-survey-agent/internal/campaigns"
	"voice-survey-agent/internal/events"
	"voice-survey-agent/pkg/utils"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is the production ledger.
//
// Lock order is always call_attempts before contacts. Claim and stale
// recovery use SKIP LOCKED so they never wait on a row another worker holds.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

// Migrate applies the embedded schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEligible(ctx context.Context, now time.Time, limit int) ([]Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contactColumns+`, `+campaignColumns+`
		FROM contacts c
		JOIN campaigns p ON p.id = c.campaign_id
		WHERE p.status = 'running'
		  AND c.state IN ('pending', 'not_reached')
		  AND c.attempts_count < p.max_attempts
		  AND (c.last_attempt_at IS NULL
		       OR c.last_attempt_at <= $1::timestamptz - make_interval(mins => p.retry_interval_minutes))
		  AND (($1::timestamptz AT TIME ZONE p.timezone)::time
		       BETWEEN p.allowed_call_start_local AND p.allowed_call_end_local)
		  AND NOT EXISTS (SELECT 1 FROM exclusion_list_entries e WHERE e.phone_number = c.phone_number)
		ORDER BY c.last_attempt_at ASC NULLS FIRST, c.created_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list eligible contacts: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var cr contactRow
		var pr campaignRow
		if err := rows.Scan(append(cr.dest(), pr.dest()...)...); err != nil {
			return nil, fmt.Errorf("scan eligible contact: %w", err)
		}
		camp, err := pr.campaign()
		if err != nil {
			return nil, err
		}
		c := cr.contact()
		// The SQL window check works at second precision; keep the Go
		// predicate authoritative.
		if ok, _ := calls.Eligible(c, camp, now, false); !ok {
			continue
		}
		out = append(out, Candidate{Contact: c, Campaign: camp})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list eligible iteration: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CountInFlight(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM call_attempts WHERE outcome IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count in-flight attempts: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Claim(ctx context.Context, contactID string, now time.Time) (Claim, bool, error) {
	var (
		claim Claim
		ok    bool
	)
	err := utils.WithTx(ctx, s.db, utils.ReadCommitted, func(ctx context.Context, tx *sql.Tx) error {
		var cr contactRow
		var excluded bool
		err := tx.QueryRowContext(ctx, `
			SELECT `+contactColumns+`,
			       EXISTS (SELECT 1 FROM exclusion_list_entries e WHERE e.phone_number = c.phone_number)
			FROM contacts c
			WHERE c.id = $1
			FOR UPDATE OF c SKIP LOCKED`, contactID).Scan(append(cr.dest(), &excluded)...)
		if errors.Is(err, sql.ErrNoRows) {
			// Locked by another claimer, or gone.
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock contact: %w", err)
		}
		c := cr.contact()

		// FOR SHARE makes a concurrent pause wait for in-progress claims and
		// every later claim see the paused status.
		camp, err := getCampaign(ctx, tx, c.CampaignID, "FOR SHARE")
		if err != nil {
			return err
		}
		if eligible, _ := calls.Eligible(c, camp, now, excluded); !eligible {
			return nil
		}

		c.AttemptsCount++
		c.State = calls.ContactInProgress
		c.LastAttemptAt = &now
		c.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			UPDATE contacts
			SET attempts_count = $2, state = $3, last_attempt_at = $4, updated_at = $4
			WHERE id = $1`, c.ID, c.AttemptsCount, string(c.State), now); err != nil {
			return fmt.Errorf("mark contact in progress: %w", err)
		}

		a := calls.CallAttempt{
			ID:            uuid.NewString(),
			ContactID:     c.ID,
			CampaignID:    c.CampaignID,
			AttemptNumber: c.AttemptsCount,
			CallID:        uuid.NewString(),
			StartedAt:     now,
			Version:       1,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO call_attempts (id, contact_id, campaign_id, attempt_number, call_id, started_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			a.ID, a.ContactID, a.CampaignID, a.AttemptNumber, a.CallID, a.StartedAt, a.Version); err != nil {
			return fmt.Errorf("insert call attempt: %w", err)
		}

		claim = Claim{Attempt: a, Contact: c, Campaign: camp}
		ok = true
		return nil
	})
	if utils.IsUniqueViolation(err, "call_attempts_contact_attempt_key") || utils.IsUniqueViolation(err, "call_attempts_one_open_idx") {
		return Claim{}, false, nil
	}
	if err != nil {
		return Claim{}, false, fmt.Errorf("claim contact %s: %w", contactID, err)
	}
	return claim, ok, nil
}

func (s *PostgresStore) AttachProviderCall(ctx context.Context, callID, providerCallID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE call_attempts
		SET provider_call_id = $2, version = version + 1
		WHERE call_id = $1 AND provider_call_id IS NULL`, callID, providerCallID)
	if err != nil {
		return fmt.Errorf("attach provider call %s: %w", callID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetAttemptByCallID(ctx, callID); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ReleaseClaim(ctx context.Context, callID string, now time.Time) error {
	return utils.WithTx(ctx, s.db, utils.ReadCommitted, func(ctx context.Context, tx *sql.Tx) error {
		a, err := lockAttempt(ctx, tx, callID)
		if err != nil {
			return err
		}
		if !a.Open() {
			return nil
		}
		a.Outcome = calls.OutcomeFailed.Ptr()
		a.ErrorCode = calls.ErrorCodeDispatch
		a.EndedAt = &now
		if err := updateAttempt(ctx, tx, a); err != nil {
			return err
		}
		return s.unclaimContact(ctx, tx, a, now)
	})
}

// unclaimContact undoes Claim on the contact after a dispatch failure: the
// attempt counter, last attempt time and last outcome go back to what the
// previous placed attempt left. The contact never becomes terminal here.
func (s *PostgresStore) unclaimContact(ctx context.Context, tx *sql.Tx, a calls.CallAttempt, now time.Time) error {
	c, err := lockContact(ctx, tx, a.ContactID)
	if err != nil {
		return err
	}
	if c.State != calls.ContactInProgress {
		return nil
	}

	var (
		prevAt      sql.NullTime
		prevOutcome sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		SELECT started_at, outcome
		FROM call_attempts
		WHERE contact_id = $1 AND id <> $2 AND error_code IS DISTINCT FROM $3
		ORDER BY started_at DESC
		LIMIT 1`, c.ID, a.ID, calls.ErrorCodeDispatch).Scan(&prevAt, &prevOutcome)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("previous attempt for contact %s: %w", c.ID, err)
	}

	if c.AttemptsCount > 0 {
		c.AttemptsCount--
	}
	c.State = recoveredState(c)
	if _, err := tx.ExecContext(ctx, `
		UPDATE contacts
		SET state = $2, attempts_count = $3, last_attempt_at = $4, last_outcome = $5, updated_at = $6
		WHERE id = $1`, c.ID, string(c.State), c.AttemptsCount, prevAt, prevOutcome, now); err != nil {
		return fmt.Errorf("unclaim contact %s: %w", c.ID, err)
	}
	return nil
}

// revertContact returns an in_progress contact to the pool after the core
// closed its open attempt.
func (s *PostgresStore) revertContact(ctx context.Context, tx *sql.Tx, a calls.CallAttempt, now time.Time) error {
	c, err := lockContact(ctx, tx, a.ContactID)
	if err != nil {
		return err
	}
	if c.State != calls.ContactInProgress {
		return nil
	}
	camp, err := getCampaign(ctx, tx, c.CampaignID, "")
	if err != nil {
		return err
	}

	c.LastOutcome = a.Outcome
	exhausted := calls.IsExhausted(c, camp.MaxAttempts)
	if exhausted {
		c.State = calls.ContactNotReached
	} else {
		c.State = recoveredState(c)
	}
	if err := updateContact(ctx, tx, c, now); err != nil {
		return err
	}
	if exhausted {
		d, err := events.NotReached(a, c.AttemptsCount)
		if err != nil {
			return err
		}
		return enqueue(ctx, tx, d, now)
	}
	return nil
}

func (s *PostgresStore) ApplyEvent(ctx context.Context, ev calls.Event) (Applied, error) {
	if err := ev.Validate(); err != nil {
		return Applied{}, err
	}
	var out Applied
	err := utils.WithTx(ctx, s.db, utils.ReadCommitted, func(ctx context.Context, tx *sql.Tx) error {
		a, err := lockAttempt(ctx, tx, ev.CallID)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO call_event_dedup (call_id, event_type, received_at)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`, ev.CallID, string(ev.Type), s.clock())
		if err != nil {
			return fmt.Errorf("record event dedup: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			out.Duplicate = true
			return nil
		}

		c, err := lockContact(ctx, tx, a.ContactID)
		if err != nil {
			return err
		}
		camp, err := getCampaign(ctx, tx, a.CampaignID, "")
		if err != nil {
			return err
		}

		tr := calls.Reduce(a, c, camp.MaxAttempts, ev)
		if tr.Changed {
			if err := updateAttempt(ctx, tx, tr.Attempt); err != nil {
				return err
			}
			tr.Attempt.Version++
			if tr.Contact != c {
				if err := updateContact(ctx, tx, tr.Contact, ev.OccurredAt); err != nil {
					return err
				}
			}
		}
		if tr.NotReached {
			d, err := events.NotReached(tr.Attempt, tr.Contact.AttemptsCount)
			if err != nil {
				return err
			}
			if err := enqueue(ctx, tx, d, ev.OccurredAt); err != nil {
				return err
			}
		}
		out = Applied{Transition: tr, Campaign: camp}
		return nil
	})
	if err != nil {
		return Applied{}, fmt.Errorf("apply %s %s: %w", ev.Type, ev.CallID, err)
	}
	return out, nil
}

func (s *PostgresStore) FinalizeCompleted(ctx context.Context, callID string, answers [3]calls.Answer, now time.Time) (calls.SurveyResponse, error) {
	var resp calls.SurveyResponse
	err := utils.WithTx(ctx, s.db, utils.ReadCommitted, func(ctx context.Context, tx *sql.Tx) error {
		a, err := lockAttempt(ctx, tx, callID)
		if err != nil {
			return err
		}
		if err := finalizable(a, calls.OutcomeCompleted); err != nil {
			return err
		}

		resp = calls.SurveyResponse{
			ID:            uuid.NewString(),
			ContactID:     a.ContactID,
			CampaignID:    a.CampaignID,
			CallAttemptID: a.ID,
			Answers:       answers,
			CompletedAt:   now,
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO survey_responses (id, contact_id, campaign_id, call_attempt_id,
				q1_answer, q1_confidence, q2_answer, q2_confidence, q3_answer, q3_confidence, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT ON CONSTRAINT survey_responses_contact_campaign_key DO NOTHING`,
			resp.ID, resp.ContactID, resp.CampaignID, resp.CallAttemptID,
			answers[0].Text, answers[0].Confidence,
			answers[1].Text, answers[1].Confidence,
			answers[2].Text, answers[2].Confidence,
			now)
		if err != nil {
			return fmt.Errorf("insert survey response: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAlreadyCompleted
		}

		a.Outcome = calls.OutcomeCompleted.Ptr()
		if err := updateAttempt(ctx, tx, a); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE contacts SET state = 'completed', last_outcome = 'completed', updated_at = $2
			WHERE id = $1`, a.ContactID, now); err != nil {
			return fmt.Errorf("mark contact completed: %w", err)
		}

		d, err := events.Completed(resp)
		if err != nil {
			return err
		}
		return enqueue(ctx, tx, d, now)
	})
	if err != nil {
		return calls.SurveyResponse{}, fmt.Errorf("finalize completed %s: %w", callID, err)
	}
	return resp, nil
}

func (s *PostgresStore) FinalizeRefused(ctx context.Context, callID string, now time.Time) error {
	err := utils.WithTx(ctx, s.db, utils.ReadCommitted, func(ctx context.Context, tx *sql.Tx) error {
		a, err := lockAttempt(ctx, tx, callID)
		if err != nil {
			return err
		}
		if a.Outcome != nil && *a.Outcome == calls.OutcomeRefused {
			return nil
		}
		if err := finalizable(a, calls.OutcomeRefused); err != nil {
			return err
		}

		a.Outcome = calls.OutcomeRefused.Ptr()
		if err := updateAttempt(ctx, tx, a); err != nil {
			return err
		}
		var attempts int
		if err := tx.QueryRowContext(ctx, `
			UPDATE contacts SET state = 'refused', last_outcome = 'refused', updated_at = $2
			WHERE id = $1
			RETURNING attempts_count`, a.ContactID, now).Scan(&attempts); err != nil {
			return fmt.Errorf("mark contact refused: %w", err)
		}

		d, err := events.Refused(a, attempts)
		if err != nil {
			return err
		}
		return enqueue(ctx, tx, d, now)
	})
	if err != nil {
		return fmt.Errorf("finalize refused %s: %w", callID, err)
	}
	return nil
}

// recoverBatch bounds the rows one sweep locks.
const recoverBatch = 500

func (s *PostgresStore) RecoverStale(ctx context.Context, staleBefore, now time.Time) ([]Recovered, error) {
	var out []Recovered
	err := utils.WithTx(ctx, s.db, utils.ReadCommitted, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+attemptColumns+`
			FROM call_attempts a
			JOIN contacts c ON c.id = a.contact_id
			WHERE c.state = 'in_progress'
			  AND c.last_attempt_at < $1
			  AND a.outcome IS NULL
			ORDER BY c.last_attempt_at
			LIMIT $2
			FOR UPDATE OF a, c SKIP LOCKED`, staleBefore, recoverBatch)
		if err != nil {
			return fmt.Errorf("select stale attempts: %w", err)
		}
		var stale []calls.CallAttempt
		for rows.Next() {
			var ar attemptRow
			if err := rows.Scan(ar.dest()...); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale attempt: %w", err)
			}
			stale = append(stale, ar.attempt())
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, a := range stale {
			a.Outcome = calls.OutcomeFailed.Ptr()
			a.ErrorCode = calls.ErrorCodeStaleRecovery
			a.EndedAt = &now
			if err := updateAttempt(ctx, tx, a); err != nil {
				return err
			}
			if err := s.revertContact(ctx, tx, a, now); err != nil {
				return err
			}
			c, err := lockContact(ctx, tx, a.ContactID)
			if err != nil {
				return err
			}
			camp, err := getCampaign(ctx, tx, a.CampaignID, "")
			if err != nil {
				return err
			}
			out = append(out, Recovered{
				ContactID:  a.ContactID,
				CampaignID: a.CampaignID,
				CallID:     a.CallID,
				State:      c.State,
				Exhausted:  calls.IsExhausted(c, camp.MaxAttempts),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recover stale: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error) {
	return getCampaign(ctx, s.db, id, "")
}

func (s *PostgresStore) SetCampaignStatus(ctx context.Context, id string, status campaigns.Status, now time.Time) (campaigns.Campaign, error) {
	var out campaigns.Campaign
	err := utils.WithTx(ctx, s.db, utils.ReadCommitted, func(ctx context.Context, tx *sql.Tx) error {
		c, err := getCampaign(ctx, tx, id, "FOR UPDATE")
		if err != nil {
			return err
		}
		if err := checkPause(c.Status, status); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET status = $2, updated_at = $3 WHERE id = $1`, id, string(status), now); err != nil {
			return fmt.Errorf("update campaign status: %w", err)
		}
		c.Status = status
		c.UpdatedAt = now
		out = c
		return nil
	})
	return out, err
}

func (s *PostgresStore) CountContactsByState(ctx context.Context, campaignID string) (map[calls.ContactState]int, error) {
	if _, err := s.GetCampaign(ctx, campaignID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, count(*) FROM contacts WHERE campaign_id = $1 GROUP BY state`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count contacts by state: %w", err)
	}
	defer rows.Close()

	out := map[calls.ContactState]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan contact count: %w", err)
		}
		out[calls.ContactState(state)] = n
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAttemptByCallID(ctx context.Context, callID string) (calls.CallAttempt, error) {
	var ar attemptRow
	err := s.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM call_attempts a WHERE a.call_id = $1`, callID).Scan(ar.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return calls.CallAttempt{}, fmt.Errorf("attempt %s: %w", callID, ErrUnknownCall)
	}
	if err != nil {
		return calls.CallAttempt{}, fmt.Errorf("get attempt %s: %w", callID, err)
	}
	return ar.attempt(), nil
}

func (s *PostgresStore) GetContact(ctx context.Context, id string) (calls.Contact, error) {
	var cr contactRow
	err := s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts c WHERE c.id = $1`, id).Scan(cr.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return calls.Contact{}, fmt.Errorf("contact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return calls.Contact{}, fmt.Errorf("get contact %s: %w", id, err)
	}
	return cr.contact(), nil
}

func (s *PostgresStore) Attempts(ctx context.Context, contactID string) ([]calls.CallAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM call_attempts a
		WHERE a.contact_id = $1 ORDER BY a.attempt_number, a.started_at`, contactID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	var out []calls.CallAttempt
	for rows.Next() {
		var ar attemptRow
		if err := rows.Scan(ar.dest()...); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, ar.attempt())
	}
	return out, rows.Err()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getCampaign(ctx context.Context, q querier, id, lock string) (campaigns.Campaign, error) {
	var pr campaignRow
	err := q.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns p WHERE p.id = $1 `+lock, id).Scan(pr.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return campaigns.Campaign{}, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return campaigns.Campaign{}, fmt.Errorf("get campaign %s: %w", id, err)
	}
	return pr.campaign()
}

func lockAttempt(ctx context.Context, tx *sql.Tx, callID string) (calls.CallAttempt, error) {
	var ar attemptRow
	err := tx.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM call_attempts a WHERE a.call_id = $1 FOR UPDATE`, callID).Scan(ar.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return calls.CallAttempt{}, ErrUnknownCall
	}
	if err != nil {
		return calls.CallAttempt{}, fmt.Errorf("lock attempt: %w", err)
	}
	return ar.attempt(), nil
}

func lockContact(ctx context.Context, tx *sql.Tx, id string) (calls.Contact, error) {
	var cr contactRow
	err := tx.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts c WHERE c.id = $1 FOR UPDATE`, id).Scan(cr.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return calls.Contact{}, fmt.Errorf("contact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return calls.Contact{}, fmt.Errorf("lock contact: %w", err)
	}
	return cr.contact(), nil
}

// updateAttempt writes a's mutable columns, guarded by its version.
func updateAttempt(ctx context.Context, tx *sql.Tx, a calls.CallAttempt) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE call_attempts
		SET provider_call_id = $2, answered_at = $3, ended_at = $4, outcome = $5, error_code = $6,
		    version = version + 1
		WHERE id = $1 AND version = $7`,
		a.ID, nullString(a.ProviderCallID), nullTime(a.AnsweredAt), nullTime(a.EndedAt),
		nullOutcome(a.Outcome), nullString(a.ErrorCode), a.Version)
	if err != nil {
		return fmt.Errorf("update attempt %s: %w", a.CallID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("update attempt %s: version %d is stale", a.CallID, a.Version)
	}
	return nil
}

func updateContact(ctx context.Context, tx *sql.Tx, c calls.Contact, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE contacts SET state = $2, last_outcome = $3, updated_at = $4 WHERE id = $1`,
		c.ID, string(c.State), nullOutcome(c.LastOutcome), now); err != nil {
		return fmt.Errorf("update contact %s: %w", c.ID, err)
	}
	return nil
}

func enqueue(ctx context.Context, tx *sql.Tx, d events.Draft, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO event_outbox (id, event_type, dedup_key, payload, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'queued', 0, $5, $5)
		ON CONFLICT ON CONSTRAINT event_outbox_dedup_key DO NOTHING`,
		uuid.NewString(), string(d.Type), d.DedupKey, string(d.Payload), now); err != nil {
		return fmt.Errorf("enqueue %s: %w", d.Type, err)
	}
	return nil
}
