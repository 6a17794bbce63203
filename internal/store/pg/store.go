package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dripper/internal/domain"
	"dripper/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// ---- campaigns ----

func (s *Store) InsertCampaign(ctx context.Context, in store.CampaignInsert) error {
	steps, err := json.Marshal(in.Steps)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO campaigns (id, tenant_id, name, status, steps_json, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$6)
	`, in.ID, in.TenantID, in.Name, domain.CampaignDraft, steps, in.Now)
	return err
}

func (s *Store) GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error) {
	var c domain.Campaign
	var stepsJSON []byte
	row := s.DB.QueryRow(ctx, `
		SELECT id, tenant_id, name, status, steps_json, activated_at, created_at, updated_at
		FROM campaigns WHERE id=$1
	`, id)
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Status, &stepsJSON, &c.ActivatedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Campaign{}, false, nil
		}
		return domain.Campaign{}, false, err
	}
	if err := json.Unmarshal(stepsJSON, &c.Steps); err != nil {
		return domain.Campaign{}, false, err
	}
	return c, true, nil
}

// UpdateCampaignSteps rewrites the step plan. It refuses once any recipient
// has progressed past step 0, which keeps replays consistent.
func (s *Store) UpdateCampaignSteps(ctx context.Context, id string, steps []domain.Step, now time.Time) (bool, error) {
	b, err := json.Marshal(steps)
	if err != nil {
		return false, err
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET steps_json=$2, updated_at=$3
		WHERE id=$1 AND status=$4
		  AND NOT EXISTS (
			SELECT 1 FROM campaign_messages WHERE campaign_id=$1 AND current_step > 0
		  )
	`, id, b, now, domain.CampaignDraft)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// SetCampaignStatus applies a guarded lifecycle transition. It only succeeds
// when the campaign currently holds one of the listed from-states.
func (s *Store) SetCampaignStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET status=$2,
		    activated_at=CASE WHEN $2=$4 AND activated_at IS NULL THEN $3 ELSE activated_at END,
		    updated_at=$3
		WHERE id=$1 AND status = ANY($5)
	`, id, to, now, domain.CampaignRunning, statusStrings(from))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// CompleteCampaignIfDone flips a running campaign to completed once none of
// its messages are still pending.
func (s *Store) CompleteCampaignIfDone(ctx context.Context, id string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status=$2, updated_at=$3
		WHERE id=$1 AND status=$4
		  AND NOT EXISTS (
			SELECT 1 FROM campaign_messages WHERE campaign_id=$1 AND status=$5
		  )
	`, id, domain.CampaignCompleted, now, domain.CampaignRunning, domain.MessagePending)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func statusStrings(in []domain.CampaignStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// ---- campaign messages ----

func (s *Store) InsertMessages(ctx context.Context, ins []store.MessageInsert) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, in := range ins {
		vars, err := json.Marshal(in.Vars)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO campaign_messages
				(id, campaign_id, tenant_id, recipient, vars_json, current_step, status, retry_count, eligible_at, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,0,$6,0,$7,$8,$8)
			ON CONFLICT (campaign_id, recipient) DO NOTHING
		`, in.ID, in.CampaignID, in.TenantID, in.Recipient, vars, domain.MessagePending, in.EligibleAt, in.Now)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetMessage(ctx context.Context, id string) (domain.CampaignMessage, bool, error) {
	var m domain.CampaignMessage
	var varsJSON []byte
	row := s.DB.QueryRow(ctx, `
		SELECT id, campaign_id, tenant_id, recipient, vars_json, current_step, status, retry_count,
		       eligible_at, last_attempt_at, COALESCE(identity_id,''), COALESCE(last_error,''),
		       created_at, updated_at
		FROM campaign_messages WHERE id=$1
	`, id)
	err := row.Scan(&m.ID, &m.CampaignID, &m.TenantID, &m.Recipient, &varsJSON, &m.CurrentStep, &m.Status,
		&m.RetryCount, &m.EligibleAt, &m.LastAttemptAt, &m.IdentityID, &m.LastError, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CampaignMessage{}, false, nil
		}
		return domain.CampaignMessage{}, false, err
	}
	_ = json.Unmarshal(varsJSON, &m.Vars)
	return m, true, nil
}

// ClaimDueMessages atomically claims up to limit due messages of running
// campaigns and returns them joined with their step plans. A claim is a
// timestamp; claims older than staleBefore are considered abandoned (crashed
// worker) and reclaimable. SKIP LOCKED keeps concurrent engines from
// fighting over the same rows.
func (s *Store) ClaimDueMessages(ctx context.Context, now time.Time, staleBefore time.Time, limit int) ([]store.ClaimedMessage, error) {
	rows, err := s.DB.Query(ctx, `
		WITH due AS (
			SELECT m.id
			FROM campaign_messages m
			JOIN campaigns c ON c.id = m.campaign_id
			WHERE m.status = $4
			  AND m.eligible_at <= $1
			  AND c.status = $5
			  AND (m.claimed_at IS NULL OR m.claimed_at < $2)
			ORDER BY m.eligible_at
			LIMIT $3
			FOR UPDATE OF m SKIP LOCKED
		),
		claimed AS (
			UPDATE campaign_messages m
			SET claimed_at = $1, updated_at = $1
			FROM due
			WHERE m.id = due.id
			RETURNING m.id, m.campaign_id, m.tenant_id, m.recipient, m.vars_json,
			          m.current_step, m.status, m.retry_count, m.eligible_at, m.last_attempt_at
		)
		SELECT cm.id, cm.campaign_id, cm.tenant_id, cm.recipient, cm.vars_json,
		       cm.current_step, cm.status, cm.retry_count, cm.eligible_at, cm.last_attempt_at,
		       c.steps_json
		FROM claimed cm
		JOIN campaigns c ON c.id = cm.campaign_id
	`, now, staleBefore, limit, domain.MessagePending, domain.CampaignRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ClaimedMessage
	for rows.Next() {
		var cm store.ClaimedMessage
		var varsJSON, stepsJSON []byte
		err := rows.Scan(&cm.Message.ID, &cm.Message.CampaignID, &cm.Message.TenantID, &cm.Message.Recipient,
			&varsJSON, &cm.Message.CurrentStep, &cm.Message.Status, &cm.Message.RetryCount,
			&cm.Message.EligibleAt, &cm.Message.LastAttemptAt, &stepsJSON)
		if err != nil {
			return nil, err
		}
		_ = json.Unmarshal(varsJSON, &cm.Message.Vars)
		if err := json.Unmarshal(stepsJSON, &cm.Steps); err != nil {
			return nil, err
		}
		out = append(out, cm)
	}
	return out, rows.Err()
}

// MarkAttempt records the identity used for the in-flight attempt.
func (s *Store) MarkAttempt(ctx context.Context, messageID, identityID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaign_messages SET identity_id=$2, last_attempt_at=$3, updated_at=$3 WHERE id=$1
	`, messageID, nullIfEmpty(identityID), now)
	return err
}

// ApplySent advances the step pointer after a confirmed send. The WHERE
// clause pins the step the outcome belongs to, so applying the same outcome
// twice advances exactly once.
func (s *Store) ApplySent(ctx context.Context, in store.SentApply) (bool, error) {
	status := domain.MessagePending
	if in.Exhausted {
		status = domain.MessageExhausted
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaign_messages
		SET current_step = current_step + 1,
		    status = $3,
		    retry_count = 0,
		    eligible_at = $4,
		    last_attempt_at = $5,
		    identity_id = NULL,
		    claimed_at = NULL,
		    last_error = NULL,
		    updated_at = $5
		WHERE id = $1 AND current_step = $2 AND status = $6
	`, in.MessageID, in.StepIndex, status, in.NextEligibleAt, in.Now, domain.MessagePending)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ApplyRetry books a transient failure: bumps the retry count and pushes
// eligibility out by the backoff. Conditional on the step index like
// ApplySent.
func (s *Store) ApplyRetry(ctx context.Context, in store.RetryApply) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaign_messages
		SET retry_count = $3,
		    eligible_at = $4,
		    last_error = $5,
		    identity_id = NULL,
		    claimed_at = NULL,
		    updated_at = $6
		WHERE id = $1 AND current_step = $2 AND status = $7
	`, in.MessageID, in.StepIndex, in.RetryCount, in.EligibleAt, nullIfEmpty(in.LastError), in.Now, domain.MessagePending)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ApplyTerminal moves a message to a terminal status (failed, stopped,
// exhausted).
func (s *Store) ApplyTerminal(ctx context.Context, in store.TerminalApply) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaign_messages
		SET status = $3,
		    last_error = $4,
		    identity_id = NULL,
		    claimed_at = NULL,
		    updated_at = $5
		WHERE id = $1 AND current_step = $2 AND status = $6
	`, in.MessageID, in.StepIndex, in.Status, nullIfEmpty(in.LastError), in.Now, domain.MessagePending)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ReleaseClaim returns a claimed message to the scannable pool untouched.
// Used for resource contention (no identity / no proxy), which never counts
// against the retry budget.
func (s *Store) ReleaseClaim(ctx context.Context, messageID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaign_messages
		SET claimed_at = NULL, identity_id = NULL, updated_at = $2
		WHERE id = $1
	`, messageID, now)
	return err
}

func (s *Store) CampaignStats(ctx context.Context, campaignID string) (map[string]int, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT status, COUNT(*) FROM campaign_messages WHERE campaign_id=$1 GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// ---- sending identities ----

func (s *Store) InsertIdentity(ctx context.Context, in store.IdentityInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO sending_identities (id, tenant_id, label, session_ref, health, proxy_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
	`, in.ID, in.TenantID, in.Label, in.SessionRef, domain.IdentityHealthy, nullIfEmpty(in.ProxyID), in.Now)
	return err
}

func (s *Store) ListIdentities(ctx context.Context, tenantID string) ([]domain.SendingIdentity, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, tenant_id, label, session_ref, health, COALESCE(proxy_id,''), last_send_at, COALESCE(last_error,''), created_at, updated_at
		FROM sending_identities
		WHERE ($1 = '' OR tenant_id = $1)
		ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SendingIdentity
	for rows.Next() {
		var id domain.SendingIdentity
		err := rows.Scan(&id.ID, &id.TenantID, &id.Label, &id.SessionRef, &id.Health, &id.ProxyID,
			&id.LastSendAt, &id.LastError, &id.CreatedAt, &id.UpdatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) UpdateIdentityHealth(ctx context.Context, id string, health domain.IdentityHealth, lastError string, lastSendAt *time.Time, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE sending_identities
		SET health=$2, last_error=$3, last_send_at=COALESCE($4, last_send_at), updated_at=$5
		WHERE id=$1
	`, id, health, nullIfEmpty(lastError), lastSendAt, now)
	return err
}

func (s *Store) UpdateIdentityProxy(ctx context.Context, identityID, proxyID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE sending_identities SET proxy_id=$2, updated_at=$3 WHERE id=$1
	`, identityID, nullIfEmpty(proxyID), now)
	return err
}

// ---- proxies ----

func (s *Store) InsertProxy(ctx context.Context, in store.ProxyInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO proxies (id, tenant_id, address, protocol, health, fail_streak, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,0,$6,$6)
	`, in.ID, in.TenantID, in.Address, in.Protocol, domain.ProxyHealthy, in.Now)
	return err
}

func (s *Store) ListProxies(ctx context.Context, tenantID string) ([]domain.Proxy, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, tenant_id, address, protocol, health, fail_streak, last_failure_at, last_assigned_at, created_at, updated_at
		FROM proxies
		WHERE ($1 = '' OR tenant_id = $1)
		ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Proxy
	for rows.Next() {
		var p domain.Proxy
		err := rows.Scan(&p.ID, &p.TenantID, &p.Address, &p.Protocol, &p.Health, &p.FailStreak,
			&p.LastFailureAt, &p.LastAssignedAt, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpdateProxyHealth(ctx context.Context, id string, health domain.ProxyHealth, failStreak int, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE proxies
		SET health=$2, fail_streak=$3,
		    last_failure_at=CASE WHEN $3 > 0 THEN $4 ELSE last_failure_at END,
		    updated_at=$4
		WHERE id=$1
	`, id, health, failStreak, now)
	return err
}

// ---- media assets ----

func (s *Store) InsertMedia(ctx context.Context, in store.MediaInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO media_assets (id, campaign_id, filename, storage_key, content_type, size_bytes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, in.ID, in.CampaignID, in.Filename, in.StorageKey, in.ContentType, in.SizeBytes, in.Now)
	return err
}

func (s *Store) GetMedia(ctx context.Context, id string) (domain.MediaAsset, bool, error) {
	var m domain.MediaAsset
	row := s.DB.QueryRow(ctx, `
		SELECT id, campaign_id, filename, storage_key, content_type, size_bytes, created_at
		FROM media_assets WHERE id=$1
	`, id)
	err := row.Scan(&m.ID, &m.CampaignID, &m.Filename, &m.StorageKey, &m.ContentType, &m.SizeBytes, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MediaAsset{}, false, nil
		}
		return domain.MediaAsset{}, false, err
	}
	return m, true, nil
}

func (s *Store) ListCampaignMedia(ctx context.Context, campaignID string) ([]domain.MediaAsset, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, campaign_id, filename, storage_key, content_type, size_bytes, created_at
		FROM media_assets WHERE campaign_id=$1 ORDER BY created_at
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MediaAsset
	for rows.Next() {
		var m domain.MediaAsset
		if err := rows.Scan(&m.ID, &m.CampaignID, &m.Filename, &m.StorageKey, &m.ContentType, &m.SizeBytes, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---- webhook subscriptions ----

func (s *Store) InsertSubscription(ctx context.Context, in store.SubscriptionInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO webhook_subscriptions (id, campaign_id, url, secret, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, in.ID, in.CampaignID, in.URL, in.Secret, in.Now)
	return err
}

func (s *Store) ListSubscriptions(ctx context.Context, campaignID string) ([]domain.WebhookSubscription, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, campaign_id, url, secret, created_at
		FROM webhook_subscriptions WHERE campaign_id=$1
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WebhookSubscription
	for rows.Next() {
		var w domain.WebhookSubscription
		if err := rows.Scan(&w.ID, &w.CampaignID, &w.URL, &w.Secret, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ---- audit events ----

func (s *Store) InsertAuditEvent(ctx context.Context, in store.AuditInsert) error {
	meta, err := json.Marshal(in.Metadata)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO audit_events (id, event_type, campaign_id, message_id, identity_id, outcome, metadata_json, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING
	`, in.ID, in.EventType, in.CampaignID, nullIfEmpty(in.MessageID), nullIfEmpty(in.IdentityID), in.Outcome, meta, in.OccurredAt)
	return err
}

func (s *Store) ListAuditEvents(ctx context.Context, campaignID string, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, event_type, campaign_id, COALESCE(message_id,''), COALESCE(identity_id,''), outcome, metadata_json, occurred_at
		FROM audit_events WHERE campaign_id=$1 ORDER BY occurred_at DESC LIMIT $2
	`, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var meta []byte
		if err := rows.Scan(&e.ID, &e.EventType, &e.CampaignID, &e.MessageID, &e.IdentityID, &e.Outcome, &meta, &e.OccurredAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(meta, &e.Metadata)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
