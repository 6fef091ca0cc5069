package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/davidahmann/steward/internal/ledger"
	"github.com/davidahmann/steward/pkg/types"
)

// Store is the Postgres implementation of ledger.Store.
type Store struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const recordColumns = `record_id, parent_record_id, decision_id, tenant_id, agent_id, run_id, capability_name, verdict, risk_score, migration_weight_used, execution_mode, cost, tokens, approval_by, approval_time, error, created_at, body_digest, key_id, sig`

func (s *Store) AppendRecords(ctx context.Context, recs []types.LedgerRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range recs {
			if _, err := tx.ExecContext(ctx, `INSERT INTO steward_ledger_records(`+recordColumns+`)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
ON CONFLICT(record_id) DO NOTHING`,
				rec.RecordID,
				nullString(rec.ParentRecordID),
				rec.DecisionID,
				rec.TenantID,
				rec.AgentID,
				nullString(rec.RunID),
				rec.CapabilityName,
				string(rec.Verdict),
				rec.RiskScore,
				rec.MigrationWeightUsed,
				string(rec.ExecutionMode),
				rec.Cost,
				rec.Tokens,
				nullString(rec.ApprovalBy),
				rec.ApprovalTime,
				nullString(rec.Error),
				rec.CreatedAt.UTC(),
				rec.BodyDigest,
				nullString(rec.KeyID),
				rec.Sig,
			); err != nil {
				return fmt.Errorf("insert ledger record %s: %w", rec.RecordID, err)
			}
		}
		return nil
	})
}

func (s *Store) QueryRecords(ctx context.Context, tenantID string, f ledger.Filter) ([]types.LedgerRecord, error) {
	where := []string{"tenant_id = $1"}
	args := []any{tenantID}
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To.UTC())
	}
	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if f.CapabilityName != "" {
		add("capability_name = $%d", f.CapabilityName)
	}
	if f.ExecutionMode != "" {
		add("execution_mode = $%d", string(f.ExecutionMode))
	}
	if f.DecisionID != "" {
		add("decision_id = $%d", f.DecisionID)
	}
	query := `SELECT ` + recordColumns + ` FROM steward_ledger_records WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at ASC, record_id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.LedgerRecord{}
	for rows.Next() {
		var rec types.LedgerRecord
		var parent, runID, approvalBy, errText, keyID sql.NullString
		var verdict, mode string
		var cost sql.NullFloat64
		var tokens sql.NullInt64
		var approvalTime sql.NullTime
		if err := rows.Scan(
			&rec.RecordID, &parent, &rec.DecisionID, &rec.TenantID, &rec.AgentID, &runID,
			&rec.CapabilityName, &verdict, &rec.RiskScore, &rec.MigrationWeightUsed, &mode,
			&cost, &tokens, &approvalBy, &approvalTime, &errText, &rec.CreatedAt,
			&rec.BodyDigest, &keyID, &rec.Sig,
		); err != nil {
			return nil, err
		}
		rec.ParentRecordID = parent.String
		rec.RunID = runID.String
		rec.Verdict = types.Verdict(verdict)
		rec.ExecutionMode = types.ExecutionMode(mode)
		rec.ApprovalBy = approvalBy.String
		rec.Error = errText.String
		rec.KeyID = keyID.String
		rec.CreatedAt = rec.CreatedAt.UTC()
		if cost.Valid {
			v := cost.Float64
			rec.Cost = &v
		}
		if tokens.Valid {
			v := tokens.Int64
			rec.Tokens = &v
		}
		if approvalTime.Valid {
			t := approvalTime.Time.UTC()
			rec.ApprovalTime = &t
		}
		if len(rec.Sig) == 0 {
			rec.Sig = nil
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const approvalColumns = `request_id, tenant_id, agent_id, run_id, capability_name, arguments_json::text, risk_score, status, reasoning, created_at, expires_at, resolved_by, resolved_at, modified_arguments_json::text, operation_type, scope, amount, reversibility`

func (s *Store) CreateApproval(ctx context.Context, req types.ApprovalRequest) error {
	args, err := json.Marshal(req.Arguments)
	if err != nil {
		return err
	}
	modified, err := marshalOptional(req.ModifiedArguments)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO steward_approval_requests(request_id, tenant_id, agent_id, run_id, capability_name, arguments_json, risk_score, status, reasoning, created_at, expires_at, resolved_by, resolved_at, modified_arguments_json, operation_type, scope, amount, reversibility)
VALUES($1,$2,$3,$4,$5,$6::jsonb,$7,$8,$9,$10,$11,$12,$13,$14::jsonb,$15,$16,$17,$18)
ON CONFLICT(request_id) DO NOTHING`,
		req.RequestID, req.TenantID, req.AgentID, nullString(req.RunID), req.CapabilityName,
		string(args), req.RiskScore, string(req.Status), req.Reasoning,
		req.CreatedAt.UTC(), req.ExpiresAt.UTC(), nullString(req.ResolvedBy), req.ResolvedAt, modified,
		nullString(string(req.OperationType)), nullString(string(req.Scope)), req.Amount, nullString(string(req.Reversibility)),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrDuplicate
	}
	return nil
}

func (s *Store) GetApproval(ctx context.Context, requestID string) (types.ApprovalRequest, bool, error) {
	reqs, err := s.queryApprovals(ctx, `SELECT `+approvalColumns+` FROM steward_approval_requests WHERE request_id = $1`, requestID)
	if err != nil || len(reqs) == 0 {
		return types.ApprovalRequest{}, false, err
	}
	return reqs[0], true, nil
}

func (s *Store) ListApprovals(ctx context.Context, tenantID string, status types.ApprovalStatus) ([]types.ApprovalRequest, error) {
	where := []string{"TRUE"}
	var args []any
	if tenantID != "" {
		args = append(args, tenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if status != "" {
		args = append(args, string(status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	return s.queryApprovals(ctx, `SELECT `+approvalColumns+` FROM steward_approval_requests WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at ASC, request_id ASC`, args...)
}

func (s *Store) ListExpiredApprovals(ctx context.Context, now time.Time, limit int) ([]types.ApprovalRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryApprovals(ctx, `SELECT `+approvalColumns+` FROM steward_approval_requests
WHERE status = 'pending' AND expires_at <= $1
ORDER BY expires_at ASC
LIMIT $2`, now.UTC(), limit)
}

func (s *Store) TransitionApproval(ctx context.Context, resolved types.ApprovalRequest) (bool, error) {
	modified, err := marshalOptional(resolved.ModifiedArguments)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE steward_approval_requests
SET status = $1, resolved_by = $2, resolved_at = $3, modified_arguments_json = $4::jsonb
WHERE request_id = $5 AND status = 'pending'`,
		string(resolved.Status), nullString(resolved.ResolvedBy), resolved.ResolvedAt, modified, resolved.RequestID,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *Store) queryApprovals(ctx context.Context, query string, args ...any) ([]types.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.ApprovalRequest{}
	for rows.Next() {
		var req types.ApprovalRequest
		var runID, resolvedBy, modified sql.NullString
		var op, scope, reversibility sql.NullString
		var amount sql.NullFloat64
		var argsJSON, status string
		var resolvedAt sql.NullTime
		if err := rows.Scan(
			&req.RequestID, &req.TenantID, &req.AgentID, &runID, &req.CapabilityName,
			&argsJSON, &req.RiskScore, &status, &req.Reasoning, &req.CreatedAt, &req.ExpiresAt,
			&resolvedBy, &resolvedAt, &modified,
			&op, &scope, &amount, &reversibility,
		); err != nil {
			return nil, err
		}
		req.RunID = runID.String
		req.OperationType = types.OperationType(op.String)
		req.Scope = types.Scope(scope.String)
		req.Reversibility = types.Reversibility(reversibility.String)
		if amount.Valid {
			v := amount.Float64
			req.Amount = &v
		}
		req.Status = types.ApprovalStatus(status)
		req.ResolvedBy = resolvedBy.String
		req.CreatedAt = req.CreatedAt.UTC()
		req.ExpiresAt = req.ExpiresAt.UTC()
		if resolvedAt.Valid {
			t := resolvedAt.Time.UTC()
			req.ResolvedAt = &t
		}
		if err := json.Unmarshal([]byte(argsJSON), &req.Arguments); err != nil {
			return nil, err
		}
		if modified.Valid && modified.String != "" {
			if err := json.Unmarshal([]byte(modified.String), &req.ModifiedArguments); err != nil {
				return nil, err
			}
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

const outboxColumns = `notification_id, request_id, tenant_id, channel, message_json::text, status, attempt_count, next_attempt_at, last_error, message_ts, sent_at, created_at, updated_at`

func (s *Store) PutNotification(ctx context.Context, rec ledger.NotificationRecord) error {
	if !json.Valid(rec.MessageJSON) {
		return errors.New("notification message_json is not valid JSON")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO steward_notification_outbox(notification_id, request_id, tenant_id, channel, message_json, status, attempt_count, next_attempt_at, last_error, message_ts, sent_at, created_at, updated_at)
VALUES($1,$2,$3,$4,$5::jsonb,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT(notification_id) DO UPDATE SET
  status=excluded.status,
  attempt_count=excluded.attempt_count,
  next_attempt_at=excluded.next_attempt_at,
  last_error=excluded.last_error,
  message_ts=excluded.message_ts,
  sent_at=excluded.sent_at,
  updated_at=excluded.updated_at`,
			rec.NotificationID, rec.RequestID, rec.TenantID, rec.Channel, string(rec.MessageJSON),
			rec.Status, rec.AttemptCount, rec.NextAttemptAt.UTC(),
			rec.LastError, rec.MessageTS, rec.SentAt,
			rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
		)
		return err
	})
}

func (s *Store) GetNotification(ctx context.Context, notificationID string) (ledger.NotificationRecord, bool, error) {
	recs, err := s.queryNotifications(ctx, `SELECT `+outboxColumns+` FROM steward_notification_outbox WHERE notification_id = $1`, notificationID)
	if err != nil || len(recs) == 0 {
		return ledger.NotificationRecord{}, false, err
	}
	return recs[0], true, nil
}

func (s *Store) ListNotificationsDue(ctx context.Context, now time.Time, limit int) ([]ledger.NotificationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryNotifications(ctx, `SELECT `+outboxColumns+` FROM steward_notification_outbox
WHERE status = 'pending' AND next_attempt_at <= $1
ORDER BY created_at ASC
LIMIT $2`, now.UTC(), limit)
}

func (s *Store) queryNotifications(ctx context.Context, query string, args ...any) ([]ledger.NotificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.NotificationRecord{}
	for rows.Next() {
		var rec ledger.NotificationRecord
		var msg string
		var lastErr, msgTS sql.NullString
		var sentAt sql.NullTime
		if err := rows.Scan(&rec.NotificationID, &rec.RequestID, &rec.TenantID, &rec.Channel, &msg, &rec.Status,
			&rec.AttemptCount, &rec.NextAttemptAt, &lastErr, &msgTS, &sentAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.MessageJSON = []byte(msg)
		if lastErr.Valid {
			v := lastErr.String
			rec.LastError = &v
		}
		if msgTS.Valid {
			v := msgTS.String
			rec.MessageTS = &v
		}
		if sentAt.Valid {
			t := sentAt.Time.UTC()
			rec.SentAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func marshalOptional(m map[string]any) (*string, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	v := string(b)
	return &v, nil
}
