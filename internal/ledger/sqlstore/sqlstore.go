package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/davidahmann/steward/internal/ledger"
	"github.com/davidahmann/steward/pkg/types"
)

// Store is the SQLite implementation of ledger.Store.
type Store struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection keeps the approval
	// compare-and-set free of SQLITE_BUSY races.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

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
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO ledger_records(`+recordColumns+`)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(record_id) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, rec := range recs {
			var approvalTime *string
			if rec.ApprovalTime != nil {
				v := ledger.FormatTime(*rec.ApprovalTime)
				approvalTime = &v
			}
			if _, err := stmt.ExecContext(ctx,
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
				approvalTime,
				nullString(rec.Error),
				ledger.FormatTime(rec.CreatedAt),
				rec.BodyDigest,
				nullString(rec.KeyID),
				rec.Sig,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) QueryRecords(ctx context.Context, tenantID string, f ledger.Filter) ([]types.LedgerRecord, error) {
	where := []string{"tenant_id = ?"}
	args := []any{tenantID}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, ledger.FormatTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, ledger.FormatTime(f.To))
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.CapabilityName != "" {
		where = append(where, "capability_name = ?")
		args = append(args, f.CapabilityName)
	}
	if f.ExecutionMode != "" {
		where = append(where, "execution_mode = ?")
		args = append(args, string(f.ExecutionMode))
	}
	if f.DecisionID != "" {
		where = append(where, "decision_id = ?")
		args = append(args, f.DecisionID)
	}
	query := `SELECT ` + recordColumns + ` FROM ledger_records WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at ASC, record_id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.LedgerRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(rows *sql.Rows) (types.LedgerRecord, error) {
	var rec types.LedgerRecord
	var parent, runID, approvalBy, approvalTime, errText, keyID sql.NullString
	var verdict, mode, createdAt string
	var cost sql.NullFloat64
	var tokens sql.NullInt64
	if err := rows.Scan(
		&rec.RecordID, &parent, &rec.DecisionID, &rec.TenantID, &rec.AgentID, &runID,
		&rec.CapabilityName, &verdict, &rec.RiskScore, &rec.MigrationWeightUsed, &mode,
		&cost, &tokens, &approvalBy, &approvalTime, &errText, &createdAt,
		&rec.BodyDigest, &keyID, &rec.Sig,
	); err != nil {
		return types.LedgerRecord{}, err
	}
	rec.ParentRecordID = parent.String
	rec.RunID = runID.String
	rec.Verdict = types.Verdict(verdict)
	rec.ExecutionMode = types.ExecutionMode(mode)
	if cost.Valid {
		v := cost.Float64
		rec.Cost = &v
	}
	if tokens.Valid {
		v := tokens.Int64
		rec.Tokens = &v
	}
	rec.ApprovalBy = approvalBy.String
	rec.Error = errText.String
	rec.KeyID = keyID.String
	if len(rec.Sig) == 0 {
		rec.Sig = nil
	}

	var err error
	if rec.CreatedAt, err = ledger.ParseTime(createdAt); err != nil {
		return types.LedgerRecord{}, err
	}
	if approvalTime.Valid {
		t, err := ledger.ParseTime(approvalTime.String)
		if err != nil {
			return types.LedgerRecord{}, err
		}
		rec.ApprovalTime = &t
	}
	return rec, nil
}

const approvalColumns = `request_id, tenant_id, agent_id, run_id, capability_name, arguments_json, risk_score, status, reasoning, created_at, expires_at, resolved_by, resolved_at, modified_arguments_json, operation_type, scope, amount, reversibility`

func (s *Store) CreateApproval(ctx context.Context, req types.ApprovalRequest) error {
	args, err := json.Marshal(req.Arguments)
	if err != nil {
		return err
	}
	modified, err := marshalOptional(req.ModifiedArguments)
	if err != nil {
		return err
	}
	var resolvedAt *string
	if req.ResolvedAt != nil {
		v := ledger.FormatTime(*req.ResolvedAt)
		resolvedAt = &v
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO approval_requests(`+approvalColumns+`)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(request_id) DO NOTHING`,
		req.RequestID, req.TenantID, req.AgentID, nullString(req.RunID), req.CapabilityName,
		string(args), req.RiskScore, string(req.Status), req.Reasoning,
		ledger.FormatTime(req.CreatedAt), ledger.FormatTime(req.ExpiresAt),
		nullString(req.ResolvedBy), resolvedAt, modified,
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
	rows, err := s.db.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE request_id = ?`, requestID)
	if err != nil {
		return types.ApprovalRequest{}, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return types.ApprovalRequest{}, false, rows.Err()
	}
	req, err := scanApproval(rows)
	if err != nil {
		return types.ApprovalRequest{}, false, err
	}
	return req, true, nil
}

func (s *Store) ListApprovals(ctx context.Context, tenantID string, status types.ApprovalStatus) ([]types.ApprovalRequest, error) {
	where := []string{"1=1"}
	var args []any
	if tenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, tenantID)
	}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, string(status))
	}
	return s.queryApprovals(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at ASC, request_id ASC`, args...)
}

func (s *Store) ListExpiredApprovals(ctx context.Context, now time.Time, limit int) ([]types.ApprovalRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryApprovals(ctx, `SELECT `+approvalColumns+` FROM approval_requests
WHERE status = 'pending' AND expires_at <= ?
ORDER BY expires_at ASC
LIMIT ?`, ledger.FormatTime(now), limit)
}

func (s *Store) queryApprovals(ctx context.Context, query string, args ...any) ([]types.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []types.ApprovalRequest{}
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *Store) TransitionApproval(ctx context.Context, resolved types.ApprovalRequest) (bool, error) {
	modified, err := marshalOptional(resolved.ModifiedArguments)
	if err != nil {
		return false, err
	}
	var resolvedAt *string
	if resolved.ResolvedAt != nil {
		v := ledger.FormatTime(*resolved.ResolvedAt)
		resolvedAt = &v
	}
	res, err := s.db.ExecContext(ctx, `UPDATE approval_requests
SET status = ?, resolved_by = ?, resolved_at = ?, modified_arguments_json = ?
WHERE request_id = ? AND status = 'pending'`,
		string(resolved.Status), nullString(resolved.ResolvedBy), resolvedAt, modified, resolved.RequestID,
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

func scanApproval(rows *sql.Rows) (types.ApprovalRequest, error) {
	var req types.ApprovalRequest
	var runID, resolvedBy, resolvedAt, modified sql.NullString
	var op, scope, reversibility sql.NullString
	var amount sql.NullFloat64
	var args, status, createdAt, expiresAt string
	if err := rows.Scan(
		&req.RequestID, &req.TenantID, &req.AgentID, &runID, &req.CapabilityName,
		&args, &req.RiskScore, &status, &req.Reasoning, &createdAt, &expiresAt,
		&resolvedBy, &resolvedAt, &modified,
		&op, &scope, &amount, &reversibility,
	); err != nil {
		return types.ApprovalRequest{}, err
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
	if err := json.Unmarshal([]byte(args), &req.Arguments); err != nil {
		return types.ApprovalRequest{}, err
	}
	if modified.Valid && modified.String != "" {
		if err := json.Unmarshal([]byte(modified.String), &req.ModifiedArguments); err != nil {
			return types.ApprovalRequest{}, err
		}
	}

	var err error
	if req.CreatedAt, err = ledger.ParseTime(createdAt); err != nil {
		return types.ApprovalRequest{}, err
	}
	if req.ExpiresAt, err = ledger.ParseTime(expiresAt); err != nil {
		return types.ApprovalRequest{}, err
	}
	if resolvedAt.Valid {
		t, err := ledger.ParseTime(resolvedAt.String)
		if err != nil {
			return types.ApprovalRequest{}, err
		}
		req.ResolvedAt = &t
	}
	return req, nil
}

const outboxColumns = `notification_id, request_id, tenant_id, channel, message_json, status, attempt_count, next_attempt_at, last_error, message_ts, sent_at, created_at, updated_at`

func (s *Store) PutNotification(ctx context.Context, rec ledger.NotificationRecord) error {
	if !json.Valid(rec.MessageJSON) {
		return errors.New("notification message_json is not valid JSON")
	}
	var sentAt *string
	if rec.SentAt != nil {
		v := ledger.FormatTime(*rec.SentAt)
		sentAt = &v
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO notification_outbox(`+outboxColumns+`)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(notification_id) DO UPDATE SET
  status=excluded.status,
  attempt_count=excluded.attempt_count,
  next_attempt_at=excluded.next_attempt_at,
  last_error=excluded.last_error,
  message_ts=excluded.message_ts,
  sent_at=excluded.sent_at,
  updated_at=excluded.updated_at`,
			rec.NotificationID, rec.RequestID, rec.TenantID, rec.Channel, string(rec.MessageJSON),
			rec.Status, rec.AttemptCount, ledger.FormatTime(rec.NextAttemptAt),
			rec.LastError, rec.MessageTS, sentAt,
			ledger.FormatTime(rec.CreatedAt), ledger.FormatTime(rec.UpdatedAt),
		)
		return err
	})
}

func (s *Store) GetNotification(ctx context.Context, notificationID string) (ledger.NotificationRecord, bool, error) {
	recs, err := s.queryNotifications(ctx, `SELECT `+outboxColumns+` FROM notification_outbox WHERE notification_id = ?`, notificationID)
	if err != nil || len(recs) == 0 {
		return ledger.NotificationRecord{}, false, err
	}
	return recs[0], true, nil
}

func (s *Store) ListNotificationsDue(ctx context.Context, now time.Time, limit int) ([]ledger.NotificationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryNotifications(ctx, `SELECT `+outboxColumns+` FROM notification_outbox
WHERE status = 'pending' AND next_attempt_at <= ?
ORDER BY created_at ASC
LIMIT ?`, ledger.FormatTime(now), limit)
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
		var msg, nextAt, createdAt, updated string
		var lastErr, msgTS, sentAt sql.NullString
		if err := rows.Scan(&rec.NotificationID, &rec.RequestID, &rec.TenantID, &rec.Channel, &msg, &rec.Status,
			&rec.AttemptCount, &nextAt, &lastErr, &msgTS, &sentAt, &createdAt, &updated); err != nil {
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
			t, err := ledger.ParseTime(sentAt.String)
			if err != nil {
				return nil, err
			}
			rec.SentAt = &t
		}
		if rec.NextAttemptAt, err = ledger.ParseTime(nextAt); err != nil {
			return nil, err
		}
		if rec.CreatedAt, err = ledger.ParseTime(createdAt); err != nil {
			return nil, err
		}
		if rec.UpdatedAt, err = ledger.ParseTime(updated); err != nil {
			return nil, err
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
