package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	shaerrors "github.com/gridguard/gridguard/pkg/shared/errors"
)

// row mirrors the audits table shape for sqlx scanning.
type row struct {
	ID             string         `db:"id"`
	RequestID      string         `db:"request_id"`
	UserID         string         `db:"user_id"`
	TrustTier      string         `db:"trust_tier"`
	Input          string         `db:"input"`
	ModelOutput    sql.NullString `db:"model_output"`
	DetectorScores []byte         `db:"detector_scores"`
	ReasonCode     string         `db:"reason_code"`
	Severity       string         `db:"severity"`
	Status         string         `db:"status"`
	CreatedAt      time.Time      `db:"created_at"`
	ResolvedAt     sql.NullTime   `db:"resolved_at"`
	ReviewerID     sql.NullString `db:"reviewer_id"`
	Notes          sql.NullString `db:"notes"`
	TraceID        string         `db:"trace_id"`
}

// PostgresStore is the production Store backed by a pgx/v5 database/sql.DB
// through sqlx, with schema managed by goose migrations (see migrations/).
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an already-opened *sqlx.DB (built from a pgx
// stdlib connection — see cmd/gateway for construction).
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, r *Record) (string, error) {
	if err := r.validate(); err != nil {
		return "", err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	scores, err := json.Marshal(r.DetectorScores)
	if err != nil {
		return "", shaerrors.FailedToWithDetails("marshal detector scores", "audit", r.RequestID, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", shaerrors.DatabaseError("begin insert transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audits (id, request_id, user_id, trust_tier, input, model_output,
			detector_scores, reason_code, severity, status, created_at, trace_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, r.ID, r.RequestID, r.UserID, string(r.TrustTier), r.Input, nullableString(r.ModelOutput),
		scores, r.ReasonCode, string(r.Severity), string(r.Status), r.CreatedAt, r.TraceID)
	if err != nil {
		return "", shaerrors.DatabaseError("insert audit record", err)
	}

	if err := tx.Commit(); err != nil {
		return "", shaerrors.DatabaseError("commit insert transaction", err)
	}
	return r.ID, nil
}

func (s *PostgresStore) Resolve(ctx context.Context, id string, res Resolution) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return shaerrors.DatabaseError("begin resolve transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE audits SET status = $1, resolved_at = $2, reviewer_id = $3, notes = $4
		WHERE id = $5 AND status = $6
	`, string(StatusResolved), res.ResolvedAt, res.ReviewerID, res.Notes, id, string(StatusEscalated))
	if err != nil {
		return shaerrors.DatabaseError("resolve audit record", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return shaerrors.DatabaseError("resolve audit record", err)
	}
	if n == 0 {
		return errors.New("audit record not found or not in escalated state")
	}

	return tx.Commit()
}

func (s *PostgresStore) ByRequestID(ctx context.Context, requestID string) ([]*Record, error) {
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, request_id, user_id, trust_tier, input, model_output, detector_scores,
			reason_code, severity, status, created_at, resolved_at, reviewer_id, notes, trace_id
		FROM audits WHERE request_id = $1 ORDER BY created_at DESC
	`, requestID)
	if err != nil {
		return nil, shaerrors.DatabaseError("query audits by request_id", err)
	}
	return toRecords(rows), nil
}

func (s *PostgresStore) ByUserID(ctx context.Context, userID string, since time.Time, limit int) ([]*Record, error) {
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, request_id, user_id, trust_tier, input, model_output, detector_scores,
			reason_code, severity, status, created_at, resolved_at, reviewer_id, notes, trace_id
		FROM audits WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at DESC LIMIT $3
	`, userID, since, limit)
	if err != nil {
		return nil, shaerrors.DatabaseError("query audits by user_id", err)
	}
	return toRecords(rows), nil
}

func (s *PostgresStore) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func toRecords(rows []row) []*Record {
	out := make([]*Record, 0, len(rows))
	for _, r := range rows {
		var scores map[string]float64
		_ = json.Unmarshal(r.DetectorScores, &scores)

		rec := &Record{
			ID:             r.ID,
			RequestID:      r.RequestID,
			UserID:         r.UserID,
			TrustTier:      TrustTier(r.TrustTier),
			Input:          r.Input,
			DetectorScores: scores,
			ReasonCode:     r.ReasonCode,
			Severity:       Severity(r.Severity),
			Status:         Status(r.Status),
			CreatedAt:      r.CreatedAt,
			TraceID:        r.TraceID,
		}
		if r.ModelOutput.Valid {
			rec.ModelOutput = &r.ModelOutput.String
		}
		if r.ResolvedAt.Valid {
			t := r.ResolvedAt.Time
			rec.ResolvedAt = &t
		}
		if r.ReviewerID.Valid {
			rec.ReviewerID = &r.ReviewerID.String
		}
		if r.Notes.Valid {
			rec.Notes = &r.Notes.String
		}
		out = append(out, rec)
	}
	return out
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
