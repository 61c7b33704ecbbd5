package release

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/tradesafe/tradesafe/internal/escrow"
)

// PostgresStore persists release requests in PostgreSQL.
//
// The one-pending-request-per-account invariant is enforced by the database
// itself: a partial unique index on (escrow_account_id) WHERE status =
// 'pending' turns a lost race into a unique violation, which CreatePending
// maps to ErrPendingExists.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed request store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `id, escrow_account_id, requested_by, requested_by_role, type,
		amount_cents, milestone_id, reason, evidence, status, approvals, note,
		automatic_release_at, resolved_at, created_at, updated_at`

func (p *PostgresStore) CreatePending(ctx context.Context, r *Request) error {
	evJSON, _ := json.Marshal(r.Evidence)
	if r.Evidence == nil {
		evJSON = []byte("[]")
	}
	apJSON, _ := json.Marshal(r.Approvals)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO release_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		r.ID, r.EscrowAccountID, r.RequestedBy, string(r.RequestedByRole), string(r.Type),
		r.AmountCents, nullString(r.MilestoneID), nullString(r.Reason), evJSON, string(r.Status), apJSON, nullString(r.Note),
		nullTime(r.AutomaticReleaseAt), nullTime(r.ResolvedAt), r.CreatedAt, r.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrPendingExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM release_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *Request) error {
	evJSON, _ := json.Marshal(r.Evidence)
	if r.Evidence == nil {
		evJSON = []byte("[]")
	}
	apJSON, _ := json.Marshal(r.Approvals)
	result, err := p.db.ExecContext(ctx, `
		UPDATE release_requests SET
			status = $1, approvals = $2, note = $3, evidence = $4,
			automatic_release_at = $5, resolved_at = $6, updated_at = $7
		WHERE id = $8`,
		string(r.Status), apJSON, nullString(r.Note), evJSON,
		nullTime(r.AutomaticReleaseAt), nullTime(r.ResolvedAt), r.UpdatedAt, r.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRequestNotFound
	}
	return nil
}

func (p *PostgresStore) GetPendingByAccount(ctx context.Context, accountID string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM release_requests
		WHERE escrow_account_id = $1 AND status = 'pending'`, accountID)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM release_requests
		WHERE escrow_account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRequests(rows)
}

func (p *PostgresStore) ListAutoApprovable(ctx context.Context, before time.Time, limit int) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM release_requests
		WHERE status = 'pending'
		  AND automatic_release_at IS NOT NULL
		  AND automatic_release_at <= $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRequests(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(s scanner) (*Request, error) {
	r := &Request{}
	var (
		role        string
		reqType     string
		milestoneID sql.NullString
		reason      sql.NullString
		evJSON      []byte
		status      string
		apJSON      []byte
		note        sql.NullString
		autoAt      sql.NullTime
		resolvedAt  sql.NullTime
	)

	err := s.Scan(
		&r.ID, &r.EscrowAccountID, &r.RequestedBy, &role, &reqType,
		&r.AmountCents, &milestoneID, &reason, &evJSON, &status, &apJSON, &note,
		&autoAt, &resolvedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.RequestedByRole = escrow.Role(role)
	r.Type = RequestType(reqType)
	r.MilestoneID = milestoneID.String
	r.Reason = reason.String
	r.Status = RequestStatus(status)
	r.Note = note.String
	if autoAt.Valid {
		t := autoAt.Time
		r.AutomaticReleaseAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		r.ResolvedAt = &t
	}
	if len(evJSON) > 0 {
		_ = json.Unmarshal(evJSON, &r.Evidence)
	}
	if len(apJSON) > 0 {
		_ = json.Unmarshal(apJSON, &r.Approvals)
	}
	if r.Approvals == nil {
		r.Approvals = map[string]string{}
	}
	return r, nil
}

func scanRequests(rows *sql.Rows) ([]*Request, error) {
	var requests []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
