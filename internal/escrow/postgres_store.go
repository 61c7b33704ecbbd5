package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore persists escrow accounts in PostgreSQL.
// Milestones live as a JSONB column on the account row: they share the
// account's lifetime and are always read and written together.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, job_id, property_id, landlord_id, landlord_name,
		contractor_id, contractor_name, amount_cents, platform_fee_cents,
		processing_fee_cents, net_to_contractor_cents, currency, status,
		prior_status, dispute_id, hold_start_date, release_conditions,
		milestones, released_cents, refunded_cents, net_transferred_cents,
		capture_id, payout_ref, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	condJSON, _ := json.Marshal(a.ReleaseConditions)
	msJSON, _ := json.Marshal(a.Milestones)
	if a.Milestones == nil {
		msJSON = []byte("[]")
	}
	a.Version = 1
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`,
		a.ID, a.JobID, nullString(a.PropertyID), a.LandlordID, nullString(a.LandlordName),
		a.ContractorID, nullString(a.ContractorName), a.AmountCents, a.Fees.PlatformFeeCents,
		a.Fees.ProcessingFeeCents, a.Fees.NetToContractorCents, a.Currency, string(a.Status),
		nullString(string(a.PriorStatus)), nullString(a.DisputeID), nullTime(a.HoldStartDate), condJSON,
		msJSON, a.ReleasedCents, a.RefundedCents, a.NetTransferredCents,
		nullString(a.CaptureID), nullString(a.PayoutRef), a.Version, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM escrow_accounts WHERE id = $1`, id)

	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	return a, err
}

// Update is a conditional write: the row is only touched when the stored
// version matches, and the version advances atomically with the data.
func (p *PostgresStore) Update(ctx context.Context, a *Account) error {
	condJSON, _ := json.Marshal(a.ReleaseConditions)
	msJSON, _ := json.Marshal(a.Milestones)
	if a.Milestones == nil {
		msJSON = []byte("[]")
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_accounts SET
			status = $1, prior_status = $2, dispute_id = $3, hold_start_date = $4,
			release_conditions = $5, milestones = $6, released_cents = $7,
			refunded_cents = $8, net_transferred_cents = $9, capture_id = $10,
			updated_at = $11, version = version + 1
		WHERE id = $12 AND version = $13`,
		string(a.Status), nullString(string(a.PriorStatus)), nullString(a.DisputeID), nullTime(a.HoldStartDate),
		condJSON, msJSON, a.ReleasedCents,
		a.RefundedCents, a.NetTransferredCents, nullString(a.CaptureID),
		a.UpdatedAt, a.ID, a.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the row is gone or someone else won the version race.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM escrow_accounts WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrAccountNotFound
		}
		return ErrVersionConflict
	}
	a.Version++
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, limit int) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM escrow_accounts
		WHERE landlord_id = $1 OR contractor_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, partyID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanAccounts(rows)
}

func (p *PostgresStore) ListAutoReleasable(ctx context.Context, now time.Time, limit int) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM escrow_accounts
		WHERE status IN ('funded', 'partially_released')
		  AND (release_conditions->>'requiresLandlordApproval')::boolean = false
		  AND (release_conditions->>'autoReleaseAfterDays')::int > 0
		  AND hold_start_date IS NOT NULL
		  AND hold_start_date + make_interval(days => (release_conditions->>'autoReleaseAfterDays')::int) <= $1
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanAccounts(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(s scanner) (*Account, error) {
	a := &Account{}
	var (
		propertyID     sql.NullString
		landlordName   sql.NullString
		contractorName sql.NullString
		status         string
		priorStatus    sql.NullString
		disputeID      sql.NullString
		holdStart      sql.NullTime
		condJSON       []byte
		msJSON         []byte
		captureID      sql.NullString
		payoutRef      sql.NullString
	)

	err := s.Scan(
		&a.ID, &a.JobID, &propertyID, &a.LandlordID, &landlordName,
		&a.ContractorID, &contractorName, &a.AmountCents, &a.Fees.PlatformFeeCents,
		&a.Fees.ProcessingFeeCents, &a.Fees.NetToContractorCents, &a.Currency, &status,
		&priorStatus, &disputeID, &holdStart, &condJSON,
		&msJSON, &a.ReleasedCents, &a.RefundedCents, &a.NetTransferredCents,
		&captureID, &payoutRef, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.PropertyID = propertyID.String
	a.LandlordName = landlordName.String
	a.ContractorName = contractorName.String
	a.Status = Status(status)
	a.PriorStatus = Status(priorStatus.String)
	a.DisputeID = disputeID.String
	if holdStart.Valid {
		t := holdStart.Time
		a.HoldStartDate = &t
	}
	a.CaptureID = captureID.String
	a.PayoutRef = payoutRef.String
	if len(condJSON) > 0 {
		_ = json.Unmarshal(condJSON, &a.ReleaseConditions)
	}
	if len(msJSON) > 0 {
		_ = json.Unmarshal(msJSON, &a.Milestones)
	}
	return a, nil
}

func scanAccounts(rows *sql.Rows) ([]*Account, error) {
	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
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
