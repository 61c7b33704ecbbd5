package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/tradesafe/tradesafe/internal/escrow"
)

// PostgresStore persists disputes and settlement offers in PostgreSQL.
// Append-only collections (evidence, timeline, communications) live in JSONB
// columns; offers get their own table so they can be listed independently.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, type, status, priority, initiated_by, initiator_role, initiator_name,
		respondent_id, respondent_role, respondent_name, job_id, escrow_account_id,
		title, description, category, amount_in_dispute_cents, desired_outcome,
		evidence, timeline, communications, tags, is_escalated, auto_close_at,
		resolution, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	evJSON, tlJSON, cmJSON, tagsJSON, resJSON := marshalDispute(d)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)`,
		d.ID, string(d.Type), string(d.Status), string(d.Priority),
		d.InitiatedBy, string(d.InitiatorRole), nullString(d.InitiatorName),
		d.RespondentID, string(d.RespondentRole), nullString(d.RespondentName),
		nullString(d.JobID), nullString(d.EscrowAccountID),
		d.Title, nullString(d.Description), nullString(d.Category),
		d.AmountInDisputeCents, nullString(d.DesiredOutcome),
		evJSON, tlJSON, cmJSON, tagsJSON, d.IsEscalated, nullTime(d.AutoCloseAt),
		resJSON, d.Version, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

// Update is conditional on the stored version; a concurrent writer makes the
// row count come back zero.
func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	evJSON, tlJSON, cmJSON, tagsJSON, resJSON := marshalDispute(d)
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, priority = $2, evidence = $3, timeline = $4,
			communications = $5, tags = $6, is_escalated = $7, auto_close_at = $8,
			resolution = $9, updated_at = $10, version = version + 1
		WHERE id = $11 AND version = $12`,
		string(d.Status), string(d.Priority), evJSON, tlJSON,
		cmJSON, tagsJSON, d.IsEscalated, nullTime(d.AutoCloseAt),
		resJSON, d.UpdatedAt, d.ID, d.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM disputes WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrDisputeNotFound
		}
		return ErrVersionConflict
	}
	d.Version++
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE initiated_by = $1 OR respondent_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, partyID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var disputes []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		disputes = append(disputes, d)
	}
	return disputes, rows.Err()
}

const offerColumns = `id, dispute_id, offered_by, offered_by_role, offered_by_name, offer_type,
		work_offer, refund_cents, conditions, expires_at, status, note,
		responded_at, created_at, updated_at`

func (p *PostgresStore) CreateOffer(ctx context.Context, o *Offer) error {
	workJSON, condJSON := marshalOffer(o)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlement_offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		o.ID, o.DisputeID, o.OfferedBy, string(o.OfferedByRole), nullString(o.OfferedByName),
		string(o.OfferType), workJSON, o.RefundCents, condJSON, nullTime(o.ExpiresAt),
		string(o.Status), nullString(o.Note), nullTime(o.RespondedAt), o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM settlement_offers WHERE id = $1`, id)
	o, err := scanOffer(row)
	if err == sql.ErrNoRows {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func (p *PostgresStore) UpdateOffer(ctx context.Context, o *Offer) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE settlement_offers SET
			status = $1, note = $2, responded_at = $3, updated_at = $4
		WHERE id = $5`,
		string(o.Status), nullString(o.Note), nullTime(o.RespondedAt), o.UpdatedAt, o.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOfferNotFound
	}
	return nil
}

func (p *PostgresStore) ListOffersByDispute(ctx context.Context, disputeID string, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM settlement_offers
		WHERE dispute_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, disputeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var offers []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func marshalDispute(d *Dispute) (ev, tl, cm, tags, res []byte) {
	ev = jsonOrEmptyArray(d.Evidence)
	tl = jsonOrEmptyArray(d.Timeline)
	cm = jsonOrEmptyArray(d.Communications)
	tags = jsonOrEmptyArray(d.Tags)
	if d.Resolution != nil {
		res, _ = json.Marshal(d.Resolution)
	}
	return
}

func jsonOrEmptyArray(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return []byte("[]")
	}
	return b
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		dType, status, priority string
		initRole, respRole      string
		initName, respName      sql.NullString
		jobID, acctID           sql.NullString
		desc, category, outcome sql.NullString
		evJSON, tlJSON, cmJSON  []byte
		tagsJSON, resJSON       []byte
		autoCloseAt             sql.NullTime
	)

	err := s.Scan(
		&d.ID, &dType, &status, &priority, &d.InitiatedBy, &initRole, &initName,
		&d.RespondentID, &respRole, &respName, &jobID, &acctID,
		&d.Title, &desc, &category, &d.AmountInDisputeCents, &outcome,
		&evJSON, &tlJSON, &cmJSON, &tagsJSON, &d.IsEscalated, &autoCloseAt,
		&resJSON, &d.Version, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Type = Type(dType)
	d.Status = Status(status)
	d.Priority = Priority(priority)
	d.InitiatorRole = escrow.Role(initRole)
	d.InitiatorName = initName.String
	d.RespondentRole = escrow.Role(respRole)
	d.RespondentName = respName.String
	d.JobID = jobID.String
	d.EscrowAccountID = acctID.String
	d.Description = desc.String
	d.Category = category.String
	d.DesiredOutcome = outcome.String
	if autoCloseAt.Valid {
		t := autoCloseAt.Time
		d.AutoCloseAt = &t
	}
	_ = json.Unmarshal(evJSON, &d.Evidence)
	_ = json.Unmarshal(tlJSON, &d.Timeline)
	_ = json.Unmarshal(cmJSON, &d.Communications)
	_ = json.Unmarshal(tagsJSON, &d.Tags)
	if len(resJSON) > 0 {
		res := &Resolution{}
		if err := json.Unmarshal(resJSON, res); err == nil {
			d.Resolution = res
		}
	}
	return d, nil
}

func marshalOffer(o *Offer) (work, cond []byte) {
	if o.WorkOffer != nil {
		work, _ = json.Marshal(o.WorkOffer)
	}
	cond = jsonOrEmptyArray(o.Conditions)
	return
}

func scanOffer(s scanner) (*Offer, error) {
	o := &Offer{}
	var (
		role, oType, status    string
		name, note             sql.NullString
		workJSON, condJSON     []byte
		expiresAt, respondedAt sql.NullTime
	)

	err := s.Scan(
		&o.ID, &o.DisputeID, &o.OfferedBy, &role, &name, &oType,
		&workJSON, &o.RefundCents, &condJSON, &expiresAt, &status, &note,
		&respondedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.OfferedByRole = escrow.Role(role)
	o.OfferedByName = name.String
	o.OfferType = OfferType(oType)
	o.Status = OfferStatus(status)
	o.Note = note.String
	if expiresAt.Valid {
		t := expiresAt.Time
		o.ExpiresAt = &t
	}
	if respondedAt.Valid {
		t := respondedAt.Time
		o.RespondedAt = &t
	}
	if len(workJSON) > 0 {
		w := &WorkOffer{}
		if err := json.Unmarshal(workJSON, w); err == nil {
			o.WorkOffer = w
		}
	}
	_ = json.Unmarshal(condJSON, &o.Conditions)
	return o, nil
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
