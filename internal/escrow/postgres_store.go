package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Blazingkevin/trustless-escrow/internal/money"
)

// PostgresStore persists escrow data in PostgreSQL. IDs come from a
// single counter row bumped inside the insert transaction, so a
// rolled-back create consumes no ID.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow, fee string) error {
	milestonesJSON, err := json.Marshal(e.Milestones)
	if err != nil {
		return fmt.Errorf("encoding milestones: %w", err)
	}
	if e.Milestones == nil {
		milestonesJSON = []byte("[]")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx,
		`UPDATE escrow_counter SET next_id = next_id + 1 WHERE singleton RETURNING next_id - 1`,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("assigning escrow id: %w", err)
	}
	e.ID = uint64(id)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrows (
			id, client_addr, freelancer_addr, arbitrator_addr, asset,
			total_amount, released_amount, deadline, status, milestones,
			dispute_reason, dispute_raiser, dispute_raised_at, ruling,
			created_at, updated_at, resolved_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::NUMERIC(30,18), $7::NUMERIC(30,18), $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17
		)`,
		id, e.Client, e.Freelancer, nullString(e.Arbitrator), e.Asset,
		e.TotalAmount, e.ReleasedAmount, e.Deadline, string(e.Status), milestonesJSON,
		nullString(e.DisputeReason), nullString(e.DisputeRaiser), nullTime(e.DisputeRaisedAt), nullString(e.Ruling),
		e.CreatedAt, e.UpdatedAt, nullTime(e.ResolvedAt),
	)
	if err != nil {
		return err
	}

	if fee != "" && fee != "0" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO escrow_fees (asset, balance, updated_at)
			VALUES ($1, $2::NUMERIC(30,18), now())
			ON CONFLICT (asset)
			DO UPDATE SET balance = escrow_fees.balance + EXCLUDED.balance, updated_at = now()`,
			e.Asset, fee,
		)
		if err != nil {
			return fmt.Errorf("accruing platform fee: %w", err)
		}
	}

	return tx.Commit()
}

const escrowColumns = `id, client_addr, freelancer_addr, arbitrator_addr, asset,
		       total_amount, released_amount, deadline, status, milestones,
		       dispute_reason, dispute_raiser, dispute_raised_at, ruling,
		       created_at, updated_at, resolved_at`

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, int64(id))

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	milestonesJSON, err := json.Marshal(e.Milestones)
	if err != nil {
		return fmt.Errorf("encoding milestones: %w", err)
	}
	if e.Milestones == nil {
		milestonesJSON = []byte("[]")
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			released_amount = $1::NUMERIC(30,18), deadline = $2, status = $3,
			milestones = $4, dispute_reason = $5, dispute_raiser = $6,
			dispute_raised_at = $7, ruling = $8, updated_at = $9, resolved_at = $10
		WHERE id = $11 AND status NOT IN ('resolved', 'refunded')`,
		e.ReleasedAmount, e.Deadline, string(e.Status),
		milestonesJSON, nullString(e.DisputeReason), nullString(e.DisputeRaiser),
		nullTime(e.DisputeRaisedAt), nullString(e.Ruling), e.UpdatedAt, nullTime(e.ResolvedAt),
		int64(e.ID),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the record is gone or the guard blocked a write to a
		// terminal escrow.
		var status string
		err := p.db.QueryRowContext(ctx,
			`SELECT status FROM escrows WHERE id = $1`, int64(e.ID)).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrInvalidState
	}
	return nil
}

func (p *PostgresStore) Restore(ctx context.Context, e *Escrow) error {
	milestonesJSON, err := json.Marshal(e.Milestones)
	if err != nil {
		return fmt.Errorf("encoding milestones: %w", err)
	}
	if e.Milestones == nil {
		milestonesJSON = []byte("[]")
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			released_amount = $1::NUMERIC(30,18), deadline = $2, status = $3,
			milestones = $4, dispute_reason = $5, dispute_raiser = $6,
			dispute_raised_at = $7, ruling = $8, updated_at = $9, resolved_at = $10
		WHERE id = $11`,
		e.ReleasedAmount, e.Deadline, string(e.Status),
		milestonesJSON, nullString(e.DisputeReason), nullString(e.DisputeRaiser),
		nullTime(e.DisputeRaisedAt), nullString(e.Ruling), e.UpdatedAt, nullTime(e.ResolvedAt),
		int64(e.ID),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Escrow, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + escrowColumns + ` FROM escrows`
	var conds []string
	var args []interface{}
	if filter.Party != "" {
		args = append(args, filter.Party)
		conds = append(conds, fmt.Sprintf("(client_addr = $%d OR freelancer_addr = $%d)", len(args), len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Cursor != 0 {
		args = append(args, int64(filter.Cursor))
		conds = append(conds, fmt.Sprintf("id < $%d", len(args)))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListFundedDeadlineBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'funded' AND deadline < $1
		ORDER BY deadline ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) Count(ctx context.Context) (uint64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT next_id FROM escrow_counter`).Scan(&n)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// QueryForAnalytics returns escrows matching the analytics filter.
func (p *PostgresStore) QueryForAnalytics(ctx context.Context, filter AnalyticsFilter, limit int) ([]*Escrow, error) {
	q := `SELECT ` + escrowColumns + ` FROM escrows`
	var conds []string
	var args []interface{}
	if filter.Freelancer != "" {
		args = append(args, strings.ToLower(filter.Freelancer))
		conds = append(conds, fmt.Sprintf("freelancer_addr = $%d", len(args)))
	}
	if filter.Asset != "" {
		args = append(args, filter.Asset)
		conds = append(conds, fmt.Sprintf("asset = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conds = append(conds, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) FeeBalances(ctx context.Context) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT asset, balance FROM escrow_fees`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var asset, balance string
		if err := rows.Scan(&asset, &balance); err != nil {
			return nil, err
		}
		out[asset] = normAmount(balance)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		id              int64
		arbitrator      sql.NullString
		status          string
		milestonesJSON  []byte
		disputeReason   sql.NullString
		disputeRaiser   sql.NullString
		disputeRaisedAt sql.NullTime
		ruling          sql.NullString
		resolvedAt      sql.NullTime
	)

	err := s.Scan(
		&id, &e.Client, &e.Freelancer, &arbitrator, &e.Asset,
		&e.TotalAmount, &e.ReleasedAmount, &e.Deadline, &status, &milestonesJSON,
		&disputeReason, &disputeRaiser, &disputeRaisedAt, &ruling,
		&e.CreatedAt, &e.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	e.ID = uint64(id)
	e.Status = Status(status)
	e.Arbitrator = arbitrator.String
	e.HasArbitrator = arbitrator.Valid && arbitrator.String != ""
	e.DisputeReason = disputeReason.String
	e.DisputeRaiser = disputeRaiser.String
	e.Ruling = ruling.String
	if disputeRaisedAt.Valid {
		e.DisputeRaisedAt = &disputeRaisedAt.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	if len(milestonesJSON) > 0 {
		_ = json.Unmarshal(milestonesJSON, &e.Milestones)
	}

	// NUMERIC scans carry the full column scale; trim for display.
	e.TotalAmount = normAmount(e.TotalAmount)
	e.ReleasedAmount = normAmount(e.ReleasedAmount)

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// normAmount re-formats a NUMERIC string without trailing zeros.
// Unparseable input is returned as-is.
func normAmount(s string) string {
	if n, ok := money.Parse(s); ok {
		return money.Format(n)
	}
	return s
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
