package treasury

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Blazingkevin/trustless-escrow/internal/idgen"
	"github.com/Blazingkevin/trustless-escrow/internal/money"
)

// PostgresStore implements Store with PostgreSQL. Balances live in
// treasury_accounts keyed by (account, asset); non-negative CHECK
// constraints back up the guarded updates. Schema is managed by the
// goose migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed treasury store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, account, asset string) (*Balance, error) {
	b := &Balance{Account: account, Asset: asset}
	err := p.db.QueryRowContext(ctx, `
		SELECT available, escrowed, total_in, total_out, updated_at
		FROM treasury_accounts WHERE account = $1 AND asset = $2
	`, account, asset).Scan(&b.Available, &b.Escrowed, &b.TotalIn, &b.TotalOut, &b.UpdatedAt)

	if err == sql.ErrNoRows {
		return zeroBalance(account, asset), nil
	}
	if err != nil {
		return nil, err
	}
	normBalance(b)
	return b, nil
}

func (p *PostgresStore) ListBalances(ctx context.Context, account string) ([]*Balance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT account, asset, available, escrowed, total_in, total_out, updated_at
		FROM treasury_accounts
		WHERE account = $1
		ORDER BY asset
	`, account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Balance
	for rows.Next() {
		b := &Balance{}
		if err := rows.Scan(&b.Account, &b.Asset, &b.Available, &b.Escrowed, &b.TotalIn, &b.TotalOut, &b.UpdatedAt); err != nil {
			return nil, err
		}
		normBalance(b)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Credit(ctx context.Context, account, asset, amount, txHash, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := creditAvailable(ctx, tx, account, asset, amount); err != nil {
		return fmt.Errorf("crediting balance: %w", err)
	}
	if err := insertEntry(ctx, tx, account, asset, EntryDeposit, amount, txHash, "", description); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Debit(ctx context.Context, account, asset, amount, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Guard in the WHERE clause: a missing row and an overdraft both
	// read as insufficient funds.
	res, err := tx.ExecContext(ctx, `
		UPDATE treasury_accounts SET
			available  = available - $3::NUMERIC(30,18),
			total_out  = total_out + $3::NUMERIC(30,18),
			updated_at = NOW()
		WHERE account = $1 AND asset = $2 AND available >= $3::NUMERIC(30,18)
	`, account, asset, amount)
	if err != nil {
		return fmt.Errorf("debiting balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientFunds
	}

	if err := insertEntry(ctx, tx, account, asset, EntryWithdrawal, amount, "", reference, description); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Refund(ctx context.Context, account, asset, amount, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE treasury_accounts SET
			available  = available + $3::NUMERIC(30,18),
			total_out  = GREATEST(total_out - $3::NUMERIC(30,18), 0),
			updated_at = NOW()
		WHERE account = $1 AND asset = $2
	`, account, asset, amount)
	if err != nil {
		return fmt.Errorf("refunding balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientFunds
	}

	if err := insertEntry(ctx, tx, account, asset, EntryRefund, amount, "", reference, description); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Lock(ctx context.Context, payer, asset, amount, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE treasury_accounts SET
			available  = available - $3::NUMERIC(30,18),
			total_out  = total_out + $3::NUMERIC(30,18),
			updated_at = NOW()
		WHERE account = $1 AND asset = $2 AND available >= $3::NUMERIC(30,18)
	`, payer, asset, amount)
	if err != nil {
		return fmt.Errorf("debiting payer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientFunds
	}

	if err := creditEscrowed(ctx, tx, asset, amount); err != nil {
		return fmt.Errorf("crediting custody pool: %w", err)
	}
	if err := insertEntry(ctx, tx, payer, asset, EntryEscrowLock, amount, "", reference, "escrow deposit locked"); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) PayFromLock(ctx context.Context, recipient, asset, amount, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := payLeg(ctx, tx, recipient, asset, amount, reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) SplitFromLock(ctx context.Context, asset, reference string, legs []Leg) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, leg := range legs {
		if err := payLeg(ctx, tx, leg.Recipient, asset, leg.Amount, reference); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) ReturnFromLock(ctx context.Context, payer, asset, amount, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := debitEscrowed(ctx, tx, asset, amount); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO treasury_accounts (account, asset, available, total_in, updated_at)
		VALUES ($1, $2, $3::NUMERIC(30,18), 0, NOW())
		ON CONFLICT (account, asset) DO UPDATE SET
			available  = treasury_accounts.available + $3::NUMERIC(30,18),
			total_out  = GREATEST(treasury_accounts.total_out - $3::NUMERIC(30,18), 0),
			updated_at = NOW()
	`, payer, asset, amount)
	if err != nil {
		return fmt.Errorf("crediting payer: %w", err)
	}

	if err := insertEntry(ctx, tx, payer, asset, EntryEscrowReturn, amount, "", reference, "escrow deposit returned"); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account, asset, type, amount, tx_hash, reference, description, created_at
		FROM treasury_entries
		WHERE account = $1
		ORDER BY seq DESC
		LIMIT $2
	`, account, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var txHash, reference, description sql.NullString
		if err := rows.Scan(&e.ID, &e.Account, &e.Asset, &e.Type, &e.Amount, &txHash, &reference, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TxHash = txHash.String
		e.Reference = reference.String
		e.Description = description.String
		e.Amount = normAmount(e.Amount)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) HasDeposit(ctx context.Context, txHash string) (bool, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM treasury_entries WHERE tx_hash = $1 AND type = 'deposit'
	`, txHash).Scan(&count)
	return count > 0, err
}

func (p *PostgresStore) SumBalances(ctx context.Context) ([]AssetTotals, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT asset, COALESCE(SUM(available), 0), COALESCE(SUM(escrowed), 0)
		FROM treasury_accounts
		GROUP BY asset
		ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []AssetTotals
	for rows.Next() {
		t := AssetTotals{}
		if err := rows.Scan(&t.Asset, &t.Available, &t.Escrowed); err != nil {
			return nil, err
		}
		t.Available = normAmount(t.Available)
		t.Escrowed = normAmount(t.Escrowed)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetAllowance(ctx context.Context, owner, asset, amount string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO treasury_allowances (owner_addr, asset, remaining, updated_at)
		VALUES ($1, $2, $3::NUMERIC(30,18), NOW())
		ON CONFLICT (owner_addr, asset) DO UPDATE SET
			remaining  = $3::NUMERIC(30,18),
			updated_at = NOW()
	`, owner, asset, amount)
	return err
}

func (p *PostgresStore) GetAllowance(ctx context.Context, owner, asset string) (*Allowance, error) {
	a := &Allowance{Owner: owner, Asset: asset}
	err := p.db.QueryRowContext(ctx, `
		SELECT remaining, updated_at FROM treasury_allowances
		WHERE owner_addr = $1 AND asset = $2
	`, owner, asset).Scan(&a.Remaining, &a.UpdatedAt)

	if err == sql.ErrNoRows {
		a.Remaining = "0"
		return a, nil
	}
	if err != nil {
		return nil, err
	}
	a.Remaining = normAmount(a.Remaining)
	return a, nil
}

func (p *PostgresStore) ListAllowances(ctx context.Context, owner string) ([]*Allowance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT owner_addr, asset, remaining, updated_at FROM treasury_allowances
		WHERE owner_addr = $1
		ORDER BY asset
	`, owner)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Allowance
	for rows.Next() {
		a := &Allowance{}
		if err := rows.Scan(&a.Owner, &a.Asset, &a.Remaining, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Remaining = normAmount(a.Remaining)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SpendAllowance(ctx context.Context, owner, asset, amount string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE treasury_allowances SET
			remaining  = remaining - $3::NUMERIC(30,18),
			updated_at = NOW()
		WHERE owner_addr = $1 AND asset = $2 AND remaining >= $3::NUMERIC(30,18)
	`, owner, asset, amount)
	if err != nil {
		return fmt.Errorf("spending allowance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientAllowance
	}
	return nil
}

func (p *PostgresStore) RestoreAllowance(ctx context.Context, owner, asset, amount string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO treasury_allowances (owner_addr, asset, remaining, updated_at)
		VALUES ($1, $2, $3::NUMERIC(30,18), NOW())
		ON CONFLICT (owner_addr, asset) DO UPDATE SET
			remaining  = treasury_allowances.remaining + $3::NUMERIC(30,18),
			updated_at = NOW()
	`, owner, asset, amount)
	return err
}

// payLeg moves one amount from the custody pool to a recipient inside
// an open transaction.
func payLeg(ctx context.Context, tx *sql.Tx, recipient, asset, amount, reference string) error {
	if err := debitEscrowed(ctx, tx, asset, amount); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO treasury_accounts (account, asset, available, total_in, updated_at)
		VALUES ($1, $2, $3::NUMERIC(30,18), $3::NUMERIC(30,18), NOW())
		ON CONFLICT (account, asset) DO UPDATE SET
			available  = treasury_accounts.available + $3::NUMERIC(30,18),
			total_in   = treasury_accounts.total_in  + $3::NUMERIC(30,18),
			updated_at = NOW()
	`, recipient, asset, amount)
	if err != nil {
		return fmt.Errorf("crediting recipient: %w", err)
	}

	return insertEntry(ctx, tx, recipient, asset, EntryEscrowPayout, amount, "", reference, "escrow payout received")
}

func creditAvailable(ctx context.Context, tx *sql.Tx, account, asset, amount string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO treasury_accounts (account, asset, available, total_in, updated_at)
		VALUES ($1, $2, $3::NUMERIC(30,18), $3::NUMERIC(30,18), NOW())
		ON CONFLICT (account, asset) DO UPDATE SET
			available  = treasury_accounts.available + $3::NUMERIC(30,18),
			total_in   = treasury_accounts.total_in  + $3::NUMERIC(30,18),
			updated_at = NOW()
	`, account, asset, amount)
	return err
}

func creditEscrowed(ctx context.Context, tx *sql.Tx, asset, amount string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO treasury_accounts (account, asset, escrowed, updated_at)
		VALUES ($1, $2, $3::NUMERIC(30,18), NOW())
		ON CONFLICT (account, asset) DO UPDATE SET
			escrowed   = treasury_accounts.escrowed + $3::NUMERIC(30,18),
			updated_at = NOW()
	`, CustodyAccount, asset, amount)
	return err
}

func debitEscrowed(ctx context.Context, tx *sql.Tx, asset, amount string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE treasury_accounts SET
			escrowed   = escrowed - $3::NUMERIC(30,18),
			updated_at = NOW()
		WHERE account = $1 AND asset = $2 AND escrowed >= $3::NUMERIC(30,18)
	`, CustodyAccount, asset, amount)
	if err != nil {
		return fmt.Errorf("debiting custody pool: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, account, asset, typ, amount, txHash, reference, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO treasury_entries (id, account, asset, type, amount, tx_hash, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(30,18), NULLIF($6, ''), NULLIF($7, ''), $8, NOW())
	`, idgen.New(), account, asset, typ, amount, txHash, reference, description)
	if err != nil {
		return fmt.Errorf("recording entry: %w", err)
	}
	return nil
}

func zeroBalance(account, asset string) *Balance {
	return &Balance{
		Account:   account,
		Asset:     asset,
		Available: "0",
		Escrowed:  "0",
		TotalIn:   "0",
		TotalOut:  "0",
		UpdatedAt: time.Now(),
	}
}

// normAmount re-formats a NUMERIC string without trailing zeros.
// Unparseable input is returned as-is.
func normAmount(s string) string {
	if n, ok := money.Parse(s); ok {
		return money.Format(n)
	}
	return s
}

func normBalance(b *Balance) {
	b.Available = normAmount(b.Available)
	b.Escrowed = normAmount(b.Escrowed)
	b.TotalIn = normAmount(b.TotalIn)
	b.TotalOut = normAmount(b.TotalOut)
}
