package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// TemplatePostgresStore persists plan templates in PostgreSQL. Steps
// are stored as a JSONB document; a template is immutable after
// creation apart from its usage counter, so there is nothing to join
// on.
type TemplatePostgresStore struct {
	db *sql.DB
}

// NewTemplatePostgresStore creates a new PostgreSQL-backed template
// store.
func NewTemplatePostgresStore(db *sql.DB) *TemplatePostgresStore {
	return &TemplatePostgresStore{db: db}
}

func (p *TemplatePostgresStore) CreateTemplate(ctx context.Context, t *Template) error {
	stepsJSON, err := json.Marshal(t.Steps)
	if err != nil {
		return fmt.Errorf("encoding steps: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrow_templates (id, owner_addr, name, steps, usage_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.Owner, t.Name, stepsJSON, t.UsageCount, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

const templateColumns = `id, owner_addr, name, steps, usage_count, created_at, updated_at`

func (p *TemplatePostgresStore) GetTemplate(ctx context.Context, id string) (*Template, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM escrow_templates WHERE id = $1`, id)

	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, ErrTemplateNotFound
	}
	return t, err
}

func (p *TemplatePostgresStore) ListTemplates(ctx context.Context, owner string, limit int) ([]*Template, error) {
	q := `SELECT ` + templateColumns + ` FROM escrow_templates`
	var args []interface{}
	if owner != "" {
		args = append(args, strings.ToLower(owner))
		q += " WHERE owner_addr = $1"
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *TemplatePostgresStore) DeleteTemplate(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM escrow_templates WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

func (p *TemplatePostgresStore) BumpTemplateUsage(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_templates
		SET usage_count = usage_count + 1, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

func scanTemplate(s scanner) (*Template, error) {
	t := &Template{}
	var stepsJSON []byte

	err := s.Scan(&t.ID, &t.Owner, &t.Name, &stepsJSON, &t.UsageCount, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stepsJSON, &t.Steps); err != nil {
		return nil, fmt.Errorf("decoding steps: %w", err)
	}
	return t, nil
}

// Compile-time assertion that TemplatePostgresStore implements
// TemplateStore.
var _ TemplateStore = (*TemplatePostgresStore)(nil)
