package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/Blazingkevin/trustless-escrow/internal/idgen"
	"github.com/Blazingkevin/trustless-escrow/internal/money"
)

// Plan templates let a client who runs the same engagement shape
// repeatedly (say 20% design, 50% build, 30% ship) save the layout
// once and stamp out milestone escrows from it. A template carries no
// amount and no counterparty; both are supplied at instantiation, so
// one plan serves engagements of any size.

// MaxTemplateSteps bounds the number of steps per template.
const MaxTemplateSteps = 20

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrTemplateInvalid  = errors.New("template invalid")
)

// TemplateStep is one milestone slot of a plan template. Percent is
// the step's share of the instantiated amount; OffsetHours places the
// step's deadline relative to instantiation time.
type TemplateStep struct {
	Description string `json:"description"`
	Percent     int    `json:"percent"`
	OffsetHours int    `json:"offsetHours"`
}

// Template is a reusable milestone plan owned by the client who
// created it.
type Template struct {
	ID         string         `json:"id"`
	Owner      string         `json:"owner"`
	Name       string         `json:"name"`
	Steps      []TemplateStep `json:"steps"`
	UsageCount int            `json:"usageCount"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Clone returns a copy safe to hand to other goroutines.
func (t *Template) Clone() *Template {
	cp := *t
	cp.Steps = make([]TemplateStep, len(t.Steps))
	copy(cp.Steps, t.Steps)
	return &cp
}

// TemplateStore persists plan templates.
type TemplateStore interface {
	// CreateTemplate persists a new template.
	CreateTemplate(ctx context.Context, t *Template) error

	// GetTemplate returns the template with the given ID, or
	// ErrTemplateNotFound.
	GetTemplate(ctx context.Context, id string) (*Template, error)

	// ListTemplates returns templates newest-first. An empty owner
	// matches all owners.
	ListTemplates(ctx context.Context, owner string, limit int) ([]*Template, error)

	// DeleteTemplate removes a template, or returns
	// ErrTemplateNotFound.
	DeleteTemplate(ctx context.Context, id string) error

	// BumpTemplateUsage increments the template's usage counter.
	BumpTemplateUsage(ctx context.Context, id string) error
}

// TemplateService manages plan templates and turns them into escrows.
type TemplateService struct {
	store  TemplateStore
	escrow *Service
	logger *slog.Logger

	now func() time.Time
}

// NewTemplateService creates a template service on top of the escrow
// service that will fund instantiated plans.
func NewTemplateService(store TemplateStore, escrow *Service) *TemplateService {
	return &TemplateService{
		store:  store,
		escrow: escrow,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithLogger sets a structured logger.
func (s *TemplateService) WithLogger(l *slog.Logger) *TemplateService {
	if l != nil {
		s.logger = l
	}
	return s
}

// TemplateParams describes a new plan template.
type TemplateParams struct {
	Owner string
	Name  string
	Steps []TemplateStep
}

// CreateTemplate validates and persists a plan. Step percentages must
// sum to exactly 100 and deadlines must be strictly increasing so the
// escrow deadline, which is the last step's, covers every step.
func (s *TemplateService) CreateTemplate(ctx context.Context, p TemplateParams) (*Template, error) {
	owner := strings.ToLower(strings.TrimSpace(p.Owner))
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrTemplateInvalid)
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrTemplateInvalid)
	}
	if len(name) > 255 {
		return nil, fmt.Errorf("%w: name too long", ErrTemplateInvalid)
	}
	if len(p.Steps) == 0 || len(p.Steps) > MaxTemplateSteps {
		return nil, fmt.Errorf("%w: must have 1-%d steps", ErrTemplateInvalid, MaxTemplateSteps)
	}

	totalPct := 0
	prevOffset := 0
	for i, step := range p.Steps {
		if strings.TrimSpace(step.Description) == "" {
			return nil, fmt.Errorf("%w: step %d description is required", ErrTemplateInvalid, i)
		}
		if step.Percent <= 0 || step.Percent > 100 {
			return nil, fmt.Errorf("%w: step %d percent must be 1-100", ErrTemplateInvalid, i)
		}
		if step.OffsetHours <= prevOffset {
			return nil, fmt.Errorf("%w: step %d offset must be later than the previous step", ErrTemplateInvalid, i)
		}
		prevOffset = step.OffsetHours
		totalPct += step.Percent
	}
	if totalPct != 100 {
		return nil, fmt.Errorf("%w: step percentages must sum to 100, got %d", ErrTemplateInvalid, totalPct)
	}

	now := s.now().UTC()
	tmpl := &Template{
		ID:        idgen.WithPrefix("tpl_"),
		Owner:     owner,
		Name:      name,
		Steps:     append([]TemplateStep(nil), p.Steps...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateTemplate(ctx, tmpl); err != nil {
		return nil, fmt.Errorf("creating template: %w", err)
	}

	s.logger.Info("template created",
		"templateId", tmpl.ID, "owner", owner, "steps", len(tmpl.Steps))
	return tmpl, nil
}

// GetTemplate returns one template by ID.
func (s *TemplateService) GetTemplate(ctx context.Context, id string) (*Template, error) {
	return s.store.GetTemplate(ctx, id)
}

// ListTemplates returns templates, optionally narrowed to one owner.
func (s *TemplateService) ListTemplates(ctx context.Context, owner string, limit int) ([]*Template, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return s.store.ListTemplates(ctx, strings.ToLower(owner), limit)
}

// DeleteTemplate removes a plan. Only the owner may delete; escrows
// already instantiated from it are unaffected.
func (s *TemplateService) DeleteTemplate(ctx context.Context, id, caller string) error {
	tmpl, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return err
	}
	if strings.ToLower(caller) != tmpl.Owner {
		return ErrUnauthorized
	}
	if err := s.store.DeleteTemplate(ctx, id); err != nil {
		return err
	}
	s.logger.Info("template deleted", "templateId", id, "owner", tmpl.Owner)
	return nil
}

// InstantiateParams fills in the per-engagement half of a template.
// Amount is the gross decimal deposit to split across the plan.
type InstantiateParams struct {
	Client        string
	Freelancer    string
	Arbitrator    string
	Asset         string
	Amount        string
	AttachedValue string
}

// Instantiate funds a milestone escrow laid out by the template. Each
// step's amount is its percentage of the deposit; flooring remainders
// land on the last step so the parts sum exactly. Step deadlines are
// the template offsets applied to the current time.
func (s *TemplateService) Instantiate(ctx context.Context, templateID string, p InstantiateParams) (*Escrow, error) {
	tmpl, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	gross, ok := money.Parse(p.Amount)
	if !ok || gross.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be a positive decimal", ErrInvalidAmount)
	}

	now := s.now().UTC()
	hundred := big.NewInt(100)
	allocated := new(big.Int)
	ms := make([]MilestoneParams, len(tmpl.Steps))
	for i, step := range tmpl.Steps {
		var share *big.Int
		if i == len(tmpl.Steps)-1 {
			share = new(big.Int).Sub(gross, allocated)
		} else {
			share = money.ProRata(gross, big.NewInt(int64(step.Percent)), hundred)
			allocated.Add(allocated, share)
		}
		if share.Sign() <= 0 {
			return nil, fmt.Errorf("%w: amount too small for step %d of the plan", ErrInvalidAmount, i)
		}
		ms[i] = MilestoneParams{
			Description: step.Description,
			Amount:      money.Format(share),
			Deadline:    now.Add(time.Duration(step.OffsetHours) * time.Hour),
		}
	}

	e, err := s.escrow.Create(ctx, CreateParams{
		Client:        p.Client,
		Freelancer:    p.Freelancer,
		Arbitrator:    p.Arbitrator,
		Asset:         p.Asset,
		AttachedValue: p.AttachedValue,
		Milestones:    ms,
	})
	if err != nil {
		return nil, err
	}

	// Usage is bookkeeping; a failed bump must not undo a funded escrow.
	if err := s.store.BumpTemplateUsage(ctx, tmpl.ID); err != nil {
		s.logger.Warn("failed to bump template usage",
			"templateId", tmpl.ID, "error", err)
	}

	s.logger.Info("template instantiated",
		"templateId", tmpl.ID, "escrowId", e.ID, "client", e.Client,
		"asset", e.Asset, "amount", p.Amount)
	return e, nil
}
