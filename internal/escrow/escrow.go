// Package escrow implements custodial escrow between a client and a
// freelancer, with optional third-party arbitration.
//
// The platform treasury holds funds for the lifetime of an escrow.
// Flow:
//
//  1. A client funds an escrow for a freelancer, either as a single
//     amount or split into milestones. A platform fee is skimmed off
//     the deposit at creation and the remainder becomes the payable
//     total.
//  2. The client releases funds to the freelancer, or the freelancer
//     refunds the client. Milestone escrows pay out per milestone.
//  3. When an arbitrator is set, either party may raise a dispute.
//     The arbitrator splits the remaining balance between the parties
//     and keeps an arbitration fee.
//  4. Once the deadline plus a grace period has passed, the freelancer
//     may claim unreleased funds without client involvement.
//
// Escrows that reach resolved or refunded are immutable. Every path
// to a terminal state moves the full remaining balance, so released
// always equals total on a terminal escrow.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Blazingkevin/trustless-escrow/internal/metrics"
	"github.com/Blazingkevin/trustless-escrow/internal/money"
	"github.com/Blazingkevin/trustless-escrow/internal/syncutil"
	"github.com/Blazingkevin/trustless-escrow/internal/traces"
)

const (
	// GracePeriod is how long after the deadline the freelancer must
	// wait before claiming unreleased funds.
	GracePeriod = 7 * 24 * time.Hour

	// ArbitrationFeeBps is the arbitrator's cut of the remaining
	// balance when a dispute is resolved, in basis points.
	ArbitrationFeeBps = 200

	// DefaultFeeBps is the platform fee applied to deposits unless
	// reconfigured at runtime.
	DefaultFeeBps = 100

	// MaxFeeBps caps the configurable platform fee at 10%.
	MaxFeeBps = 1000

	// NativeAsset is the asset code for the chain's native currency.
	// Every other asset code is treated as a token contract address.
	NativeAsset = "native"

	// MaxMilestones bounds the number of milestones per escrow.
	MaxMilestones = 100
)

// Status represents the lifecycle state of an escrow.
type Status string

const (
	StatusFunded   Status = "funded"
	StatusDisputed Status = "disputed"
	StatusResolved Status = "resolved"
	StatusRefunded Status = "refunded"
)

var (
	ErrNotFound       = errors.New("escrow not found")
	ErrUnauthorized   = errors.New("caller is not authorized for this action")
	ErrInvalidState   = errors.New("escrow state does not allow this action")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrInvalidParty   = errors.New("invalid party")
	ErrNoFunds        = errors.New("no remaining funds")
	ErrTiming         = errors.New("action attempted at the wrong time")
	ErrTransferFailed = errors.New("transfer failed")
	ErrPaused         = errors.New("escrow operations are paused")
	ErrReentrancy     = errors.New("operation already in progress for this escrow")
	ErrNoArbitrator   = errors.New("escrow has no arbitrator")
	ErrEmptyReason    = errors.New("dispute reason must not be empty")
	ErrEmptyRuling    = errors.New("resolution ruling must not be empty")
	ErrInvalidWinner  = errors.New("winner must be the client or the freelancer")
	ErrMilestoneIndex = errors.New("milestone index out of range")
	ErrMilestonePaid  = errors.New("milestone already paid")
)

// StateError reports an operation attempted in the wrong lifecycle
// state. It unwraps to ErrInvalidState.
type StateError struct {
	Current  Status
	Required Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("escrow is %s, must be %s", e.Current, e.Required)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// TimingError reports an action attempted before it becomes eligible.
// EligibleAt is zero when the action has no future eligibility, such
// as a deadline that must simply be in the future.
type TimingError struct {
	Reason     string
	EligibleAt time.Time
}

func (e *TimingError) Error() string {
	if e.EligibleAt.IsZero() {
		return e.Reason
	}
	return fmt.Sprintf("%s (eligible at %s)", e.Reason, e.EligibleAt.UTC().Format(time.RFC3339))
}

func (e *TimingError) Unwrap() error { return ErrTiming }

// TransferError wraps a treasury failure during a money movement.
// The escrow record has already been rolled back when one of these is
// returned, so no funds moved and no state changed.
type TransferError struct {
	Op  string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed during %s: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

func (e *TransferError) Is(target error) bool { return target == ErrTransferFailed }

// Milestone is one payable chunk of a milestone escrow. Amount is a
// decimal string in the escrow's asset, already net of the platform
// fee taken at creation.
type Milestone struct {
	Description string     `json:"description"`
	Amount      string     `json:"amount"`
	Deadline    time.Time  `json:"deadline"`
	Completed   bool       `json:"completed"`
	Paid        bool       `json:"paid"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	PaidAt      *time.Time `json:"paidAt,omitempty"`
}

// Escrow is a custodial agreement between a client and a freelancer.
// Party addresses are stored lowercased. TotalAmount is the payable
// total net of the platform fee; ReleasedAmount accumulates every
// outflow, including refunds and dispute payouts.
type Escrow struct {
	ID              uint64      `json:"id"`
	Client          string      `json:"client"`
	Freelancer      string      `json:"freelancer"`
	Arbitrator      string      `json:"arbitrator,omitempty"`
	HasArbitrator   bool        `json:"hasArbitrator"`
	Asset           string      `json:"asset"`
	TotalAmount     string      `json:"totalAmount"`
	ReleasedAmount  string      `json:"releasedAmount"`
	Deadline        time.Time   `json:"deadline"`
	Status          Status      `json:"status"`
	Milestones      []Milestone `json:"milestones,omitempty"`
	DisputeReason   string      `json:"disputeReason,omitempty"`
	DisputeRaiser   string      `json:"disputeRaiser,omitempty"`
	DisputeRaisedAt *time.Time  `json:"disputeRaisedAt,omitempty"`
	Ruling          string      `json:"ruling,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
	ResolvedAt      *time.Time  `json:"resolvedAt,omitempty"`
}

// IsTerminal reports whether the escrow can no longer change.
func (e *Escrow) IsTerminal() bool {
	return e.Status == StatusResolved || e.Status == StatusRefunded
}

// Remaining returns total minus released in base units. Terminal
// escrows always have a zero remainder.
func (e *Escrow) Remaining() *big.Int {
	total, _ := money.Parse(e.TotalAmount)
	released, _ := money.Parse(e.ReleasedAmount)
	return new(big.Int).Sub(total, released)
}

// Clone returns a copy safe to hand to other goroutines. Milestone
// structs are copied; pointer timestamps are shared because they are
// never written through once set.
func (e *Escrow) Clone() *Escrow {
	cp := *e
	if len(e.Milestones) > 0 {
		cp.Milestones = make([]Milestone, len(e.Milestones))
		copy(cp.Milestones, e.Milestones)
	}
	return &cp
}

// ListFilter narrows List results. Zero values match everything.
// Cursor, when nonzero, returns escrows with IDs strictly below it;
// results are newest-first, so the last ID of a page is the cursor
// for the next.
type ListFilter struct {
	Party  string
	Status Status
	Limit  int
	Cursor uint64
}

// Store persists escrows. Implementations must assign sequential IDs
// starting at zero with no gaps across successful creations, and must
// refuse to overwrite terminal records through Update.
type Store interface {
	// Create persists a new escrow, assigns the next sequential ID to
	// e.ID, and credits fee to the asset's fee ledger. ID assignment,
	// insert, and fee accrual are atomic: a failed create consumes no
	// ID and accrues no fee.
	Create(ctx context.Context, e *Escrow, fee string) error

	// Get returns the escrow with the given ID, or ErrNotFound.
	Get(ctx context.Context, id uint64) (*Escrow, error)

	// Update persists changes to an existing escrow. Updating a
	// record that is already terminal returns ErrInvalidState.
	Update(ctx context.Context, e *Escrow) error

	// Restore writes e unconditionally, bypassing the terminal guard.
	// Only the rollback path after a failed transfer uses it.
	Restore(ctx context.Context, e *Escrow) error

	// List returns escrows newest-first, narrowed by filter.
	List(ctx context.Context, filter ListFilter) ([]*Escrow, error)

	// ListFundedDeadlineBefore returns funded escrows whose deadline
	// is before cutoff, oldest deadline first.
	ListFundedDeadlineBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error)

	// Count returns the number of escrows ever created.
	Count(ctx context.Context) (uint64, error)

	// FeeBalances returns accrued platform fees per asset as decimal
	// strings.
	FeeBalances(ctx context.Context) (map[string]string, error)
}

// PayoutLeg is one recipient's share of a split payout.
type PayoutLeg struct {
	Recipient string
	Amount    string
}

// Vault moves funds between the parties and platform custody. All
// amounts are decimal strings. Implementations must be safe for
// concurrent use; the service serializes calls per escrow but not
// across escrows.
type Vault interface {
	// PullDeposit moves gross from the payer into escrow custody.
	// attached is the native value sent along with the request; token
	// deposits pass "" and draw on the payer's treasury allowance.
	PullDeposit(ctx context.Context, payer, asset, gross, attached string) error

	// Payout moves amount from escrow custody to recipient.
	Payout(ctx context.Context, recipient, asset, amount, reference string) error

	// PayoutSplit pays several recipients from escrow custody as one
	// atomic movement. Implementations skip zero-amount legs.
	PayoutSplit(ctx context.Context, asset, reference string, legs []PayoutLeg) error

	// Return sends a pulled deposit back to the payer after a failed
	// creation.
	Return(ctx context.Context, payer, asset, amount, reference string) error
}

// Service implements the escrow lifecycle. All state transitions are
// serialized per escrow; money only moves after the corresponding
// record change has been committed, and a failed transfer rolls the
// record back.
type Service struct {
	store    Store
	vault    Vault
	notifier Notifier
	logger   *slog.Logger

	feeBps atomic.Int64
	paused atomic.Bool

	locks    *syncutil.ContextShardedMutex
	inflight sync.Map // escrow ID -> struct{}, set while a vault call runs

	now func() time.Time
}

// NewService creates an escrow service with the default platform fee.
func NewService(store Store, vault Vault) *Service {
	s := &Service{
		store:  store,
		vault:  vault,
		logger: slog.Default(),
		locks:  syncutil.NewContextShardedMutex(),
		now:    time.Now,
	}
	s.feeBps.Store(DefaultFeeBps)
	return s
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithNotifier sets the sink for lifecycle events.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithClock overrides the time source used for deadline arithmetic.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// FeeBps returns the current platform fee in basis points.
func (s *Service) FeeBps() int64 { return s.feeBps.Load() }

// SetFeeBps updates the platform fee applied to future escrows.
// Existing escrows keep the fee taken at their creation.
func (s *Service) SetFeeBps(bps int64) error {
	if bps < 0 || bps > MaxFeeBps {
		return fmt.Errorf("%w: platform fee must be between 0 and %d basis points", ErrInvalidAmount, MaxFeeBps)
	}
	s.feeBps.Store(bps)
	return nil
}

// SetPaused toggles the kill switch. While paused every state-changing
// operation fails with ErrPaused; reads still work.
func (s *Service) SetPaused(v bool) { s.paused.Store(v) }

// Paused reports whether operations are paused.
func (s *Service) Paused() bool { return s.paused.Load() }

// begin runs the common entry checks for a state-changing operation
// and acquires the per-escrow lock. The pause flag is checked exactly
// once here; an operation that passes it runs to completion even if
// the service is paused mid-flight. The in-flight check comes before
// the lock so a reentrant call made from inside a vault transfer fails
// fast instead of deadlocking.
func (s *Service) begin(ctx context.Context, id uint64) (func(), error) {
	if s.paused.Load() {
		return nil, ErrPaused
	}
	if _, busy := s.inflight.Load(id); busy {
		return nil, ErrReentrancy
	}
	return s.locks.LockContext(ctx, lockKey(id))
}

// transfer runs a vault call with the escrow marked in-flight so a
// reentrant operation observes ErrReentrancy.
func (s *Service) transfer(id uint64, fn func() error) error {
	s.inflight.Store(id, struct{}{})
	defer s.inflight.Delete(id)
	return fn()
}

// revert restores the pre-transfer snapshot after a failed payout.
func (s *Service) revert(ctx context.Context, prev *Escrow, op string) {
	metrics.TransferFailuresTotal.Inc()
	if err := s.store.Restore(ctx, prev); err != nil {
		// One retry; past that the record is wedged and needs an
		// operator.
		if err = s.store.Restore(ctx, prev); err != nil {
			s.logger.Error("CRITICAL: failed to restore escrow state after transfer failure",
				"escrowId", prev.ID, "op", op, "error", err)
		}
	}
}

// settled records a terminal transition in the metrics.
func (s *Service) settled(e *Escrow, path string) {
	metrics.EscrowsResolvedTotal.WithLabelValues(path).Inc()
	metrics.EscrowsOpen.Dec()
	metrics.EscrowLifetime.Observe(s.now().Sub(e.CreatedAt).Seconds())
}

func lockKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func requireStatus(e *Escrow, want Status) error {
	if e.Status != want {
		return &StateError{Current: e.Status, Required: want}
	}
	return nil
}

// parseAmount parses a strictly positive decimal amount.
func parseAmount(field, value string) (*big.Int, error) {
	n, ok := money.Parse(value)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a valid decimal amount", ErrInvalidAmount, field)
	}
	if n.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, field)
	}
	return n, nil
}

// displayFloat converts a base-unit amount to display units for
// metrics. Precision loss is fine there.
func displayFloat(n *big.Int) float64 {
	f, _ := strconv.ParseFloat(money.Format(n), 64)
	return f
}

// MilestoneParams describes one milestone at creation time. Amount is
// the gross decimal amount before the platform fee.
type MilestoneParams struct {
	Description string
	Amount      string
	Deadline    time.Time
}

// CreateParams describes a new escrow. Amount and AttachedValue are
// decimal strings. For milestone escrows Amount and Deadline are
// derived from the milestone list and ignored if set.
type CreateParams struct {
	Client        string
	Freelancer    string
	Arbitrator    string
	Asset         string
	Amount        string
	AttachedValue string
	Deadline      time.Time
	Milestones    []MilestoneParams
}

// Create funds a new escrow. The platform fee is taken off the gross
// deposit; the remainder becomes the payable total. The deposit is
// pulled into custody before the record is written, and returned
// best-effort if the write fails, so a failed create never consumes
// an ID or holds funds.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Escrow, error) {
	if len(p.Milestones) > 0 {
		return s.CreateWithMilestones(ctx, p)
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.Party(p.Client), traces.Asset(p.Asset))
	defer span.End()

	if s.paused.Load() {
		return nil, ErrPaused
	}
	if err := checkParties(p); err != nil {
		return nil, err
	}
	gross, err := parseAmount("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if !p.Deadline.After(now) {
		return nil, &TimingError{Reason: "deadline must be in the future"}
	}

	e := newEscrow(p, now)
	e.Deadline = p.Deadline.UTC()

	fee, net := money.TakeBps(gross, s.feeBps.Load())
	return s.fund(ctx, e, gross, fee, net, p.AttachedValue)
}

// CreateWithMilestones funds a milestone escrow. The platform fee is
// taken once on the gross sum, then each milestone's payable amount is
// scaled down pro rata so the milestones sum exactly to the escrow
// total. Rounding dust lands on the last milestone. The escrow
// deadline is the last milestone's deadline.
func (s *Service) CreateWithMilestones(ctx context.Context, p CreateParams) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateWithMilestones",
		traces.Party(p.Client), traces.Asset(p.Asset))
	defer span.End()

	if s.paused.Load() {
		return nil, ErrPaused
	}
	if len(p.Milestones) == 0 {
		return nil, fmt.Errorf("%w: at least one milestone is required", ErrInvalidAmount)
	}
	if len(p.Milestones) > MaxMilestones {
		return nil, fmt.Errorf("%w: at most %d milestones are allowed", ErrInvalidAmount, MaxMilestones)
	}
	if err := checkParties(p); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	gross := new(big.Int)
	grossParts := make([]*big.Int, len(p.Milestones))
	for i, m := range p.Milestones {
		amt, err := parseAmount(fmt.Sprintf("milestone %d amount", i), m.Amount)
		if err != nil {
			return nil, err
		}
		if !m.Deadline.After(now) {
			return nil, &TimingError{Reason: fmt.Sprintf("milestone %d deadline must be in the future", i)}
		}
		grossParts[i] = amt
		gross.Add(gross, amt)
	}

	fee, net := money.TakeBps(gross, s.feeBps.Load())

	// The fee comes off the top, so each milestone is scaled by
	// net/gross. Floor division underallocates; the last milestone
	// absorbs the difference so the parts sum exactly to the total.
	milestones := make([]Milestone, len(p.Milestones))
	allocated := new(big.Int)
	for i, m := range p.Milestones {
		var share *big.Int
		if i == len(p.Milestones)-1 {
			share = new(big.Int).Sub(net, allocated)
		} else {
			share = money.ProRata(grossParts[i], net, gross)
			allocated.Add(allocated, share)
		}
		if share.Sign() <= 0 {
			return nil, fmt.Errorf("%w: milestone %d amount rounds to zero after the platform fee", ErrInvalidAmount, i)
		}
		milestones[i] = Milestone{
			Description: m.Description,
			Amount:      money.Format(share),
			Deadline:    m.Deadline.UTC(),
		}
	}

	e := newEscrow(p, now)
	e.Milestones = milestones
	e.Deadline = milestones[len(milestones)-1].Deadline

	return s.fund(ctx, e, gross, fee, net, p.AttachedValue)
}

// newEscrow builds the common fields of a fresh escrow record.
func newEscrow(p CreateParams, now time.Time) *Escrow {
	asset := p.Asset
	if asset == "" {
		asset = NativeAsset
	}
	e := &Escrow{
		Client:         strings.ToLower(p.Client),
		Freelancer:     strings.ToLower(p.Freelancer),
		Asset:          asset,
		ReleasedAmount: "0",
		Status:         StatusFunded,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if p.Arbitrator != "" {
		e.Arbitrator = strings.ToLower(p.Arbitrator)
		e.HasArbitrator = true
	}
	return e
}

// fund validates the attached value, then pulls the deposit and
// writes the record. The deposit moves first because a counter ID must
// never be burned on an escrow whose funds did not arrive; the reverse
// failure (funds in, write failed) is compensated by returning the
// deposit.
func (s *Service) fund(ctx context.Context, e *Escrow, gross, fee, net *big.Int, attached string) (*Escrow, error) {
	if err := checkAttached(e.Asset, gross, attached); err != nil {
		return nil, err
	}
	e.TotalAmount = money.Format(net)

	grossStr := money.Format(gross)
	if err := s.vault.PullDeposit(ctx, e.Client, e.Asset, grossStr, attached); err != nil {
		return nil, &TransferError{Op: "deposit", Err: err}
	}

	if err := s.store.Create(ctx, e, money.Format(fee)); err != nil {
		// Funds are already in custody; push them back out.
		if rerr := s.vault.Return(ctx, e.Client, e.Asset, grossStr, "escrow:create-failed"); rerr != nil {
			s.logger.Error("CRITICAL: failed to return deposit after create failure",
				"client", e.Client, "asset", e.Asset, "amount", grossStr, "error", rerr)
		}
		return nil, fmt.Errorf("creating escrow: %w", err)
	}

	metrics.EscrowsCreatedTotal.Inc()
	metrics.EscrowsOpen.Inc()
	if fee.Sign() > 0 {
		metrics.FeesAccruedTotal.WithLabelValues(e.Asset).Add(displayFloat(fee))
	}

	s.logger.Info("escrow created",
		"escrowId", e.ID, "client", e.Client, "freelancer", e.Freelancer,
		"asset", e.Asset, "total", e.TotalAmount, "fee", money.Format(fee),
		"milestones", len(e.Milestones), "deadline", e.Deadline)

	if s.notifier != nil {
		go s.notifier.EscrowCreated(e.Clone())
	}
	return e, nil
}

// checkParties validates the party triangle. The two principals must
// be distinct, and an arbitrator, when given, must not be one of them:
// an arbitrator who is also a party could award themselves the other
// side's share.
func checkParties(p CreateParams) error {
	client := strings.ToLower(strings.TrimSpace(p.Client))
	freelancer := strings.ToLower(strings.TrimSpace(p.Freelancer))
	if client == "" || freelancer == "" {
		return fmt.Errorf("%w: client and freelancer are required", ErrInvalidParty)
	}
	if client == freelancer {
		return fmt.Errorf("%w: client and freelancer must differ", ErrInvalidParty)
	}
	if p.Arbitrator != "" {
		arb := strings.ToLower(strings.TrimSpace(p.Arbitrator))
		if arb == client || arb == freelancer {
			return fmt.Errorf("%w: arbitrator must not be a party to the escrow", ErrInvalidParty)
		}
	}
	return nil
}

// checkAttached enforces the deposit rules. Native escrows must attach
// exactly the gross amount; token escrows attach nothing and are
// funded from the client's treasury allowance.
func checkAttached(asset string, gross *big.Int, attached string) error {
	if asset == NativeAsset {
		v, ok := money.Parse(attached)
		if !ok || v.Cmp(gross) != 0 {
			return fmt.Errorf("%w: attached value must equal the deposit amount for native escrows", ErrInvalidAmount)
		}
		return nil
	}
	if attached != "" {
		v, ok := money.Parse(attached)
		if !ok || v.Sign() != 0 {
			return fmt.Errorf("%w: token escrows must not attach a native value", ErrInvalidAmount)
		}
	}
	return nil
}

// Get returns one escrow by ID.
func (s *Service) Get(ctx context.Context, id uint64) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetMilestone returns one milestone of an escrow. Plain escrows have
// none, so any index on them is out of range.
func (s *Service) GetMilestone(ctx context.Context, id uint64, index int) (*Milestone, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(e.Milestones) {
		return nil, ErrMilestoneIndex
	}
	m := e.Milestones[index]
	return &m, nil
}

// MilestoneCount returns the number of milestones on an escrow.
func (s *Service) MilestoneCount(ctx context.Context, id uint64) (int, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return len(e.Milestones), nil
}

// List returns escrows matching filter, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Escrow, error) {
	if filter.Party != "" {
		filter.Party = strings.ToLower(filter.Party)
	}
	return s.store.List(ctx, filter)
}

// Count returns the number of escrows ever created.
func (s *Service) Count(ctx context.Context) (uint64, error) {
	return s.store.Count(ctx)
}

// FeeBalances returns accrued platform fees per asset.
func (s *Service) FeeBalances(ctx context.Context) (map[string]string, error) {
	return s.store.FeeBalances(ctx)
}
