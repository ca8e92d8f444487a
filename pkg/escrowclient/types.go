package escrowclient

import "time"

// Escrow mirrors the service's escrow resource. Amounts are decimal
// strings in the escrow's asset.
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
	Status          string      `json:"status"`
	Milestones      []Milestone `json:"milestones,omitempty"`
	DisputeReason   string      `json:"disputeReason,omitempty"`
	DisputeRaiser   string      `json:"disputeRaiser,omitempty"`
	DisputeRaisedAt *time.Time  `json:"disputeRaisedAt,omitempty"`
	Ruling          string      `json:"ruling,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
	ResolvedAt      *time.Time  `json:"resolvedAt,omitempty"`
}

// Escrow lifecycle states as reported in Escrow.Status.
const (
	StatusFunded   = "funded"
	StatusDisputed = "disputed"
	StatusResolved = "resolved"
	StatusRefunded = "refunded"
)

// Milestone is one payable chunk of a milestone escrow.
type Milestone struct {
	Description string     `json:"description"`
	Amount      string     `json:"amount"`
	Deadline    time.Time  `json:"deadline"`
	Completed   bool       `json:"completed"`
	Paid        bool       `json:"paid"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	PaidAt      *time.Time `json:"paidAt,omitempty"`
}

// CreateEscrowParams funds a single-amount escrow. The authenticated
// caller becomes the client. Arbitrator and AttachedValue are
// optional; Asset defaults to the native asset when empty.
type CreateEscrowParams struct {
	Freelancer    string
	Arbitrator    string
	Asset         string
	Amount        string
	AttachedValue string
	Deadline      time.Time
}

// MilestoneDraft describes one milestone at creation time.
type MilestoneDraft struct {
	Description string
	Amount      string
	Deadline    time.Time
}

// CreateMilestonesParams funds a milestone escrow. The escrow total is
// the sum of the milestone amounts and the escrow deadline is the last
// milestone's deadline, so neither is passed separately.
type CreateMilestonesParams struct {
	Freelancer    string
	Arbitrator    string
	Asset         string
	AttachedValue string
	Milestones    []MilestoneDraft
}

// ResolveParams settles a dispute. Amount is the winner's share of the
// remaining balance after the arbitration fee.
type ResolveParams struct {
	Winner string
	Amount string
	Ruling string
}

// ListOptions narrows ListEscrows. Zero values match everything.
type ListOptions struct {
	Party  string
	Status string
	Limit  int
	Cursor uint64
}

// EscrowPage is one page of list results. NextCursor is the cursor for
// the following page; zero means the listing is exhausted.
type EscrowPage struct {
	Escrows    []*Escrow `json:"escrows"`
	Count      int       `json:"count"`
	NextCursor uint64    `json:"nextCursor"`
}

// StatsOptions narrows Stats. Zero values aggregate everything.
type StatsOptions struct {
	Freelancer string
	Asset      string
	From       time.Time
	To         time.Time
}

// Analytics is the aggregate stats payload.
type Analytics struct {
	TotalCount        int               `json:"totalCount"`
	ByStatus          map[string]int    `json:"byStatus"`
	VolumeByAsset     map[string]string `json:"volumeByAsset"`
	FeesByAsset       map[string]string `json:"feesByAsset,omitempty"`
	DisputeRate       float64           `json:"disputeRate"`
	MilestoneShare    float64           `json:"milestoneShare"`
	AvgResolutionSecs float64           `json:"avgResolutionSecs"`
	TopFreelancers    []FreelancerStats `json:"topFreelancers"`
}

// FreelancerStats summarizes one freelancer's escrow history.
type FreelancerStats struct {
	Freelancer    string `json:"freelancer"`
	EscrowCount   int    `json:"escrowCount"`
	ResolvedCount int    `json:"resolvedCount"`
}

// Balance is one asset position in the caller's treasury account.
type Balance struct {
	Account   string    `json:"account"`
	Asset     string    `json:"asset"`
	Available string    `json:"available"`
	Escrowed  string    `json:"escrowed"`
	TotalIn   string    `json:"totalIn"`
	TotalOut  string    `json:"totalOut"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type createEscrowRequest struct {
	Freelancer    string             `json:"freelancer"`
	Arbitrator    string             `json:"arbitrator,omitempty"`
	Asset         string             `json:"asset,omitempty"`
	Amount        string             `json:"amount,omitempty"`
	AttachedValue string             `json:"attachedValue,omitempty"`
	Deadline      int64              `json:"deadline,omitempty"`
	Milestones    []milestoneRequest `json:"milestones,omitempty"`
}

type milestoneRequest struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
	Deadline    int64  `json:"deadline"`
}
