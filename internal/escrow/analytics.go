package escrow

import (
	"context"
	"log"
	"math/big"
	"sort"
	"time"

	"github.com/Blazingkevin/trustless-escrow/internal/money"
)

// Analytics provides aggregate metrics across escrows. Volumes are
// reported per asset because amounts in different assets do not sum.
type Analytics struct {
	TotalCount        int               `json:"totalCount"`
	ByStatus          map[string]int    `json:"byStatus"`
	VolumeByAsset     map[string]string `json:"volumeByAsset"`
	FeesByAsset       map[string]string `json:"feesByAsset,omitempty"`
	DisputeRate       float64           `json:"disputeRate"`    // 0-100
	MilestoneShare    float64           `json:"milestoneShare"` // 0-100
	AvgResolutionSecs float64           `json:"avgResolutionSecs"`
	TopFreelancers    []FreelancerStats `json:"topFreelancers"`
}

// FreelancerStats provides per-freelancer aggregate info.
type FreelancerStats struct {
	Freelancer    string `json:"freelancer"`
	EscrowCount   int    `json:"escrowCount"`
	ResolvedCount int    `json:"resolvedCount"`
}

// AnalyticsFilter narrows the escrows included in the aggregates.
type AnalyticsFilter struct {
	Freelancer string
	Asset      string
	From       *time.Time
	To         *time.Time
}

// AnalyticsQuerier provides read access to escrows for analytics.
type AnalyticsQuerier interface {
	QueryForAnalytics(ctx context.Context, filter AnalyticsFilter, limit int) ([]*Escrow, error)
}

// AnalyticsService computes aggregates from escrow data.
type AnalyticsService struct {
	querier AnalyticsQuerier
}

// NewAnalyticsService creates an analytics service.
func NewAnalyticsService(q AnalyticsQuerier) *AnalyticsService {
	return &AnalyticsService{querier: q}
}

// GetAnalytics computes aggregate escrow analytics.
func (a *AnalyticsService) GetAnalytics(ctx context.Context, filter AnalyticsFilter) (*Analytics, error) {
	escrows, err := a.querier.QueryForAnalytics(ctx, filter, 10000)
	if err != nil {
		return nil, err
	}

	result := &Analytics{
		ByStatus:      make(map[string]int),
		VolumeByAsset: make(map[string]string),
	}

	volumes := make(map[string]*big.Int)
	var resolutionTimes []float64
	disputeCount := 0
	milestoneCount := 0
	counts := make(map[string]int)
	resolvedCounts := make(map[string]int)

	for _, e := range escrows {
		result.TotalCount++
		result.ByStatus[string(e.Status)]++

		total, ok := money.Parse(e.TotalAmount)
		if !ok {
			log.Printf("WARNING: escrow %d has corrupted total amount: %q", e.ID, e.TotalAmount)
			continue
		}
		if _, ok := volumes[e.Asset]; !ok {
			volumes[e.Asset] = new(big.Int)
		}
		volumes[e.Asset].Add(volumes[e.Asset], total)

		counts[e.Freelancer]++
		if e.Status == StatusResolved {
			resolvedCounts[e.Freelancer]++
		}

		// An escrow that was ever disputed either sits in disputed or
		// carries the raise timestamp through resolution.
		if e.Status == StatusDisputed || e.DisputeRaisedAt != nil {
			disputeCount++
		}
		if len(e.Milestones) > 0 {
			milestoneCount++
		}
		if e.ResolvedAt != nil {
			secs := e.ResolvedAt.Sub(e.CreatedAt).Seconds()
			if secs > 0 {
				resolutionTimes = append(resolutionTimes, secs)
			}
		}
	}

	for asset, vol := range volumes {
		result.VolumeByAsset[asset] = money.Format(vol)
	}

	if result.TotalCount > 0 {
		result.DisputeRate = float64(disputeCount) / float64(result.TotalCount) * 100
		result.MilestoneShare = float64(milestoneCount) / float64(result.TotalCount) * 100
	}
	if len(resolutionTimes) > 0 {
		sum := 0.0
		for _, rt := range resolutionTimes {
			sum += rt
		}
		result.AvgResolutionSecs = sum / float64(len(resolutionTimes))
	}

	// Top freelancers by escrow count (top 10).
	type entry struct {
		addr  string
		count int
	}
	var ranked []entry
	for addr, n := range counts {
		ranked = append(ranked, entry{addr, n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].addr < ranked[j].addr
	})
	if len(ranked) > 10 {
		ranked = ranked[:10]
	}
	result.TopFreelancers = make([]FreelancerStats, 0, len(ranked))
	for _, r := range ranked {
		result.TopFreelancers = append(result.TopFreelancers, FreelancerStats{
			Freelancer:    r.addr,
			EscrowCount:   r.count,
			ResolvedCount: resolvedCounts[r.addr],
		})
	}

	return result, nil
}
