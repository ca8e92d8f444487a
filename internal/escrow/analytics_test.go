package escrow

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// sliceQuerier feeds canned rows to the analytics service.
type sliceQuerier struct {
	escrows []*Escrow
}

func (q *sliceQuerier) QueryForAnalytics(ctx context.Context, filter AnalyticsFilter, limit int) ([]*Escrow, error) {
	return q.escrows, nil
}

func analyticsEscrow(freelancer, asset, total string, status Status, created time.Time) *Escrow {
	return &Escrow{
		Client:         "0xaaaa000000000000000000000000000000000001",
		Freelancer:     freelancer,
		Asset:          asset,
		TotalAmount:    total,
		ReleasedAmount: "0",
		Status:         status,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func TestAnalytics_Empty(t *testing.T) {
	svc := NewAnalyticsService(&sliceQuerier{})
	stats, err := svc.GetAnalytics(context.Background(), AnalyticsFilter{})
	if err != nil {
		t.Fatalf("GetAnalytics failed: %v", err)
	}
	if stats.TotalCount != 0 {
		t.Errorf("Expected zero escrows, got %d", stats.TotalCount)
	}
	if stats.DisputeRate != 0 || stats.MilestoneShare != 0 || stats.AvgResolutionSecs != 0 {
		t.Errorf("Expected zero rates, got %+v", stats)
	}
	if len(stats.TopFreelancers) != 0 {
		t.Errorf("Expected no freelancers, got %v", stats.TopFreelancers)
	}
}

func TestAnalytics_Aggregates(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f1 := "0xf100000000000000000000000000000000000001"
	f2 := "0xf200000000000000000000000000000000000002"
	token := "0x1111111111111111111111111111111111111111"

	resolvedA := base.Add(100 * time.Second)
	resolvedD := base.Add(200 * time.Second)
	disputedAt := base.Add(10 * time.Second)

	a := analyticsEscrow(f1, NativeAsset, "10", StatusResolved, base)
	a.ResolvedAt = &resolvedA

	b := analyticsEscrow(f1, NativeAsset, "20", StatusFunded, base)
	b.Milestones = []Milestone{{Description: "one", Amount: "20", Deadline: base.Add(time.Hour)}}

	c := analyticsEscrow(f2, token, "30", StatusDisputed, base)
	c.DisputeRaisedAt = &disputedAt

	// Resolved through arbitration: terminal but with dispute history.
	d := analyticsEscrow(f2, token, "40", StatusResolved, base)
	d.DisputeRaisedAt = &disputedAt
	d.ResolvedAt = &resolvedD

	e := analyticsEscrow(f1, NativeAsset, "5", StatusFunded, base)

	svc := NewAnalyticsService(&sliceQuerier{escrows: []*Escrow{a, b, c, d, e}})
	stats, err := svc.GetAnalytics(context.Background(), AnalyticsFilter{})
	if err != nil {
		t.Fatalf("GetAnalytics failed: %v", err)
	}

	if stats.TotalCount != 5 {
		t.Errorf("Expected 5 escrows, got %d", stats.TotalCount)
	}
	if stats.ByStatus["resolved"] != 2 || stats.ByStatus["funded"] != 2 || stats.ByStatus["disputed"] != 1 {
		t.Errorf("Unexpected status breakdown: %v", stats.ByStatus)
	}
	if stats.VolumeByAsset[NativeAsset] != "35" {
		t.Errorf("Expected native volume 35, got %q", stats.VolumeByAsset[NativeAsset])
	}
	if stats.VolumeByAsset[token] != "70" {
		t.Errorf("Expected token volume 70, got %q", stats.VolumeByAsset[token])
	}

	// Two of five were ever disputed; one of five has milestones.
	if stats.DisputeRate != 40 {
		t.Errorf("Expected dispute rate 40, got %v", stats.DisputeRate)
	}
	if stats.MilestoneShare != 20 {
		t.Errorf("Expected milestone share 20, got %v", stats.MilestoneShare)
	}
	if stats.AvgResolutionSecs != 150 {
		t.Errorf("Expected avg resolution 150s, got %v", stats.AvgResolutionSecs)
	}

	if len(stats.TopFreelancers) != 2 {
		t.Fatalf("Expected 2 freelancers, got %d", len(stats.TopFreelancers))
	}
	top := stats.TopFreelancers[0]
	if top.Freelancer != f1 || top.EscrowCount != 3 || top.ResolvedCount != 1 {
		t.Errorf("Unexpected top freelancer: %+v", top)
	}
	second := stats.TopFreelancers[1]
	if second.Freelancer != f2 || second.EscrowCount != 2 || second.ResolvedCount != 1 {
		t.Errorf("Unexpected second freelancer: %+v", second)
	}
}

func TestAnalytics_SkipsCorruptAmounts(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := "0xf100000000000000000000000000000000000001"

	good := analyticsEscrow(f, NativeAsset, "10", StatusFunded, base)
	bad := analyticsEscrow(f, NativeAsset, "not-a-number", StatusFunded, base)

	svc := NewAnalyticsService(&sliceQuerier{escrows: []*Escrow{good, bad}})
	stats, err := svc.GetAnalytics(context.Background(), AnalyticsFilter{})
	if err != nil {
		t.Fatalf("GetAnalytics failed: %v", err)
	}

	// The corrupt row still counts, but contributes no volume.
	if stats.TotalCount != 2 {
		t.Errorf("Expected 2 escrows, got %d", stats.TotalCount)
	}
	if stats.VolumeByAsset[NativeAsset] != "10" {
		t.Errorf("Expected volume 10, got %q", stats.VolumeByAsset[NativeAsset])
	}
}

func TestAnalytics_TopTenCap(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var escrows []*Escrow
	for i := 0; i < 12; i++ {
		addr := fmt.Sprintf("0xf%039d", i)
		// Give earlier freelancers more escrows so the ranking is
		// deterministic.
		for n := 0; n <= 12-i; n++ {
			escrows = append(escrows, analyticsEscrow(addr, NativeAsset, "1", StatusFunded, base))
		}
	}

	svc := NewAnalyticsService(&sliceQuerier{escrows: escrows})
	stats, err := svc.GetAnalytics(context.Background(), AnalyticsFilter{})
	if err != nil {
		t.Fatalf("GetAnalytics failed: %v", err)
	}
	if len(stats.TopFreelancers) != 10 {
		t.Fatalf("Expected top list capped at 10, got %d", len(stats.TopFreelancers))
	}
	if stats.TopFreelancers[0].EscrowCount != 13 {
		t.Errorf("Expected leader with 13 escrows, got %d", stats.TopFreelancers[0].EscrowCount)
	}
	for i := 1; i < len(stats.TopFreelancers); i++ {
		if stats.TopFreelancers[i].EscrowCount > stats.TopFreelancers[i-1].EscrowCount {
			t.Errorf("Ranking not descending at %d: %+v", i, stats.TopFreelancers)
		}
	}
}
