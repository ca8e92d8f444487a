package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Blazingkevin/trustless-escrow/pkg/escrowclient"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *escrowclient.Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *escrowclient.Client) *Handlers {
	return &Handlers{client: client}
}

// HandleEscrowCreate funds a single-amount escrow.
func (h *Handlers) HandleEscrowCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	freelancer := req.GetString("freelancer", "")
	if freelancer == "" {
		return mcp.NewToolResultError("freelancer is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	deadline, err := parseDeadline(req.GetString("deadline", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	e, err := h.client.CreateEscrow(ctx, escrowclient.CreateEscrowParams{
		Freelancer: freelancer,
		Arbitrator: req.GetString("arbitrator", ""),
		Asset:      req.GetString("asset", ""),
		Amount:     amount,
		Deadline:   deadline,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Escrow creation failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow funded. The amount is held in custody until you release it.\n\n%s",
		formatEscrow(e))), nil
}

// HandleEscrowCreateMilestones funds a milestone escrow.
func (h *Handlers) HandleEscrowCreateMilestones(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	freelancer := req.GetString("freelancer", "")
	if freelancer == "" {
		return mcp.NewToolResultError("freelancer is required"), nil
	}
	items, ok := req.GetArguments()["milestones"].([]any)
	if !ok || len(items) == 0 {
		return mcp.NewToolResultError("milestones must be a non-empty array"), nil
	}

	var drafts []escrowclient.MilestoneDraft
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("milestone %d must be an object", i)), nil
		}
		amount := argString(m["amount"])
		if amount == "" {
			return mcp.NewToolResultError(fmt.Sprintf("milestone %d needs an amount", i)), nil
		}
		deadline, err := parseDeadline(argString(m["deadline"]))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("milestone %d: %v", i, err)), nil
		}
		drafts = append(drafts, escrowclient.MilestoneDraft{
			Description: argString(m["description"]),
			Amount:      amount,
			Deadline:    deadline,
		})
	}

	e, err := h.client.CreateWithMilestones(ctx, escrowclient.CreateMilestonesParams{
		Freelancer: freelancer,
		Arbitrator: req.GetString("arbitrator", ""),
		Asset:      req.GetString("asset", ""),
		Milestones: drafts,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Escrow creation failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Milestone escrow funded with %d milestone(s).\n\n%s",
		len(e.Milestones), formatEscrow(e))), nil
}

// HandleEscrowStatus fetches one escrow.
func (h *Handlers) HandleEscrowStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := escrowID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	e, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		if escrowclient.IsNotFound(err) {
			return mcp.NewToolResultError(fmt.Sprintf("Escrow %d does not exist", id)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch escrow: %v", err)), nil
	}

	text := formatEscrow(e)
	if len(e.Milestones) > 0 {
		text += "\nMilestones:\n" + formatMilestones(e.Milestones)
	}
	return mcp.NewToolResultText(text), nil
}

// HandleEscrowRelease pays the remaining balance to the freelancer.
func (h *Handlers) HandleEscrowRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := escrowID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	e, err := h.client.Release(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Release failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow released. %s %s paid out to the freelancer in total.\n\n%s",
		e.ReleasedAmount, e.Asset, formatEscrow(e))), nil
}

// HandleEscrowRefund returns the remaining balance to the client.
func (h *Handlers) HandleEscrowRefund(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := escrowID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	e, err := h.client.Refund(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Refund failed: %v", err)), nil
	}

	return mcp.NewToolResultText("Escrow refunded to the client.\n\n" + formatEscrow(e)), nil
}

// HandleMilestoneComplete marks a milestone as delivered.
func (h *Handlers) HandleMilestoneComplete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := escrowID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	index := req.GetInt("milestone_index", -1)
	if index < 0 {
		return mcp.NewToolResultError("milestone_index is required"), nil
	}

	e, err := h.client.CompleteMilestone(ctx, id, index)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Completion failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Milestone %d marked as delivered. The client can now release it.\n\nMilestones:\n%s",
		index, formatMilestones(e.Milestones))), nil
}

// HandleMilestoneRelease pays one milestone to the freelancer.
func (h *Handlers) HandleMilestoneRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := escrowID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	index := req.GetInt("milestone_index", -1)
	if index < 0 {
		return mcp.NewToolResultError("milestone_index is required"), nil
	}

	e, err := h.client.ReleaseMilestone(ctx, id, index)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Milestone release failed: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Milestone %d paid to the freelancer.\n", index)
	if e.Status == escrowclient.StatusResolved {
		sb.WriteString("That was the last one: the escrow is now resolved.\n")
	}
	sb.WriteString("\nMilestones:\n")
	sb.WriteString(formatMilestones(e.Milestones))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleDisputeRaise freezes an escrow for arbitration.
func (h *Handlers) HandleDisputeRaise(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := escrowID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	e, err := h.client.RaiseDispute(ctx, id, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow %d is now disputed. Payouts are frozen until the arbitrator (%s) resolves it.\nReason: %s",
		e.ID, e.Arbitrator, e.DisputeReason)), nil
}

// HandleDisputeResolve settles a disputed escrow.
func (h *Handlers) HandleDisputeResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := escrowID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	winner := req.GetString("winner", "")
	if winner == "" {
		return mcp.NewToolResultError("winner is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	ruling := req.GetString("ruling", "")
	if ruling == "" {
		return mcp.NewToolResultError("ruling is required"), nil
	}

	e, err := h.client.ResolveDispute(ctx, id, escrowclient.ResolveParams{
		Winner: winner,
		Amount: amount,
		Ruling: ruling,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Resolution failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Dispute resolved in favor of %s.\nRuling: %s\n\n%s",
		winner, e.Ruling, formatEscrow(e))), nil
}

// HandleDeadlineExtend moves an escrow's deadline later.
func (h *Handlers) HandleDeadlineExtend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := escrowID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	deadline, err := parseDeadline(req.GetString("deadline", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	e, err := h.client.ExtendDeadline(ctx, id, deadline)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Extension failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Deadline extended to %s.\n\n%s",
		e.Deadline.UTC().Format(time.RFC3339), formatEscrow(e))), nil
}

// HandleEscrowClaim claims an overdue escrow for the freelancer.
func (h *Handlers) HandleEscrowClaim(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := escrowID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	e, err := h.client.Claim(ctx, id)
	if err != nil {
		var apiErr *escrowclient.APIError
		if errors.As(err, &apiErr) && apiErr.Code == "timing_violation" && apiErr.EligibleAt != nil {
			return mcp.NewToolResultError(fmt.Sprintf(
				"Too early to claim: the grace period runs until %s",
				apiErr.EligibleAt.UTC().Format(time.RFC3339))), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Claim failed: %v", err)), nil
	}

	return mcp.NewToolResultText("Remaining balance claimed.\n\n" + formatEscrow(e)), nil
}

// HandleTreasuryBalance reports the caller's treasury positions.
func (h *Handlers) HandleTreasuryBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if asset := req.GetString("asset", ""); asset != "" {
		bal, err := h.client.Balance(ctx, asset)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
		}
		return mcp.NewToolResultText(formatBalances([]escrowclient.Balance{*bal})), nil
	}

	balances, err := h.client.Balances(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balances: %v", err)), nil
	}
	if len(balances) == 0 {
		return mcp.NewToolResultText("No treasury balances yet. Deposit funds before creating an escrow."), nil
	}
	return mcp.NewToolResultText(formatBalances(balances)), nil
}

// --- Argument helpers ---

// escrowID parses the escrow_id argument.
func escrowID(req mcp.CallToolRequest) (uint64, error) {
	raw := req.GetString("escrow_id", "")
	if raw == "" {
		return 0, fmt.Errorf("escrow_id is required")
	}
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("escrow_id must be a non-negative integer, got %q", raw)
	}
	return id, nil
}

// parseDeadline accepts an RFC3339 timestamp or a number of hours from
// now.
func parseDeadline(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("deadline is required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if hours, err := strconv.ParseFloat(raw, 64); err == nil && hours > 0 {
		return time.Now().Add(time.Duration(hours * float64(time.Hour))), nil
	}
	return time.Time{}, fmt.Errorf("deadline must be %s", deadlineHint)
}

// argString renders a JSON argument value as a string. Numbers arrive
// as float64 after JSON decoding.
func argString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return ""
	}
}

// --- Formatting helpers ---

func formatEscrow(e *escrowclient.Escrow) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow #%d [%s]\n", e.ID, e.Status)
	fmt.Fprintf(&sb, "  Client:     %s\n", e.Client)
	fmt.Fprintf(&sb, "  Freelancer: %s\n", e.Freelancer)
	if e.HasArbitrator {
		fmt.Fprintf(&sb, "  Arbitrator: %s\n", e.Arbitrator)
	}
	fmt.Fprintf(&sb, "  Asset:      %s\n", e.Asset)
	fmt.Fprintf(&sb, "  Total:      %s | Released: %s\n", e.TotalAmount, e.ReleasedAmount)
	fmt.Fprintf(&sb, "  Deadline:   %s\n", e.Deadline.UTC().Format(time.RFC3339))
	if len(e.Milestones) > 0 {
		completed, paid := 0, 0
		for _, m := range e.Milestones {
			if m.Completed {
				completed++
			}
			if m.Paid {
				paid++
			}
		}
		fmt.Fprintf(&sb, "  Milestones: %d total, %d completed, %d paid\n", len(e.Milestones), completed, paid)
	}
	if e.DisputeReason != "" {
		fmt.Fprintf(&sb, "  Dispute:    %q (raised by %s)\n", e.DisputeReason, e.DisputeRaiser)
	}
	if e.Ruling != "" {
		fmt.Fprintf(&sb, "  Ruling:     %s\n", e.Ruling)
	}
	return sb.String()
}

func formatMilestones(milestones []escrowclient.Milestone) string {
	var sb strings.Builder
	for i, m := range milestones {
		state := "pending"
		switch {
		case m.Paid:
			state = "paid"
		case m.Completed:
			state = "completed, awaiting release"
		}
		desc := m.Description
		if desc == "" {
			desc = "(no description)"
		}
		fmt.Fprintf(&sb, "%d. %s\n   Amount: %s | Status: %s | Due: %s\n",
			i+1, desc, m.Amount, state, m.Deadline.UTC().Format(time.RFC3339))
	}
	return sb.String()
}

func formatBalances(balances []escrowclient.Balance) string {
	var sb strings.Builder
	sb.WriteString("Treasury balances:\n")
	for _, b := range balances {
		fmt.Fprintf(&sb, "  %s: available %s", b.Asset, b.Available)
		if b.Escrowed != "" && b.Escrowed != "0" {
			fmt.Fprintf(&sb, ", escrowed %s", b.Escrowed)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
