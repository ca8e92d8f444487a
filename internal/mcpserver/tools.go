package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrow MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

const deadlineHint = "RFC3339 (e.g. '2026-09-01T12:00:00Z') or a number of hours from now (e.g. '72')"

var ToolEscrowCreate = mcp.NewTool("escrow_create",
	mcp.WithDescription(
		"Fund a new escrow for a freelancer. You become the client; the amount "+
			"is pulled from your treasury balance and held in custody until you "+
			"release it, the freelancer refunds it, or the deadline passes. "+
			"Add an arbitrator if you want dispute resolution to be possible."),
	mcp.WithString("freelancer",
		mcp.Required(),
		mcp.Description("The freelancer's address (e.g. '0x1234...')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount to escrow as a decimal string (e.g. '100.50'). A platform fee is deducted from this.")),
	mcp.WithString("deadline",
		mcp.Required(),
		mcp.Description("Work deadline, "+deadlineHint)),
	mcp.WithString("arbitrator",
		mcp.Description("Optional arbitrator address. Without one, disputes cannot be raised.")),
	mcp.WithString("asset",
		mcp.Description("Asset to escrow: 'native' (default) or a token contract address")),
)

var ToolEscrowCreateMilestones = mcp.NewTool("escrow_create_milestones",
	mcp.WithDescription(
		"Fund a milestone escrow that pays the freelancer per completed chunk of work. "+
			"The escrow total is the sum of the milestone amounts and the overall "+
			"deadline is the last milestone's deadline."),
	mcp.WithString("freelancer",
		mcp.Required(),
		mcp.Description("The freelancer's address")),
	mcp.WithArray("milestones",
		mcp.Required(),
		mcp.Description("Milestones in payment order. Each needs an amount and a deadline; description is optional."),
		mcp.Items(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"description": map[string]any{"type": "string"},
				"amount":      map[string]any{"type": "string", "description": "Decimal amount for this milestone"},
				"deadline":    map[string]any{"type": "string", "description": "Milestone deadline, " + deadlineHint},
			},
			"required": []string{"amount", "deadline"},
		})),
	mcp.WithString("arbitrator",
		mcp.Description("Optional arbitrator address")),
	mcp.WithString("asset",
		mcp.Description("Asset to escrow: 'native' (default) or a token contract address")),
)

var ToolEscrowStatus = mcp.NewTool("escrow_status",
	mcp.WithDescription(
		"Look up an escrow's current state: parties, amounts, deadline, milestone "+
			"progress, and any dispute. Use this before acting on an escrow."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID from a previous escrow_create result")),
)

var ToolEscrowRelease = mcp.NewTool("escrow_release",
	mcp.WithDescription(
		"Release the full remaining balance to the freelancer. Only the escrow's "+
			"client can do this. This is final: the escrow becomes resolved."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow to release")),
)

var ToolEscrowRefund = mcp.NewTool("escrow_refund",
	mcp.WithDescription(
		"Return the full remaining balance to the client. Only the escrow's "+
			"freelancer can do this, typically when abandoning the work. "+
			"This is final: the escrow becomes refunded."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow to refund")),
)

var ToolMilestoneComplete = mcp.NewTool("milestone_complete",
	mcp.WithDescription(
		"Mark one milestone as delivered. Only the freelancer can do this. "+
			"The client then pays it out with milestone_release."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The milestone escrow")),
	mcp.WithNumber("milestone_index",
		mcp.Required(),
		mcp.Description("Zero-based index of the milestone")),
)

var ToolMilestoneRelease = mcp.NewTool("milestone_release",
	mcp.WithDescription(
		"Pay one milestone's amount to the freelancer. Only the client can do "+
			"this. Paying the last unpaid milestone resolves the escrow."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The milestone escrow")),
	mcp.WithNumber("milestone_index",
		mcp.Required(),
		mcp.Description("Zero-based index of the milestone to pay")),
)

var ToolDisputeRaise = mcp.NewTool("dispute_raise",
	mcp.WithDescription(
		"Freeze an escrow for arbitration. Either party can raise a dispute on "+
			"an escrow that has an arbitrator; all payouts stop until the "+
			"arbitrator resolves it."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow to dispute")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("What went wrong (e.g. 'work not delivered by deadline')")),
)

var ToolDisputeResolve = mcp.NewTool("dispute_resolve",
	mcp.WithDescription(
		"Settle a disputed escrow. Only the escrow's arbitrator can do this. "+
			"An arbitration fee comes off the remaining balance, the winner "+
			"receives the stated amount, and the loser receives the rest."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The disputed escrow")),
	mcp.WithString("winner",
		mcp.Required(),
		mcp.Description("Address of the prevailing party: must be the escrow's client or freelancer")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("The winner's share as a decimal string, at most the balance remaining after the arbitration fee")),
	mcp.WithString("ruling",
		mcp.Required(),
		mcp.Description("Short explanation of the decision")),
)

var ToolDeadlineExtend = mcp.NewTool("deadline_extend",
	mcp.WithDescription(
		"Move an escrow's deadline later, giving the freelancer more time "+
			"before funds become claimable. Only the client can do this, and "+
			"only to a time after the current deadline."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow to extend")),
	mcp.WithString("deadline",
		mcp.Required(),
		mcp.Description("New deadline, "+deadlineHint+". Must be later than the current one.")),
)

var ToolEscrowClaim = mcp.NewTool("escrow_claim",
	mcp.WithDescription(
		"Claim the remaining balance of an overdue escrow. Only the freelancer "+
			"can do this, and only after the deadline plus the grace period has "+
			"passed with the client unresponsive."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow to claim")),
)

var ToolTreasuryBalance = mcp.NewTool("treasury_balance",
	mcp.WithDescription(
		"Check your treasury balances: funds available to escrow and funds "+
			"currently held in escrow, per asset."),
	mcp.WithString("asset",
		mcp.Description("Limit to one asset: 'native' or a token contract address. Omit for all assets.")),
)
