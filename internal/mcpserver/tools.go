package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Swiftline operator MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetTransaction = mcp.NewTool("get_transaction",
	mcp.WithDescription(
		"Look up a Swiftline escrow transaction by ID. "+
			"Shows the buyer, seller, amount in KES, lifecycle status, deadlines, "+
			"M-Pesa receipt, and dispute details. Use this before resolving a dispute."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID (e.g. 'txn_01J...')")),
)

var ToolGetAuditTrail = mcp.NewTool("get_audit_trail",
	mcp.WithDescription(
		"Show every state transition recorded for a transaction, oldest first: "+
			"who triggered it, the from and to status, and the version after the change."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID")),
)

var ToolPollPayment = mcp.NewTool("poll_payment",
	mcp.WithDescription(
		"Ask M-Pesa for the status of a PENDING transaction's STK push. "+
			"Use this when a buyer says they paid but the transaction has not moved to ESCROWED. "+
			"A confirmed payment is applied immediately."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID of a PENDING transaction")),
)

var ToolResolveDispute = mcp.NewTool("resolve_dispute",
	mcp.WithDescription(
		"Resolve a DISPUTED transaction. 'release' pays the seller, 'refund' returns the money to the buyer. "+
			"The decision is final and queues an M-Pesa payout."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID of a DISPUTED transaction")),
	mcp.WithString("outcome",
		mcp.Required(),
		mcp.Description("Who receives the funds"),
		mcp.Enum("release", "refund")),
	mcp.WithString("note",
		mcp.Description("Short explanation recorded on the transaction and its audit trail")),
	mcp.WithNumber("expected_version",
		mcp.Description("Version read from get_transaction. The call fails if the transaction changed since.")),
)

var ToolListPayouts = mcp.NewTool("list_payouts",
	mcp.WithDescription(
		"List M-Pesa payout instructions (seller releases and buyer refunds). "+
			"Filter by FAILED to find payouts that exhausted their retries and need attention."),
	mcp.WithString("status",
		mcp.Description("Filter by payout status"),
		mcp.Enum("PENDING", "SENDING", "SENT", "FAILED")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of payouts to return (default 50)")),
)

var ToolRetryPayout = mcp.NewTool("retry_payout",
	mcp.WithDescription(
		"Re-queue a FAILED payout so the dispatcher attempts it again. "+
			"Check the seller's payout phone first if the last error was a rejected destination."),
	mcp.WithString("payout_id",
		mcp.Required(),
		mcp.Description("Payout instruction ID (e.g. 'pay_01J...')")),
)
