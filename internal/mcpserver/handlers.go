package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *EscrowClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *EscrowClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetTransaction shows one transaction.
func (h *Handlers) HandleGetTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.GetTransaction(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get transaction: %v", err)), nil
	}

	text, err := formatTransactionResponse(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetAuditTrail lists the transitions of a transaction.
func (h *Handlers) HandleGetAuditTrail(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.GetAuditTrail(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get audit trail: %v", err)), nil
	}

	text, err := formatAuditTrail(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse audit trail: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandlePollPayment queries M-Pesa for a pending payment.
func (h *Handlers) HandlePollPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.PollPayment(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to poll payment: %v", err)), nil
	}

	var resp struct {
		Outcome map[string]any `json:"outcome"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Outcome == nil {
		return mcp.NewToolResultError("Failed to parse poll outcome"), nil
	}
	return mcp.NewToolResultText(formatPollOutcome(id, resp.Outcome)), nil
}

// HandleResolveDispute settles a disputed transaction.
func (h *Handlers) HandleResolveDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}
	outcome := req.GetString("outcome", "")
	if outcome != "release" && outcome != "refund" {
		return mcp.NewToolResultError("outcome must be 'release' or 'refund'"), nil
	}
	note := req.GetString("note", "")
	version := int64(req.GetInt("expected_version", 0))

	raw, err := h.client.ResolveDispute(ctx, id, outcome, note, version)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve dispute: %v", err)), nil
	}

	tx, err := parseTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}

	var sb strings.Builder
	if outcome == "release" {
		fmt.Fprintf(&sb, "Dispute resolved in favour of the seller. %s %s will be paid out to %s.\n\n",
			getString(tx, "amount"), getString(tx, "currency"), getString(tx, "sellerId"))
	} else {
		fmt.Fprintf(&sb, "Dispute resolved in favour of the buyer. %s %s will be refunded to %s.\n\n",
			getString(tx, "amount"), getString(tx, "currency"), getString(tx, "buyerId"))
	}
	sb.WriteString(formatTransaction(tx))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListPayouts lists payout instructions.
func (h *Handlers) HandleListPayouts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := strings.ToUpper(req.GetString("status", ""))
	limit := req.GetInt("limit", 50)

	raw, err := h.client.ListPayouts(ctx, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list payouts: %v", err)), nil
	}

	text, err := formatPayoutList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse payouts: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRetryPayout re-queues a failed payout.
func (h *Handlers) HandleRetryPayout(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("payout_id", "")
	if id == "" {
		return mcp.NewToolResultError("payout_id is required"), nil
	}

	raw, err := h.client.RetryPayout(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to retry payout: %v", err)), nil
	}

	var resp struct {
		Payout map[string]any `json:"payout"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Payout == nil {
		return mcp.NewToolResultError("Failed to parse payout"), nil
	}
	return mcp.NewToolResultText("Payout re-queued.\n\n" + formatPayout(resp.Payout)), nil
}

// --- formatting ---

func parseTransaction(raw json.RawMessage) (map[string]any, error) {
	var resp struct {
		Transaction map[string]any `json:"transaction"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if resp.Transaction == nil {
		return nil, fmt.Errorf("response has no transaction")
	}
	return resp.Transaction, nil
}

func formatTransactionResponse(raw json.RawMessage) (string, error) {
	tx, err := parseTransaction(raw)
	if err != nil {
		return "", err
	}
	return formatTransaction(tx), nil
}

func formatTransaction(tx map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction %s\n", getString(tx, "id"))
	fmt.Fprintf(&sb, "  Status:  %s (version %s)\n", getString(tx, "status"), getString(tx, "version"))
	fmt.Fprintf(&sb, "  Amount:  %s %s\n", getString(tx, "amount"), getString(tx, "currency"))
	fmt.Fprintf(&sb, "  Buyer:   %s\n", getString(tx, "buyerId"))
	fmt.Fprintf(&sb, "  Seller:  %s\n", getString(tx, "sellerId"))
	if v := getString(tx, "description"); v != "" {
		fmt.Fprintf(&sb, "  Item:    %s\n", v)
	}
	if v := getString(tx, "providerReceipt"); v != "" {
		fmt.Fprintf(&sb, "  M-Pesa receipt: %s\n", v)
	}
	if v := getString(tx, "courier"); v != "" {
		fmt.Fprintf(&sb, "  Shipped via %s, tracking %s\n", v, getString(tx, "trackingNumber"))
	}
	if v := getString(tx, "rejectReason"); v != "" {
		fmt.Fprintf(&sb, "  Rejected: %s\n", v)
	}
	if v := getString(tx, "disputeReason"); v != "" {
		fmt.Fprintf(&sb, "  Dispute (opened by %s): %s\n", getString(tx, "disputeOpenedBy"), v)
	}
	if v := getString(tx, "resolution"); v != "" {
		fmt.Fprintf(&sb, "  Resolution: %s\n", v)
	}
	if v := getString(tx, "settlement"); v != "" {
		fmt.Fprintf(&sb, "  Settlement: %s\n", v)
	}
	for _, k := range []string{"expiresAt", "autoDeliverAt", "autoReleaseAt"} {
		if v := getString(tx, k); v != "" {
			fmt.Fprintf(&sb, "  %s: %s\n", k, v)
		}
	}
	return sb.String()
}

func formatAuditTrail(raw json.RawMessage) (string, error) {
	var resp struct {
		Entries []map[string]any `json:"entries"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Entries) == 0 {
		return "No transitions recorded.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d transition(s):\n\n", len(resp.Entries))
	for i, e := range resp.Entries {
		from := getString(e, "fromStatus")
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(&sb, "%d. %s  %s -> %s (v%s)\n", i+1, getString(e, "createdAt"), from, getString(e, "toStatus"), getString(e, "version"))
		fmt.Fprintf(&sb, "   %s by %s (%s)\n", getString(e, "trigger"), getString(e, "actorId"), getString(e, "actorRole"))
		if d := getString(e, "detail"); d != "" {
			fmt.Fprintf(&sb, "   %s\n", d)
		}
	}
	return sb.String(), nil
}

func formatPollOutcome(id string, o map[string]any) string {
	applied, _ := o["applied"].(bool)
	pending, _ := o["pending"].(bool)
	rejected, _ := o["rejected"].(bool)
	replay, _ := o["replay"].(bool)

	switch {
	case applied:
		return fmt.Sprintf("Payment outcome applied. Transaction %s is now %s.", id, getString(o, "status"))
	case pending:
		return fmt.Sprintf("M-Pesa still reports the payment for %s as pending.", id)
	case rejected:
		return fmt.Sprintf("Payment outcome rejected: %s", getString(o, "reason"))
	case replay:
		return fmt.Sprintf("Payment outcome for %s was already applied.", id)
	}
	return fmt.Sprintf("No change for %s: %s", id, getString(o, "reason"))
}

func formatPayoutList(raw json.RawMessage) (string, error) {
	var resp struct {
		Payouts []map[string]any `json:"payouts"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Payouts) == 0 {
		return "No payouts found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d payout(s):\n\n", len(resp.Payouts))
	for i, p := range resp.Payouts {
		fmt.Fprintf(&sb, "%d. ", i+1)
		sb.WriteString(formatPayout(p))
		if i < len(resp.Payouts)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatPayout(p map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s  %s %s %s to %s\n", getString(p, "id"), getString(p, "kind"),
		getString(p, "amount"), getString(p, "currency"), getString(p, "recipientId"))
	fmt.Fprintf(&sb, "   Transaction: %s | Status: %s | Attempts: %s\n",
		getString(p, "transactionId"), getString(p, "status"), getString(p, "attempts"))
	if v := getString(p, "lastError"); v != "" {
		fmt.Fprintf(&sb, "   Last error: %s\n", v)
	}
	if v := getString(p, "providerReceipt"); v != "" {
		fmt.Fprintf(&sb, "   M-Pesa receipt: %s\n", v)
	}
	return sb.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
