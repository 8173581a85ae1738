package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *SentinelClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *SentinelClient) *Handlers {
	return &Handlers{client: client}
}

// HandleScreenTransaction screens one transaction.
func (h *Handlers) HandleScreenTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wallet := strings.TrimSpace(req.GetString("wallet_address", ""))
	if wallet == "" {
		return mcp.NewToolResultError("wallet_address is required"), nil
	}
	amount := strings.TrimSpace(req.GetString("amount", ""))
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}

	tx := map[string]any{
		"wallet_address": wallet,
		"amount":         amount,
	}
	for _, key := range []string{"chain", "currency"} {
		if v := req.GetString(key, ""); v != "" {
			tx[key] = v
		}
	}
	if id := req.GetString("transaction_id", ""); id != "" {
		tx["id"] = id
	}
	if attrs := stringMap(req.GetArguments()["attributes"]); len(attrs) > 0 {
		tx["attributes"] = attrs
	}

	raw, err := h.client.ScreenTransaction(ctx, tx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Screening failed: %v", err)), nil
	}

	text, err := formatInvestigation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleScreenWallets screens a batch of addresses.
func (h *Handlers) HandleScreenWallets(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addresses := stringSlice(req.GetArguments()["addresses"])
	if len(addresses) == 0 {
		return mcp.NewToolResultError("addresses is required"), nil
	}

	raw, err := h.client.ScreenWallets(ctx, addresses, req.GetString("chain", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Batch screening failed: %v", err)), nil
	}

	text, err := formatBatch(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse results: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetCase returns one case.
func (h *Handlers) HandleGetCase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("case_id", "")
	if id == "" {
		return mcp.NewToolResultError("case_id is required"), nil
	}

	raw, err := h.client.GetCase(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get case: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleVerifyReceipt checks a decision receipt.
func (h *Handlers) HandleVerifyReceipt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("receipt_id", "")
	if id == "" {
		return mcp.NewToolResultError("receipt_id is required"), nil
	}

	raw, err := h.client.VerifyReceipt(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Verification failed: %v", err)), nil
	}
	var resp struct {
		Verification struct {
			Valid   bool   `json:"valid"`
			Expired bool   `json:"expired"`
			Error   string `json:"error"`
		} `json:"verification"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse verification: %v", err)), nil
	}
	v := resp.Verification
	switch {
	case !v.Valid:
		return mcp.NewToolResultText(fmt.Sprintf("Receipt %s is NOT valid: %s", id, v.Error)), nil
	case v.Expired:
		return mcp.NewToolResultText(fmt.Sprintf("Receipt %s has a valid signature but has expired.", id)), nil
	default:
		return mcp.NewToolResultText(fmt.Sprintf("Receipt %s is valid.", id)), nil
	}
}

// HandleLabelCase records ground truth.
func (h *Handlers) HandleLabelCase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("case_id", "")
	if id == "" {
		return mcp.NewToolResultError("case_id is required"), nil
	}
	label := strings.ToLower(req.GetString("ground_truth", ""))
	if label != "fraud" && label != "clean" {
		return mcp.NewToolResultError("ground_truth must be 'fraud' or 'clean'"), nil
	}

	_, err := h.client.LabelCase(ctx, id, label, req.GetString("notes", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Labelling failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Case %s labelled %s.", id, label)), nil
}

// HandleListPlaybooks lists playbooks.
func (h *Handlers) HandleListPlaybooks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	activeOnly := true
	if v, ok := req.GetArguments()["active_only"].(bool); ok {
		activeOnly = v
	}

	raw, err := h.client.ListPlaybooks(ctx, activeOnly)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list playbooks: %v", err)), nil
	}

	text, err := formatPlaybooks(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse playbooks: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleComplianceMetrics reports compliance counters and detection performance.
func (h *Handlers) HandleComplianceMetrics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ComplianceMetrics(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get compliance metrics: %v", err)), nil
	}

	var sb strings.Builder
	if text, err := formatCompliance(raw); err == nil {
		sb.WriteString(text)
	} else {
		sb.WriteString(formatJSON(raw))
	}

	// Detection stats are best effort.
	if stats, err := h.client.CaseStats(ctx); err == nil {
		if text, err := formatCaseStats(stats); err == nil {
			sb.WriteString("\n")
			sb.WriteString(text)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting ---

type investigation struct {
	TransactionID string `json:"transaction_id"`
	WalletAddress string `json:"wallet_address"`
	Chain         string `json:"chain"`
	Priority      string `json:"priority"`
	Score         int    `json:"risk_score"`
	Decision      string `json:"decision"`
	Rule          string `json:"rule"`
	Rationale     string `json:"rationale"`
	PlaybookID    string `json:"playbook_id"`
	CaseID        string `json:"case_id"`
	ReceiptID     string `json:"receipt_id"`
	EvidenceTrace []struct {
		Agent  string `json:"agent"`
		Action string `json:"action"`
	} `json:"evidence_trace"`
}

func formatInvestigation(raw json.RawMessage) (string, error) {
	var inv investigation
	if err := json.Unmarshal(raw, &inv); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Decision: %s (score %d, rule %s)\n", inv.Decision, inv.Score, inv.Rule)
	fmt.Fprintf(&sb, "Wallet: %s on %s\n", inv.WalletAddress, inv.Chain)
	fmt.Fprintf(&sb, "Priority: %s\n", inv.Priority)
	if inv.PlaybookID != "" {
		fmt.Fprintf(&sb, "Playbook: %s\n", inv.PlaybookID)
	}
	fmt.Fprintf(&sb, "Rationale: %s\n", inv.Rationale)
	fmt.Fprintf(&sb, "Case: %s  Transaction: %s\n", inv.CaseID, inv.TransactionID)
	if inv.ReceiptID != "" {
		fmt.Fprintf(&sb, "Receipt: %s\n", inv.ReceiptID)
	}
	if len(inv.EvidenceTrace) > 0 {
		sb.WriteString("\nEvidence:\n")
		for i, s := range inv.EvidenceTrace {
			fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, s.Agent, s.Action)
		}
	}
	return sb.String(), nil
}

func formatBatch(raw json.RawMessage) (string, error) {
	var resp struct {
		Count   int `json:"count"`
		Results []struct {
			Address string         `json:"address"`
			Result  *investigation `json:"result"`
			Error   *struct {
				Code    string `json:"error"`
				Message string `json:"message"`
			} `json:"error"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Screened %d wallets:\n\n", resp.Count)
	for i, r := range resp.Results {
		switch {
		case r.Error != nil:
			fmt.Fprintf(&sb, "%d. %s  ERROR %s: %s\n", i+1, r.Address, r.Error.Code, r.Error.Message)
		case r.Result != nil:
			fmt.Fprintf(&sb, "%d. %s  %s (score %d) case %s\n", i+1, r.Address, r.Result.Decision, r.Result.Score, r.Result.CaseID)
		default:
			fmt.Fprintf(&sb, "%d. %s  no result\n", i+1, r.Address)
		}
	}
	return sb.String(), nil
}

func formatPlaybooks(raw json.RawMessage) (string, error) {
	var resp struct {
		Count     int              `json:"count"`
		Playbooks []map[string]any `json:"playbooks"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Playbooks) == 0 {
		return "No playbooks found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d playbooks:\n\n", resp.Count)
	for i, pb := range resp.Playbooks {
		fmt.Fprintf(&sb, "%d. %s (%s) -> %s\n", i+1, getString(pb, "name"), getString(pb, "id"), getString(pb, "recommended_action"))
		if conf, ok := getFloat(pb, "confidence"); ok {
			matched, _ := getFloat(pb, "cases_matched")
			fmt.Fprintf(&sb, "   Confidence: %.2f, Matched: %.0f\n", conf, matched)
		}
	}
	return sb.String(), nil
}

func formatCompliance(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("PII compliance:\n")
	pct, _ := getFloat(m, "tokenization_percentage")
	fmt.Fprintf(&sb, "  Tokenization coverage: %.1f%%\n", pct)
	fmt.Fprintf(&sb, "  Tokenization requests: %s\n", getString(m, "tokenization_requests"))
	fmt.Fprintf(&sb, "  Detokenization requests: %s\n", getString(m, "detokenization_requests"))
	fmt.Fprintf(&sb, "  Analyst accesses: %s\n", getString(m, "analyst_access_count"))
	if p := getString(m, "placeholder_tokens"); p != "" && p != "0" {
		fmt.Fprintf(&sb, "  Placeholder tokens (vault unavailable): %s\n", p)
	}
	return sb.String(), nil
}

func formatCaseStats(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	fpr, _ := getFloat(m, "false_positive_rate")
	fnr, _ := getFloat(m, "false_negative_rate")

	var sb strings.Builder
	sb.WriteString("Detection performance:\n")
	fmt.Fprintf(&sb, "  Cases: %s (labelled %s)\n", getString(m, "total_cases"), getString(m, "labelled"))
	fmt.Fprintf(&sb, "  False positive rate: %.1f%%\n", fpr)
	fmt.Fprintf(&sb, "  False negative rate: %.1f%%\n", fnr)
	if lp := getString(m, "loss_prevented"); lp != "" {
		fmt.Fprintf(&sb, "  Loss prevented: %s\n", lp)
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// stringSlice accepts a JSON array of strings from tool arguments.
func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		switch x := val.(type) {
		case string:
			out[k] = x
		case float64, bool:
			out[k] = fmt.Sprint(x)
		}
	}
	return out
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

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
