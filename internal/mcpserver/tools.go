package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Sentinel MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolScreenTransaction = mcp.NewTool("screen_transaction",
	mcp.WithDescription(
		"Screen a blockchain transaction for fraud and sanctions risk. "+
			"Returns the decision (ALLOW, STEP_UP, ESCALATE or BLOCK), the 0-100 risk score, "+
			"the rule that fired and the evidence trace. A case record is created for every screening."),
	mcp.WithString("wallet_address",
		mcp.Required(),
		mcp.Description("Counterparty wallet address (e.g. '0x742d...')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Transaction amount as a decimal string (e.g. '2500.00')")),
	mcp.WithString("chain",
		mcp.Description("Chain identifier (default 'ethereum')")),
	mcp.WithString("currency",
		mcp.Description("Currency code (e.g. 'USD')")),
	mcp.WithString("transaction_id",
		mcp.Description("Caller-supplied transaction id; generated when omitted")),
	mcp.WithObject("attributes",
		mcp.Description("Extra string attributes used by playbook conditions, e.g. {\"hops_from_sanction\": \"1\"}")),
)

var ToolScreenWallets = mcp.NewTool("screen_wallets",
	mcp.WithDescription(
		"Screen up to 100 wallet addresses at once. Each address is investigated independently; "+
			"one failing address does not affect the others."),
	mcp.WithArray("addresses",
		mcp.Required(),
		mcp.Description("Wallet addresses to screen"),
		mcp.WithStringItems()),
	mcp.WithString("chain",
		mcp.Description("Chain identifier (default 'ethereum')")),
)

var ToolGetCase = mcp.NewTool("get_case",
	mcp.WithDescription(
		"Fetch a screening case by id, including its evidence trace. PII is only present as vault tokens."),
	mcp.WithString("case_id",
		mcp.Required(),
		mcp.Description("Case id returned by a screening (e.g. 'case_...')")),
)

var ToolLabelCase = mcp.NewTool("label_case",
	mcp.WithDescription(
		"Record analyst ground truth for a case. Confirmed fraud feeds new playbooks back into detection. "+
			"Requires analyst credentials on the MCP server."),
	mcp.WithString("case_id",
		mcp.Required(),
		mcp.Description("Case id to label")),
	mcp.WithString("ground_truth",
		mcp.Required(),
		mcp.Description("Outcome of the investigation"),
		mcp.Enum("fraud", "clean")),
	mcp.WithString("notes",
		mcp.Description("Optional analyst notes")),
)

var ToolListPlaybooks = mcp.NewTool("list_playbooks",
	mcp.WithDescription(
		"List the fraud playbooks the detector matches against, with their conditions and match counts."),
	mcp.WithBoolean("active_only",
		mcp.Description("Only return active playbooks (default true)")),
)

var ToolComplianceMetrics = mcp.NewTool("compliance_metrics",
	mcp.WithDescription(
		"Report PII-handling compliance: tokenization coverage, detokenization requests and analyst "+
			"access counts, plus case detection performance (false positive and negative rates)."),
)

var ToolVerifyReceipt = mcp.NewTool("verify_receipt",
	mcp.WithDescription(
		"Verify the signature on a decision receipt. Reports whether the recorded decision is untampered and whether the receipt has expired."),
	mcp.WithString("receipt_id",
		mcp.Required(),
		mcp.Description("Receipt id returned by a screening (e.g. 'rcpt_...')")),
)
