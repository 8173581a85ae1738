package screening

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/sentinel/internal/activity"
	"github.com/mbd888/sentinel/internal/cases"
	"github.com/mbd888/sentinel/internal/evidence"
	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/playbook"
	"github.com/mbd888/sentinel/internal/receipts"
	"github.com/mbd888/sentinel/internal/risk"
	"github.com/mbd888/sentinel/internal/signals"
	"github.com/mbd888/sentinel/internal/syncutil"
	"github.com/mbd888/sentinel/internal/traces"
	"github.com/mbd888/sentinel/internal/vault"
	"github.com/mbd888/sentinel/internal/webhooks"
)

// DefaultWalletLockWait bounds how long a screening waits behind another
// screening of the same wallet.
const DefaultWalletLockWait = 30 * time.Second

// Assessor collects signals for a set of addresses.
type Assessor interface {
	AssessDetailed(ctx context.Context, addresses []string, chain string) []signals.Report
}

// Tokenizer exchanges PII for vault tokens.
type Tokenizer interface {
	Tokenize(ctx context.Context, fields map[string]string) (vault.TokenSet, error)
}

// CaseRecorder persists investigation outcomes.
type CaseRecorder interface {
	Record(ctx context.Context, c *cases.Case) error
}

// Notifier is told about every recorded decision.
type Notifier interface {
	EmitDecision(ctx context.Context, d webhooks.Decision)
}

// ReceiptIssuer signs a receipt for a recorded decision. A nil receipt
// means signing is disabled.
type ReceiptIssuer interface {
	Issue(ctx context.Context, req receipts.IssueRequest) (*receipts.Receipt, error)
}

// Config wires a Pipeline. Vault, Cases, Publisher, Notifier and Receipts
// are optional.
type Config struct {
	Signals     Assessor
	Scorer      risk.Scorer
	Policy      *risk.PolicyEngine
	Features    *risk.FeatureTracker
	Playbooks   *playbook.Library
	Vault       Tokenizer
	Cases       CaseRecorder
	Publisher   activity.Publisher
	Notifier    Notifier
	Receipts    ReceiptIssuer
	Chain       string // default chain
	Concurrency int    // batch fan-out
	LockWait    time.Duration
	Logger      *slog.Logger
}

// Pipeline screens transactions.
type Pipeline struct {
	signals     Assessor
	scorer      risk.Scorer
	policy      *risk.PolicyEngine
	features    *risk.FeatureTracker
	playbooks   *playbook.Library
	vault       Tokenizer
	cases       CaseRecorder
	publisher   activity.Publisher
	notifier    Notifier
	receipts    ReceiptIssuer
	wallets     *syncutil.KeyLock
	lockWait    time.Duration
	chain       string
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// NewPipeline creates a pipeline, filling in defaults.
func NewPipeline(cfg Config) *Pipeline {
	if cfg.Policy == nil {
		cfg.Policy = risk.NewPolicyEngine(risk.DefaultThresholds())
	}
	if cfg.Scorer == (risk.Scorer{}) {
		cfg.Scorer = risk.NewScorer(risk.DefaultScore)
	}
	if cfg.Features == nil {
		cfg.Features = risk.NewFeatureTracker()
	}
	if cfg.Chain == "" {
		cfg.Chain = "ethereum"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = signals.DefaultConcurrency
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = DefaultWalletLockWait
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		signals:     cfg.Signals,
		scorer:      cfg.Scorer,
		policy:      cfg.Policy,
		features:    cfg.Features,
		playbooks:   cfg.Playbooks,
		vault:       cfg.Vault,
		cases:       cfg.Cases,
		publisher:   cfg.Publisher,
		notifier:    cfg.Notifier,
		receipts:    cfg.Receipts,
		wallets:     syncutil.NewKeyLock(),
		lockWait:    cfg.LockWait,
		chain:       cfg.Chain,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
		now:         time.Now,
	}
}

// Screen investigates one transaction. Invalid input is rejected before
// any provider is called. Once the investigation starts it runs to
// completion even if ctx is cancelled.
func (p *Pipeline) Screen(ctx context.Context, tx Transaction, pii map[string]string) (*InvestigationResult, error) {
	if tx.Chain == "" {
		tx.Chain = p.chain
	}
	tx.Chain = strings.ToLower(tx.Chain)
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	if tx.ID == "" {
		tx.ID = idgen.Transaction()
	}

	ctx, span := traces.StartSpan(ctx, "screening.Screen",
		traces.TransactionID(tx.ID), traces.Wallet(tx.WalletAddress), traces.Chain(tx.Chain), traces.Amount(tx.Amount.String()))
	defer span.End()
	ctx = context.WithoutCancel(ctx)

	// PII goes to the vault first so invalid fields fail before any
	// side effects on the pipeline.
	var tokens vault.TokenSet
	if fields := nonEmpty(pii); len(fields) > 0 && p.vault != nil {
		set, err := p.vault.Tokenize(ctx, fields)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("tokenize pii: %w", err)
		}
		tokens = set
	}

	// Screenings of one wallet are serialized so each sees the previous
	// one in its velocity window.
	lockCtx, cancel := context.WithTimeout(ctx, p.lockWait)
	unlock, err := p.wallets.Lock(lockCtx, tx.WalletAddress)
	cancel()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("wallet %s busy: %w", tx.WalletAddress, err)
	}
	res, err := p.investigate(ctx, tx)
	unlock()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	res.Tokens = tokens
	span.SetAttributes(traces.Decision(string(res.Decision)), traces.Score(res.Score))

	if p.cases != nil {
		c := &cases.Case{
			TransactionID: tx.ID,
			WalletAddress: tx.WalletAddress,
			Chain:         tx.Chain,
			Amount:        tx.Amount,
			Currency:      tx.Currency,
			Channel:       tx.Channel,
			Score:         res.Score,
			Decision:      res.Decision,
			Rule:          res.Rule,
			Rationale:     res.Rationale,
			PlaybookID:    res.PlaybookID,
			Tags:          res.RiskAssessment.Tags,
			Tokens:        tokens,
			Evidence:      res.EvidenceTrace,
			AgentVersion:  AgentVersion,
			CreatedAt:     res.Timestamp,
		}
		if err := p.cases.Record(ctx, c); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("record case for %s: %w", tx.ID, err)
		}
		res.CaseID = c.ID
	}

	// The decision is already recorded, so a signing failure is logged
	// rather than failing the screening.
	if p.receipts != nil {
		rcpt, err := p.receipts.Issue(ctx, receipts.IssueRequest{
			CaseID:        res.CaseID,
			TransactionID: res.TransactionID,
			WalletAddress: res.WalletAddress,
			Chain:         res.Chain,
			Score:         res.Score,
			Decision:      string(res.Decision),
			Rule:          res.Rule,
			PlaybookID:    res.PlaybookID,
			AgentVersion:  res.AgentVersion,
		})
		switch {
		case err != nil:
			p.logger.Warn("decision receipt failed", "transaction", res.TransactionID, "error", err)
		case rcpt != nil:
			res.ReceiptID = rcpt.ID
		}
	}

	if p.notifier != nil {
		p.notifier.EmitDecision(ctx, webhooks.Decision{
			TransactionID: res.TransactionID,
			CaseID:        res.CaseID,
			WalletAddress: res.WalletAddress,
			Chain:         res.Chain,
			Score:         res.Score,
			Decision:      string(res.Decision),
			Rule:          res.Rule,
			PlaybookID:    res.PlaybookID,
			Priority:      string(res.Priority),
		})
	}
	return res, nil
}

// investigate runs the agent stages and seals the evidence trail.
func (p *Pipeline) investigate(ctx context.Context, tx Transaction) (*InvestigationResult, error) {
	start := p.now()
	ledger := evidence.NewLedger()

	// Watcher
	newWallet := p.features.History(tx.WalletAddress, start) == 0
	priority, reason := Triage(tx.Amount, newWallet)
	p.step(ledger, tx, evidence.AgentWatcher, fmt.Sprintf("Flagged as %s priority", priority), map[string]any{
		"priority":   string(priority),
		"reason":     reason,
		"amount":     tx.Amount.String(),
		"new_wallet": newWallet,
	})

	// Detective: signals
	report := p.signals.AssessDetailed(ctx, []string{tx.WalletAddress}, tx.Chain)[0]
	a := report.Assessment
	details := map[string]any{
		"providers":     a.Providers,
		"is_sanctioned": a.IsSanctioned,
		"tags":          a.Tags,
	}
	if a.ProviderRiskScore != nil {
		details["provider_risk_score"] = *a.ProviderRiskScore
	}
	if a.WalletStats != nil {
		details["wallet_stats"] = *a.WalletStats
	}
	p.step(ledger, tx, evidence.AgentDetective, "Risk intelligence lookup completed", details)
	for _, o := range report.Outcomes {
		if o.OK() {
			continue
		}
		p.step(ledger, tx, evidence.AgentDetective, fmt.Sprintf("Provider %s failed", o.Provider), map[string]any{
			"provider": o.Provider,
			"error":    string(o.Error),
			"detail":   o.Detail,
		})
	}

	// Detective: score
	score := p.scorer.Score(a)
	p.step(ledger, tx, evidence.AgentDetective, fmt.Sprintf("Risk score computed: %d", score), map[string]any{
		"score":          score,
		"default_used":   a.ProviderRiskScore == nil,
		"sanction_floor": a.IsSanctioned,
	})

	// Detective: playbooks
	in := risk.FeatureInput{
		Wallet:     tx.WalletAddress,
		Amount:     tx.Amount,
		Channel:    tx.Channel,
		Origin:     tx.origin(),
		Attributes: tx.Attributes,
		At:         start,
	}
	features := p.features.Features(in, a)
	var match *risk.PlaybookMatch
	var matched *playbook.Playbook
	if p.playbooks != nil {
		snap := p.playbooks.Snapshot()
		if pb, ok := snap.Match(a, features); ok {
			matched = pb
			match = &risk.PlaybookMatch{ID: pb.ID, Recommended: pb.RecommendedAction, Confidence: pb.Confidence}
			p.step(ledger, tx, evidence.AgentDetective, fmt.Sprintf("Matched playbook %s", pb.ID), map[string]any{
				"playbook_id":        pb.ID,
				"playbook_name":      pb.Name,
				"confidence":         pb.Confidence,
				"recommended_action": string(pb.RecommendedAction),
				"features":           features,
			})
		} else {
			p.step(ledger, tx, evidence.AgentDetective, "No playbook matched", map[string]any{
				"playbooks_evaluated": snap.Len(),
				"features":            features,
			})
		}
	}

	// Guardian
	verdict, err := p.policy.Evaluate(risk.Input{Score: score, Sanctioned: a.IsSanctioned, Match: match})
	if err != nil {
		return nil, err
	}
	p.step(ledger, tx, evidence.AgentGuardian, guardianAction(verdict.Decision), map[string]any{
		"decision":  string(verdict.Decision),
		"rule":      verdict.Rule,
		"rationale": verdict.Rationale,
	})
	trace := ledger.Seal()

	p.features.Observe(in)
	if matched != nil {
		if err := p.playbooks.RecordMatch(ctx, matched.ID); err != nil {
			p.logger.Warn("failed to record playbook match", "playbook", matched.ID, "error", err)
		}
	}

	metrics.ScreeningsTotal.WithLabelValues(string(verdict.Decision)).Inc()
	metrics.ScreeningDuration.Observe(time.Since(start).Seconds())
	p.logger.Info("transaction screened",
		"tx", tx.ID, "wallet", tx.WalletAddress, "priority", priority,
		"score", score, "decision", verdict.Decision, "rule", verdict.Rule)

	res := &InvestigationResult{
		TransactionID:  tx.ID,
		WalletAddress:  tx.WalletAddress,
		Chain:          tx.Chain,
		Priority:       priority,
		Score:          score,
		Decision:       verdict.Decision,
		Rule:           verdict.Rule,
		Rationale:      verdict.Rationale,
		RiskAssessment: a,
		Features:       features,
		EvidenceTrace:  trace,
		AgentVersion:   AgentVersion,
		Timestamp:      start.UTC(),
	}
	if matched != nil {
		res.PlaybookID = matched.ID
	}
	return res, nil
}

// step appends to the ledger and mirrors the step to the activity feed.
func (p *Pipeline) step(l *evidence.Ledger, tx Transaction, agent evidence.Agent, action string, details map[string]any) {
	if err := l.Append(agent, action, details); err != nil {
		p.logger.Error("evidence append failed", "tx", tx.ID, "agent", agent, "error", err)
		return
	}
	if p.publisher != nil {
		p.publisher.Publish(activity.Event{
			Agent:         agent,
			Action:        action,
			TransactionID: tx.ID,
			Details:       maps.Clone(details),
		})
	}
}

func guardianAction(d risk.Decision) string {
	switch d {
	case risk.DecisionBlock:
		return "Transaction BLOCKED"
	case risk.DecisionStepUp:
		return "Step-up verification required"
	case risk.DecisionEscalate:
		return "Escalated to analyst review"
	default:
		return "Transaction ALLOWED"
	}
}

func nonEmpty(pii map[string]string) map[string]string {
	out := make(map[string]string, len(pii))
	for k, v := range pii {
		if strings.TrimSpace(v) != "" {
			out[k] = v
		}
	}
	return out
}

// ScreenBatch screens each address as a zero-amount transaction. A failed
// entry never affects the others, and results come back in input order.
// Repeats of one address run one after another in the same worker, so they
// never queue on the wallet lock against each other.
func (p *Pipeline) ScreenBatch(ctx context.Context, addresses []string, chain string) ([]BatchItem, error) {
	switch {
	case len(addresses) == 0:
		return nil, ErrEmptyBatch
	case len(addresses) > MaxBatchSize:
		return nil, ErrBatchTooLarge
	}
	ctx, span := traces.StartSpan(ctx, "screening.ScreenBatch", traces.BatchSize(len(addresses)), traces.Chain(chain))
	defer span.End()

	items := make([]BatchItem, len(addresses))
	var groups [][]int
	seen := make(map[string]int, len(addresses))
	for i, addr := range addresses {
		items[i].Address = addr
		key := strings.ToLower(strings.TrimSpace(addr))
		g, ok := seen[key]
		if !ok {
			g = len(groups)
			seen[key] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for _, idxs := range groups {
		g.Go(func() error {
			for _, i := range idxs {
				res, err := p.Screen(ctx, Transaction{WalletAddress: strings.TrimSpace(addresses[i]), Chain: chain}, nil)
				if err != nil {
					items[i].Error = itemError(err)
					continue
				}
				items[i].Result = res
			}
			return nil
		})
	}
	_ = g.Wait()
	return items, nil
}
