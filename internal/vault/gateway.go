package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/traces"
)

// Gateway fronts a vault provider with placeholder fallback, counters and
// an audit trail of every reversal.
type Gateway struct {
	provider Provider
	recorder Recorder
	audit    AuditStore
	logger   *slog.Logger
	now      func() time.Time
}

// NewGateway creates a Gateway. recorder and audit may be nil.
func NewGateway(provider Provider, recorder Recorder, audit AuditStore, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		provider: provider,
		recorder: recorder,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
	}
}

// Provider returns the underlying provider name.
func (g *Gateway) Provider() string { return g.provider.Name() }

// Ping checks the provider.
func (g *Gateway) Ping(ctx context.Context) error { return g.provider.Ping(ctx) }

// Tokenize replaces every non-empty field with a token. If the provider is
// unreachable the fields get placeholder tokens instead; the error is then
// nil and the placeholders are visible in the returned set.
func (g *Gateway) Tokenize(ctx context.Context, fields map[string]string) (TokenSet, error) {
	ctx, span := traces.StartSpan(ctx, "vault.Tokenize", traces.FieldCount(len(fields)))
	defer span.End()

	clean, err := cleanFields(fields)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	set := make(TokenSet, len(clean))
	tokens, err := g.provider.Tokenize(ctx, clean)
	if err == nil {
		err = checkCoverage(clean, tokens)
	}
	if err != nil {
		g.logger.Warn("vault unavailable, issuing placeholder tokens",
			"provider", g.provider.Name(), "fields", len(clean), "error", err)
		for field := range clean {
			set[field] = Token{Value: idgen.WithPrefix(PlaceholderPrefix), Source: SourcePlaceholder}
		}
	} else {
		for field := range clean {
			set[field] = Token{Value: tokens[field], Source: SourceVault}
		}
	}

	if g.recorder != nil {
		g.recorder.RecordTokenization(len(set), set.Placeholders())
	}
	return set, nil
}

func checkCoverage(fields, tokens map[string]string) error {
	for field := range fields {
		if tokens[field] == "" {
			return fmt.Errorf("%w: no token returned for %s", ErrVaultUnavailable, field)
		}
	}
	return nil
}

// Detokenize reverses exactly the supplied tokens. The attempt is counted
// and audited whether or not it succeeds, and a failure never yields
// partial plaintext.
func (g *Gateway) Detokenize(ctx context.Context, tokens map[string]string, accessor Accessor) (values map[string]string, err error) {
	ctx, span := traces.StartSpan(ctx, "vault.Detokenize", traces.FieldCount(len(tokens)))
	defer span.End()

	if accessor.Kind == "" {
		accessor.Kind = AccessorSystem
	}
	fields := make([]string, 0, len(tokens))
	for f := range tokens {
		fields = append(fields, f)
	}
	slices.Sort(fields)

	defer func() {
		analyst := accessor.Kind == AccessorAnalyst
		if g.recorder != nil {
			g.recorder.RecordDetokenization(analyst)
		}
		result := "ok"
		if err != nil {
			result = errorCode(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.DetokenizationsTotal.WithLabelValues(result, string(accessor.Kind)).Inc()
		g.recordAudit(ctx, accessor, fields, result)
	}()

	if accessor.Kind == AccessorAnalyst && strings.TrimSpace(accessor.ID) == "" {
		return nil, ErrNoAccessor
	}
	if len(tokens) == 0 {
		return nil, ErrEmptyRequest
	}
	for _, t := range tokens {
		if strings.TrimSpace(t) == "" {
			return nil, ErrEmptyRequest
		}
		if strings.HasPrefix(t, PlaceholderPrefix) {
			return nil, ErrPlaceholderToken
		}
	}

	out, err := g.provider.Detokenize(ctx, tokens)
	if err != nil {
		if !errors.Is(err, ErrUnknownToken) && !errors.Is(err, ErrVaultUnavailable) {
			err = fmt.Errorf("%w: %v", ErrVaultUnavailable, err)
		}
		return nil, err
	}
	values = make(map[string]string, len(tokens))
	for field := range tokens {
		v, ok := out[field]
		if !ok {
			return nil, fmt.Errorf("%w: field %s", ErrUnknownToken, field)
		}
		values[field] = v
	}
	return values, nil
}

func (g *Gateway) recordAudit(ctx context.Context, accessor Accessor, fields []string, result string) {
	if g.audit == nil {
		return
	}
	entry := AuditEntry{
		ID:           idgen.WithPrefix("aud_"),
		AccessorKind: accessor.Kind,
		AccessorID:   accessor.ID,
		Reason:       accessor.Reason,
		CaseID:       accessor.CaseID,
		Fields:       fields,
		Result:       result,
		At:           g.now().UTC(),
	}
	// Recorded even if the caller has gone away.
	if err := g.audit.Record(context.WithoutCancel(ctx), entry); err != nil {
		g.logger.Error("failed to record detokenization audit", "accessor", accessor.ID, "error", err)
	}
}

// errorCode maps gateway errors to stable API codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownToken):
		return "unknown_token"
	case errors.Is(err, ErrPlaceholderToken):
		return "placeholder_token"
	case errors.Is(err, ErrEmptyRequest):
		return "empty_request"
	case errors.Is(err, ErrNoAccessor):
		return "accessor_required"
	case errors.Is(err, ErrInvalidField):
		return "invalid_field"
	case errors.Is(err, ErrVaultUnavailable):
		return "vault_unavailable"
	}
	return "internal_error"
}
