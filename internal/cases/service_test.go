package cases

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/activity"
	"github.com/mbd888/sentinel/internal/evidence"
	"github.com/mbd888/sentinel/internal/risk"
	"github.com/mbd888/sentinel/internal/vault"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []activity.Event
}

func (p *recordingPublisher) Publish(ev activity.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

type fixture struct {
	svc   *Service
	store *MemoryStore
	gw    *vault.Gateway
	audit *vault.MemoryAuditStore
	pub   *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	audit := vault.NewMemoryAuditStore()
	gw := vault.NewGateway(vault.NewMemoryVault(), nil, audit, nil)
	pub := &recordingPublisher{}
	return &fixture{svc: NewService(store, gw, pub, nil), store: store, gw: gw, audit: audit, pub: pub}
}

func (f *fixture) recordTokenized(t *testing.T, id string) *Case {
	t.Helper()
	tokens, err := f.gw.Tokenize(context.Background(), map[string]string{
		vault.FieldEmail: "jane@example.com",
		vault.FieldName:  "Jane Roe",
	})
	require.NoError(t, err)
	c := testCase(id, risk.DecisionBlock, "2500", 0)
	c.Tokens = tokens
	require.NoError(t, f.svc.Record(context.Background(), c))
	return c
}

func TestService_RecordAssignsIdentity(t *testing.T) {
	f := newFixture(t)
	c := testCase("", risk.DecisionAllow, "1", 0)
	c.CreatedAt = time.Time{}
	require.NoError(t, f.svc.Record(context.Background(), c))
	assert.True(t, strings.HasPrefix(c.ID, "case_"))
	assert.False(t, c.CreatedAt.IsZero())

	got, err := f.svc.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.TransactionID, got.TransactionID)
}

func TestService_LabelPublishesCoachEvent(t *testing.T) {
	f := newFixture(t)
	f.recordTokenized(t, "case_1")

	c, err := f.svc.Label(context.Background(), "case_1", LabelClean, "legit customer", "alice")
	require.NoError(t, err)
	assert.Equal(t, LabelClean, c.GroundTruth)
	assert.Equal(t, "alice", c.LabelledBy)
	require.NotNil(t, c.LabelledAt)

	require.Len(t, f.pub.events, 1)
	assert.Equal(t, evidence.AgentCoach, f.pub.events[0].Agent)
	assert.Contains(t, f.pub.events[0].Action, "case_1")
}

type labelCall struct{ caseID, label, decision, analyst string }

type recordingNotifier struct{ calls []labelCall }

func (n *recordingNotifier) EmitCaseLabelled(_ context.Context, caseID, _, label, decision, analystID string) {
	n.calls = append(n.calls, labelCall{caseID, label, decision, analystID})
}

func TestService_LabelNotifies(t *testing.T) {
	f := newFixture(t)
	n := &recordingNotifier{}
	f.svc.SetNotifier(n)
	c := f.recordTokenized(t, "case_1")

	_, err := f.svc.Label(context.Background(), "case_1", LabelFraud, "", "bob")
	require.NoError(t, err)
	require.Len(t, n.calls, 1)
	assert.Equal(t, labelCall{"case_1", string(LabelFraud), string(c.Decision), "bob"}, n.calls[0])

	_, err = f.svc.Label(context.Background(), "missing", LabelFraud, "", "bob")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, n.calls, 1)
}

func TestService_RevealAuditsAccess(t *testing.T) {
	f := newFixture(t)
	f.recordTokenized(t, "case_1")
	ctx := context.Background()

	values, err := f.svc.Reveal(ctx, "case_1", []string{"EMAIL"}, "alice", "chargeback review")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{vault.FieldEmail: "jane@example.com"}, values)

	all, err := f.svc.Reveal(ctx, "case_1", nil, "alice", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	entries, err := f.audit.List(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "case_1", entries[0].CaseID)
	assert.Equal(t, vault.AccessorAnalyst, entries[0].AccessorKind)
}

func TestService_RevealUnknownField(t *testing.T) {
	f := newFixture(t)
	f.recordTokenized(t, "case_1")

	_, err := f.svc.Reveal(context.Background(), "case_1", []string{"ssn"}, "alice", "")
	assert.ErrorIs(t, err, vault.ErrUnknownToken)

	_, err = f.svc.Reveal(context.Background(), "nope", nil, "alice", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_RevealPlaceholderRefused(t *testing.T) {
	f := newFixture(t)
	c := testCase("case_p", risk.DecisionStepUp, "10", 0)
	c.Tokens = vault.TokenSet{vault.FieldEmail: {Value: "local_abc", Source: vault.SourcePlaceholder}}
	require.NoError(t, f.svc.Record(context.Background(), c))
	assert.True(t, c.HasPlaceholderTokens())

	_, err := f.svc.Reveal(context.Background(), "case_p", nil, "alice", "")
	assert.ErrorIs(t, err, vault.ErrPlaceholderToken)
}

func TestService_ExportLabelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 450; i++ {
		id := fmt.Sprintf("case_%03d", i)
		require.NoError(t, f.store.Create(ctx, testCase(id, risk.DecisionAllow, "10", time.Duration(i)*time.Minute)))
		if i%2 == 0 {
			_, err := f.svc.Label(ctx, id, LabelClean, "", "alice")
			require.NoError(t, err)
		}
	}

	all, err := f.svc.ExportLabelled(ctx, time.Time{}, 1000)
	require.NoError(t, err)
	require.Len(t, all, 225)
	assert.Equal(t, "case_448", all[0].ID)
	assert.Equal(t, "case_000", all[224].ID)

	capped, err := f.svc.ExportLabelled(ctx, time.Time{}, 10)
	require.NoError(t, err)
	assert.Len(t, capped, 10)

	recent, err := f.svc.ExportLabelled(ctx, base.Add(400*time.Minute), 1000)
	require.NoError(t, err)
	assert.Len(t, recent, 25)
	for _, c := range recent {
		assert.NotEmpty(t, c.GroundTruth)
	}
}
