package assembler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/zedcore/internal/memory"
	"github.com/scrypster/zedcore/pkg/types"
)

type fakeHistory struct {
	messages []types.StoredMessage
	err      error
}

func (f *fakeHistory) RecentMessages(_ context.Context, _ string, limit int) ([]types.StoredMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	msgs := f.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

type fakeMemories struct {
	results []types.ScoredMemory
	queries []memory.Query
}

func (f *fakeMemories) Retrieve(_ context.Context, q memory.Query) []types.ScoredMemory {
	f.queries = append(f.queries, q)
	return f.results
}

var testBranch = &types.Branch{
	ID:           "b-1",
	ChannelType:  "slack",
	CurrentTopic: "weekend hike",
	Participants: []types.Participant{{ProfileID: "p-alice", DisplayName: "Alice"}},
}

// makeMessages returns n messages of exactly size characters each, tagged
// with their index so tests can check which ones survived.
func makeMessages(n, size int) []types.StoredMessage {
	msgs := make([]types.StoredMessage, n)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for i := range msgs {
		tag := fmt.Sprintf("msg-%03d ", i)
		sender := "p-alice"
		if i%2 == 1 {
			sender = types.ZedProfileID
		}
		msgs[i] = types.StoredMessage{
			ID:              fmt.Sprintf("m-%03d", i),
			BranchID:        "b-1",
			SenderProfileID: sender,
			Content:         types.MessageContent{Text: tag + strings.Repeat("x", size-len(tag))},
			Timestamp:       base.Add(time.Duration(i) * time.Minute),
		}
	}
	return msgs
}

func memoriesOf(contents ...string) []types.ScoredMemory {
	out := make([]types.ScoredMemory, len(contents))
	for i, c := range contents {
		out[i] = types.ScoredMemory{
			Memory: types.MemoryRecord{ID: fmt.Sprintf("mem-%d", i), Type: types.MemorySemantic, Content: c},
			Score:  0.5,
		}
	}
	return out
}

func newTestAssembler(t *testing.T, mem MemoryRetriever, hist HistorySource, opts ...Option) *Assembler {
	t.Helper()
	a, err := New(mem, hist, opts...)
	require.NoError(t, err)
	return a
}

func assertWithinBudget(t *testing.T, a *Assembler, res *Result) {
	t.Helper()
	sum := 0
	for _, s := range res.Sections {
		sum += s.Tokens
	}
	assert.Equal(t, sum, res.Report.TotalTokens)
	assert.LessOrEqual(t, res.Report.TotalTokens, a.Budget().Total())
	assert.LessOrEqual(t, a.counter.Count(res.Text), res.Report.TotalTokens)
}

func TestCharEstimator(t *testing.T) {
	c := CharEstimator{}
	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("abc"))
	assert.Equal(t, 1, c.Count("abcd"))
	assert.Equal(t, 2, c.Count("abcde"))
	assert.Equal(t, 1, c.Count(strings.Repeat("é", 4)), "counts characters, not bytes")
}

func TestNewCounter(t *testing.T) {
	assert.IsType(t, CharEstimator{}, NewCounter("", "", nil))
	assert.IsType(t, CharEstimator{}, NewCounter(CounterChars, "", nil))
	assert.IsType(t, CharEstimator{}, NewCounter("bogus", "", nil))
}

func TestBudgetDefaults(t *testing.T) {
	b := DefaultBudget()
	assert.Equal(t, 6500, b.Total())
	require.NoError(t, b.Validate())

	b.ReservedForResponse = b.MaxContextTokens
	assert.Error(t, b.Validate())

	_, err := New(nil, &fakeHistory{}, WithBudget(Budget{MaxContextTokens: 100, MemoryFraction: 2}))
	assert.Error(t, err)
}

func TestAssembleFullHistoryFits(t *testing.T) {
	hist := &fakeHistory{messages: makeMessages(4, 40)}
	mem := &fakeMemories{results: memoriesOf("Alice likes trail running")}
	a := newTestAssembler(t, mem, hist)

	summary := "unused summary"
	branch := *testBranch
	branch.Summary = &summary

	res, err := a.Assemble(context.Background(), Request{
		Branch:         &branch,
		CurrentMessage: hist.messages[3].Content.Text,
		Identity:       "You are Zed.",
		Priority:       "This is a first contact.",
		Profile:        "Alice is a nurse.",
	})
	require.NoError(t, err)
	assertWithinBudget(t, a, res)

	assert.Equal(t, 4, res.Report.HistoryMessages)
	assert.Zero(t, res.Report.DroppedMessages)
	assert.False(t, res.Report.SummaryUsed)
	assert.Equal(t, 1, res.Report.MemoriesIncluded)
	assert.NotContains(t, res.Text, "unused summary")
	assert.Contains(t, res.Text, "Alice: msg-000")
	assert.Contains(t, res.Text, "Zed: msg-001")

	tiers := make([]Tier, len(res.Sections))
	for i, s := range res.Sections {
		tiers[i] = s.Tier
	}
	assert.Equal(t, []Tier{TierIdentity, TierPriority, TierProfile, TierMemories, TierHistory}, tiers)
	assert.True(t, strings.HasPrefix(res.Text, "You are Zed."))
}

func TestAssembleDropsOldestWithoutSummary(t *testing.T) {
	// 50 messages of 150 tokens each cannot fit the 6500 token budget.
	hist := &fakeHistory{messages: makeMessages(50, 600)}
	a := newTestAssembler(t, nil, hist)

	res, err := a.Assemble(context.Background(), Request{Branch: testBranch, Identity: "You are Zed."})
	require.NoError(t, err)
	assertWithinBudget(t, a, res)

	assert.False(t, res.Report.SummaryUsed)
	require.Greater(t, res.Report.DroppedMessages, 0)
	assert.Equal(t, 50, res.Report.HistoryMessages+res.Report.DroppedMessages)

	kept := res.Report.HistoryMessages
	for i, m := range hist.messages {
		if i < 50-kept {
			assert.NotContains(t, res.Text, m.Content.Text[:8], "old message %d should be dropped", i)
		} else {
			assert.Contains(t, res.Text, m.Content.Text, "message %d should be whole", i)
		}
	}
}

func TestAssembleUsesSummaryWhenHistoryOverflows(t *testing.T) {
	hist := &fakeHistory{messages: makeMessages(50, 600)}
	a := newTestAssembler(t, nil, hist)

	summary := "Alice and Zed planned a hike in the hills."
	branch := *testBranch
	branch.Summary = &summary

	res, err := a.Assemble(context.Background(), Request{Branch: &branch, Identity: "You are Zed."})
	require.NoError(t, err)
	assertWithinBudget(t, a, res)

	assert.True(t, res.Report.SummaryUsed)
	assert.Contains(t, res.Text, summary)
	assert.Greater(t, res.Report.HistoryMessages, 0)
	assert.Contains(t, res.Text, hist.messages[49].Content.Text)
	assert.NotContains(t, res.Text, "msg-000")
}

func TestAssembleOversizedSwitchboardOmitted(t *testing.T) {
	hist := &fakeHistory{messages: makeMessages(2, 40)}
	a := newTestAssembler(t, nil, hist)

	board := "SWITCHBOARD " + strings.Repeat("y", 4000)
	res, err := a.Assemble(context.Background(), Request{
		Branch:             testBranch,
		Identity:           "You are Zed.",
		IncludeSwitchboard: true,
		Switchboard:        board,
	})
	require.NoError(t, err)
	assertWithinBudget(t, a, res)

	assert.False(t, res.Report.SwitchboardIncluded)
	assert.NotContains(t, res.Text, "SWITCHBOARD")
	assert.NotContains(t, res.Text, "yyyy")
	_, ok := res.Report.Tiers[TierSwitchboard]
	assert.False(t, ok)
}

func TestAssembleSwitchboardRespectsHistoryMinimum(t *testing.T) {
	hist := &fakeHistory{messages: makeMessages(2, 40)}
	budget := DefaultBudget()
	budget.MaxContextTokens = 2000
	budget.ReservedForResponse = 500
	a := newTestAssembler(t, nil, hist, WithBudget(budget))

	board := "Other active conversations:\n- telegram C2"
	identity := strings.Repeat("i", 1600) // 400 tokens, leaves 1100

	res, err := a.Assemble(context.Background(), Request{
		Branch: testBranch, Identity: identity, IncludeSwitchboard: true, Switchboard: board,
	})
	require.NoError(t, err)
	assert.True(t, res.Report.SwitchboardIncluded)
	assert.Contains(t, res.Text, board)

	identity = strings.Repeat("i", 2000) // 500 tokens, leaves 1000: no room
	res, err = a.Assemble(context.Background(), Request{
		Branch: testBranch, Identity: identity, IncludeSwitchboard: true, Switchboard: board,
	})
	require.NoError(t, err)
	assert.False(t, res.Report.SwitchboardIncluded)
	assert.NotContains(t, res.Text, board)

	res, err = a.Assemble(context.Background(), Request{Branch: testBranch, Switchboard: board})
	require.NoError(t, err)
	assert.False(t, res.Report.SwitchboardIncluded, "switchboard is only included on request")
}

func TestAssembleMemoriesAdmittedWhole(t *testing.T) {
	hist := &fakeHistory{messages: makeMessages(3, 40)}
	huge := strings.Repeat("z", 8000)
	mem := &fakeMemories{results: memoriesOf("small fact", huge)}
	a := newTestAssembler(t, mem, hist)

	res, err := a.Assemble(context.Background(), Request{Branch: testBranch, CurrentMessage: "hello"})
	require.NoError(t, err)
	assertWithinBudget(t, a, res)

	assert.Zero(t, res.Report.MemoriesIncluded)
	assert.NotContains(t, res.Text, "small fact")
	assert.NotContains(t, res.Text, "zzzz")

	mem.results = memoriesOf("small fact", "another fact")
	res, err = a.Assemble(context.Background(), Request{Branch: testBranch, CurrentMessage: "hello"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Report.MemoriesIncluded)
	assert.Contains(t, res.Text, "- (semantic) small fact")
	assert.Contains(t, res.Text, "- (semantic) another fact")
}

func TestAssembleMemoryQuery(t *testing.T) {
	msgs := makeMessages(6, 20)
	hist := &fakeHistory{messages: msgs}
	mem := &fakeMemories{}
	budget := DefaultBudget()
	budget.QueryMaxChars = 80
	a := newTestAssembler(t, mem, hist, WithBudget(budget))

	_, err := a.Assemble(context.Background(), Request{Branch: testBranch, CurrentMessage: msgs[5].Content.Text})
	require.NoError(t, err)
	require.Len(t, mem.queries, 1)

	q := mem.queries[0]
	assert.Equal(t, budget.MemoryLimit, q.Limit)
	assert.LessOrEqual(t, len([]rune(q.Text)), 80)
	assert.True(t, strings.HasPrefix(q.Text, msgs[5].Content.Text))
	assert.Contains(t, q.Text, msgs[4].Content.Text)
	assert.NotContains(t, q.Text, msgs[1].Content.Text)

	mem.queries = nil
	a = newTestAssembler(t, mem, &fakeHistory{})
	_, err = a.Assemble(context.Background(), Request{Branch: testBranch, CurrentMessage: "where should we go?"})
	require.NoError(t, err)
	require.Len(t, mem.queries, 1)
	assert.Equal(t, "where should we go?\nweekend hike", mem.queries[0].Text)
}

func TestAssembleFixedTiersOverBudget(t *testing.T) {
	hist := &fakeHistory{messages: makeMessages(3, 40)}
	mem := &fakeMemories{results: memoriesOf("fact")}
	a := newTestAssembler(t, mem, hist)

	identity := strings.Repeat("i", 30000)
	res, err := a.Assemble(context.Background(), Request{
		Branch: testBranch, Identity: identity, IncludeSwitchboard: true, Switchboard: "board",
	})
	require.NoError(t, err)

	assert.True(t, res.Report.OverBudget)
	require.Len(t, res.Sections, 1)
	assert.Equal(t, TierIdentity, res.Sections[0].Tier)
	assert.Equal(t, identity, res.Text)
	assert.Empty(t, mem.queries)
	assert.Zero(t, res.Report.HistoryMessages)
}

func TestAssembleHistoryFailureDegrades(t *testing.T) {
	a := newTestAssembler(t, nil, &fakeHistory{err: errors.New("disk gone")})

	res, err := a.Assemble(context.Background(), Request{Branch: testBranch, Identity: "You are Zed."})
	require.NoError(t, err)
	assert.Equal(t, "You are Zed.", res.Text)
	assert.Zero(t, res.Report.HistoryMessages)
}

func TestAssembleRequiresBranch(t *testing.T) {
	a := newTestAssembler(t, nil, &fakeHistory{})
	_, err := a.Assemble(context.Background(), Request{})
	assert.Error(t, err)
}

func TestAssembleBudgetInvariantAcrossSizes(t *testing.T) {
	summary := strings.Repeat("s", 3000)
	for _, size := range []int{20, 150, 900, 4000} {
		for _, n := range []int{1, 10, 50} {
			hist := &fakeHistory{messages: makeMessages(n, size)}
			mem := &fakeMemories{results: memoriesOf("fact one", "fact two")}
			a := newTestAssembler(t, mem, hist)

			branch := *testBranch
			branch.Summary = &summary
			res, err := a.Assemble(context.Background(), Request{
				Branch:             &branch,
				CurrentMessage:     "hi",
				Identity:           strings.Repeat("i", 2000),
				Profile:            strings.Repeat("p", 1000),
				IncludeSwitchboard: true,
				Switchboard:        strings.Repeat("b", 1200),
			})
			require.NoError(t, err)
			assertWithinBudget(t, a, res)
		}
	}
}
