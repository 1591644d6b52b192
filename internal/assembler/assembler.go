// Package assembler builds the bounded per-turn prompt context from tiered
// sources: identity, priority instructions, profile, switchboard, retrieved
// memories and conversation history. Every tier competes for one shared
// token budget and lower tiers degrade instead of failing.
package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/scrypster/zedcore/internal/memory"
	"github.com/scrypster/zedcore/pkg/types"
)

// Tier identifies one section of the assembled context.
type Tier string

const (
	TierIdentity    Tier = "identity"
	TierPriority    Tier = "priority"
	TierProfile     Tier = "profile"
	TierSwitchboard Tier = "switchboard"
	TierMemories    Tier = "memories"
	TierHistory     Tier = "history"
)

const sectionSeparator = "\n\n"

// Budget holds the token limits of one assembly.
type Budget struct {
	MaxContextTokens    int
	ReservedForResponse int
	SwitchboardBudget   int
	MinHistoryTokens    int
	MemoryFraction      float64
	MemoryLimit         int
	QueryMaxChars       int
	QueryRecentMessages int
	HistoryMessages     int
}

// DefaultBudget returns the standard limits.
func DefaultBudget() Budget {
	return Budget{
		MaxContextTokens:    8000,
		ReservedForResponse: 1500,
		SwitchboardBudget:   600,
		MinHistoryTokens:    1000,
		MemoryFraction:      0.15,
		MemoryLimit:         8,
		QueryMaxChars:       1000,
		QueryRecentMessages: 3,
		HistoryMessages:     50,
	}
}

// Total is the shared ceiling all tiers draw from.
func (b Budget) Total() int {
	t := b.MaxContextTokens - b.ReservedForResponse
	if t < 0 {
		return 0
	}
	return t
}

// Validate rejects budgets that cannot produce a context.
func (b Budget) Validate() error {
	if b.MaxContextTokens <= 0 {
		return fmt.Errorf("max context tokens must be positive, got %d", b.MaxContextTokens)
	}
	if b.ReservedForResponse < 0 || b.ReservedForResponse >= b.MaxContextTokens {
		return fmt.Errorf("reserved for response must be in [0, %d), got %d", b.MaxContextTokens, b.ReservedForResponse)
	}
	if b.SwitchboardBudget < 0 || b.MinHistoryTokens < 0 {
		return fmt.Errorf("switchboard budget and min history tokens must not be negative")
	}
	if b.MemoryFraction < 0 || b.MemoryFraction > 1 {
		return fmt.Errorf("memory fraction must be in [0, 1], got %v", b.MemoryFraction)
	}
	if b.MemoryLimit < 0 || b.QueryMaxChars < 0 || b.QueryRecentMessages < 0 || b.HistoryMessages < 0 {
		return fmt.Errorf("memory limit, query sizes and history messages must not be negative")
	}
	return nil
}

// MemoryRetriever is the retrieval side of the memory service.
type MemoryRetriever interface {
	Retrieve(ctx context.Context, q memory.Query) []types.ScoredMemory
}

// HistorySource loads the recent messages of a branch, oldest first.
type HistorySource interface {
	RecentMessages(ctx context.Context, branchID string, limit int) ([]types.StoredMessage, error)
}

// Assembler renders tiered context under a Budget.
type Assembler struct {
	memories      MemoryRetriever
	history       HistorySource
	counter       TokenCounter
	budget        Budget
	memoryTimeout time.Duration
	agentName     string
	logger        *slog.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithBudget overrides DefaultBudget.
func WithBudget(b Budget) Option {
	return func(a *Assembler) { a.budget = b }
}

// WithCounter sets the token counter (default: CharEstimator).
func WithCounter(c TokenCounter) Option {
	return func(a *Assembler) { a.counter = c }
}

// WithMemoryTimeout bounds memory retrieval; a retrieval that runs out of
// time yields no memories.
func WithMemoryTimeout(d time.Duration) Option {
	return func(a *Assembler) { a.memoryTimeout = d }
}

// WithAgentName sets the speaker label of agent messages (default "Zed").
func WithAgentName(name string) Option {
	return func(a *Assembler) { a.agentName = name }
}

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) { a.logger = l }
}

// New creates an Assembler. memories may be nil, in which case the memory
// tier is always empty.
func New(memories MemoryRetriever, history HistorySource, opts ...Option) (*Assembler, error) {
	if history == nil {
		return nil, fmt.Errorf("assembler: history source is required")
	}
	a := &Assembler{
		memories:  memories,
		history:   history,
		counter:   CharEstimator{},
		budget:    DefaultBudget(),
		agentName: "Zed",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.budget.Validate(); err != nil {
		return nil, fmt.Errorf("assembler: invalid budget: %w", err)
	}
	return a, nil
}

// Budget returns the active budget.
func (a *Assembler) Budget() Budget { return a.budget }

// Request is the input of one assembly.
type Request struct {
	Branch         *types.Branch
	CurrentMessage string

	Identity string
	Priority string
	Profile  string

	IncludeSwitchboard bool
	Switchboard        string
}

// Section is one rendered tier.
type Section struct {
	Tier   Tier   `json:"tier"`
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
}

// Report describes how the budget was spent.
type Report struct {
	BranchID            string       `json:"branch_id"`
	TotalTokens         int          `json:"total_tokens"`
	Budget              int          `json:"budget"`
	Tiers               map[Tier]int `json:"tiers"`
	MemoriesIncluded    int          `json:"memories_included"`
	SwitchboardIncluded bool         `json:"switchboard_included"`
	SummaryUsed         bool         `json:"summary_used"`
	HistoryMessages     int          `json:"history_messages"`
	DroppedMessages     int          `json:"dropped_messages"`
	OverBudget          bool         `json:"over_budget"`
}

// Result is the assembled context.
type Result struct {
	Text     string    `json:"text"`
	Sections []Section `json:"sections"`
	Report   Report    `json:"report"`
}

// Assemble renders the context for one turn. Tiers 1 to 3 are always
// included in full. The switchboard, memories and history only take what
// remains, so the total stays within Budget.Total() unless the fixed tiers
// alone exceed it, in which case the lower tiers are omitted and
// Report.OverBudget is set.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Result, error) {
	if req.Branch == nil {
		return nil, fmt.Errorf("assembler: branch is required")
	}

	b := &builder{counter: a.counter}
	res := &Result{Report: Report{
		BranchID: req.Branch.ID,
		Budget:   a.budget.Total(),
		Tiers:    make(map[Tier]int),
	}}

	for _, fixed := range []struct {
		tier Tier
		text string
	}{
		{TierIdentity, req.Identity},
		{TierPriority, req.Priority},
		{TierProfile, req.Profile},
	} {
		if strings.TrimSpace(fixed.text) == "" {
			continue
		}
		b.add(fixed.tier, fixed.text)
	}

	remaining := a.budget.Total() - b.used
	if remaining < 0 {
		res.Report.OverBudget = true
		a.logger.Warn("assembler: fixed tiers exceed budget",
			"branch_id", req.Branch.ID, "used", b.used, "budget", a.budget.Total())
		return b.finish(res), nil
	}

	// Tier 4: switchboard, all or nothing.
	if req.IncludeSwitchboard && strings.TrimSpace(req.Switchboard) != "" {
		cost := b.cost(req.Switchboard)
		if cost <= a.budget.SwitchboardBudget && remaining-cost >= a.budget.MinHistoryTokens {
			b.add(TierSwitchboard, req.Switchboard)
			remaining -= cost
			res.Report.SwitchboardIncluded = true
		} else {
			a.logger.Debug("assembler: switchboard omitted", "branch_id", req.Branch.ID, "cost", cost, "remaining", remaining)
		}
	}

	messages, err := a.history.RecentMessages(ctx, req.Branch.ID, a.budget.HistoryMessages)
	if err != nil {
		a.logger.Warn("assembler: failed to load history", "branch_id", req.Branch.ID, "error", err)
		messages = nil
	}

	// Tier 5: memories, admitted whole within a fraction of what remains.
	if text, n := a.memorySection(ctx, req, messages); n > 0 {
		cost := b.cost(text)
		if float64(cost) <= a.budget.MemoryFraction*float64(remaining) {
			b.add(TierMemories, text)
			remaining -= cost
			res.Report.MemoriesIncluded = n
		} else {
			a.logger.Debug("assembler: memories omitted", "branch_id", req.Branch.ID, "cost", cost, "remaining", remaining)
		}
	}

	// Tier 6: history ladder.
	if len(messages) > 0 {
		h := a.fitHistory(b, req.Branch, messages, remaining)
		if h.text != "" {
			b.add(TierHistory, h.text)
		}
		res.Report.SummaryUsed = h.summaryUsed
		res.Report.HistoryMessages = h.included
		res.Report.DroppedMessages = len(messages) - h.included
	}

	return b.finish(res), nil
}

type historyFit struct {
	text        string
	included    int
	summaryUsed bool
}

// fitHistory picks the best history rendering that fits within avail: the
// full transcript, then summary plus the newest messages, then the newest
// messages alone. Messages are never cut.
func (a *Assembler) fitHistory(b *builder, branch *types.Branch, messages []types.StoredMessage, avail int) historyFit {
	lines := make([]string, len(messages))
	for i := range messages {
		lines[i] = a.renderMessage(branch, &messages[i])
	}

	full := renderHistory("", lines)
	if b.cost(full) <= avail {
		return historyFit{text: full, included: len(lines)}
	}

	summary := strings.TrimSpace(branch.SummaryText())
	if summary != "" && b.cost(renderHistory(summary, nil)) <= avail {
		n := newestThatFit(b, summary, lines, avail)
		return historyFit{text: renderHistory(summary, lines[len(lines)-n:]), included: n, summaryUsed: true}
	}

	n := newestThatFit(b, "", lines, avail)
	if n == 0 {
		return historyFit{}
	}
	return historyFit{text: renderHistory("", lines[len(lines)-n:]), included: n}
}

// newestThatFit scans backward from the newest line and returns how many
// lines fit alongside summary.
func newestThatFit(b *builder, summary string, lines []string, avail int) int {
	n := 0
	for i := len(lines) - 1; i >= 0; i-- {
		if b.cost(renderHistory(summary, lines[i:])) > avail {
			break
		}
		n++
	}
	return n
}

func renderHistory(summary string, lines []string) string {
	var sb strings.Builder
	if summary != "" {
		sb.WriteString("## Earlier in this conversation\n")
		sb.WriteString(summary)
	}
	if len(lines) > 0 {
		if sb.Len() > 0 {
			sb.WriteString(sectionSeparator)
		}
		sb.WriteString("## Conversation\n")
		sb.WriteString(strings.Join(lines, "\n"))
	}
	return sb.String()
}

func (a *Assembler) renderMessage(branch *types.Branch, m *types.StoredMessage) string {
	speaker := m.SenderProfileID
	if m.FromZed() {
		speaker = a.agentName
	} else {
		for _, p := range branch.Participants {
			if p.ProfileID == m.SenderProfileID && p.DisplayName != "" {
				speaker = p.DisplayName
				break
			}
		}
	}

	var sb strings.Builder
	sb.WriteString(speaker)
	sb.WriteString(": ")
	sb.WriteString(m.Content.Text)
	for _, att := range m.Content.Attachments {
		label := att.Name
		if label == "" {
			label = att.Kind
		}
		fmt.Fprintf(&sb, " [attachment: %s]", label)
	}
	return sb.String()
}

// memorySection retrieves memories for the turn and renders them. It returns
// the number of records rendered.
func (a *Assembler) memorySection(ctx context.Context, req Request, messages []types.StoredMessage) (string, int) {
	if a.memories == nil || a.budget.MemoryLimit == 0 || a.budget.MemoryFraction == 0 {
		return "", 0
	}
	query := a.buildQuery(req, messages)
	if query == "" {
		return "", 0
	}

	if a.memoryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.memoryTimeout)
		defer cancel()
	}

	found := a.memories.Retrieve(ctx, memory.Query{Text: query, Limit: a.budget.MemoryLimit})
	if len(found) == 0 {
		return "", 0
	}

	var sb strings.Builder
	sb.WriteString("## Things you remember\n")
	for i, sm := range found {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "- (%s) %s", sm.Memory.Type, sm.Memory.Content)
	}
	return sb.String(), len(found)
}

// buildQuery joins the current message, the last few branch messages and the
// topic, capped at QueryMaxChars characters.
func (a *Assembler) buildQuery(req Request, messages []types.StoredMessage) string {
	parts := make([]string, 0, a.budget.QueryRecentMessages+2)
	if t := strings.TrimSpace(req.CurrentMessage); t != "" {
		parts = append(parts, t)
	}

	recent := messages
	// The current message is usually already the newest stored one.
	if n := len(recent); n > 0 && recent[n-1].Content.Text == req.CurrentMessage {
		recent = recent[:n-1]
	}
	if k := a.budget.QueryRecentMessages; len(recent) > k {
		recent = recent[len(recent)-k:]
	}
	for i := len(recent) - 1; i >= 0; i-- {
		if t := strings.TrimSpace(recent[i].Content.Text); t != "" {
			parts = append(parts, t)
		}
	}

	if topic := strings.TrimSpace(req.Branch.CurrentTopic); topic != "" {
		parts = append(parts, topic)
	}

	return truncateChars(strings.Join(parts, "\n"), a.budget.QueryMaxChars)
}

func truncateChars(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}

// builder accumulates sections and charges each one its own cost plus the
// separator that precedes it.
type builder struct {
	counter  TokenCounter
	sections []Section
	used     int
}

func (b *builder) cost(text string) int {
	c := b.counter.Count(text)
	if len(b.sections) > 0 {
		c += b.counter.Count(sectionSeparator)
	}
	return c
}

func (b *builder) add(tier Tier, text string) {
	c := b.cost(text)
	b.sections = append(b.sections, Section{Tier: tier, Text: text, Tokens: c})
	b.used += c
}

func (b *builder) finish(res *Result) *Result {
	texts := make([]string, len(b.sections))
	for i, s := range b.sections {
		texts[i] = s.Text
		res.Report.Tiers[s.Tier] = s.Tokens
	}
	res.Text = strings.Join(texts, sectionSeparator)
	res.Sections = b.sections
	res.Report.TotalTokens = b.used
	return res
}
