// Package pipeline runs one conversational turn as a sequential state
// machine: resolve the branch, store the inbound message, assemble context,
// hand it to the reasoning loop, store the reply and stage the raw turn in
// the memory buffer. Turns on the same conversation are serialized; turns on
// different conversations run concurrently.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scrypster/zedcore/internal/assembler"
	"github.com/scrypster/zedcore/internal/branch"
	"github.com/scrypster/zedcore/internal/memory"
	"github.com/scrypster/zedcore/pkg/types"
)

// ErrInvalidEvent is returned for inbound events missing their routing keys.
var ErrInvalidEvent = errors.New("invalid inbound event")

// StageError reports the stage at which a turn was aborted.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// BranchManager is the branch side of a turn.
type BranchManager interface {
	GetOrCreateBranch(ctx context.Context, channelType, channelID, conversationID string, sender types.ProfileRef) (*branch.Resolution, error)
	AddMessage(ctx context.Context, in branch.MessageInput) (*types.StoredMessage, error)
	Switchboard(ctx context.Context, forBranchID string) (*branch.SwitchboardView, error)
	MarkNoticesDelivered(ctx context.Context, ids []string) error
	SetTopic(ctx context.Context, branchID, topic string) error
	SetMood(ctx context.Context, branchID string, mood types.Mood) error
}

// ContextAssembler renders the bounded prompt context.
type ContextAssembler interface {
	Assemble(ctx context.Context, req assembler.Request) (*assembler.Result, error)
}

// TurnBuffer stages raw turn events for consolidation.
type TurnBuffer interface {
	AppendToBuffer(ctx context.Context, in memory.BufferInput) (*types.BufferEntry, error)
}

// Profile is a resolved sender identity.
type Profile struct {
	Ref types.ProfileRef

	// Description is the profile text rendered into the context.
	Description string
}

// ProfileResolver maps a platform sender to a profile.
type ProfileResolver interface {
	ResolveProfile(ctx context.Context, channelType string, sender types.Sender) (*Profile, error)
}

// IdentitySource supplies the agent's identity text.
type IdentitySource interface {
	Identity(ctx context.Context) (string, error)
}

// Turn is what the reasoning loop receives.
type Turn struct {
	Branch       *types.Branch
	Event        types.InboundEvent
	Profile      Profile
	Inbound      *types.StoredMessage
	Context      *assembler.Result
	FirstContact bool
}

// Reply is the reasoning loop's answer. Topic and Mood, when set, update the
// branch.
type Reply struct {
	Content types.MessageContent
	Topic   string
	Mood    *types.Mood
}

// Reasoner is the external reasoning loop. A nil Reply means no response.
type Reasoner interface {
	Reason(ctx context.Context, turn *Turn) (*Reply, error)
}

// Observer receives a report after every turn, successful or not. It is
// called synchronously and must not block.
type Observer interface {
	TurnCompleted(report Report)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Report)

// TurnCompleted implements Observer.
func (f ObserverFunc) TurnCompleted(r Report) { f(r) }

// Report summarizes a turn for observability.
type Report struct {
	BranchID     string            `json:"branch_id,omitempty"`
	ChannelID    string            `json:"channel_id"`
	Conversation string            `json:"conversation_id"`
	Stage        Stage             `json:"stage"`
	Created      bool              `json:"created"`
	FirstContact bool              `json:"first_contact"`
	Replied      bool              `json:"replied"`
	Assembly     *assembler.Report `json:"assembly,omitempty"`
	Duration     time.Duration     `json:"duration_ns"`
	Error        string            `json:"error,omitempty"`
}

// Result is the outcome of Run.
type Result struct {
	Branch       *types.Branch
	Created      bool
	FirstContact bool
	Profile      Profile
	Inbound      *types.StoredMessage
	Outbound     *types.StoredMessage
	Context      *assembler.Result

	// Stage is the last stage reached; StageDone on success.
	Stage Stage
}

// DefaultFirstContactPriority is the priority tier text for first contacts.
const DefaultFirstContactPriority = "This is the first time you are talking with this person. Introduce yourself briefly."

// Config wires a Pipeline.
type Config struct {
	Branches  BranchManager
	Assembler ContextAssembler
	Buffer    TurnBuffer

	// Reasoner may be nil; the turn then ends after assembly with no reply.
	Reasoner Reasoner

	// Profiles defaults to PlatformProfiles.
	Profiles ProfileResolver

	// Identity may be nil for an empty identity tier.
	Identity IdentitySource

	Observer Observer

	// IncludeSwitchboard requests the switchboard tier on every turn.
	IncludeSwitchboard bool

	// FirstContactPriority defaults to DefaultFirstContactPriority.
	FirstContactPriority string

	Logger *slog.Logger
}

// Pipeline runs turns.
type Pipeline struct {
	cfg    Config
	locks  *keyedLock
	logger *slog.Logger
}

// New validates cfg and creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Branches == nil {
		return nil, fmt.Errorf("pipeline: branch manager is required")
	}
	if cfg.Assembler == nil {
		return nil, fmt.Errorf("pipeline: assembler is required")
	}
	if cfg.Profiles == nil {
		cfg.Profiles = PlatformProfiles{}
	}
	if cfg.FirstContactPriority == "" {
		cfg.FirstContactPriority = DefaultFirstContactPriority
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, locks: newKeyedLock(), logger: logger}, nil
}

// Run executes one turn for ev. Storage failures while resolving the branch
// or storing either message abort the turn with a *StageError. A reasoning
// failure also aborts, after the inbound event has been buffered. Assembly
// tiers degrade silently and buffer failures are only logged.
func (p *Pipeline) Run(ctx context.Context, ev types.InboundEvent) (*Result, error) {
	if ev.ChannelID == "" || ev.ConversationID == "" || ev.Sender.PlatformID == "" {
		return nil, fmt.Errorf("pipeline: %w: channel, conversation and sender are required", ErrInvalidEvent)
	}

	start := time.Now()
	report := Report{ChannelID: ev.ChannelID, Conversation: ev.ConversationID}
	res := &Result{Stage: StageResolve}

	unlock, err := p.locks.Lock(ctx, conversationKey(ev))
	if err != nil {
		return nil, &StageError{Stage: StageResolve, Err: err}
	}
	defer unlock()

	err = p.run(ctx, ev, res)

	report.Stage = res.Stage
	report.Created = res.Created
	report.FirstContact = res.FirstContact
	report.Replied = res.Outbound != nil
	report.Duration = time.Since(start)
	if res.Branch != nil {
		report.BranchID = res.Branch.ID
	}
	if res.Context != nil {
		r := res.Context.Report
		report.Assembly = &r
	}
	if err != nil {
		report.Error = err.Error()
		p.logger.Warn("turn aborted", "stage", res.Stage, "branch_id", report.BranchID, "error", err)
	} else {
		p.logger.Debug("turn completed", "branch_id", report.BranchID, "replied", report.Replied, "duration", report.Duration)
	}
	if p.cfg.Observer != nil {
		p.cfg.Observer.TurnCompleted(report)
	}

	return res, err
}

func (p *Pipeline) run(ctx context.Context, ev types.InboundEvent, res *Result) error {
	// Resolve
	res.Stage = StageResolve
	profile := p.resolveProfile(ctx, ev)
	res.Profile = profile

	resolution, err := p.cfg.Branches.GetOrCreateBranch(ctx, ev.ChannelType, ev.ChannelID, ev.ConversationID, profile.Ref)
	if err != nil {
		return &StageError{Stage: StageResolve, Err: err}
	}
	res.Branch = resolution.Branch
	res.Created = resolution.Created
	res.FirstContact = resolution.FirstContact

	// StoreInbound
	res.Stage = StageStoreInbound
	inbound, err := p.cfg.Branches.AddMessage(ctx, branch.MessageInput{
		BranchID:        res.Branch.ID,
		SenderProfileID: profile.Ref.ProfileID,
		Content:         ev.Content,
		Metadata: map[string]string{
			"channel_type": ev.ChannelType,
			"platform_id":  ev.Sender.PlatformID,
		},
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		return &StageError{Stage: StageStoreInbound, Err: err}
	}
	res.Inbound = inbound

	// Assemble
	res.Stage = StageAssemble
	assembled, err := p.assemble(ctx, ev, res)
	if err != nil {
		return &StageError{Stage: StageAssemble, Err: err}
	}
	res.Context = assembled

	// Reason
	res.Stage = StageReason
	var reply *Reply
	var reasonErr error
	if p.cfg.Reasoner != nil {
		reply, reasonErr = p.cfg.Reasoner.Reason(ctx, &Turn{
			Branch:       res.Branch,
			Event:        ev,
			Profile:      profile,
			Inbound:      inbound,
			Context:      assembled,
			FirstContact: res.FirstContact,
		})
	}

	// StoreOutbound
	if reasonErr == nil && reply != nil {
		res.Stage = StageStoreOutbound
		if err := p.storeReply(ctx, res, reply); err != nil {
			return &StageError{Stage: StageStoreOutbound, Err: err}
		}
	}

	// Buffer
	stage := res.Stage
	res.Stage = StageBuffer
	p.buffer(ctx, ev, res)

	if reasonErr != nil {
		res.Stage = stage
		return &StageError{Stage: StageReason, Err: reasonErr}
	}
	res.Stage = StageDone
	return nil
}

func (p *Pipeline) resolveProfile(ctx context.Context, ev types.InboundEvent) Profile {
	profile, err := p.cfg.Profiles.ResolveProfile(ctx, ev.ChannelType, ev.Sender)
	if err != nil || profile == nil || profile.Ref.ProfileID == "" {
		if err != nil {
			p.logger.Warn("profile resolution failed, using platform identity", "platform_id", ev.Sender.PlatformID, "error", err)
		}
		fallback, _ := PlatformProfiles{}.ResolveProfile(ctx, ev.ChannelType, ev.Sender)
		return *fallback
	}
	return *profile
}

func (p *Pipeline) assemble(ctx context.Context, ev types.InboundEvent, res *Result) (*assembler.Result, error) {
	var identity string
	if p.cfg.Identity != nil {
		text, err := p.cfg.Identity.Identity(ctx)
		if err != nil {
			p.logger.Warn("identity unavailable", "error", err)
		}
		identity = text
	}

	var priority string
	if res.FirstContact {
		priority = p.cfg.FirstContactPriority
	}

	req := assembler.Request{
		Branch:         res.Branch,
		CurrentMessage: ev.Content.Text,
		Identity:       identity,
		Priority:       priority,
		Profile:        res.Profile.Description,
	}

	var view *branch.SwitchboardView
	if p.cfg.IncludeSwitchboard {
		v, err := p.cfg.Branches.Switchboard(ctx, res.Branch.ID)
		if err != nil {
			p.logger.Warn("switchboard unavailable", "branch_id", res.Branch.ID, "error", err)
		} else {
			view = v
			req.IncludeSwitchboard = true
			req.Switchboard = v.Text
		}
	}

	assembled, err := p.cfg.Assembler.Assemble(ctx, req)
	if err != nil {
		return nil, err
	}

	if view != nil && assembled.Report.SwitchboardIncluded && len(view.NoticeIDs) > 0 {
		if err := p.cfg.Branches.MarkNoticesDelivered(ctx, view.NoticeIDs); err != nil {
			p.logger.Warn("failed to mark notices delivered", "branch_id", res.Branch.ID, "error", err)
		}
	}
	return assembled, nil
}

func (p *Pipeline) storeReply(ctx context.Context, res *Result, reply *Reply) error {
	if strings.TrimSpace(reply.Content.Text) != "" || len(reply.Content.Attachments) > 0 {
		out, err := p.cfg.Branches.AddMessage(ctx, branch.MessageInput{
			BranchID:        res.Branch.ID,
			SenderProfileID: types.ZedProfileID,
			Content:         reply.Content,
		})
		if err != nil {
			return err
		}
		res.Outbound = out
	}
	if reply.Topic != "" {
		if err := p.cfg.Branches.SetTopic(ctx, res.Branch.ID, reply.Topic); err != nil {
			return err
		}
	}
	if reply.Mood != nil {
		if err := p.cfg.Branches.SetMood(ctx, res.Branch.ID, *reply.Mood); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) buffer(ctx context.Context, ev types.InboundEvent, res *Result) {
	if p.cfg.Buffer == nil {
		return
	}

	entries := []memory.BufferInput{{
		BranchID:  res.Branch.ID,
		EventType: memory.EventInbound,
		Content:   ev.Content.Text,
		Metadata: map[string]string{
			"message_id":        res.Inbound.ID,
			"sender_profile_id": res.Profile.Ref.ProfileID,
			"channel_type":      ev.ChannelType,
		},
		Timestamp: res.Inbound.Timestamp,
	}}
	if res.Outbound != nil {
		entries = append(entries, memory.BufferInput{
			BranchID:  res.Branch.ID,
			EventType: memory.EventOutbound,
			Content:   res.Outbound.Content.Text,
			Metadata: map[string]string{
				"message_id":        res.Outbound.ID,
				"sender_profile_id": types.ZedProfileID,
			},
			Timestamp: res.Outbound.Timestamp,
		})
	}

	for _, e := range entries {
		if _, err := p.cfg.Buffer.AppendToBuffer(ctx, e); err != nil {
			p.logger.Warn("failed to buffer turn event", "branch_id", res.Branch.ID, "event_type", e.EventType, "error", err)
		}
	}
}

func conversationKey(ev types.InboundEvent) string {
	return ev.ChannelID + "\x00" + ev.ConversationID
}

// PlatformProfiles derives a profile ID from the channel type and platform
// sender ID. It is the fallback when no directory of profiles exists.
type PlatformProfiles struct{}

// ResolveProfile implements ProfileResolver.
func (PlatformProfiles) ResolveProfile(_ context.Context, channelType string, sender types.Sender) (*Profile, error) {
	id := sender.PlatformID
	if channelType != "" {
		id = channelType + ":" + sender.PlatformID
	}
	return &Profile{Ref: types.ProfileRef{ProfileID: id, DisplayName: sender.DisplayName}}, nil
}

// StaticIdentity is a fixed identity text.
type StaticIdentity string

// Identity implements IdentitySource.
func (s StaticIdentity) Identity(context.Context) (string, error) { return string(s), nil }
