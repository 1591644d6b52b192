package types

import "time"

// ZedProfileID is the sender id used for messages written by the agent itself.
const ZedProfileID = "zed"

// ProfileRef identifies the resolved profile of a message sender.
type ProfileRef struct {
	ProfileID   string `json:"profile_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Participant is a profile registered on a branch.
type Participant struct {
	ProfileID   string    `json:"profile_id"`
	DisplayName string    `json:"display_name,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Mood is the precomputed emotional tone of a branch.
type Mood struct {
	Tone       string  `json:"tone"`
	Confidence float64 `json:"confidence"`
}

// PendingAction is a follow-up the agent has committed to on a branch.
type PendingAction struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	DueAt       *time.Time `json:"due_at,omitempty"`
}

// Branch is the persisted state of one ongoing conversation, uniquely keyed
// by (ChannelID, ConversationID).
type Branch struct {
	ID                   string          `json:"id"`
	ChannelType          string          `json:"channel_type"`
	ChannelID            string          `json:"channel_id"`
	ConversationID       string          `json:"conversation_id"`
	Participants         []Participant   `json:"participants"`
	Status               BranchStatus    `json:"status"`
	Mood                 Mood            `json:"mood"`
	CurrentTopic         string          `json:"current_topic,omitempty"`
	Summary              *string         `json:"summary,omitempty"`
	SummaryUpToMessageID string          `json:"summary_up_to_message_id,omitempty"`
	PendingActions       []PendingAction `json:"pending_actions,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	LastActivityAt       time.Time       `json:"last_activity_at"`
	LastZedResponseAt    *time.Time      `json:"last_zed_response_at,omitempty"`
}

// HasParticipant reports whether profileID is registered on the branch.
func (b *Branch) HasParticipant(profileID string) bool {
	for _, p := range b.Participants {
		if p.ProfileID == profileID {
			return true
		}
	}
	return false
}

// AddParticipant registers ref on the branch. Adding an already registered
// profile is a no-op; the return value reports whether anything changed.
func (b *Branch) AddParticipant(ref ProfileRef, at time.Time) bool {
	if ref.ProfileID == "" || b.HasParticipant(ref.ProfileID) {
		return false
	}
	b.Participants = append(b.Participants, Participant{
		ProfileID:   ref.ProfileID,
		DisplayName: ref.DisplayName,
		JoinedAt:    at,
	})
	return true
}

// SummaryText returns the rolling summary or "" when none exists.
func (b *Branch) SummaryText() string {
	if b.Summary == nil {
		return ""
	}
	return *b.Summary
}

// Attachment is a non-text payload carried by a message.
type Attachment struct {
	Kind     string `json:"kind"`
	URL      string `json:"url,omitempty"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// MessageContent is the structured payload of a message.
type MessageContent struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// StoredMessage is an immutable message appended to exactly one branch.
type StoredMessage struct {
	ID              string            `json:"id"`
	BranchID        string            `json:"branch_id"`
	SenderProfileID string            `json:"sender_profile_id"`
	Content         MessageContent    `json:"content"`
	Timestamp       time.Time         `json:"timestamp"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// FromZed reports whether the message was written by the agent.
func (m *StoredMessage) FromZed() bool {
	return m.SenderProfileID == ZedProfileID
}

// Sender is the platform identity attached to an inbound event.
type Sender struct {
	PlatformID  string `json:"platform_id"`
	DisplayName string `json:"display_name"`
}

// InboundEvent is the canonical event shape produced by channel adapters.
type InboundEvent struct {
	ChannelType    string         `json:"channel_type"`
	ChannelID      string         `json:"channel_id"`
	ConversationID string         `json:"conversation_id"`
	Sender         Sender         `json:"sender"`
	Content        MessageContent `json:"content"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Notice is a cross-branch message waiting in the mailbox of a target branch
// or profile.
type Notice struct {
	ID              string     `json:"id"`
	TargetBranchID  string     `json:"target_branch_id,omitempty"`
	TargetProfileID string     `json:"target_profile_id,omitempty"`
	SourceBranchID  string     `json:"source_branch_id,omitempty"`
	Content         string     `json:"content"`
	CreatedAt       time.Time  `json:"created_at"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty"`
}
