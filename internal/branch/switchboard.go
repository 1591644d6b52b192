package branch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/scrypster/zedcore/pkg/types"
)

// DefaultSwitchboardBranches caps how many other branches the switchboard
// lists.
const DefaultSwitchboardBranches = 10

// SwitchboardView is the rendered cross-conversation awareness text for one
// branch. NoticeIDs lists the notices rendered into Text; callers mark them
// delivered once the text has actually been used.
type SwitchboardView struct {
	Text      string
	Branches  int
	NoticeIDs []string
}

// Switchboard renders the other active branches and the pending notices
// addressed to forBranchID. Text is empty when there is nothing to report.
func (m *Manager) Switchboard(ctx context.Context, forBranchID string) (*SwitchboardView, error) {
	others, err := m.ListActive(ctx, forBranchID, DefaultSwitchboardBranches)
	if err != nil {
		return nil, err
	}
	notices, err := m.PendingNotices(ctx, forBranchID, "")
	if err != nil {
		return nil, err
	}

	view := &SwitchboardView{Branches: len(others)}
	if len(others) == 0 && len(notices) == 0 {
		return view, nil
	}

	now := m.now().UTC()
	var sb strings.Builder
	if len(others) > 0 {
		sb.WriteString("Other active conversations:\n")
		for i := range others {
			sb.WriteString("- ")
			sb.WriteString(describeBranch(&others[i], now))
			sb.WriteByte('\n')
		}
	}
	if len(notices) > 0 {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("Notes for this conversation:\n")
		for _, n := range notices {
			if n.SourceBranchID != "" {
				fmt.Fprintf(&sb, "- (from %s) %s\n", n.SourceBranchID, n.Content)
			} else {
				fmt.Fprintf(&sb, "- %s\n", n.Content)
			}
			view.NoticeIDs = append(view.NoticeIDs, n.ID)
		}
	}

	view.Text = strings.TrimRight(sb.String(), "\n")
	return view, nil
}

func describeBranch(b *types.Branch, now time.Time) string {
	var sb strings.Builder
	sb.WriteString(b.ChannelType)
	if sb.Len() > 0 {
		sb.WriteByte(' ')
	}
	sb.WriteString(b.ChannelID)

	names := make([]string, 0, len(b.Participants))
	for _, p := range b.Participants {
		if p.DisplayName != "" {
			names = append(names, p.DisplayName)
		} else {
			names = append(names, p.ProfileID)
		}
	}
	if len(names) > 0 {
		fmt.Fprintf(&sb, " with %s", strings.Join(names, ", "))
	}

	var details []string
	if b.CurrentTopic != "" {
		details = append(details, "topic: "+b.CurrentTopic)
	}
	if b.Mood.Tone != "" {
		details = append(details, "mood: "+b.Mood.Tone)
	}
	details = append(details, "last active "+ago(now.Sub(b.LastActivityAt)))
	fmt.Fprintf(&sb, " (%s)", strings.Join(details, "; "))
	return sb.String()
}

func ago(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	}
}
