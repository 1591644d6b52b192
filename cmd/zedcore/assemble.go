package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scrypster/zedcore/internal/assembler"
	"github.com/scrypster/zedcore/internal/storage"
)

func newAssembleCmd(c *cli) *cobra.Command {
	var (
		channelID      string
		conversationID string
		profile        string
		switchboard    bool
		asJSON         bool
	)

	cmd := &cobra.Command{
		Use:   "assemble [message]",
		Short: "Preview the context that would be assembled for a conversation",
		Long: `assemble renders the tiered context for an existing branch without storing
anything or delivering notices. The optional message is treated as the
current inbound message.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(c.cfg, c.logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			b, err := a.store.GetBranchByKey(ctx, channelID, conversationID)
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("no branch for channel %q conversation %q", channelID, conversationID)
			}
			if err != nil {
				return err
			}

			identityText, err := a.identity.Identity(ctx)
			if err != nil {
				return err
			}

			req := assembler.Request{
				Branch:   b,
				Identity: identityText,
				Profile:  profile,
			}
			if len(args) == 1 {
				req.CurrentMessage = args[0]
			}
			if switchboard {
				view, err := a.branches.Switchboard(ctx, b.ID)
				if err != nil {
					return err
				}
				req.IncludeSwitchboard = true
				req.Switchboard = view.Text
			}

			res, err := a.assembler.Assemble(ctx, req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}

			fmt.Fprintln(out, res.Text)
			fmt.Fprintln(out, strings.Repeat("-", 40))
			r := res.Report
			fmt.Fprintf(out, "tokens %d/%d  memories %d  history %d (dropped %d)  summary %t  switchboard %t  over_budget %t\n",
				r.TotalTokens, r.Budget, r.MemoriesIncluded, r.HistoryMessages, r.DroppedMessages,
				r.SummaryUsed, r.SwitchboardIncluded, r.OverBudget)
			return nil
		},
	}

	cmd.Flags().StringVar(&channelID, "channel", "", "channel ID of the conversation")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation ID within the channel")
	cmd.Flags().StringVar(&profile, "profile", "", "profile text for the sender")
	cmd.Flags().BoolVar(&switchboard, "switchboard", true, "include the switchboard tier")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}
