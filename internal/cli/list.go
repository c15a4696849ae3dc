package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/quizgate/internal/moderator"
	"github.com/roach88/quizgate/internal/session"
)

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RemoteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions grouped by state",
		Long: `List every non-obsolete session, grouped into live, idle, inactive
and blocked, most recently active first.

Example:
  quizgate list --token $` + EnvToken + `
  quizgate list --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(opts.RootOptions, cmd)
			agent, err := opts.moderatorAgent(moderator.Options{SweepInterval: -1})
			if err != nil {
				return out.Fail(asExitError(err))
			}
			if err := agent.Sync(commandContext(cmd)); err != nil {
				return out.Fail(actionError("list failed", err))
			}
			listing := agent.List()
			return out.Render(listing, func(w io.Writer) { printListing(w, listing, time.Now()) })
		},
	}

	opts.addServerFlag(cmd)
	opts.addTokenFlag(cmd)
	return cmd
}

func printListing(w io.Writer, l moderator.Listing, now time.Time) {
	fmt.Fprintf(w, "%d session(s), %d waiting for judgment\n", l.Total, l.Waiting)

	groups := []struct {
		title   string
		records []session.Record
	}{
		{"Live", l.Live},
		{"Idle", l.Idle},
		{"Inactive", l.Inactive},
		{"Blocked", l.Blocked},
	}
	for _, g := range groups {
		if len(g.records) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s\n", g.title)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  #\tID\tNAME\tSTEP\tWAITING\tLAST SEEN")
		for _, r := range g.records {
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\t%s ago\n",
				r.UserNumber, r.ID, displayName(r), session.StepLabel(r.CurrentStep),
				waitingLabel(r), now.Sub(r.LastActivity).Truncate(time.Second))
		}
		tw.Flush()
	}
}

func displayName(r session.Record) string {
	if r.UserName == nil || *r.UserName == "" {
		return "-"
	}
	if r.UserAge != nil {
		return fmt.Sprintf("%s (%d)", *r.UserName, *r.UserAge)
	}
	return *r.UserName
}

// waitingLabel shows what a waiting record is waiting on.
func waitingLabel(r session.Record) string {
	if !r.WaitingForAdmin {
		return ""
	}
	if session.IsQuestionStep(r.CurrentStep) {
		if v := r.Answers.Slot(session.QuestionForStep(r.CurrentStep)).Value; v != nil {
			return fmt.Sprintf("%q", *v)
		}
	}
	if r.CurrentStep == session.StepRating && r.Rating != nil {
		return fmt.Sprintf("%d stars", *r.Rating)
	}
	return "yes"
}
