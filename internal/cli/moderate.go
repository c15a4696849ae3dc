package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/quizgate/internal/moderator"
	"github.com/roach88/quizgate/internal/session"
)

// ModerateOptions holds flags for the single-shot moderator actions.
type ModerateOptions struct {
	RemoteOptions
	Message   string
	Reason    string
	Threshold time.Duration
}

// moderation describes one action command.
type moderation struct {
	use   string
	short string
	args  cobra.PositionalArgs
	flags func(cmd *cobra.Command, opts *ModerateOptions)
	run   func(ctx context.Context, a *moderator.Agent, opts *ModerateOptions, args []string) (moderator.Result, error)
}

var moderations = []moderation{
	{
		use:   "approve <session-id>",
		short: "Approve the pending answer and advance one step",
		args:  cobra.ExactArgs(1),
		run: func(ctx context.Context, a *moderator.Agent, _ *ModerateOptions, args []string) (moderator.Result, error) {
			return a.Approve(ctx, args[0])
		},
	},
	{
		use:   "reject <session-id>",
		short: "Reject the pending answer",
		args:  cobra.ExactArgs(1),
		flags: func(cmd *cobra.Command, opts *ModerateOptions) {
			cmd.Flags().StringVarP(&opts.Message, "message", "m", "", "message shown to the participant")
		},
		run: func(ctx context.Context, a *moderator.Agent, opts *ModerateOptions, args []string) (moderator.Result, error) {
			return a.Reject(ctx, args[0], opts.Message)
		},
	},
	{
		use:   "finalize <session-id>",
		short: "Accept the pending rating and complete the run",
		args:  cobra.ExactArgs(1),
		run: func(ctx context.Context, a *moderator.Agent, _ *ModerateOptions, args []string) (moderator.Result, error) {
			return a.Finalize(ctx, args[0])
		},
	},
	{
		use:   "restart <session-id>",
		short: "Return the session to the welcome step and clear progress",
		args:  cobra.ExactArgs(1),
		run: func(ctx context.Context, a *moderator.Agent, _ *ModerateOptions, args []string) (moderator.Result, error) {
			return a.Restart(ctx, args[0])
		},
	},
	{
		use:   "goto <session-id> <step>",
		short: "Move the session to a step (1-6)",
		args:  cobra.ExactArgs(2),
		run: func(ctx context.Context, a *moderator.Agent, _ *ModerateOptions, args []string) (moderator.Result, error) {
			step, err := strconv.Atoi(args[1])
			if err != nil {
				return moderator.Result{}, session.NewValidationError(fmt.Sprintf("step %q is not a number", args[1]))
			}
			return a.GoToStep(ctx, args[0], step)
		},
	},
	{
		use:   "block <session-id>",
		short: "Block a participant (super_admin)",
		args:  cobra.ExactArgs(1),
		flags: func(cmd *cobra.Command, opts *ModerateOptions) {
			cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason recorded with the block")
		},
		run: func(ctx context.Context, a *moderator.Agent, opts *ModerateOptions, args []string) (moderator.Result, error) {
			return a.Block(ctx, args[0], opts.Reason)
		},
	},
	{
		use:   "purge",
		short: "Delete every inactive session (super_admin)",
		args:  cobra.NoArgs,
		run: func(ctx context.Context, a *moderator.Agent, _ *ModerateOptions, _ []string) (moderator.Result, error) {
			return a.PurgeInactive(ctx)
		},
	},
	{
		use:   "sweep",
		short: "Mark idle sessions not live and expire stale ones",
		args:  cobra.NoArgs,
		flags: func(cmd *cobra.Command, opts *ModerateOptions) {
			cmd.Flags().DurationVar(&opts.Threshold, "threshold", moderator.DefaultInactivityThreshold, "idle time before a session is marked not live")
		},
		run: func(ctx context.Context, a *moderator.Agent, opts *ModerateOptions, _ []string) (moderator.Result, error) {
			return a.SweepInactive(ctx, opts.Threshold)
		},
	},
}

// NewModerationCommands creates one command per moderator action.
func NewModerationCommands(rootOpts *RootOptions) []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(moderations))
	for _, m := range moderations {
		cmds = append(cmds, newModerationCommand(rootOpts, m))
	}
	return cmds
}

func newModerationCommand(rootOpts *RootOptions, m moderation) *cobra.Command {
	opts := &ModerateOptions{RemoteOptions: RemoteOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   m.use,
		Short: m.short,
		Args:  m.args,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(opts.RootOptions, cmd)
			agent, err := opts.moderatorAgent(moderator.Options{SweepInterval: -1})
			if err != nil {
				return out.Fail(asExitError(err))
			}
			res, err := m.run(commandContext(cmd), agent, opts, args)
			if err != nil {
				return out.Fail(actionError(cmd.Name()+" failed", err))
			}
			return out.Render(res, func(w io.Writer) { printResult(w, res) })
		},
	}

	opts.addServerFlag(cmd)
	opts.addTokenFlag(cmd)
	if m.flags != nil {
		m.flags(cmd, opts)
	}
	return cmd
}

func printResult(w io.Writer, res moderator.Result) {
	switch {
	case res.SessionID == "":
		fmt.Fprintf(w, "%s: %d session(s)\n", res.Action, res.Count)
	case res.AlreadyResolved():
		fmt.Fprintf(w, "%s %s: already resolved (step %d, waiting=%t)\n",
			res.Action, res.SessionID, res.Record.CurrentStep, res.Record.WaitingForAdmin)
	default:
		fmt.Fprintf(w, "%s %s: applied, now at %s\n",
			res.Action, res.SessionID, session.StepLabel(res.Record.CurrentStep))
	}
}

// asExitError passes ExitErrors through and wraps anything else as a
// command error.
func asExitError(err error) *ExitError {
	var e *ExitError
	if errors.As(err, &e) {
		return e
	}
	return WrapExitError(ExitCommandError, "command failed", err)
}

// commandContext returns the command's context, or Background when unset.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
