package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/quizgate/internal/config"
	"github.com/roach88/quizgate/internal/moderator"
	"github.com/roach88/quizgate/internal/session"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	RemoteOptions
	Config  string
	NoSweep bool
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RemoteOptions: RemoteOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow session changes live and run the inactivity sweep",
		Long: `Keep a live mirror of every session and print each change as it
arrives. Unless --no-sweep is given, the inactivity sweep runs on the
moderation schedule from the config file (or its defaults).

Stop with Ctrl-C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	opts.addServerFlag(cmd)
	opts.addTokenFlag(cmd)
	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "path to quizgate.yaml for moderation settings")
	cmd.Flags().BoolVar(&opts.NoSweep, "no-sweep", false, "do not run the inactivity sweep")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	out := formatter(opts.RootOptions, cmd)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return out.Fail(WrapExitError(ExitCommandError, "failed to load config", err))
	}
	modOpts := moderator.Options{
		SweepInterval:       cfg.Moderation.SweepInterval,
		InactivityThreshold: cfg.Moderation.InactivityThreshold,
		ExpireAfter:         cfg.Moderation.ExpireAfter,
		OnChange:            func(ev session.Event) { printEvent(out, ev) },
	}
	if opts.NoSweep {
		modOpts.SweepInterval = -1
	}

	agent, err := opts.moderatorAgent(modOpts)
	if err != nil {
		return out.Fail(asExitError(err))
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		select {
		case <-agent.Ready():
			l := agent.List()
			out.VerboseLog("mirror ready: %d session(s), %d waiting", l.Total, l.Waiting)
		case <-ctx.Done():
		}
	}()

	slog.Info("watching sessions", "server", opts.Server, "moderator_id", agent.ModeratorID(), "sweep", !opts.NoSweep)
	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return out.Fail(actionError("watch stopped", err))
	}
	return nil
}

// WatchEvent is the JSON form of one printed change.
type WatchEvent struct {
	Offset     int64          `json:"offset"`
	Op         session.Op     `json:"op"`
	SessionID  string         `json:"session_id"`
	UserNumber int64          `json:"user_number"`
	Seq        int64          `json:"seq"`
	Step       int            `json:"step"`
	Status     session.Status `json:"status"`
	Waiting    bool           `json:"waiting_for_admin"`
}

func printEvent(out *OutputFormatter, ev session.Event) {
	r := ev.Record
	we := WatchEvent{
		Offset:     ev.Offset,
		Op:         ev.Op,
		SessionID:  r.ID,
		UserNumber: r.UserNumber,
		Seq:        r.SequenceNumber,
		Step:       r.CurrentStep,
		Status:     r.Status,
		Waiting:    r.WaitingForAdmin,
	}
	_ = out.Render(we, func(w io.Writer) {
		line := fmt.Sprintf("%s %-6s #%d %s seq=%d %s [%s]",
			time.Now().Format("15:04:05"), ev.Op, r.UserNumber, r.ID, r.SequenceNumber,
			session.StepLabel(r.CurrentStep), r.Status)
		if r.WaitingForAdmin {
			line += " waiting " + waitingLabel(r)
		}
		fmt.Fprintln(w, line)
	})
}
