package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/quizgate/internal/config"
	"github.com/roach88/quizgate/internal/participant"
	"github.com/roach88/quizgate/internal/reconcile"
	"github.com/roach88/quizgate/internal/session"
)

// PlayOptions holds flags for the play command.
type PlayOptions struct {
	RemoteOptions
	Config    string
	TokenFile string
	IPAddress string
}

// NewPlayCommand creates the play command.
func NewPlayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlayOptions{RemoteOptions: RemoteOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "play",
		Short: "Take the quiz as a participant, reading commands from stdin",
		Long: `Run a participant agent against the server. The recovery token is kept in
--token-file, so running play again resumes the same session.

Commands (one per line):
  welcome <name> <age>    submit the welcome form
  answer <question> <text>  submit an answer to question 1-3
  rate <stars>            submit a 1-5 star rating
  ack                     dismiss a rejection message
  status                  print the current state
  background | foreground pause or resume heartbeats
  quit                    mark the session inactive and exit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlay(opts, cmd)
		},
	}

	opts.addServerFlag(cmd)
	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "path to quizgate.yaml for participant settings")
	cmd.Flags().StringVar(&opts.TokenFile, "token-file", ".quizgate-token", "file holding the recovery token")
	cmd.Flags().StringVar(&opts.IPAddress, "ip", "", "client address recorded with a new session")

	return cmd
}

func runPlay(opts *PlayOptions, cmd *cobra.Command) error {
	out := formatter(opts.RootOptions, cmd)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return out.Fail(WrapExitError(ExitCommandError, "failed to load config", err))
	}
	remote, err := opts.feed()
	if err != nil {
		return out.Fail(WrapExitError(ExitCommandError, "invalid --server", err))
	}
	device, _ := json.Marshal(map[string]string{"client": "quizgate-cli", "os": runtime.GOOS, "arch": runtime.GOARCH})

	agent := participant.New(opts.client(), remote, participant.NewFileTokenStore(opts.TokenFile), participant.Options{
		HeartbeatInterval: cfg.Participant.HeartbeatInterval,
		RetryAttempts:     cfg.Participant.RetryAttempts,
		RetryBackoff:      cfg.Participant.RetryBackoff,
		IPAddress:         opts.IPAddress,
		DeviceInfo:        device,
		OnTransition: func(tr reconcile.Transition, snap participant.Snapshot) {
			printTransition(out, tr, snap)
		},
	})

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.Start(ctx); err != nil {
		return out.Fail(actionError("could not start a session", err))
	}
	defer agent.OnTerminate(context.WithoutCancel(ctx))

	printState(out, agent.Snapshot())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := playCommand(ctx, agent, line)
			if err != nil {
				_ = out.Error(errorCode(err), err.Error(), nil)
			}
			if quit {
				return nil
			}
			if err == nil {
				printState(out, agent.Snapshot())
			}
		}
	}
}

// playCommand executes one stdin line. It reports true for quit.
func playCommand(ctx context.Context, a *participant.Agent, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	verb, rest := fields[0], fields[1:]

	switch verb {
	case "welcome":
		if len(rest) < 2 {
			return false, session.NewValidationError("usage: welcome <name> <age>")
		}
		age, err := strconv.Atoi(rest[len(rest)-1])
		if err != nil {
			return false, session.NewValidationError("age must be a number")
		}
		return false, a.SubmitWelcome(ctx, strings.Join(rest[:len(rest)-1], " "), age)
	case "answer":
		if len(rest) < 2 {
			return false, session.NewValidationError("usage: answer <question> <text>")
		}
		q, err := strconv.Atoi(rest[0])
		if err != nil {
			return false, session.NewValidationError("question must be a number")
		}
		return false, a.SubmitAnswer(ctx, q, strings.Join(rest[1:], " "))
	case "rate":
		if len(rest) != 1 {
			return false, session.NewValidationError("usage: rate <stars>")
		}
		stars, err := strconv.Atoi(rest[0])
		if err != nil {
			return false, session.NewValidationError("stars must be a number")
		}
		return false, a.SubmitRating(ctx, stars)
	case "ack":
		return false, a.AcknowledgeError()
	case "status":
		return false, nil
	case "background":
		a.OnBackground()
		return false, nil
	case "foreground":
		a.OnForeground(ctx)
		return false, nil
	case "quit", "exit":
		return true, nil
	}
	return false, session.NewValidationError(fmt.Sprintf("unknown command %q", verb))
}

// PlayState is the JSON form of the participant's state.
type PlayState struct {
	SessionID  string `json:"session_id"`
	UserNumber int64  `json:"user_number"`
	Step       int    `json:"step"`
	StepLabel  string `json:"step_label"`
	Phase      string `json:"phase"`
	Message    string `json:"message,omitempty"`
	Blocked    bool   `json:"blocked,omitempty"`
	Recovered  bool   `json:"recovered,omitempty"`
}

func printState(out *OutputFormatter, s participant.Snapshot) {
	st := PlayState{
		SessionID:  s.SessionID,
		UserNumber: s.UserNumber,
		Step:       s.Step,
		StepLabel:  session.StepLabel(s.Step),
		Phase:      s.Phase.String(),
		Message:    s.Message,
		Blocked:    s.Blocked,
		Recovered:  s.Recovered,
	}
	_ = out.Render(st, func(w io.Writer) {
		switch {
		case s.Blocked:
			fmt.Fprintln(w, "This session has been blocked.")
		case s.Phase == reconcile.PhaseError:
			fmt.Fprintf(w, "[#%d] %s: %s (type ack to retry)\n", s.UserNumber, st.StepLabel, s.Message)
		case s.Phase == reconcile.PhaseLoading:
			fmt.Fprintf(w, "[#%d] %s: waiting for the moderator...\n", s.UserNumber, st.StepLabel)
		default:
			fmt.Fprintf(w, "[#%d] %s\n", s.UserNumber, st.StepLabel)
		}
	})
}

func printTransition(out *OutputFormatter, tr reconcile.Transition, snap participant.Snapshot) {
	out.VerboseLog("transition %s: step %d -> %d", tr.Kind, tr.FromStep, tr.ToStep)
	printState(out, snap)
}

func errorCode(err error) string {
	if code := session.CodeOf(err); code != "" {
		return string(code)
	}
	return "E_COMMAND"
}
