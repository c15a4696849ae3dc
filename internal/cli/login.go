package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

// LoginOptions holds flags for the login command.
type LoginOptions struct {
	RemoteOptions
	Email         string
	Password      string
	PasswordStdin bool
}

// NewLoginCommand creates the login command.
func NewLoginCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoginOptions{RemoteOptions: RemoteOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain a moderator token",
		Long: `Exchange moderator credentials for a session token.

The token is printed on stdout. Pass it to moderator commands with
--token or the ` + EnvToken + ` environment variable.

Example:
  export ` + EnvToken + `=$(quizgate login --email mod@example.com --password-stdin < pw.txt)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(opts, cmd)
		},
	}

	opts.addServerFlag(cmd)
	cmd.Flags().StringVar(&opts.Email, "email", "", "moderator email (required)")
	cmd.Flags().StringVar(&opts.Password, "password", "", "moderator password")
	cmd.Flags().BoolVar(&opts.PasswordStdin, "password-stdin", false, "read the password from stdin")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func runLogin(opts *LoginOptions, cmd *cobra.Command) error {
	out := formatter(opts.RootOptions, cmd)

	password := opts.Password
	if opts.PasswordStdin {
		line, err := readLine(cmd.InOrStdin())
		if err != nil {
			return out.Fail(WrapExitError(ExitCommandError, "failed to read password", err))
		}
		password = line
	}
	if password == "" {
		return out.Fail(NewExitError(ExitCommandError, "a password is required (--password or --password-stdin)"))
	}

	resp, err := opts.client().Login(commandContext(cmd), opts.Email, password)
	if err != nil {
		return out.Fail(actionError("login failed", err))
	}
	out.VerboseLog("logged in as %s (%s), token expires %s", resp.ModeratorID, resp.Role, resp.ExpiresAt.Format("2006-01-02 15:04"))

	return out.Render(resp, func(w io.Writer) {
		fmt.Fprintln(w, resp.Token)
	})
}

// readLine returns the first line of r without its line ending.
func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
