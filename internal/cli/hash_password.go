package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/roach88/quizgate/internal/auth"
)

// HashPasswordOptions holds flags for the hash-password command.
type HashPasswordOptions struct {
	*RootOptions
	Cost int
}

// NewHashPasswordCommand creates the hash-password command.
func NewHashPasswordCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HashPasswordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for a moderator password_hash entry",
		Long: `Read a password from the first line of stdin and print its bcrypt hash
for the moderators section of quizgate.yaml.

Example:
  printf '%s\n' 'correct horse' | quizgate hash-password`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(opts.RootOptions, cmd)
			password, err := readLine(cmd.InOrStdin())
			if err != nil {
				return out.Fail(WrapExitError(ExitCommandError, "failed to read password", err))
			}
			hash, err := auth.HashPassword(password, opts.Cost)
			if err != nil {
				return out.Fail(WrapExitError(ExitCommandError, "failed to hash password", err))
			}
			return out.Render(map[string]string{"password_hash": hash}, func(w io.Writer) {
				fmt.Fprintln(w, hash)
			})
		},
	}

	cmd.Flags().IntVar(&opts.Cost, "cost", bcrypt.DefaultCost, fmt.Sprintf("bcrypt cost (%d-%d)", bcrypt.MinCost, bcrypt.MaxCost))
	return cmd
}
