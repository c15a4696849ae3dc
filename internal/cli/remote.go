package cli

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/quizgate/internal/auth"
	"github.com/roach88/quizgate/internal/feed"
	"github.com/roach88/quizgate/internal/httpapi"
	"github.com/roach88/quizgate/internal/moderator"
)

// Environment defaults for remote flags.
const (
	EnvServer = "QUIZGATE_SERVER"
	EnvToken  = "QUIZGATE_TOKEN"
)

const defaultServer = "http://127.0.0.1:8080"

// RemoteOptions holds the connection flags shared by client commands.
type RemoteOptions struct {
	*RootOptions
	Server string
	Token  string
}

func (o *RemoteOptions) addServerFlag(cmd *cobra.Command) {
	server := os.Getenv(EnvServer)
	if server == "" {
		server = defaultServer
	}
	cmd.Flags().StringVar(&o.Server, "server", server, "quizgate server URL (env "+EnvServer+")")
}

func (o *RemoteOptions) addTokenFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Token, "token", os.Getenv(EnvToken), "moderator token from quizgate login (env "+EnvToken+")")
}

func (o *RemoteOptions) bearer() string {
	return o.Token
}

// client returns a store client for the server.
func (o *RemoteOptions) client() *httpapi.Client {
	if o.Token == "" {
		return httpapi.NewClient(o.Server)
	}
	return httpapi.NewClient(o.Server, httpapi.WithToken(o.bearer))
}

// feed returns a websocket feed for the server.
func (o *RemoteOptions) feed() (*feed.Remote, error) {
	if o.Token == "" {
		return feed.NewRemote(o.Server)
	}
	return feed.NewRemote(o.Server, feed.WithBearer(o.bearer))
}

// moderatorAgent builds a ModeratorAgent over the remote API. The token's
// claims serve as the role source; the server re-checks every action.
func (o *RemoteOptions) moderatorAgent(opts moderator.Options) (*moderator.Agent, error) {
	o.Token = strings.TrimSpace(o.Token)
	if o.Token == "" {
		return nil, NewExitError(ExitCommandError, "a moderator token is required: run `quizgate login` and pass --token")
	}
	claims, err := auth.PeekClaims(o.Token)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --token", err)
	}
	remote, err := o.feed()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --server", err)
	}
	return moderator.New(o.client(), remote, claims, claims.ModeratorID, opts), nil
}
