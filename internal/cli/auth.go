package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/strongdm/berth/internal/configstore"
	"github.com/strongdm/berth/internal/listen"
	"github.com/strongdm/berth/internal/token"
)

func newAuthCommand(env *environment, flags *globalFlags) *cobra.Command {
	auth := &cobra.Command{
		Use:   "auth",
		Short: "Manage the model-provider login used by the gateway",
	}
	auth.AddCommand(newAuthLoginCommand(env, flags), newAuthStatusCommand(env, flags))
	return auth
}

// oauthConfig overlays configured endpoints on the built-in defaults.
func oauthConfig(c configstore.OAuthConfig) token.OAuthConfig {
	cfg := token.DefaultOAuthConfig()
	if c.ClientID != "" {
		cfg.ClientID = c.ClientID
	}
	if c.AuthorizeURL != "" {
		cfg.AuthorizeURL = c.AuthorizeURL
	}
	if c.TokenURL != "" {
		cfg.TokenURL = c.TokenURL
	}
	if c.RedirectURI != "" {
		cfg.RedirectURI = c.RedirectURI
	}
	if len(c.Scopes) > 0 {
		cfg.Scopes = c.Scopes
	}
	return cfg
}

func newAuthLoginCommand(env *environment, flags *globalFlags) *cobra.Command {
	var (
		noBrowser bool
		code      string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with OAuth (PKCE) and store the tokens for the gateway",
		Long: `login opens the authorization page, asks for the code shown after approval
and exchanges it for tokens. The tokens are written to the gateway's config
directory; restart the gateway to pick them up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, env, flags, true, false, func(ctx context.Context, a *app) error {
				cfg := oauthConfig(a.cfg.OAuth)
				pkce, err := token.GeneratePKCE()
				if err != nil {
					return err
				}
				u, err := token.BuildAuthorizeURL(cfg, pkce)
				if err != nil {
					return err
				}

				if code == "" {
					fmt.Fprintf(env.out, "Open this URL to authorize berth:\n\n  %s\n\n", u)
					if !noBrowser {
						if err := listen.OpenURL(ctx, a.exec, env.goos, u.String()); err != nil {
							a.logger.Debug("open browser failed", "event", "cli.auth.open.error", "error", err)
						}
					}
					code, err = prompt(env.in, env.out, "Paste the authorization code: ")
					if err != nil {
						return err
					}
				}

				authCode, state, err := token.ParseAuthorizationCode(code)
				if err != nil {
					return err
				}
				exchangeCtx, cancel := context.WithTimeout(ctx, time.Minute)
				defer cancel()
				tokens, err := token.Exchange(exchangeCtx, nil, cfg, authCode, state, pkce.Verifier)
				if err != nil {
					return err
				}
				path, err := token.WriteAuthProfile(a.dir.ConfigDir(), tokens, time.Now())
				if err != nil {
					return err
				}
				a.logger.Info("auth profile written", "event", "cli.auth.saved", "path", path)
				fmt.Fprintf(env.out, "Login saved to %s.\nRun 'berth restart' so the gateway picks it up.\n", path)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "print the authorization URL without opening a browser")
	cmd.Flags().StringVar(&code, "code", "", "authorization code (code#state); skips the prompt")
	return cmd
}

func newAuthStatusCommand(env *environment, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a login is stored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, env, flags, false, false, func(ctx context.Context, a *app) error {
				if a.dir.AuthConfigured() {
					fmt.Fprintf(env.out, "Logged in (%s).\n", a.dir.AuthProfilePath())
					return nil
				}
				fmt.Fprintln(env.out, "Not logged in. Run 'berth auth login'.")
				return nil
			})
		},
	}
}

func prompt(in io.Reader, out io.Writer, question string) (string, error) {
	fmt.Fprint(out, question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("no authorization code entered")
	}
	return line, nil
}
