package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	oauth "github.com/haileyok/skyauth"
	"github.com/haileyok/skyauth/internal/config"
	"github.com/haileyok/skyauth/session"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

func main() {
	app := &cli.App{
		Name:    "skyauth",
		Usage:   "log in to a bluesky/atproto account from the terminal",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the config file",
				EnvVars: []string{"SKYAUTH_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "service",
				Usage:   "service used to resolve handles and for app password logins",
				EnvVars: []string{"SKYAUTH_SERVICE"},
			},
			&cli.StringFlag{
				Name:    "session-dir",
				Usage:   "directory the session is saved in",
				EnvVars: []string{"SKYAUTH_SESSION_DIR"},
			},
			&cli.StringFlag{
				Name:    "session-backend",
				Usage:   "file or sqlite",
				EnvVars: []string{"SKYAUTH_SESSION_BACKEND"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				EnvVars: []string{"SKYAUTH_LOG_LEVEL"},
			},
		},
		Before: setup,
		Commands: []*cli.Command{
			runLogin,
			runLogout,
			runStatus,
			runKeygen,
		},
	}

	app.RunAndExitOnError()
}

type appCtx struct {
	cfg    *config.Config
	logger *slog.Logger
}

func setup(cmd *cli.Context) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	path := cmd.String("config")
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	if v := cmd.String("service"); v != "" {
		cfg.Service = v
	}
	if v := cmd.String("session-dir"); v != "" {
		cfg.SessionDir = v
	}
	if v := cmd.String("session-backend"); v != "" {
		cfg.SessionBackend = v
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	cmd.App.Metadata = map[string]any{"app": &appCtx{cfg: cfg, logger: logger}}

	return nil
}

func getAppCtx(cmd *cli.Context) *appCtx {
	return cmd.App.Metadata["app"].(*appCtx)
}

// newAuthenticator returns a closer for the session store. The sqlite store holds the db open.
func newAuthenticator(cmd *cli.Context) (*oauth.Authenticator, func(), error) {
	a := getAppCtx(cmd)

	var store session.Store
	closer := func() {}

	switch a.cfg.SessionBackend {
	case config.BackendSqlite:
		s, err := session.NewSQLStore(a.cfg.SessionDir, a.logger)
		if err != nil {
			return nil, nil, err
		}
		store = s
		closer = func() {
			if err := s.Close(); err != nil {
				a.logger.Warn("failed to close session db", "error", err)
			}
		}
	default:
		store = session.NewFileStore(a.cfg.SessionDir, a.logger)
	}

	client, err := oauth.NewClient(oauth.ClientArgs{
		Logger:       a.logger,
		Service:      a.cfg.Service,
		PlcDirectory: a.cfg.PlcDirectory,
		ClientId:     a.cfg.ClientId,
		Scope:        a.cfg.Scope,
	})
	if err != nil {
		closer()
		return nil, nil, err
	}

	auth, err := oauth.NewAuthenticator(oauth.AuthenticatorArgs{
		Client:          client,
		Store:           store,
		Logger:          a.logger,
		CallbackAddr:    a.cfg.CallbackAddr,
		CallbackTimeout: a.cfg.CallbackTimeout,
		OnTransition: func(from, to oauth.State, err error) {
			if err == nil {
				fmt.Fprintf(os.Stderr, "%s...\n", to)
			}
		},
		OnAuthorizeUrl: func(u string) {
			fmt.Fprintf(os.Stderr, "\nopen this url to authorize skyauth:\n\n  %s\n\n", u)
		},
	})
	if err != nil {
		closer()
		return nil, nil, err
	}

	return auth, closer, nil
}

func signalContext(cmd *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context, os.Interrupt, syscall.SIGTERM)
}

var runLogin = &cli.Command{
	Name:  "login",
	Usage: "log in with oauth in the browser, or with an app password",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "handle",
			Usage:   "handle or did to log in as",
			EnvVars: []string{"SKYAUTH_HANDLE"},
		},
		&cli.BoolFlag{
			Name:  "app-password",
			Usage: "use an app password instead of oauth",
		},
		&cli.StringFlag{
			Name:    "password",
			Usage:   "app password, read from stdin when not set",
			EnvVars: []string{"SKYAUTH_APP_PASSWORD"},
		},
	},
	Action: func(cmd *cli.Context) error {
		a := getAppCtx(cmd)

		auth, closer, err := newAuthenticator(cmd)
		if err != nil {
			return err
		}
		defer closer()

		handle := loginHandle(cmd.String("handle"), a.cfg.DefaultHandle, auth.LastHandle)
		if handle == "" {
			return fmt.Errorf("no handle given, use --handle or set default_handle in the config")
		}

		ctx, cancel := signalContext(cmd)
		defer cancel()

		var sess *oauth.Session
		if cmd.Bool("app-password") || a.cfg.PreferAppPassword {
			password := cmd.String("password")
			if password == "" {
				password, err = readPassword(os.Stdin)
				if err != nil {
					return err
				}
			}
			sess, err = auth.LoginAppPassword(ctx, handle, password)
		} else {
			sess, err = auth.Login(ctx, handle)
		}
		if err != nil {
			return err
		}

		fmt.Printf("logged in as %s (%s)\n", sess.Handle, sess.Did)
		if !cmd.Bool("app-password") && !a.cfg.PreferAppPassword {
			fmt.Println("note: oauth sessions are bound to a key that is not saved, so they can't be restored by later runs")
		}

		return nil
	},
}

// loginHandle picks the flag, then the configured default, then the handle of the saved session.
func loginHandle(flagHandle, defaultHandle string, lastHandle func() string) string {
	if flagHandle != "" {
		return flagHandle
	}
	if defaultHandle != "" {
		return defaultHandle
	}
	return lastHandle()
}

// readPassword reads without echo from a terminal, or a single line from anything else.
func readPassword(in *os.File) (string, error) {
	var line string

	if fd := int(in.Fd()); term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "app password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read app password: %w", err)
		}
		line = string(b)
	} else {
		l, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && l == "" {
			return "", fmt.Errorf("failed to read app password: %w", err)
		}
		line = l
	}

	password := strings.TrimSpace(line)
	if password == "" {
		return "", fmt.Errorf("empty app password")
	}

	return password, nil
}

var runLogout = &cli.Command{
	Name:  "logout",
	Usage: "remove the saved session",
	Action: func(cmd *cli.Context) error {
		auth, closer, err := newAuthenticator(cmd)
		if err != nil {
			return err
		}
		defer closer()

		if err := auth.Logout(); err != nil {
			return err
		}

		fmt.Println("logged out")

		return nil
	},
}

var runStatus = &cli.Command{
	Name:  "status",
	Usage: "check whether the saved session is still valid",
	Action: func(cmd *cli.Context) error {
		auth, closer, err := newAuthenticator(cmd)
		if err != nil {
			return err
		}
		defer closer()

		ctx, cancel := signalContext(cmd)
		defer cancel()

		sess, ok := auth.Restore(ctx)
		if !ok {
			fmt.Println("not logged in")
			if h := auth.LastHandle(); h != "" {
				fmt.Printf("the saved session for %s was rejected; oauth sessions can't be restored, run login again\n", h)
			}
			return nil
		}

		fmt.Printf("logged in as %s (%s) on %s\n", sess.Handle, sess.Did, sess.PdsUrl)

		return nil
	},
}

var runKeygen = &cli.Command{
	Name:  "keygen",
	Usage: "generate a throwaway dpop key and print its public jwk and thumbprint",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "prefix",
			Usage: "prefix for the printed kid",
		},
	},
	Action: func(cmd *cli.Context) error {
		key, err := oauth.GenerateKeyMaterial()
		if err != nil {
			return err
		}

		pub := key.PublicJWK()
		kid := fmt.Sprintf("%d", time.Now().Unix())
		if prefix := cmd.String("prefix"); prefix != "" {
			kid = fmt.Sprintf("%s-%s", prefix, kid)
		}
		pub["kid"] = kid

		b, err := json.MarshalIndent(pub, "", "  ")
		if err != nil {
			return err
		}

		fmt.Println(string(b))
		fmt.Printf("thumbprint: %s\n", key.Thumbprint())

		return nil
	},
}
