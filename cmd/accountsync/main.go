// Command accountsync exercises the account and profile synchronization
// subsystem from the terminal: sign in (password or browser), inspect the
// synchronized profile, and mutate movie lists.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cinephile/accountsync/internal/app"
	"github.com/cinephile/accountsync/internal/config"
	"github.com/cinephile/accountsync/pkg/logger"
)

const usage = `usage: accountsync <command> [flags]

commands:
  signup   -email -password              register an account and provision its profile
  signin   -email -password              password sign-in, prints the session
  google                                 browser sign-in with Google
  profile  -email -password              print the synchronized profile document
  add      -email -password -list -movie add a movie to a list
  remove   -email -password -list -movie remove a movie from a list
  lists    -email -password -movie       print the lists containing a movie
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	// Load configuration from environment variables.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize structured logger.
	log := logger.New("accountsync", cfg.LogLevel)

	application, err := app.NewApp(cfg, log)
	if err != nil {
		log.Error("failed to initialize application", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Cancel on SIGINT or SIGTERM so an abandoned browser flow releases
	// its loopback port.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = run(ctx, application, os.Args[1], os.Args[2:])

	if shutdownErr := application.Shutdown(context.Background()); shutdownErr != nil {
		log.Warn("shutdown error", slog.String("error", shutdownErr.Error()))
	}
	if err != nil {
		log.Error("command failed", slog.String("command", os.Args[1]), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, application *app.App, command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	list := fs.String("list", "", "list name")
	movie := fs.Int64("movie", 0, "movie id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch command {
	case "signup":
		if err := application.SignUp(ctx, *email, *password); err != nil {
			return err
		}
		return printSession(application)

	case "signin":
		if err := application.SignInWithPassword(ctx, *email, *password); err != nil {
			return err
		}
		return printSession(application)

	case "google":
		if err := application.SignInWithGoogle(ctx); err != nil {
			return err
		}
		return printSession(application)

	case "profile":
		if err := application.SignInWithPassword(ctx, *email, *password); err != nil {
			return err
		}
		return printJSON(application.Session().ProfileData())

	case "add":
		if err := application.SignInWithPassword(ctx, *email, *password); err != nil {
			return err
		}
		return application.Session().AddToList(ctx, *list, *movie)

	case "remove":
		if err := application.SignInWithPassword(ctx, *email, *password); err != nil {
			return err
		}
		return application.Session().RemoveFromList(ctx, *list, *movie)

	case "lists":
		if err := application.SignInWithPassword(ctx, *email, *password); err != nil {
			return err
		}
		return printJSON(application.Session().ListsForMovie(*movie))

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func printSession(application *app.App) error {
	return printJSON(application.Session().Current())
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
