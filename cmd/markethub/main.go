package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"markethub/internal/app"
	"markethub/internal/config"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var err error
	if len(os.Args) > 1 && os.Args[1] == "token" {
		err = runToken(os.Args[2:], os.Stdout)
	} else {
		err = run(os.Args[1:])
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run resolves configuration as file > environment > defaults and serves
// until SIGINT or SIGTERM.
func run(args []string) error {
	fs := flag.NewFlagSet("markethub", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("MARKETHUB_CONFIG_FILE"), "path to a JSON config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadConfigWithPrecedence(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := app.NewLogger(cfg.Log)

	application, err := app.NewApplication(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx, shutdownTimeout); err != nil {
		log.Error().Err(err).Msg("markethub exited with error")
		return err
	}
	return nil
}

// runToken prints a signed websocket token for a provisioned user.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("markethub token", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("MARKETHUB_CONFIG_FILE"), "path to a JSON config file")
	userID := fs.String("user", "", "id of the user the token is issued to")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return errors.New("-user is required")
	}

	cfg, err := config.LoadConfigWithPrecedence(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	token, err := app.IssueToken(context.Background(), cfg, *userID, *ttl, app.NewLogger(cfg.Log))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
