package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	sserr "github.com/StricklySoft/stricklysoft-rolesync/pkg/errors"
)

// Exit codes.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
	// ExitCodeConfig means the configuration could not be loaded or is
	// invalid.
	ExitCodeConfig = 2
	// ExitCodeUnauthorized means a session token was rejected.
	ExitCodeUnauthorized = 3
)

type rootOptions struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rolesyncd",
		Short: "Verify session tokens and record authoritative marketplace roles",
		Long: `rolesyncd verifies identity provider session tokens and writes the
caller's role into the provider's verified metadata, optionally mirroring
it into Postgres.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(opts.stdout)
	cmd.SetErr(opts.stderr)
	cmd.SetVersionTemplate(`{{printf "rolesyncd version %s\n" .Version}}`)
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"YAML or JSON config file (environment variables take precedence)")

	cmd.AddCommand(
		newServeCmd(opts),
		newKeysCmd(opts),
		newResolveCmd(opts),
	)
	return cmd
}

// execute runs the CLI and returns the process exit code.
func execute(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := &rootOptions{stdout: os.Stdout, stderr: os.Stderr}
	cmd := newRootCmd(opts)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(opts.stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return ExitCodeSuccess
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitCodeSuccess
	case sserr.IsConfig(err):
		return ExitCodeConfig
	case sserr.IsUnauthorized(err):
		return ExitCodeUnauthorized
	default:
		return ExitCodeError
	}
}
