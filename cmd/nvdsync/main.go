package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/nvdsync/internal/domain/scap"
)

// Process exit codes.
const (
	exitOK          = 0
	exitSyncFailed  = 1
	exitConfigError = 2
)

func main() {
	_, _ = maxprocs.Set()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, c := newRootCmd()
	err := root.ExecuteContext(ctx)
	c.close(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, red("error:"), err)
	}

	stop()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case scap.IsConfigurationError(err):
		return exitConfigError
	default:
		return exitSyncFailed
	}
}
