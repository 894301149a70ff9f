package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand(os.Stdout, os.Stderr)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hannibal:", err)
	}
	stop()
	os.Exit(exitCode(err))
}

// configError marks failures caused by flags, env or the pipeline definition.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }

func (e *configError) Unwrap() error { return e.err }

func invalidConfig(err error) error {
	if err == nil {
		return nil
	}
	var ce *configError
	if errors.As(err, &ce) {
		return err
	}
	return &configError{err: err}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *configError
	if errors.As(err, &ce) {
		return 2
	}
	return 1
}
