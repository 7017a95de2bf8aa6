package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/validator"
)

var (
	errNotAcquired = errors.New("lock not acquired")
	errLost        = errors.New("lock ownership lost")
)

const defaultAuditInterval = 5 * time.Second

func newHoldCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hold <resource> [-- command [args...]]",
		Short: "Acquire a lock and hold it",
		Long: `Acquire a lock and hold it until interrupted, or while the given
command runs. The lock is released on exit.`,
		Args: cobra.MinimumNArgs(1),
		RunE: a.runHold,
	}
	cmd.Flags().Duration("audit-interval", defaultAuditInterval, "how often ownership is confirmed with the backend")
	return cmd
}

func newTryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "try <resource>",
		Short: "Make a single acquisition attempt and release immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acquired, token, err := a.probe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !acquired {
				fmt.Fprintln(cmd.OutOrStdout(), "acquired=false")
				return errNotAcquired
			}
			fmt.Fprintf(cmd.OutOrStdout(), "acquired=true token=%s\n", token)
			return nil
		},
	}
}

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check <resource>",
		Short: "Report whether a resource is currently locked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acquired, _, err := a.probe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "locked=%t\n", !acquired)
			return nil
		},
	}
}

// probe makes one attempt on resource and releases it right away.
func (a *app) probe(ctx context.Context, resource string) (bool, string, error) {
	l, err := lock.CreateAndWait(ctx, a.factory, resource, lock.WithTimeout(0))
	if err != nil {
		return false, "", err
	}
	acquired, token := l.Acquired(), l.Token()
	return acquired, token, l.Close()
}

func (a *app) runHold(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, err := lock.CreateAndWait(ctx, a.factory, args[0], a.createOptions(cmd)...)
	if err != nil {
		return err
	}
	defer l.Close()
	if !l.Acquired() {
		return errNotAcquired
	}
	fmt.Fprintf(cmd.OutOrStdout(), "acquired=true token=%s\n", l.Token())

	interval, _ := cmd.Flags().GetDuration("audit-interval")
	audit := validator.New(validator.ModeAutoHeal, interval, validator.WithLogger(a.log))
	audit.Track(l)
	auditCtx, cancelAudit := context.WithCancel(ctx)
	defer cancelAudit()
	go audit.Run(auditCtx)

	if len(args) > 1 {
		return a.runHeld(ctx, cmd, l, args[1:])
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.log.Info("latch: releasing", "key", l.Key())
			return nil
		case <-ticker.C:
			if !l.Acquired() {
				return errLost
			}
		}
	}
}

// runHeld runs argv while l is held. The child is killed if the lock is
// lost.
func (a *app) runHeld(ctx context.Context, cmd *cobra.Command, l lock.Lock, argv []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	child := exec.CommandContext(ctx, argv[0], argv[1:]...)
	child.Stdin = cmd.InOrStdin()
	child.Stdout = cmd.OutOrStdout()
	child.Stderr = cmd.ErrOrStderr()
	if err := child.Start(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- child.Wait() }()

	interval, _ := cmd.Flags().GetDuration("audit-interval")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			if !l.Acquired() {
				a.log.Error("latch: lock lost, stopping command", "key", l.Key())
				cancel()
				<-done
				return errLost
			}
		}
	}
}
