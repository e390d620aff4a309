// Package runctx provides the interrupt-to-cancellation wiring every
// pdtar subcommand runs under: a context cancelled on SIGINT/SIGTERM, and
// the oninterrupt registry for last-resort cleanup callbacks that must
// run even if the cancelled context's own cleanup path never gets there
// (e.g. because a blocked collective call never observes ctx.Done()).
package runctx

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pdtar/pdtar/internal/oninterrupt"
)

// InterruptibleContext returns a context cancelled on the first SIGINT or
// SIGTERM. After that first signal it stops relaying, so a later SIGTERM
// takes its default action and ends the process. SIGINT is also watched
// by the oninterrupt registry, which runs its callbacks and exits the
// process on the first SIGINT.
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}

// RegisterCleanup exposes the shared oninterrupt registry so subcommands
// can register cleanup that runs when SIGINT arrives, such as closing a
// remote coordinator connection. The registry exits the process right
// after running its callbacks; SIGTERM does not run them.
func RegisterCleanup(fn func()) {
	oninterrupt.Register(fn)
}
