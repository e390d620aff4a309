package archive

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"

	"github.com/pdtar/pdtar/internal/substrate"
)

// ProgressState is the pair reduced across ranks periodically: bytes
// transferred and items completed.
type ProgressState struct {
	BytesTransferred uint64
	ItemsCompleted   uint64
}

// progressAccumulator is the per-rank local counter the scheduler adds to
// as chunks complete; it is read (not reset) by the periodic reduction
// goroutine.
type progressAccumulator struct {
	bytes uint64
	items uint64
}

func (p *progressAccumulator) addBytes(n uint64) { atomic.AddUint64(&p.bytes, n) }
func (p *progressAccumulator) addItem()          { atomic.AddUint64(&p.items, 1) }
func (p *progressAccumulator) snapshot() ProgressState {
	return ProgressState{
		BytesTransferred: atomic.LoadUint64(&p.bytes),
		ItemsCompleted:   atomic.LoadUint64(&p.items),
	}
}

// printer prints one human-readable progress line per reduction period on
// the elected rank (rank 0). When rank 0's stdout is not a terminal (a
// log file, a CI pipe) it prints one unadorned line per period instead
// of a carriage-return-updated one.
type printer struct {
	logger   *log.Logger
	start    time.Time
	total    int64
	isTTY    bool
	lastLine bool
}

func newPrinter(logger *log.Logger, total int64) *printer {
	return &printer{
		logger: logger,
		start:  time.Now(),
		total:  total,
		isTTY:  isatty.IsTerminal(os.Stdout.Fd()),
	}
}

func (p *printer) print(state ProgressState, final bool) {
	elapsed := time.Since(p.start)
	var pct float64
	if p.total > 0 {
		pct = 100 * float64(state.BytesTransferred) / float64(p.total)
	}
	rate := float64(state.BytesTransferred) / max(elapsed.Seconds(), 0.001)
	var eta time.Duration
	if rate > 0 && p.total > int64(state.BytesTransferred) {
		eta = time.Duration(float64(p.total-int64(state.BytesTransferred))/rate) * time.Second
	}
	line := fmt.Sprintf("%.1f%% (%d/%d bytes, %d items), %.1f MiB/s, ETA %s",
		pct, state.BytesTransferred, p.total, state.ItemsCompleted, rate/(1<<20), eta.Round(time.Second))
	if final {
		line = fmt.Sprintf("done: %d bytes, %d items in %s (%.1f MiB/s)",
			state.BytesTransferred, state.ItemsCompleted, elapsed.Round(time.Millisecond), rate/(1<<20))
	}
	if p.isTTY && !final {
		fmt.Fprintf(os.Stdout, "\r%s", line)
	} else {
		p.logger.Println(line)
	}
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// runProgressLoop is the periodic reduction loop: every round it
// all-reduce-sums every rank's local accumulator and, on rank 0, prints
// the result. Work completes at different wall-clock times on different
// ranks (work-stealing drains ranks in an unpredictable order), so a
// round cannot simply stop once this rank's own work is done — every
// rank keeps calling the same sequence of collective operations, round
// after round, and a round only ends the loop once an AllTrue across all
// ranks agrees every rank's local work has finished. That keeps every
// rank entering and leaving each round together: no rank ever abandons a
// rendezvous mid-round the way independently self-cancelled per-rank
// timers would.
//
// localDone is closed by the caller once this rank's own chunk workers
// have returned (error or not); runProgressLoop still keeps
// participating in rounds afterward, on behalf of slower ranks, until
// the group-wide AllTrue says everyone is finished.
func runProgressLoop(ctx context.Context, c substrate.Collective, acc *progressAccumulator, localDone <-chan struct{}, opts Options, logOut io.Writer, total int64) error {
	logger := log.New(logOut, "", log.LstdFlags)
	p := newPrinter(logger, total)

	quiet := opts.TProgress <= 0
	interval := opts.TProgress
	if quiet {
		// Printing is disabled, but the group still needs a shared
		// cadence to discover when every rank is done; poll at a fixed
		// period instead of spinning.
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	done := false
	for {
		if done {
			select {
			case <-t.C:
			case <-ctx.Done():
				return wrapErr(ErrIO, -1, ctx.Err())
			}
		} else {
			select {
			case <-localDone:
				done = true
			case <-t.C:
			case <-ctx.Done():
				return wrapErr(ErrIO, -1, ctx.Err())
			}
		}

		local := acc.snapshot()
		bytesSum, err := c.AllReduceSumUint64(ctx, local.BytesTransferred)
		if err != nil {
			return wrapErr(ErrIO, -1, xerrors.Errorf("progress reduce bytes: %w", err))
		}
		itemsSum, err := c.AllReduceSumUint64(ctx, local.ItemsCompleted)
		if err != nil {
			return wrapErr(ErrIO, -1, xerrors.Errorf("progress reduce items: %w", err))
		}
		allDone, err := c.AllTrue(ctx, done)
		if err != nil {
			return wrapErr(ErrIO, -1, xerrors.Errorf("progress completion handshake: %w", err))
		}
		if c.Rank() == 0 && !quiet {
			p.print(ProgressState{BytesTransferred: bytesSum, ItemsCompleted: itemsSum}, false)
		}
		if allDone {
			return nil
		}
	}
}

// runWithProgress runs work (a rank's chunk worker pool) to completion
// while, if periodic progress printing is enabled, driving the
// coordinated progress loop above alongside it in a separate goroutine.
// Both are joined before returning, and work's own error takes priority
// over any progress-loop error.
func runWithProgress(ctx context.Context, c substrate.Collective, work func() error, acc *progressAccumulator, opts Options, logOut io.Writer, total int64) error {
	if opts.TProgress <= 0 {
		return work()
	}

	workDone := make(chan struct{})
	var workErr error
	go func() {
		defer close(workDone)
		workErr = work()
	}()

	loopErr := runProgressLoop(ctx, c, acc, workDone, opts, logOut, total)
	<-workDone
	if workErr != nil {
		return workErr
	}
	return loopErr
}

// openProgressLog opens opts.ProgressLogPath for appending, creating it
// if necessary.
func openProgressLog(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
}

// finalSummary prints the closing summary line: start/end timestamps,
// total elapsed time, total bytes, item count, aggregate rate.
func finalSummary(logger *log.Logger, start time.Time, state ProgressState) {
	elapsed := time.Since(start)
	rate := float64(state.BytesTransferred) / max(elapsed.Seconds(), 0.001) / (1 << 20)
	logger.Printf("start=%s end=%s elapsed=%s bytes=%d items=%d rate=%.1fMiB/s",
		start.Format(time.RFC3339), time.Now().Format(time.RFC3339), elapsed.Round(time.Millisecond),
		state.BytesTransferred, state.ItemsCompleted, rate)
}
