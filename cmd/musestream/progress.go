package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/musestream/internal/groutine"
)

const progressUpdateInterval = 100 * time.Millisecond

// ProgressPrinter redraws "prefix (phase Ns)" on the current terminal line.
//
// Usage:
//
//	p := NewProgressPrinter(out, ...)
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use: Start at most once, Stop any number of
// times. With a zero countdown it shows elapsed seconds, otherwise the time
// remaining.
type ProgressPrinter struct {
	out       io.Writer
	prefix    string
	countdown time.Duration
	phase     atomic.Value // string

	startTime time.Time
	started   atomic.Bool
	stopOnce  sync.Once
	stopChan  chan struct{}
	done      chan struct{}
}

// NewProgressPrinter creates a printer writing to out
func NewProgressPrinter(out io.Writer, prefix, phase string, countdown time.Duration) *ProgressPrinter {
	p := &ProgressPrinter{
		out:       out,
		prefix:    prefix,
		countdown: countdown,
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	p.phase.Store(phase)
	return p
}

// Start begins displaying progress updates in a background goroutine.
// Panics if called more than once on the same ProgressPrinter instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	p.startTime = time.Now()
	p.print()

	groutine.Go(context.Background(), "progress-printer", func(ctx context.Context) {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.print()
			}
		}
	})
}

// SetPhase changes the phase shown on the next redraw. Safe from any goroutine.
func (p *ProgressPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
}

// Stop stops the display and clears the line. Safe to call multiple times.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		if p.started.Load() {
			<-p.done
			fmt.Fprint(p.out, clearLineSequence)
		}
	})
}

func (p *ProgressPrinter) print() {
	phase := p.phase.Load().(string)
	elapsed := time.Since(p.startTime)

	seconds := int(elapsed.Seconds())
	if p.countdown > 0 {
		// Round to the nearest second, e.g. 3.7s -> 4s
		seconds = int((p.countdown - elapsed).Seconds() + 0.5)
		if seconds < 0 {
			seconds = 0
		}
	}

	if seconds > 0 {
		fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, phase)
	}
}
