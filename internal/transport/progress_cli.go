package transport

import (
	"sync"
	"sync/atomic"

	"github.com/pterm/pterm"

	"github.com/oxcart/dvcs/internal/syncproto"
)

// CLIProgress renders push/pull progress as a terminal progress bar,
// satisfying syncproto.Progress. ObjectsPlanned may be called more than once
// as negotiation discovers more missing objects in stages (commits, then
// nodes, then blobs); the bar's total grows to match.
type CLIProgress struct {
	label string

	mu  sync.Mutex
	bar *pterm.ProgressbarPrinter

	bytesSent atomic.Int64
}

// NewCLIProgress returns a Progress that prints a live bar titled label.
func NewCLIProgress(label string) *CLIProgress {
	return &CLIProgress{label: label}
}

func (p *CLIProgress) ObjectsPlanned(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		bar, err := pterm.DefaultProgressbar.WithTotal(n).WithTitle(p.label).Start()
		if err != nil {
			return
		}
		p.bar = bar
		return
	}
	p.bar.Total += n
}

func (p *CLIProgress) ObjectTransferred(bytes int64) {
	p.bytesSent.Add(bytes)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		p.bar.Increment()
	}
}

// Finish stops the bar and reports the total bytes transferred, for the CLI
// to print a one-line summary after a push/pull completes.
func (p *CLIProgress) Finish() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		_, _ = p.bar.Stop()
	}
	return p.bytesSent.Load()
}

var _ syncproto.Progress = (*CLIProgress)(nil)
