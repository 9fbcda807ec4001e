package progress

import (
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"golang.org/x/term"
)

// Reporter shows what a long sync step is doing
type Reporter interface {
	// Update replaces the current status line, starting the reporter if needed
	Update(status string)
	// Stop clears the status line
	Stop()
}

// Nop discards progress updates
type Nop struct{}

func (Nop) Update(string) {}
func (Nop) Stop()         {}

// Spinner renders progress as a terminal spinner
type Spinner struct {
	s *spinner.Spinner
}

// NewSpinner creates a spinner writing to w
func NewSpinner(w io.Writer) *Spinner {
	return newSpinner(spinner.WithWriter(w))
}

// fileSpinner writes to f and checks f, not stdout, for a terminal
func fileSpinner(f *os.File) *Spinner {
	return newSpinner(spinner.WithWriterFile(f))
}

func newSpinner(opt spinner.Option) *Spinner {
	return &Spinner{s: spinner.New(spinner.CharSets[14], 100*time.Millisecond, opt)}
}

func (p *Spinner) Update(status string) {
	p.s.Lock()
	p.s.Suffix = " " + status
	p.s.Unlock()
	if !p.s.Active() {
		p.s.Start()
	}
}

func (p *Spinner) Stop() {
	p.s.Stop()
}

// ForTerminal returns a Spinner on f when f is a terminal, otherwise Nop
func ForTerminal(f *os.File) Reporter {
	if f == nil || !term.IsTerminal(int(f.Fd())) {
		return Nop{}
	}
	return fileSpinner(f)
}
