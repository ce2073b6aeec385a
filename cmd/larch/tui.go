package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/larchsync/larch/internal/copier"
)

// runWithProgress runs cp.CopyAll to completion, showing a bubbletea
// progress bar when stdout is a terminal and plain log lines otherwise.
// Grounded on pepperpark-gomap/cmd/gomap/tui.go's model/tickMsg/EMA-rate
// structure, rewired from syncer.Event/MailboxSyncer to copier.Event/
// Copier and from a static mailbox list to the Copier's own running
// Counters snapshot.
func runWithProgress(ctx context.Context, cp *copier.Copier) []error {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return runPlain(ctx, cp)
	}
	m := newModel(ctx, cp)
	if _, err := tea.NewProgram(m).Run(); err != nil {
		fmt.Fprintln(os.Stderr, "tui failed, falling back to plain output:", err)
		return runPlain(ctx, cp)
	}
	return m.errs
}

// runPlain drains cp's Events channel into one log line per mailbox
// transition while CopyAll runs, for non-TTY/CI use.
func runPlain(ctx context.Context, cp *copier.Copier) []error {
	done := make(chan []error, 1)
	go func() { done <- cp.CopyAll(ctx) }()
	for ev := range cp.Events {
		switch ev.Type {
		case copier.EventMailboxStart:
			fmt.Printf("start %s\n", ev.Mailbox)
		case copier.EventMailboxDone:
			fmt.Printf("done  %s\n", ev.Mailbox)
		case copier.EventMailboxSkipped:
			fmt.Printf("skip  %s: %v\n", ev.Mailbox, ev.Err)
		}
	}
	return <-done
}

type tickMsg time.Time
type errsMsg []error

type model struct {
	ctx    context.Context
	cancel context.CancelFunc
	cp     *copier.Copier

	spinner spinner.Model
	bar     progress.Model
	errs    []error
	finished bool
	started  time.Time

	emaRate  float64
	lastDone int
	lastAt   time.Time
}

func newModel(ctx context.Context, cp *copier.Copier) *model {
	cctx, cancel := context.WithCancel(ctx)
	s := spinner.New()
	s.Spinner = spinner.Line
	bar := progress.New(progress.WithDefaultGradient())
	now := time.Now()
	return &model{ctx: cctx, cancel: cancel, cp: cp, spinner: s, bar: bar, started: now, lastAt: now}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick(), m.startCopy())
}

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *model) startCopy() tea.Cmd {
	return func() tea.Msg {
		errs := m.cp.CopyAll(m.ctx)
		return errsMsg(errs)
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.cancel()
			return m, tea.Quit
		}
	case errsMsg:
		m.errs = []error(msg)
		m.finished = true
		return m, tea.Quit
	case tickMsg:
		m.updateEMARate()
		return m, tea.Batch(m.spinner.Tick, tick())
	}
	return m, nil
}

func (m *model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")).Render("larch")
	s := title + "\n\nPress q to quit\n\n"
	c := m.cp.Counters()
	pct := 0.0
	if c.Total > 0 {
		pct = float64(c.Copied+c.Failed+c.Deleted) / float64(c.Total)
		if pct > 1 {
			pct = 1
		}
	}
	s += fmt.Sprintf("%s copied=%d failed=%d deleted=%d total=%d   %s\n",
		m.spinner.View(), c.Copied, c.Failed, c.Deleted, c.Total, m.formatETA(c))
	s += m.bar.ViewAs(pct) + "\n\n"
	if m.finished && len(m.errs) > 0 {
		s += lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Render("Errors:\n")
		for _, e := range m.errs {
			s += " - " + e.Error() + "\n"
		}
	}
	return s
}

func (m *model) formatETA(c copier.Counters) string {
	if c.Total == 0 {
		return "ETA --"
	}
	done := c.Copied + c.Failed
	remaining := c.Total - done
	if remaining <= 0 {
		return "ETA 0s"
	}
	rate := m.emaRate
	if rate <= 0.01 {
		elapsed := time.Since(m.started)
		if elapsed <= 0 {
			return "ETA --"
		}
		rate = float64(done) / elapsed.Seconds()
	}
	if rate <= 0.01 {
		return "ETA --"
	}
	secs := float64(remaining) / rate
	if secs < 1 {
		return "ETA <1s"
	}
	d := time.Duration(secs) * time.Second
	if d > 99*time.Hour {
		return "ETA >99h"
	}
	if d >= time.Hour {
		h := int(d / time.Hour)
		rem := d - time.Duration(h)*time.Hour
		return fmt.Sprintf("ETA %dh%dm", h, int(rem/time.Minute))
	}
	if d >= time.Minute {
		return fmt.Sprintf("ETA %dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("ETA %ds", int(d.Seconds()))
}

// updateEMARate tracks the copy+fail throughput with an exponential
// moving average (half-life 3s), the same smoothing the teacher's tui.go
// uses for its ETA estimate.
func (m *model) updateEMARate() {
	now := time.Now()
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	c := m.cp.Counters()
	done := c.Copied + c.Failed
	delta := done - m.lastDone
	inst := float64(delta) / dt
	halfLife := 3.0
	alpha := 1 - math.Exp(-math.Ln2*dt/halfLife)
	if m.emaRate == 0 {
		m.emaRate = inst
	} else {
		m.emaRate = alpha*inst + (1-alpha)*m.emaRate
	}
	m.lastDone = done
	m.lastAt = now
}
