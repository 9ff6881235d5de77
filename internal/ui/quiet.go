package ui

import "github.com/bamsammich/ferry/internal/stats"

// quietPresenter consumes events but produces no output.
type quietPresenter struct {
	stats *stats.Collector
}

func (p *quietPresenter) Run(events <-chan Event) error {
	for range events {
		// The queue feeds the collector directly; nothing to display.
	}
	return nil
}

func (p *quietPresenter) Summary() string {
	return ""
}
