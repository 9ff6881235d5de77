package ui

import "github.com/bamsammich/ferry/internal/event"

// Event is the queue notification consumed by presenters.
type Event = event.Event

// Re-export event types for convenience.
const (
	OperationAdded     = event.OperationAdded
	DownloadProgress   = event.DownloadProgress
	ScanProgress       = event.ScanProgress
	BulkProgress       = event.BulkProgress
	OperationCompleted = event.OperationCompleted
)
