package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	OperationAdded Type = iota + 1
	DownloadProgress
	ScanProgress
	BulkProgress
	OperationCompleted
)

var typeNames = [...]string{
	OperationAdded:     "OperationAdded",
	DownloadProgress:   "DownloadProgress",
	ScanProgress:       "ScanProgress",
	BulkProgress:       "BulkProgress",
	OperationCompleted: "OperationCompleted",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Reason says how an operation ended.
type Reason int

const (
	Completed Reason = iota + 1
	Canceled
	Failed
)

var reasonNames = [...]string{
	Completed: "completed",
	Canceled:  "canceled",
	Failed:    "failed",
}

func (r Reason) String() string {
	if r > 0 && int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return "unknown"
}

// Event is one notification relayed by the queue. Which fields are set
// depends on Type:
//
//	OperationAdded      Kind, Path, and the totals known so far: Max and
//	                    BytesTotal (download size), BytesTotal and Count
//	                    (scan or bulk). Totals not yet known are zero and
//	                    arrive with the first progress event.
//	DownloadProgress    Path, Min, Max, Current
//	ScanProgress        Path, BytesTotal, Index, Count
//	BulkProgress        Path (current file), Max, Current, Index, Count,
//	                    BytesDone, BytesTotal
//	OperationCompleted  Kind, Reason, Error
type Event struct {
	Type      Type
	Timestamp time.Time
	ID        string
	Kind      string
	Path      string

	Min     int64
	Max     int64
	Current int64

	Index      int64
	Count      int64
	BytesDone  int64
	BytesTotal int64

	Reason Reason
	Error  error
}
