package operation

import (
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultTempSuffix    = ".filepart"
	DefaultFutureTimeout = 5 * time.Second
	DefaultChunkSize     = 32 * 1024
)

// TransferOptions controls how a single file lands on local disk.
type TransferOptions struct {
	// TempSuffix is appended to the final path while data is in flight.
	TempSuffix string
	// Overwrite allows replacing an existing target.
	Overwrite bool
	// ReserveSpace preallocates the full size before the first read.
	ReserveSpace bool
	// TryContinue adopts an existing temp file no larger than the remote
	// file and resumes from its end.
	TryContinue bool
	// InheritPermissions applies the remote permission bits on finalize.
	InheritPermissions bool
	// CleanupOnFailure removes the temp file when the transfer fails or is
	// canceled.
	CleanupOnFailure bool
	// Permissions, when set, is applied on finalize and wins over
	// InheritPermissions.
	Permissions *fs.FileMode
	// FutureTimeout bounds every wait on a remote call.
	FutureTimeout time.Duration
	// ChunkSize is the size of one read per Work call.
	ChunkSize int
	// Limiter throttles reads. It may be shared by many downloads.
	Limiter *rate.Limiter
	// Temps, when set, tracks temp files while they exist.
	Temps *TempRegistry
}

// DefaultTransferOptions returns the options used when nothing is set.
func DefaultTransferOptions() TransferOptions {
	return TransferOptions{
		TempSuffix:       DefaultTempSuffix,
		CleanupOnFailure: true,
		FutureTimeout:    DefaultFutureTimeout,
		ChunkSize:        DefaultChunkSize,
	}
}

func (o TransferOptions) withDefaults() TransferOptions {
	if o.TempSuffix == "" {
		o.TempSuffix = DefaultTempSuffix
	}
	if o.FutureTimeout <= 0 {
		o.FutureTimeout = DefaultFutureTimeout
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	return o
}

// Set assigns the option named key from its string form. Unknown keys fail
// with CodeInvalidOptionsKey.
func (o *TransferOptions) Set(key, value string) error {
	key = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), "-", "_")

	var flag *bool
	switch key {
	case "temp_suffix":
		if value == "" {
			return newError(CodeInvalidOptionsKey, "", fmt.Errorf("%s must not be empty", key))
		}
		o.TempSuffix = value
		return nil
	case "overwrite":
		flag = &o.Overwrite
	case "reserve_space":
		flag = &o.ReserveSpace
	case "try_continue":
		flag = &o.TryContinue
	case "inherit_permissions":
		flag = &o.InheritPermissions
	case "cleanup_on_failure":
		flag = &o.CleanupOnFailure
	case "permissions":
		mode, err := strconv.ParseUint(value, 8, 32)
		if err != nil || mode > 0o7777 {
			return newError(CodeInvalidOptionsKey, "", fmt.Errorf("%s: invalid mode %q", key, value))
		}
		m := fs.FileMode(mode)
		o.Permissions = &m
		return nil
	case "future_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return newError(CodeInvalidOptionsKey, "", fmt.Errorf("%s: %w", key, err))
		}
		o.FutureTimeout = d
		return nil
	case "chunk_size":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return newError(CodeInvalidOptionsKey, "", fmt.Errorf("%s: invalid size %q", key, value))
		}
		o.ChunkSize = n
		return nil
	default:
		return newError(CodeInvalidOptionsKey, "", fmt.Errorf("unknown option %q", key))
	}

	b, err := strconv.ParseBool(value)
	if err != nil {
		return newError(CodeInvalidOptionsKey, "", fmt.Errorf("%s: %w", key, err))
	}
	*flag = b
	return nil
}

// ParseOption applies a "key=value" string to o. A bare "key" sets a
// boolean option to true.
func (o *TransferOptions) ParseOption(kv string) error {
	key, value, ok := strings.Cut(kv, "=")
	if !ok {
		value = "true"
	}
	return o.Set(key, value)
}

// NewBWLimiter returns a limiter capping aggregate reads to bytesPerSec,
// or nil when bytesPerSec is not positive. The burst is at most 1 MiB so a
// full chunk passes without splitting.
func NewBWLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := 1 << 20
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}
