package blockfile

import "github.com/cockroachdb/errors"

var (
	// ErrFormat is returned when a file header or its layout cannot be used.
	ErrFormat = errors.New("blockfile: invalid format")

	// ErrCorruptStore marks errors caused by on-disk structures that contradict
	// each other: broken chains, impossible lengths, journal records that do not
	// check out.
	ErrCorruptStore = errors.New("blockfile: corrupt store")

	// ErrRange is returned for positions that are unaligned, point at the header or
	// a bitfield, lie beyond the end of the file, or do not name a live record.
	ErrRange = errors.New("blockfile: position out of range")

	// ErrReadPastEnd is returned when a read asks for more bytes than the record holds.
	ErrReadPastEnd = errors.New("blockfile: read past end of record")

	// ErrRecordTooLarge is returned when a write would exceed the maximum record length.
	ErrRecordTooLarge = errors.New("blockfile: record too large")

	ErrTransactionActive     = errors.New("blockfile: transaction already active")
	ErrNoTransaction         = errors.New("blockfile: no transaction active")
	ErrWaitingForGroupCommit = errors.New("blockfile: waiting for group commit")
	ErrClosed                = errors.New("blockfile: file is closed")

	// ErrUnusable is returned once a journal write has failed. The file must be
	// closed and reopened, which rolls back the interrupted transaction.
	ErrUnusable = errors.New("blockfile: file is unusable")

	// errCrashSimulated is returned by group finalize when a test hook stops it.
	errCrashSimulated = errors.New("blockfile: simulated crash")
)

// corruptionErrorf formats an error and marks it as ErrCorruptStore.
func corruptionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruptStore)
}

// rangeErrorf formats an error and marks it as ErrRange.
func rangeErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrRange)
}

// errorKind names the class of err for statistics and metric attributes.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrCorruptStore):
		return "corrupt_store"
	case errors.Is(err, ErrFormat):
		return "format"
	case errors.Is(err, ErrRange):
		return "range"
	case errors.Is(err, ErrReadPastEnd):
		return "read_past_end"
	case errors.Is(err, ErrRecordTooLarge):
		return "record_too_large"
	case errors.Is(err, ErrTransactionActive), errors.Is(err, ErrNoTransaction):
		return "transaction_state"
	case errors.Is(err, ErrWaitingForGroupCommit):
		return "group_pending"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrUnusable):
		return "unusable"
	default:
		return "io"
	}
}
