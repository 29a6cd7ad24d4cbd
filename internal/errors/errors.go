package errors

import "errors"

// Store errors.
var (
	ErrNotFound         = errors.New("record not found")
	ErrSummaryImmutable = errors.New("compression summaries cannot be edited or regenerated")
	ErrEmptyCompression = errors.New("no messages to compress")
)

// Chat errors.
var (
	ErrWrongRole    = errors.New("message has the wrong role for this operation")
	ErrEmptyMessage = errors.New("message content is empty")
)

// Integrity errors.
var (
	ErrDecrypt          = errors.New("wrong passphrase or corrupted data")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrInvalidBackup    = errors.New("not a valid threadsync backup")
)

// Server/transport errors.
var (
	ErrServerUnavailable = errors.New("sync server unavailable")
	ErrAPIRequest        = errors.New("API request failed")
	ErrAPIResponse       = errors.New("unexpected API response")
	ErrUnauthorized      = errors.New("invalid or missing API token")
)

// Sync engine errors.
var (
	ErrSyncInProgress = errors.New("a sync is already in progress")
	ErrSyncNotReady   = errors.New("sync is disabled or not configured")
)
