package scap

import (
	"errors"
	"fmt"
)

// TransientFetchError marks an upstream failure worth retrying: server
// errors, rate-limit rejections, timeouts, dropped connections and bodies
// that could not be decoded.
type TransientFetchError struct {
	StatusCode int
	Err        error
}

func (e *TransientFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient fetch failure (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient fetch failure: %v", e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// RateLimited reports whether the upstream explicitly rejected the request
// for exceeding its quota.
func (e *TransientFetchError) RateLimited() bool {
	return e.StatusCode == 403 || e.StatusCode == 429
}

// RejectedRequestError is a client error the upstream will keep returning no
// matter how often the request is repeated.
type RejectedRequestError struct {
	StatusCode int
	Message    string
}

func (e *RejectedRequestError) Error() string {
	return fmt.Sprintf("upstream rejected request (status %d): %s", e.StatusCode, e.Message)
}

// PageFetchError is returned when a page could not be obtained, either
// because retries were exhausted or because the failure was not retryable.
type PageFetchError struct {
	Window     SyncWindow
	StartIndex int
	Attempts   int
	Err        error
}

func (e *PageFetchError) Error() string {
	return fmt.Sprintf("fetching %s at offset %d failed after %d attempt(s): %v", e.Window, e.StartIndex, e.Attempts, e.Err)
}

func (e *PageFetchError) Unwrap() error { return e.Err }

// ValidationError describes one record that failed structural checks. It is
// recovered from locally: the record is skipped and the rest of the page
// proceeds.
type ValidationError struct {
	Type EntityType
	// Key is empty when the record was too broken to yield one.
	Key string
	// Index is the record's position within its page.
	Index  int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	key := e.Key
	if key == "" {
		key = fmt.Sprintf("#%d", e.Index)
	}
	if e.Field != "" {
		return fmt.Sprintf("invalid %s record %s: %s: %s", e.Type, key, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s record %s: %s", e.Type, key, e.Reason)
}

// WriteError wraps a failed batch merge. The batch was rolled back in full.
type WriteError struct {
	Type  EntityType
	Count int
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing %d %s record(s): %v", e.Count, e.Type, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ConfigurationError is a fatal setup problem detected before any window is
// processed.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Stage names the orchestrator phase a window failed in.
type Stage string

const (
	StageFetch   Stage = "fetch"
	StageUpsert  Stage = "upsert"
	StageAdvance Stage = "advance"
)

// WindowFailedError terminates processing for one entity type. Windows that
// committed before it keep their checkpoints.
type WindowFailedError struct {
	Window SyncWindow
	Stage  Stage
	Err    error
}

func (e *WindowFailedError) Error() string {
	return fmt.Sprintf("window %s failed during %s: %v", e.Window, e.Stage, e.Err)
}

func (e *WindowFailedError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err carries a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
