package domain

import (
	"errors"
	"fmt"
	"strconv"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a failed page request. Retriable ones are transient fetch errors.
type NetworkError struct {
	Op        string // Operation that failed (e.g., "fetch page 3", "post webhook")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// FetchError is fatal for the whole cycle: a page exhausted its retries,
// failed permanently, or disagreed on the page count
type FetchError struct {
	Page     int
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return "fetch page " + strconv.Itoa(e.Page) + " failed after " + strconv.Itoa(e.Attempts) + " attempt(s): " + e.Err.Error()
}

func (e *FetchError) IsRetriable() bool {
	return false
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// DecodeError is a per-record metadata decode failure. The record is dropped.
type DecodeError struct {
	ListingID string
	Err       error
}

func (e *DecodeError) Error() string {
	return "decode listing " + e.ListingID + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// PersistenceError is a failed durable write. The cycle's commit is rolled back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return "persistence [" + e.Op + "]: " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// AuthError rejects a request with a missing, invalid or insufficiently privileged key
type AuthError struct {
	Reason       string
	Insufficient bool // Key is valid but not elevated
}

func (e *AuthError) Error() string {
	return e.Reason
}

// ValidationError rejects a request with a malformed or out-of-range parameter
type ValidationError struct {
	Param  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid parameter %q: %s", e.Param, e.Reason)
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrPageCountMismatch is returned when a page reports a different total than page 0
	ErrPageCountMismatch = errors.New("page count mismatch")

	// ErrRemoteUnsuccessful is returned when the remote answers with success=false
	ErrRemoteUnsuccessful = errors.New("remote reported an unsuccessful response")

	// ErrDecodeStorm is returned when too many records of a cycle fail to decode
	ErrDecodeStorm = errors.New("decode failure ratio exceeded")

	// ErrCycleInProgress is returned when a cycle is requested while another is running
	ErrCycleInProgress = errors.New("fetch cycle already in progress")

	// ErrFeatureDisabled is returned by endpoints whose feature flag is off
	ErrFeatureDisabled = errors.New("feature not enabled")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
