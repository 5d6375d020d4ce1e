package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigInvalidPath    = errors.New("config invalid path")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrStoreNotRunning     = errors.New("cache store not running")
	ErrStoreAlreadyRunning = errors.New("cache store already running")
	ErrCacheKeyEmpty       = errors.New("cache key empty")
	ErrCacheBackendUnknown = errors.New("cache backend unknown")
	ErrCacheUpdaterIsNil   = errors.New("cache updater is nil")
)

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrRequestFailed     = errors.New("request failed")
	ErrGatewayNotRunning = errors.New("gateway not running")
	ErrBreakerOpen       = errors.New("circuit breaker open")
	ErrPayloadMalformed  = errors.New("payload malformed")
)

var (
	ErrQueryDisabled   = errors.New("query disabled")
	ErrQueryKeyExists  = errors.New("query key already bound")
	ErrFetcherIsNil    = errors.New("fetcher is nil")
	ErrManagerStopped  = errors.New("query manager stopped")
	ErrFetchExhausted  = errors.New("fetch attempts exhausted")
	ErrSubscriberIsNil = errors.New("subscriber is nil")
)

var (
	ErrChannelNotRunning     = errors.New("channel not running")
	ErrChannelAlreadyRunning = errors.New("channel already running")
	ErrMalformedEvent        = errors.New("malformed event")
	ErrMutatorIsNil          = errors.New("mutator is nil")
	ErrNoTopics              = errors.New("no topics configured")
)

var (
	ErrSnapshotDisabled  = errors.New("snapshot store disabled")
	ErrSnapshotCorrupted = errors.New("snapshot corrupted")
)

var (
	ErrReconcileDisabled       = errors.New("reconcile is disabled")
	ErrReconcileScheduleEmpty  = errors.New("reconcile schedule is empty")
	ErrReconcileAlreadyRunning = errors.New("reconcile already running")
)

var (
	ErrMetricsDisabled       = errors.New("metrics manager is disabled")
	ErrMetricsNotRunning     = errors.New("metrics manager not running")
	ErrMetricsAlreadyRunning = errors.New("metrics manager already running")
)

var (
	ErrServiceIsRunning    = errors.New("service is running")
	ErrServiceIsNotRunning = errors.New("service is not running")
	ErrComponentNotFound   = errors.New("component not found")
)

// RequestError carries the HTTP status and raw body of a failed gateway
// call. It unwraps to ErrRequestFailed (or ErrUnauthorized for 401).
type RequestError struct {
	Status int
	Body   []byte
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed: HTTP %d", e.Status)
}

func (e *RequestError) Unwrap() error {
	if e.Status == 401 {
		return ErrUnauthorized
	}
	return ErrRequestFailed
}

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
