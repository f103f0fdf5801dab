package remote

import "errors"

// Error kinds surfaced by remote-store implementations. Callers classify
// with the Is* helpers; wrapped causes stay inspectable via errors.Is.
var (
	// ErrTransient marks connectivity-class failures worth retrying.
	ErrTransient = errors.New("transient network error")
	// ErrPermissionDenied marks rejected operations (e.g. editing another
	// sender's message). Never retried.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNotFound marks operations on documents that no longer exist,
	// such as editing an already-deleted message. Never retried.
	ErrNotFound = errors.New("not found")
	// ErrSerialization marks undecodable stored data. Cache readers treat
	// it as a miss rather than a fatal condition.
	ErrSerialization = errors.New("serialization error")
)

func IsTransient(err error) bool        { return errors.Is(err, ErrTransient) }
func IsPermissionDenied(err error) bool { return errors.Is(err, ErrPermissionDenied) }
func IsNotFound(err error) bool         { return errors.Is(err, ErrNotFound) }
func IsSerialization(err error) bool    { return errors.Is(err, ErrSerialization) }

// Retryable reports whether a retry coordinator may re-attempt the failed
// operation. Unknown errors (timeouts, closed connections) default to
// retryable; only explicit rejections are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermissionDenied(err) && !IsNotFound(err) && !IsSerialization(err)
}
