package storagearea

import "errors"

var (
	// ErrInvalidArea is returned by New when the provider has no area with the given name.
	ErrInvalidArea = errors.New("invalid storage area")

	// ErrPermissionDenied fails readiness when the storage permission is not granted.
	ErrPermissionDenied = errors.New("storage permission not granted")

	// ErrPrimingFailed fails a priming fetch, wrapping the provider's error.
	ErrPrimingFailed = errors.New("unable to prime cache")

	// ErrNotSerializable is returned when a value can't be encoded as JSON. Nothing is changed.
	ErrNotSerializable = errors.New("value is not JSON serializable")

	ErrWriteFailed  = errors.New("unable to persist value")
	ErrRemoveFailed = errors.New("unable to remove keys")
	ErrClearFailed  = errors.New("unable to clear area")

	// ErrInvalidKey is returned by KeyOf for values that can't be used as keys.
	ErrInvalidKey = errors.New("invalid key")

	// ErrKeyNotFound is returned by Decode when the key is not in the cache.
	ErrKeyNotFound = errors.New("key not found in cache")

	// ErrDestroyed is returned by a cache that has been destroyed.
	ErrDestroyed = errors.New("cache has been destroyed")
)
