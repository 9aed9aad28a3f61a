package auth

import "errors"

// Authentication errors. UNAUTHENTICATED for missing/invalid keys (doesn't
// confirm key existence), PERMISSION_DENIED for revoked keys, UNAVAILABLE
// when the key store cannot be reached.
var (
	ErrMissingKey       = errors.New("API key required in x-api-key metadata")
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	ErrUnknownKey       = errors.New("unknown secret ID")
	ErrInvalidKey       = errors.New("invalid API key")
	ErrKeyRevoked       = errors.New("API key has been revoked")
	ErrKeyNotFound      = errors.New("API key not found")
	ErrDatabase         = errors.New("database error")
)
