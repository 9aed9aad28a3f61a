// Package auth provides HMAC-based API key authentication for gRPC services.
//
// Each API key belongs to one partition. Requests authenticated with a key
// only see the rules of that partition.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/solatis/serverrules/internal/types"
)

// contextKey is a typed key for context values to avoid collisions.
type contextKey string

// partitionKey is the context key for the authenticated partition.
const partitionKey = contextKey("partition")

// Queries defines the database operations needed for authentication.
// Implemented by *db.Queries.
type Queries interface {
	Get(ctx context.Context, name string, dest any, args ...any) error
	Exec(ctx context.Context, name string, args ...any) (sql.Result, error)
}

// Authenticator validates API keys using HMAC-SHA256 signatures.
// Holds in-memory secret map for O(1) lookup and queries for key verification.
type Authenticator struct {
	secrets map[string][]byte
	queries Queries
	now     func() time.Time
}

// NewAuthenticator creates an authenticator with HMAC secrets and query interface.
func NewAuthenticator(secrets map[string][]byte, queries Queries) *Authenticator {
	return &Authenticator{
		secrets: secrets,
		queries: queries,
		now:     time.Now,
	}
}

// Authenticate validates an API key and returns the partition it belongs to.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (types.PartitionKey, error) {
	secretID, _, err := ParseAPIKey(apiKey)
	if err != nil {
		return "", err
	}

	secret, ok := a.secrets[secretID]
	if !ok {
		return "", ErrUnknownKey
	}

	var result struct {
		APIKeyID   string             `db:"api_key_id"`
		Partition  types.PartitionKey `db:"partition_key"`
		RevokedAt  sql.NullTime       `db:"revoked_at"`
		LastUsedAt sql.NullTime       `db:"last_used_at"`
	}

	// key_hash is unique, so at most one row matches
	err = a.queries.Get(ctx, "get-api-key-by-hash", &result, ComputeHMAC(secret, apiKey))
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidKey
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	if result.RevokedAt.Valid {
		return "", ErrKeyRevoked
	}

	// 1-minute throttle keeps busy clients from writing on every request
	if a.shouldUpdateLastUsed(result.LastUsedAt) {
		_, _ = a.queries.Exec(ctx, "update-last-used", a.now().UTC(), result.APIKeyID)
	}

	return result.Partition, nil
}

func (a *Authenticator) shouldUpdateLastUsed(lastUsed sql.NullTime) bool {
	if !lastUsed.Valid {
		return true
	}
	return a.now().Sub(lastUsed.Time) > time.Minute
}

// IssuedKey is a newly created API key. Key is only available at creation.
type IssuedKey struct {
	ID        string
	Key       string
	Partition types.PartitionKey
}

// Issue creates an API key for partition signed with the secret secretID.
func (a *Authenticator) Issue(ctx context.Context, secretID string, partition types.PartitionKey, name string) (IssuedKey, error) {
	secret, ok := a.secrets[secretID]
	if !ok {
		return IssuedKey{}, ErrUnknownKey
	}
	if partition == "" {
		return IssuedKey{}, errors.New("partition required")
	}

	key, err := GenerateAPIKey(secretID)
	if err != nil {
		return IssuedKey{}, err
	}
	id := uuid.Must(uuid.NewV7()).String()

	_, err = a.queries.Exec(ctx, "insert-api-key", id, partition, name, ComputeHMAC(secret, key), secretID, a.now().UTC())
	if err != nil {
		return IssuedKey{}, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return IssuedKey{ID: id, Key: key, Partition: partition}, nil
}

// Revoke marks an API key revoked. Revoking twice returns ErrKeyNotFound.
func (a *Authenticator) Revoke(ctx context.Context, apiKeyID string) error {
	res, err := a.queries.Exec(ctx, "revoke-api-key", a.now().UTC(), apiKeyID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// UnaryInterceptor returns gRPC interceptor that authenticates requests.
// Methods listed in public skip authentication (e.g. health checks).
func (a *Authenticator) UnaryInterceptor(public ...string) grpc.UnaryServerInterceptor {
	skip := make(map[string]bool, len(public))
	for _, m := range public {
		skip[m] = true
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if skip[info.FullMethod] {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		apiKeys := md.Get("x-api-key")
		if len(apiKeys) == 0 {
			return nil, status.Error(codes.Unauthenticated, ErrMissingKey.Error())
		}

		partition, err := a.Authenticate(ctx, apiKeys[0])
		switch {
		case errors.Is(err, ErrKeyRevoked):
			return nil, status.Error(codes.PermissionDenied, err.Error())
		case errors.Is(err, ErrDatabase):
			return nil, status.Error(codes.Unavailable, err.Error())
		case err != nil:
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}

		return handler(WithPartition(ctx, partition), req)
	}
}

// WithPartition returns ctx carrying the authenticated partition.
func WithPartition(ctx context.Context, p types.PartitionKey) context.Context {
	return context.WithValue(ctx, partitionKey, p)
}

// PartitionFromContext extracts the authenticated partition.
// Returns empty string if not found.
func PartitionFromContext(ctx context.Context) types.PartitionKey {
	if p, ok := ctx.Value(partitionKey).(types.PartitionKey); ok {
		return p
	}
	return ""
}
