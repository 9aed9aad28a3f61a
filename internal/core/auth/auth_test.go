package auth

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/solatis/serverrules/internal/core/db"
	"github.com/solatis/serverrules/internal/types"
)

const testSecretID = "0123456789abcdef0123456789abcdef"

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	conn, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.MigrateUp(conn))
	q, err := db.LoadQueries(conn)
	require.NoError(t, err)

	secrets := map[string][]byte{testSecretID: []byte("testsecret1234567890abcdefghijklmnop")}
	return NewAuthenticator(secrets, q)
}

func TestParseAPIKey(t *testing.T) {
	random := strings.Repeat("ab", 32)
	tests := []struct {
		name string
		key  string
		ok   bool
	}{
		{"valid", FormatAPIKey(testSecretID, random), true},
		{"wrong prefix", "tk-v1-" + testSecretID + "-" + random, false},
		{"wrong version", "sr-v2-" + testSecretID + "-" + random, false},
		{"short secret id", "sr-v1-0123-" + random, false},
		{"short random", "sr-v1-" + testSecretID + "-abcd", false},
		{"uppercase hex", "sr-v1-" + strings.ToUpper(testSecretID) + "-" + random, false},
		{"extra part", "sr-v1-" + testSecretID + "-" + random + "-x", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secretID, data, err := ParseAPIKey(tt.key)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrInvalidKeyFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testSecretID, secretID)
			assert.Equal(t, random, data)
		})
	}
}

func TestGenerateAPIKey(t *testing.T) {
	a, err := GenerateAPIKey(testSecretID)
	require.NoError(t, err)
	b, err := GenerateAPIKey(testSecretID)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Len(t, a, 103)
	secretID, _, err := ParseAPIKey(a)
	require.NoError(t, err)
	assert.Equal(t, testSecretID, secretID)
}

func TestVerifyHMAC(t *testing.T) {
	secret := []byte("secret")
	h := ComputeHMAC(secret, "key")
	assert.True(t, VerifyHMAC(h, ComputeHMAC(secret, "key")))
	assert.False(t, VerifyHMAC(h, ComputeHMAC(secret, "other")))
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthenticator(t)

	issued, err := a.Issue(ctx, testSecretID, "p1", "router")
	require.NoError(t, err)

	t.Run("valid key", func(t *testing.T) {
		p, err := a.Authenticate(ctx, issued.Key)
		require.NoError(t, err)
		assert.Equal(t, types.PartitionKey("p1"), p)
	})

	t.Run("unknown secret", func(t *testing.T) {
		key := FormatAPIKey(strings.Repeat("f", 32), strings.Repeat("0", 64))
		_, err := a.Authenticate(ctx, key)
		assert.ErrorIs(t, err, ErrUnknownKey)
	})

	t.Run("never issued", func(t *testing.T) {
		key, err := GenerateAPIKey(testSecretID)
		require.NoError(t, err)
		_, err = a.Authenticate(ctx, key)
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("revoked", func(t *testing.T) {
		other, err := a.Issue(ctx, testSecretID, "p2", "archive")
		require.NoError(t, err)
		require.NoError(t, a.Revoke(ctx, other.ID))

		_, err = a.Authenticate(ctx, other.Key)
		assert.ErrorIs(t, err, ErrKeyRevoked)
		assert.ErrorIs(t, a.Revoke(ctx, other.ID), ErrKeyNotFound)
	})

	t.Run("issue rejects unknown secret and empty partition", func(t *testing.T) {
		_, err := a.Issue(ctx, strings.Repeat("f", 32), "p1", "x")
		assert.ErrorIs(t, err, ErrUnknownKey)
		_, err = a.Issue(ctx, testSecretID, "", "x")
		assert.Error(t, err)
	})
}

// fakeQueries counts writes and can fail every call.
type fakeQueries struct {
	lastUsed sql.NullTime
	err      error
	execs    int
}

func (f *fakeQueries) Get(_ context.Context, _ string, dest any, _ ...any) error {
	if f.err != nil {
		return f.err
	}
	row := dest.(*struct {
		APIKeyID   string             `db:"api_key_id"`
		Partition  types.PartitionKey `db:"partition_key"`
		RevokedAt  sql.NullTime       `db:"revoked_at"`
		LastUsedAt sql.NullTime       `db:"last_used_at"`
	})
	row.APIKeyID = "k1"
	row.Partition = "p1"
	row.LastUsedAt = f.lastUsed
	return nil
}

func (f *fakeQueries) Exec(context.Context, string, ...any) (sql.Result, error) {
	f.execs++
	return nil, f.err
}

func TestLastUsedThrottle(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	key, err := GenerateAPIKey(testSecretID)
	require.NoError(t, err)

	tests := []struct {
		name     string
		lastUsed sql.NullTime
		want     int
	}{
		{"never used", sql.NullTime{}, 1},
		{"recently used", sql.NullTime{Time: now.Add(-30 * time.Second), Valid: true}, 0},
		{"stale", sql.NullTime{Time: now.Add(-2 * time.Minute), Valid: true}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueries{lastUsed: tt.lastUsed}
			a := NewAuthenticator(map[string][]byte{testSecretID: []byte("s")}, q)
			a.now = func() time.Time { return now }

			_, err := a.Authenticate(context.Background(), key)
			require.NoError(t, err)
			assert.Equal(t, tt.want, q.execs)
		})
	}
}

func TestUnaryInterceptor(t *testing.T) {
	a := newTestAuthenticator(t)
	issued, err := a.Issue(context.Background(), testSecretID, "p1", "router")
	require.NoError(t, err)

	var seen types.PartitionKey
	handler := func(ctx context.Context, _ any) (any, error) {
		seen = PartitionFromContext(ctx)
		return "ok", nil
	}
	info := &grpc.UnaryServerInfo{FullMethod: "/serverrules.v1.Rules/Execute"}
	interceptor := a.UnaryInterceptor("/grpc.health.v1.Health/Check")

	withKey := func(key string) context.Context {
		return metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", key))
	}

	t.Run("valid key", func(t *testing.T) {
		resp, err := interceptor(withKey(issued.Key), nil, info, handler)
		require.NoError(t, err)
		assert.Equal(t, "ok", resp)
		assert.Equal(t, types.PartitionKey("p1"), seen)
	})

	t.Run("missing metadata", func(t *testing.T) {
		_, err := interceptor(context.Background(), nil, info, handler)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("missing key", func(t *testing.T) {
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("other", "x"))
		_, err := interceptor(ctx, nil, info, handler)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
		assert.Contains(t, err.Error(), ErrMissingKey.Error())
	})

	t.Run("malformed key", func(t *testing.T) {
		_, err := interceptor(withKey("nope"), nil, info, handler)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("public method", func(t *testing.T) {
		seen = "unset"
		_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, handler)
		require.NoError(t, err)
		assert.Equal(t, types.PartitionKey(""), seen)
	})

	t.Run("revoked", func(t *testing.T) {
		other, err := a.Issue(context.Background(), testSecretID, "p2", "x")
		require.NoError(t, err)
		require.NoError(t, a.Revoke(context.Background(), other.ID))
		_, err = interceptor(withKey(other.Key), nil, info, handler)
		assert.Equal(t, codes.PermissionDenied, status.Code(err))
	})

	t.Run("database unavailable", func(t *testing.T) {
		broken := NewAuthenticator(map[string][]byte{testSecretID: []byte("s")}, &fakeQueries{err: errors.New("connection refused")})
		_, err := broken.UnaryInterceptor()(withKey(issued.Key), nil, info, handler)
		assert.Equal(t, codes.Unavailable, status.Code(err))
	})
}
