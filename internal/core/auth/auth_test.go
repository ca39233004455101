package auth

import (
	"context"
	"database/sql"
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

	"github.com/solatis/rulekeeper/internal/core/db"
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

	secrets := map[string][]byte{testSecretID: []byte("0123456789abcdef0123456789abcdef")}
	return NewAuthenticator(secrets, q, nil)
}

func TestParseAPIKey(t *testing.T) {
	random := strings.Repeat("ab", 32)
	secretID, data, err := ParseAPIKey(FormatAPIKey(testSecretID, random))
	require.NoError(t, err)
	assert.Equal(t, testSecretID, secretID)
	assert.Equal(t, random, data)

	invalid := []string{
		"",
		"rk-v1-" + testSecretID,
		"tk-v1-" + testSecretID + "-" + random,
		"rk-v2-" + testSecretID + "-" + random,
		"rk-v1-short-" + random,
		"rk-v1-" + testSecretID + "-" + strings.Repeat("AB", 32),
		"rk-v1-" + testSecretID + "-" + random + "-extra",
	}
	for _, key := range invalid {
		_, _, err := ParseAPIKey(key)
		assert.ErrorIs(t, err, ErrInvalidKeyFormat, key)
	}
}

func TestGenerateAPIKey(t *testing.T) {
	k1, err := GenerateAPIKey(testSecretID)
	require.NoError(t, err)
	k2, err := GenerateAPIKey(testSecretID)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
	assert.Len(t, k1, len("rk-v1-")+32+1+64)
}

func TestVerifyHMAC(t *testing.T) {
	secret := []byte("secret")
	a := ComputeHMAC(secret, "key")
	assert.True(t, VerifyHMAC(a, ComputeHMAC(secret, "key")))
	assert.False(t, VerifyHMAC(a, ComputeHMAC(secret, "other")))
	assert.Len(t, KeyHash(secret, "key"), 64)
}

func TestAuthenticate(t *testing.T) {
	a := newTestAuthenticator(t)
	ctx := context.Background()

	key, id, err := a.IssueKey(ctx, "ci", testSecretID)
	require.NoError(t, err)

	p, err := a.Authenticate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Principal{APIKeyID: id, Name: "ci"}, p)

	t.Run("unknown secret id", func(t *testing.T) {
		other, err := GenerateAPIKey("fedcba9876543210fedcba9876543210")
		require.NoError(t, err)
		_, err = a.Authenticate(ctx, other)
		assert.ErrorIs(t, err, ErrUnknownKey)
	})

	t.Run("unissued key", func(t *testing.T) {
		forged, err := GenerateAPIKey(testSecretID)
		require.NoError(t, err)
		_, err = a.Authenticate(ctx, forged)
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("revoked key", func(t *testing.T) {
		require.NoError(t, a.RevokeKey(ctx, id))
		require.NoError(t, a.RevokeKey(ctx, id))
		_, err := a.Authenticate(ctx, key)
		assert.ErrorIs(t, err, ErrKeyRevoked)
	})
}

func TestShouldUpdateLastUsed(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a := &Authenticator{now: func() time.Time { return now }}

	assert.True(t, a.shouldUpdateLastUsed(nullString("")))
	assert.False(t, a.shouldUpdateLastUsed(nullString(now.Add(-30*time.Second).Format(time.RFC3339Nano))))
	assert.True(t, a.shouldUpdateLastUsed(nullString(now.Add(-2*time.Minute).Format(time.RFC3339Nano))))
}

func TestUnaryInterceptor(t *testing.T) {
	a := newTestAuthenticator(t)
	key, id, err := a.IssueKey(context.Background(), "svc", testSecretID)
	require.NoError(t, err)

	interceptor := a.UnaryInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/rulekeeper.evaluator.v1.Evaluator/Evaluate"}
	handler := func(ctx context.Context, req any) (any, error) {
		p, ok := PrincipalFromContext(ctx)
		if !ok {
			return nil, status.Error(codes.Internal, "no principal")
		}
		return p.APIKeyID, nil
	}

	call := func(md metadata.MD) (any, error) {
		ctx := context.Background()
		if md != nil {
			ctx = metadata.NewIncomingContext(ctx, md)
		}
		return interceptor(ctx, nil, info, handler)
	}

	got, err := call(metadata.Pairs("x-api-key", key))
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = call(nil)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = call(metadata.Pairs("other", "x"))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = call(metadata.Pairs("x-api-key", "garbage"))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	require.NoError(t, a.RevokeKey(context.Background(), id))
	_, err = call(metadata.Pairs("x-api-key", key))
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	health := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	_, err = interceptor(context.Background(), nil, health, func(context.Context, any) (any, error) { return "ok", nil })
	assert.NoError(t, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
