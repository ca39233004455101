// Package auth provides HMAC-based API key authentication for the evaluator.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type contextKey string

const principalKey = contextKey("principal")

// lastUsedThrottle bounds last_used_at writes for busy keys.
const lastUsedThrottle = time.Minute

// Queries defines the database operations authentication needs.
// Implemented by *db.Queries.
type Queries interface {
	GetContext(ctx context.Context, name string, dest any, args ...any) error
	ExecContext(ctx context.Context, name string, args ...any) (sql.Result, error)
}

// Principal identifies the caller behind a verified API key.
type Principal struct {
	APIKeyID string
	Name     string
}

type apiKeyRow struct {
	APIKeyID   string         `db:"api_key_id"`
	Name       string         `db:"name"`
	RevokedAt  sql.NullString `db:"revoked_at"`
	LastUsedAt sql.NullString `db:"last_used_at"`
}

// Authenticator validates API keys against HMAC secrets held in memory
// and key hashes held in the database.
type Authenticator struct {
	secrets map[string][]byte
	queries Queries
	logger  *zap.Logger
	now     func() time.Time
}

// NewAuthenticator creates an authenticator. A nil logger is replaced with
// a no-op logger.
func NewAuthenticator(secrets map[string][]byte, queries Queries, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{secrets: secrets, queries: queries, logger: logger, now: time.Now}
}

// Authenticate validates apiKey and returns its principal.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (Principal, error) {
	secretID, _, err := ParseAPIKey(apiKey)
	if err != nil {
		return Principal{}, err
	}

	secret, ok := a.secrets[secretID]
	if !ok {
		return Principal{}, ErrUnknownKey
	}

	var row apiKeyRow
	err = a.queries.GetContext(ctx, "get-api-key-by-hash", &row, KeyHash(secret, apiKey))
	if errors.Is(err, sql.ErrNoRows) {
		return Principal{}, ErrInvalidKey
	}
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	if row.RevokedAt.Valid {
		return Principal{}, ErrKeyRevoked
	}

	if a.shouldUpdateLastUsed(row.LastUsedAt) {
		if _, err := a.queries.ExecContext(ctx, "update-last-used", a.timestamp(), row.APIKeyID); err != nil {
			a.logger.Warn("failed to update last_used_at", zap.String("api_key_id", row.APIKeyID), zap.Error(err))
		}
	}

	return Principal{APIKeyID: row.APIKeyID, Name: row.Name}, nil
}

func (a *Authenticator) shouldUpdateLastUsed(lastUsed sql.NullString) bool {
	if !lastUsed.Valid {
		return true
	}
	t, err := time.Parse(time.RFC3339Nano, lastUsed.String)
	if err != nil {
		return true
	}
	return a.now().Sub(t) > lastUsedThrottle
}

func (a *Authenticator) timestamp() string {
	return a.now().UTC().Format(time.RFC3339Nano)
}

// IssueKey generates a key under secretID, stores its hash and returns the
// plaintext key. The plaintext is not recoverable afterwards.
func (a *Authenticator) IssueKey(ctx context.Context, name, secretID string) (key string, id string, err error) {
	secret, ok := a.secrets[secretID]
	if !ok {
		return "", "", ErrUnknownKey
	}
	key, err = GenerateAPIKey(secretID)
	if err != nil {
		return "", "", err
	}
	id = uuid.Must(uuid.NewV7()).String()
	if _, err := a.queries.ExecContext(ctx, "insert-api-key", id, name, KeyHash(secret, key), secretID, a.timestamp()); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return key, id, nil
}

// RevokeKey marks the key revoked. Revoking twice is a no-op.
func (a *Authenticator) RevokeKey(ctx context.Context, apiKeyID string) error {
	if _, err := a.queries.ExecContext(ctx, "revoke-api-key", a.timestamp(), apiKeyID); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return nil
}

// UnaryInterceptor authenticates every unary call, except those on the
// health service, from the x-api-key metadata entry.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if isHealthMethod(info.FullMethod) {
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

		principal, err := a.Authenticate(ctx, apiKeys[0])
		switch {
		case err == nil:
		case errors.Is(err, ErrKeyRevoked):
			return nil, status.Error(codes.PermissionDenied, err.Error())
		case errors.Is(err, ErrDatabase):
			return nil, status.Error(codes.Unavailable, err.Error())
		default:
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}

		return handler(context.WithValue(ctx, principalKey, principal), req)
	}
}

func isHealthMethod(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, "/grpc.health.v1.Health/")
}

// PrincipalFromContext returns the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
