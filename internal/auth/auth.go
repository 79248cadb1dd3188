// Package auth authenticates two separate audiences against the same
// policy.Store: ingest callers present a bearer API key scoped to a set
// of priority levels, and dashboard operators log in with a username and
// bcrypt-hashed password. Ingest keys are stored as a SHA-256 hash of
// the bearer token; admin accounts are stored as bcrypt hashes.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/batchsched/inferq/internal/apierr"
	"github.com/batchsched/inferq/internal/policy"
)

var ErrInvalidCredentials = errors.New("auth: invalid credentials")

type Authenticator struct {
	Store *policy.Store
}

func NewAuthenticator(store *policy.Store) *Authenticator {
	return &Authenticator{Store: store}
}

// GenerateKey creates a new bearer key scoped to allowedLevels (a
// comma-separated list of priority levels, or "*" for every level) and
// persists its hash, returning the plaintext key exactly once.
func (a *Authenticator) GenerateKey(ctx context.Context, name, allowedLevels string) (string, policy.APIKeyRecord, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", policy.APIKeyRecord{}, err
	}
	key := "isk-" + hex.EncodeToString(raw)

	id := hex.EncodeToString(raw[:8])
	prefix := key[:8]

	hash := sha256.Sum256([]byte(key))
	hashedKey := hex.EncodeToString(hash[:])

	record := policy.APIKeyRecord{
		ID:            id,
		Name:          name,
		Prefix:        prefix,
		HashedKey:     hashedKey,
		CreatedAt:     time.Now(),
		AllowedLevels: strings.TrimSpace(allowedLevels),
	}

	if err := a.Store.CreateAPIKey(ctx, record); err != nil {
		return "", policy.APIKeyRecord{}, err
	}

	return key, record, nil
}

// AuthenticateKey resolves a bearer token to its API key record. Callers
// that also know the requested priority level should follow up with
// Allows.
func (a *Authenticator) AuthenticateKey(ctx context.Context, token string) (policy.APIKeyRecord, error) {
	hash := sha256.Sum256([]byte(token))
	hashedKey := hex.EncodeToString(hash[:])

	keys, err := a.Store.ListAPIKeys(ctx)
	if err != nil {
		return policy.APIKeyRecord{}, err
	}
	for _, k := range keys {
		if k.HashedKey == hashedKey {
			go func(id string) { _ = a.Store.UpdateAPIKeyLastUsed(context.Background(), id) }(k.ID)
			return k, nil
		}
	}
	return policy.APIKeyRecord{}, apierr.New(apierr.Unauthorized, errors.New("unknown API key"))
}

// Allows reports whether record is scoped to priorityLevel.
func Allows(record policy.APIKeyRecord, priorityLevel uint32) bool {
	allowed := strings.TrimSpace(record.AllowedLevels)
	if allowed == "" || allowed == "*" {
		return true
	}
	for _, part := range strings.Split(allowed, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lvl, err := strconv.ParseUint(part, 10, 32)
		if err == nil && uint32(lvl) == priorityLevel {
			return true
		}
	}
	return false
}

// ctxKeyAPIKey carries the resolved API key record through a request.
type ctxKeyAPIKey struct{}

// Middleware authenticates the Authorization header and attaches the
// resolved key record to the request context; it does not check
// per-level scope, since the target priority level is a request body
// field the handler parses after this middleware runs.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
			writeAuthError(w, apierr.New(apierr.Unauthorized, errors.New("missing bearer token")))
			return
		}

		record, err := a.AuthenticateKey(r.Context(), parts[1])
		if err != nil {
			writeAuthError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyAPIKey{}, &record)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// KeyFromContext returns the API key record attached by Middleware.
func KeyFromContext(ctx context.Context) (policy.APIKeyRecord, bool) {
	v := ctx.Value(ctxKeyAPIKey{})
	if v == nil {
		return policy.APIKeyRecord{}, false
	}
	return *v.(*policy.APIKeyRecord), true
}

func writeAuthError(w http.ResponseWriter, err error) {
	code := http.StatusUnauthorized
	var ae *apierr.Error
	if errors.As(err, &ae) {
		code = apierr.StatusCode(ae.Kind)
	}
	http.Error(w, err.Error(), code)
}

// --- Admin dashboard accounts ---

// AuthenticateUser checks username/password against the bcrypt hash on
// file.
func (a *Authenticator) AuthenticateUser(ctx context.Context, username, password string) (policy.AdminUser, error) {
	u, ok, err := a.Store.GetAdminUser(ctx, username)
	if err != nil {
		return policy.AdminUser{}, err
	}
	if !ok {
		return policy.AdminUser{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return policy.AdminUser{}, ErrInvalidCredentials
	}
	return u, nil
}

func (a *Authenticator) CreateUser(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return a.Store.CreateAdminUser(ctx, policy.AdminUser{
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	})
}

func (a *Authenticator) ChangePassword(ctx context.Context, username, newPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return a.Store.UpdateAdminPassword(ctx, username, string(hash))
}
