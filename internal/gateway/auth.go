package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/inknowing/dialogue-runtime/internal/errs"
	"github.com/inknowing/dialogue-runtime/internal/quota"
)

// Principal is the authenticated caller of a request: a user id and the
// membership tier claim carried by their credential (spec §4.2
// "Authorization": "Credentials are opaque to the runtime beyond the user
// id and membership tier claim").
type Principal struct {
	UserID     string
	Membership quota.Membership
}

// Authenticator verifies a bearer credential and resolves it to a
// Principal. Implementations are supplied by the surrounding deployment
// (the runtime itself holds no credential-issuing logic).
type Authenticator interface {
	Authenticate(ctx context.Context, bearerToken string) (Principal, error)
}

// authenticate extracts the bearer credential from r and resolves it via
// auth. Returns errs.Auth on a missing or malformed header.
func authenticate(ctx context.Context, auth Authenticator, r *http.Request) (Principal, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return Principal{}, errs.Auth("missing or malformed bearer credential")
	}
	token := strings.TrimPrefix(header, prefix)
	if token == "" {
		return Principal{}, errs.Auth("empty bearer credential")
	}
	return auth.Authenticate(ctx, token)
}
