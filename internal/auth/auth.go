// Package auth implements HTTP Basic authentication against the label
// store (spec §4.G). A verified request yields the caller's label; an
// unverified one is rejected with no distinction visible to the client
// between "label does not exist" and "wrong password" (P7).
package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/satsukid/satsukid/internal/apierr"
	"github.com/satsukid/satsukid/internal/authn"
	"github.com/satsukid/satsukid/internal/store"
)

// Verifier is the subset of *store.Store the authenticator needs.
type Verifier interface {
	VerifyAndTouch(ctx context.Context, lbl, password string, now time.Time) (*store.User, error)
}

// Authenticator checks the label:password pair carried in an
// incoming request's Authorization header.
type Authenticator struct {
	store Verifier
	now   func() time.Time
}

func New(st Verifier) *Authenticator {
	return &Authenticator{store: st, now: time.Now}
}

// Authenticate parses r's Basic credentials and verifies them. When
// the credentials are missing or the label is unknown it performs a
// dummy Argon2id comparison in place of the real one, so the response
// latency of "unknown label" and "wrong password" are
// indistinguishable (P7).
func (a *Authenticator) Authenticate(r *http.Request) (*store.User, error) {
	lbl, password, ok := r.BasicAuth()
	if !ok || lbl == "" || password == "" {
		_, _ = authn.Verify(authn.FixedDummyHash, "")
		return nil, apierr.Auth("missing or malformed credentials")
	}

	u, err := a.store.VerifyAndTouch(r.Context(), lbl, password, a.now())
	if err != nil {
		if errors.Is(err, store.ErrMissing) {
			_, _ = authn.Verify(authn.FixedDummyHash, password)
			return nil, apierr.Auth("invalid credentials")
		}
		if errors.Is(err, store.ErrBadCredentials) {
			return nil, apierr.Auth("invalid credentials")
		}
		return nil, apierr.Internal(err, "verifying credentials for %q", lbl)
	}
	return u, nil
}
