package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/open-eprescription/erx-service/internal/erx"
	"github.com/open-eprescription/erx-service/internal/store"
	"github.com/open-eprescription/erx-service/internal/token"
)

type contextKey int

const tokenContextKey contextKey = iota

// requireToken verifies the bearer token of every inner request against the
// current trust snapshot and stores the claims in the request context.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization := r.Header.Get("Authorization")
		if authorization == "" {
			respondError(w, r, erx.NewTokenInvalidError("missing Authorization header"))
			return
		}

		bearer, ok := strings.CutPrefix(authorization, "Bearer ")
		if !ok {
			respondError(w, r, erx.NewTokenInvalidError("Authorization header is not a bearer token"))
			return
		}

		now := time.Now()
		snapshot, err := s.trust.Current(now)
		if err != nil {
			respondError(w, r, err)
			return
		}

		accessToken, err := token.Verify(bearer, snapshot, now)
		if err != nil {
			respondError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), tokenContextKey, accessToken)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestToken returns the verified token of the request.
func requestToken(r *http.Request) *token.AccessToken {
	accessToken, _ := r.Context().Value(tokenContextKey).(*token.AccessToken)
	return accessToken
}

// requestActor builds the workflow actor from the verified token.
func requestActor(r *http.Request) store.Actor {
	accessToken := requestToken(r)
	if accessToken == nil {
		return store.Actor{}
	}
	return store.Actor{
		Role:        accessToken.Role(),
		KVNR:        accessToken.KVNR(),
		TelematikID: accessToken.TelematikID(),
		Name:        accessToken.DisplayName(),
		Subject:     accessToken.Subject(),
	}
}

// accessCode returns the capability presented via the X-AccessCode header.
func accessCode(r *http.Request) string {
	return r.Header.Get("X-AccessCode")
}

// secret returns the capability presented via the secret query parameter.
func secret(r *http.Request) string {
	return r.URL.Query().Get("secret")
}
