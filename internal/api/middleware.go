/**
 * @description
 * Authentication middleware for the internal billing routes. Callers are
 * either sibling services presenting the shared internal API key, or
 * operators presenting an HS256 bearer token; both become the audit actor.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: operator token validation.
 */

package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/escolar/billing-service/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

type actorContextKey struct{}

// InternalServiceActorID is the actor id recorded for API-key callers.
const InternalServiceActorID = "internal-service"

// OperatorAuthMiddleware accepts the X-Internal-API-Key header or an
// `Authorization: Bearer <jwt>` signed with jwtSecret. With neither secret
// configured every request is rejected.
func OperatorAuthMiddleware(internalKey, jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if provided := r.Header.Get("X-Internal-API-Key"); provided != "" {
				if internalKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(internalKey)) != 1 {
					respondWithError(w, http.StatusUnauthorized, "Unauthorized")
					return
				}
				actor := domain.Actor{Type: domain.ActorSystem, ID: InternalServiceActorID}
				next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
				return
			}

			authHeader := r.Header.Get("Authorization")
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if authHeader == "" || tokenString == authHeader || jwtSecret == "" {
				respondWithError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			subject, err := operatorSubject(tokenString, jwtSecret)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, fmt.Sprintf("Invalid token: %v", err))
				return
			}
			actor := domain.Actor{Type: domain.ActorOperator, ID: subject}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

func operatorSubject(tokenString, secret string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if subject == "" {
		return "", fmt.Errorf("subject not found in token")
	}
	return subject, nil
}

// WithActor stores the authenticated actor in ctx.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the authenticated actor, or the system actor.
func ActorFromContext(ctx context.Context) domain.Actor {
	if actor, ok := ctx.Value(actorContextKey{}).(domain.Actor); ok {
		return actor
	}
	return domain.SystemActor
}
