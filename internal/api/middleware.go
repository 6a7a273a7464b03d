/**
 * @description
 * Authentication middleware for the checkout-service router. Merchant routes carry a
 * bearer JWT whose `sub` claim is the merchant id; admin routes are called by other
 * backend services with the shared internal API key.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token parsing and validation.
 */

package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// MerchantIDContextKey is a custom type for the context key to avoid collisions.
type MerchantIDContextKey string

const merchantIDKey MerchantIDContextKey = "merchantID"

// HeaderInternalAPIKey authenticates service-to-service calls.
const HeaderInternalAPIKey = "X-Internal-API-Key"

// MerchantAuthMiddleware validates HS256 bearer tokens and stores the merchant id
// from the `sub` claim in the request context.
func MerchantAuthMiddleware(signingSecret string) func(http.Handler) http.Handler {
	secret := []byte(signingSecret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				writeError(w, http.StatusUnauthorized, "merchant authentication is not configured")
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return secret, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				writeError(w, http.StatusUnauthorized, "Invalid token claims")
				return
			}
			merchantID, _ := claims["sub"].(string)
			merchantID = strings.TrimSpace(merchantID)
			if merchantID == "" {
				writeError(w, http.StatusUnauthorized, "Merchant ID not found in token")
				return
			}

			ctx := context.WithValue(r.Context(), merchantIDKey, merchantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InternalAuthMiddleware requires the shared internal API key. With no key
// configured every request is rejected.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get(HeaderInternalAPIKey)
			if requiredKey == "" || provided == "" ||
				subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetMerchantIDFromContext returns the authenticated merchant id.
func GetMerchantIDFromContext(ctx context.Context) (string, bool) {
	merchantID, ok := ctx.Value(merchantIDKey).(string)
	return merchantID, ok && merchantID != ""
}
