package handler

import (
	"context"
	"net/http"

	"zerotrust-service/internal/models"
	"zerotrust-service/internal/service"
	"zerotrust-service/internal/util"
)

type contextKey int

const (
	identityContextKey contextKey = iota
	decisionContextKey
)

// IdentityFromContext returns the authenticated identity set by
// IdentityMiddleware. The second return is false for unauthenticated
// requests, which only occur on routes outside the middleware chain.
func IdentityFromContext(ctx context.Context) (models.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(models.Identity)
	return identity, ok
}

// DecisionFromContext returns the gate decision recorded for this request.
func DecisionFromContext(ctx context.Context) (*service.Decision, bool) {
	decision, ok := ctx.Value(decisionContextKey).(*service.Decision)
	return decision, ok
}

// IdentityMiddleware lifts the identity the upstream auth proxy asserts via
// trusted headers into the request context. This service never validates
// credentials itself; the proxy strips these headers from external traffic.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := models.Identity{
			UserID: r.Header.Get("X-User-ID"),
			Role:   r.Header.Get("X-User-Role"),
			Email:  r.Header.Get("X-User-Email"),
		}
		if identity.UserID == "" {
			respondWithJSON(w, http.StatusUnauthorized,
				errorResponse(nil, "authenticated identity required"))
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireOperator restricts a route group to operator-class roles.
func RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok || !identity.IsOperator() {
			util.Warn("Operator route denied",
				util.String("user_id", identity.UserID),
				util.String("role", identity.Role),
				util.String("path", r.URL.Path))
			respondWithJSON(w, http.StatusForbidden,
				errorResponse(nil, "operator role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// deviceFingerprint pulls the raw fingerprint signals from the request:
// header first, then the device_fp cookie.
func deviceFingerprint(r *http.Request) string {
	if fp := r.Header.Get("X-Device-Fingerprint"); fp != "" {
		return fp
	}
	if cookie, err := r.Cookie("device_fp"); err == nil {
		return cookie.Value
	}
	return ""
}

// requestGeo reads the geo enrichment headers the edge proxy attaches.
func requestGeo(r *http.Request) *models.GeoLocation {
	country := r.Header.Get("X-Geo-Country")
	if country == "" {
		return nil
	}
	return &models.GeoLocation{
		Country: country,
		Region:  r.Header.Get("X-Geo-Region"),
	}
}

// GateMiddleware runs the continuous verification gate on every request in
// its group. ALLOW proceeds with the decision in context, CHALLENGE returns
// 401 carrying a step-up token, REJECT returns 403. Store failures map to
// the gate's configured fail policy.
func GateMiddleware(gate *service.GateService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				respondWithJSON(w, http.StatusUnauthorized,
					errorResponse(nil, "authenticated identity required"))
				return
			}

			fingerprint := deviceFingerprint(r)
			if fingerprint == "" {
				respondWithJSON(w, http.StatusBadRequest,
					errorResponse(nil, "device fingerprint required"))
				return
			}

			decision, err := gate.Evaluate(r.Context(), identity, fingerprint,
				clientIP(r), requestGeo(r), r.Header.Get("X-Challenge-Token"))
			if err != nil {
				respondWithError(w, err, "verification unavailable")
				return
			}

			switch decision.Verdict {
			case service.VerdictReject:
				respondWithJSON(w, http.StatusForbidden, Response{
					Success: false,
					Data:    decision,
					Message: "access denied",
				})
			case service.VerdictChallenge:
				respondWithJSON(w, http.StatusUnauthorized, Response{
					Success: false,
					Data:    decision,
					Message: "step-up verification required",
				})
			default:
				ctx := context.WithValue(r.Context(), decisionContextKey, decision)
				next.ServeHTTP(w, r.WithContext(ctx))
			}
		})
	}
}

// clientIP is the RealIP-middleware-adjusted remote address without port.
func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
		if host[i] == ']' {
			break
		}
	}
	return host
}
