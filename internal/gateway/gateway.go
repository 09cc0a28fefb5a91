package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"store-gateway/internal/inspect"
	"store-gateway/internal/observability"
	"store-gateway/internal/ratelimit"
	"store-gateway/internal/session"
)

type Action int

const (
	ActionPass Action = iota
	ActionRedirect
	ActionReject
)

// Decision is the gateway's verdict on one inbound request. Reject carries a
// status code and a short reason for the response header; the detailed
// context stays in the logs, never in the response.
type Decision struct {
	Action     Action
	Status     int
	Location   string
	Reason     string
	RetryAfter time.Duration
	RateLimit  *ratelimit.Result
	Claims     *session.Claims
}

type Gateway struct {
	limiter *ratelimit.Controller
	tokens  *session.TokenManager
	logger  *observability.Logger
}

func New(limiter *ratelimit.Controller, tokens *session.TokenManager, logger *observability.Logger) *Gateway {
	return &Gateway{limiter: limiter, tokens: tokens, logger: logger}
}

// Inspect classifies one request: block check, signature scan, rate limit,
// route class, then session verification. It is the single entry point the
// middleware (and any non-HTTP caller) consumes.
func (g *Gateway) Inspect(r *http.Request) Decision {
	ctx := r.Context()
	identity := ClientIP(r)

	result, err := g.limiter.Check(ctx, identity)
	if err != nil {
		// A broken rate-limit store must not take the site down; the
		// request proceeds and the failure is reported.
		sentry.CaptureException(err)
		g.logger.Error("rate_limit_store_failed", map[string]any{"error": err.Error()})
		result = ratelimit.Result{Allowed: true}
	}

	if result.Blocked {
		g.logger.Warn("blocked_identity_rejected", map[string]any{
			"identity": identity,
			"path":     r.URL.Path,
			"until":    result.ResetAt.Format(time.RFC3339),
		})
		return Decision{Action: ActionReject, Status: http.StatusForbidden, Reason: "blocked", RetryAfter: result.RetryAfter}
	}

	if !result.Allowed {
		return Decision{Action: ActionReject, Status: http.StatusTooManyRequests, Reason: "rate_limited", RetryAfter: result.RetryAfter, RateLimit: &result}
	}

	if inspect.ClassifyUserAgent(r.UserAgent()) {
		g.logger.Warn("suspicious_user_agent", map[string]any{
			"identity":   identity,
			"user_agent": r.UserAgent(),
			"path":       r.URL.Path,
		})
		return Decision{Action: ActionReject, Status: http.StatusForbidden, Reason: "suspicious_agent"}
	}

	if finding, matched := inspect.ScanRequest(r); matched {
		// Escalation: one malicious request bans the identity outright,
		// not just this request.
		if err := g.limiter.Block(ctx, identity, g.limiter.BlockDuration()); err != nil {
			sentry.CaptureException(err)
		}
		g.logger.Error("attack_signature_matched", map[string]any{
			"identity":  identity,
			"signature": finding.Signature,
			"value":     finding.Value,
			"url":       r.URL.String(),
		})
		return Decision{Action: ActionReject, Status: http.StatusBadRequest, Reason: "malicious_pattern"}
	}

	class := ClassifyRoute(r.URL.Path)
	if class == RoutePublic {
		return Decision{Action: ActionPass, RateLimit: &result}
	}

	token, present := sessionToken(r)
	claims := (*session.Claims)(nil)
	if present {
		claims = g.tokens.Verify(token)
	}

	if claims == nil {
		// Absent and invalid tokens get identical responses so the
		// caller learns nothing about why; the log event differs.
		event := "session_token_invalid"
		if !present {
			event = "session_token_missing"
		}
		g.logger.Info(event, map[string]any{
			"identity": identity,
			"path":     r.URL.Path,
			"route":    class.String(),
		})
		return Decision{Action: ActionRedirect, Status: http.StatusFound, Location: "/login"}
	}

	if class == RouteAdmin && !session.IsAdmin(claims) {
		g.logger.Warn("admin_route_denied", map[string]any{
			"identity": identity,
			"user_id":  claims.Subject,
			"path":     r.URL.Path,
		})
		return Decision{Action: ActionReject, Status: http.StatusForbidden, Reason: "admin_required"}
	}

	if class == RouteSensitive {
		g.logger.Info("sensitive_route_access", map[string]any{
			"identity": identity,
			"user_id":  claims.Subject,
			"session":  claims.SessionID,
			"path":     r.URL.Path,
		})
	}

	return Decision{Action: ActionPass, RateLimit: &result, Claims: claims}
}

// Middleware applies Inspect ahead of the downstream handler and decorates
// pass-through responses with the security headers and an audit id.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := g.Inspect(r)

		switch decision.Action {
		case ActionRedirect:
			http.Redirect(w, r, decision.Location, decision.Status)
			return

		case ActionReject:
			if decision.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
			}
			if decision.Status == http.StatusTooManyRequests && decision.RateLimit != nil {
				setRateLimitHeaders(w, g.limiter, decision.RateLimit)
			}
			w.Header().Set("X-Denial-Reason", decision.Reason)
			writeError(w, decision.Status, "access denied")
			return
		}

		setSecurityHeaders(w)
		if decision.RateLimit != nil {
			setRateLimitHeaders(w, g.limiter, decision.RateLimit)
		}

		if decision.Claims != nil {
			r = r.WithContext(session.WithClaims(r.Context(), decision.Claims))
			r.Header.Set("X-User-Id", decision.Claims.Subject)
			r.Header.Set("X-User-Is-Admin", strconv.FormatBool(decision.Claims.Admin))
		}

		next.ServeHTTP(w, r)
	})
}

func setSecurityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("X-Audit-Id", newAuditID())
}

func setRateLimitHeaders(w http.ResponseWriter, limiter *ratelimit.Controller, result *ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.PerMinute()))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	if !result.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	}
}

func newAuditID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// sessionToken prefers the Authorization header, then the access cookie.
func sessionToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			token := strings.TrimSpace(parts[1])
			if token != "" {
				return token, true
			}
		}
		return "", false
	}

	if cookie, err := r.Cookie(session.AccessCookieName); err == nil && cookie.Value != "" {
		return cookie.Value, true
	}

	return "", false
}

// ClientIP derives the request identity, in priority order: first hop of
// X-Forwarded-For, then X-Real-IP, then the CDN header, then loopback.
func ClientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	if cdnIP := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); cdnIP != "" {
		return cdnIP
	}

	return "127.0.0.1"
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
