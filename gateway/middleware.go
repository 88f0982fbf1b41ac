package gateway

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const requestIDHeader = "X-Request-Id"

// RequestID tags every request and response with a request identifier so
// gateway log lines can be correlated.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// AuthConfig configures JWT bearer authentication.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

// Authenticator validates HS256 bearer tokens on protected routes.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	logger *slog.Logger
}

// NewAuthenticator builds an authenticator from cfg. An empty secret is
// rejected: unauthenticated deployments simply omit the middleware.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		return nil, fmt.Errorf("gateway: auth enabled without an HMAC secret")
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{cfg: cfg, secret: []byte(secret), logger: logger}, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

		options := []jwt.ParserOption{
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithLeeway(a.cfg.ClockSkew),
			jwt.WithExpirationRequired(),
		}
		if a.cfg.Issuer != "" {
			options = append(options, jwt.WithIssuer(a.cfg.Issuer))
		}
		if a.cfg.Audience != "" {
			options = append(options, jwt.WithAudience(a.cfg.Audience))
		}
		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			return a.secret, nil
		}, options...)
		if err != nil || !token.Valid {
			a.logger.Warn("rejected bearer token", "path", r.URL.Path, "err", err)
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit bounds request rates for one route class.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

// Idle client buckets are dropped so the visitor map stays bounded.
const (
	visitorTTL    = 10 * time.Minute
	pruneInterval = time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies per-client token buckets to selected routes.
type RateLimiter struct {
	limit  RateLimit
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastPrune time.Time
}

// NewRateLimiter builds a limiter shared by the gateway's mutation routes.
func NewRateLimiter(limit RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		limit:     limit,
		logger:    logger,
		now:       time.Now,
		visitors:  make(map[string]*visitor),
		lastPrune: time.Now(),
	}
}

// Middleware enforces the configured limit per client address.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl == nil || rl.limit.RequestsPerMinute <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.limiterFor(clientID(r)).Allow() {
			rl.logger.Warn("rate limited request", "path", r.URL.Path)
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) limiterFor(id string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	if now.Sub(rl.lastPrune) >= pruneInterval {
		for client, v := range rl.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(rl.visitors, client)
			}
		}
		rl.lastPrune = now
	}
	v, ok := rl.visitors[id]
	if !ok {
		v = &visitor{
			limiter: rate.NewLimiter(rate.Limit(rl.limit.RequestsPerMinute/60), rl.limit.Burst),
		}
		rl.visitors[id] = v
	}
	v.lastSeen = now
	return v.limiter
}

func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
