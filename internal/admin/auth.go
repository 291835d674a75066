package admin

import (
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"execution-core/internal/core"

	"github.com/google/uuid"
)

// DefaultAdminRateLimit bounds how many admin requests per second the admin
// surface accepts in total, from all callers together.
const DefaultAdminRateLimit = 5

// apiKeyValidator checks the admin API key header and applies a simple
// token-bucket rate limit, shared across every caller since the admin
// surface has exactly one key.
type apiKeyValidator struct {
	key       string
	logger    core.ILogger
	mu        sync.Mutex
	tokens    int
	maxTokens int
	lastFill  time.Time
}

func newAPIKeyValidator(key string, rps int, logger core.ILogger) *apiKeyValidator {
	if rps <= 0 {
		rps = DefaultAdminRateLimit
	}
	return &apiKeyValidator{
		key:       key,
		logger:    logger.WithField("component", "admin_auth"),
		tokens:    rps,
		maxTokens: rps,
		lastFill:  time.Now(),
	}
}

func (v *apiKeyValidator) allow() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(v.lastFill)
	if add := int(elapsed.Seconds() * float64(v.maxTokens)); add > 0 {
		v.tokens = min(v.maxTokens, v.tokens+add)
		v.lastFill = now
	}
	if v.tokens > 0 {
		v.tokens--
		return true
	}
	return false
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

type requestIDKey struct{}

// middleware stamps a request id, rejects callers missing or presenting the
// wrong admin key, and enforces the rate limit. The admin key is never
// logged; only its presence/absence and the request id are.
func (v *apiKeyValidator) middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.New().String()
		w.Header().Set("X-Request-Id", reqID)

		presented := r.Header.Get("X-Admin-Key")
		if v.key == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(v.key)) != 1 {
			v.logger.Warn("admin request rejected: invalid key", "request_id", reqID, "remote_addr", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !v.allow() {
			v.logger.Warn("admin request rejected: rate limited", "request_id", reqID, "remote_addr", r.RemoteAddr)
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
