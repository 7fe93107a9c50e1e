package middleware

import (
	"fmt"
	"log"
	"net/http"
	"time"
	"toolhub_api/internal/common"

	"github.com/redis/go-redis/v9"
)

// RateLimit enforces a fixed-window per-caller request cap backed by Redis,
// so the limit holds across multiple API instances. Callers are keyed by
// authenticated user ID when available, remote address otherwise.
func RateLimit(rdb *redis.Client, keyPrefix string, perSecond int) func(http.Handler) http.Handler {
	// INCR the window counter and set its expiry atomically; the first hit
	// in a window owns the EXPIRE.
	script := redis.NewScript(`
        local current = redis.call("incr", KEYS[1])
        if current == 1 then
            redis.call("pexpire", KEYS[1], ARGV[1])
        end
        return current
    `)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := callerKey(r)
			window := time.Now().Unix()
			key := fmt.Sprintf("ratelimit:%s:%s:%d", keyPrefix, caller, window)

			count, err := script.Run(r.Context(), rdb, []string{key}, 1000).Int64()
			if err != nil {
				// Redis trouble should not take the endpoint down.
				log.Printf("WARN: Rate limiter unavailable, letting request through: %v", err)
				next.ServeHTTP(w, r)
				return
			}

			if count > int64(perSecond) {
				w.Header().Set("Retry-After", "1")
				common.RespondWithError(w, http.StatusTooManyRequests,
					fmt.Sprintf("Rate limit of %d requests/second exceeded", perSecond))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func callerKey(r *http.Request) string {
	if userID, ok := GetUserIDFromContext(r.Context()); ok {
		return userID
	}
	return r.RemoteAddr
}
