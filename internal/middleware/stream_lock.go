package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/examroom/internal/config"
	"github.com/stemsi/examroom/internal/response"
)

var (
	releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// SingleStream admits one live exam stream per (exam, student). A second
// window gets 409 until the first disconnects or its lock expires. The lock
// is refreshed for as long as the handler runs. Requires RequireStudentJWT
// and an :exam_id route parameter.
func SingleStream(rdb *redis.Client, ttl time.Duration, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		examID, err := uuid.Parse(c.Param("exam_id"))
		if err != nil {
			response.AbortFail(c, http.StatusBadRequest, response.ErrInvalidID)
			return
		}

		key := config.CacheKey.SessionStreamLockKey(examID.String(), claims.UserID)
		token := uuid.NewString()

		ok, err := rdb.SetNX(c.Request.Context(), key, token, ttl).Result()
		if err != nil {
			log.Error().Err(err).Msg("Stream lock unavailable")
			response.AbortFail(c, http.StatusInternalServerError, response.ErrInternal)
			return
		}
		if !ok {
			response.AbortFail(c, http.StatusConflict, response.ErrSessionBusy)
			return
		}

		stop := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			ticker := time.NewTicker(ttl / 3)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					err := refreshLock.Run(context.Background(), rdb, []string{key}, token, ttl.Milliseconds()).Err()
					if err != nil {
						log.Warn().Err(err).Str("key", key).Msg("Stream lock refresh failed")
					}
				}
			}
		}()

		defer func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseLock.Run(ctx, rdb, []string{key}, token).Err(); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("Stream lock release failed")
			}
		}()

		c.Next()
	}
}
