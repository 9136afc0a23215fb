// Package ratelimit implements upgrade-time rate limiting backed by an
// in-memory store.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/helios-rt/helios/internal/v1/logging"
	"github.com/helios-rt/helios/internal/v1/metrics"
)

// Limiter enforces the per-IP WebSocket connection rate.
type Limiter struct {
	wsIP *limiter.Limiter
}

// New builds a Limiter from a formatted rate such as "100-M".
func New(wsIPRate string) (*Limiter, error) {
	rate, err := limiter.NewRateFromFormatted(wsIPRate)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	return &Limiter{
		wsIP: limiter.New(memory.NewStore(), rate),
	}, nil
}

// CheckWebSocket reports whether an upgrade attempt from this client may
// proceed. When the limit is reached it writes a 429 response and returns
// false. Store failures fail open.
func (l *Limiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipContext, err := l.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
		return true
	}

	if ipContext.Reached {
		metrics.UpgradeRejects.WithLabelValues("rate_limited").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	return true
}
