package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// CORSMiddleware allows cross-origin requests from any host, so a local
// companion UI can poll a node's status without a proxy.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// rateLimiter tracks request counts per client IP within a fixed window.
type rateLimiter struct {
	mu       sync.Mutex
	requests map[string]*requestCounter
	limit    int
	window   time.Duration
}

type requestCounter struct {
	count     int
	resetTime time.Time
}

func newRateLimiter(requestsPerMinute int) *rateLimiter {
	rl := &rateLimiter{
		requests: make(map[string]*requestCounter),
		limit:    requestsPerMinute,
		window:   time.Minute,
	}
	go rl.cleanup()
	return rl
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	counter, exists := rl.requests[ip]
	if !exists {
		rl.requests[ip] = &requestCounter{count: 1, resetTime: time.Now().Add(rl.window)}
		return true
	}
	if time.Now().After(counter.resetTime) {
		counter.count = 1
		counter.resetTime = time.Now().Add(rl.window)
		return true
	}
	if counter.count >= rl.limit {
		return false
	}
	counter.count++
	return true
}

func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for ip, counter := range rl.requests {
			if now.After(counter.resetTime) {
				delete(rl.requests, ip)
			}
		}
		rl.mu.Unlock()
	}
}

var globalRateLimiter *rateLimiter

// RateLimitMiddleware rejects requests past requestsPerMinute per client IP.
func RateLimitMiddleware(requestsPerMinute int) gin.HandlerFunc {
	if globalRateLimiter == nil {
		globalRateLimiter = newRateLimiter(requestsPerMinute)
	}
	return func(c *gin.Context) {
		if !globalRateLimiter.allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, ErrorResponse{
				Error:   "rate limit exceeded",
				Message: fmt.Sprintf("maximum %d requests per minute", requestsPerMinute),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// LoggingMiddleware prints one color-coded line per request.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		var color string
		switch {
		case status >= 500:
			color = "\033[31m"
		case status >= 400:
			color = "\033[33m"
		case status >= 300:
			color = "\033[36m"
		default:
			color = "\033[32m"
		}
		reset := "\033[0m"

		fmt.Printf("%s%d%s | %s | %s %s | %v\n",
			color, status, reset, c.ClientIP(), c.Request.Method, c.Request.URL.Path, latency)
	}
}

// ErrorResponse is a standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse is a standard success body.
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}
