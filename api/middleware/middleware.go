/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/blnkfinance/caseflow/config"
	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"
)

// SecretKeyHeader carries the operator key on every non-health request.
const SecretKeyHeader = "X-Caseflow-Key"

const defaultLimiterTTL = time.Hour

// clientIPLookups orders where a caller's address is read from when the API
// sits behind a proxy.
var clientIPLookups = []string{"X-Forwarded-For", "X-Real-IP", "RemoteAddr"}

// unauthenticatedPrefixes are reachable without the operator key.
var unauthenticatedPrefixes = []string{"/health/"}

func reject(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// RateLimitMiddleware throttles each client address separately so one noisy
// producer cannot starve ingestion for the others. Without both
// requests_per_second and burst configured every request passes through.
func RateLimitMiddleware(conf *config.Configuration) gin.HandlerFunc {
	lmt := newClientLimiter(conf.RateLimit)
	if lmt == nil {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		if limited := tollbooth.LimitByRequest(lmt, c.Writer, c.Request); limited != nil {
			reject(c, limited.StatusCode, limited.Message)
			return
		}
		c.Next()
	}
}

func newClientLimiter(rl config.RateLimitConfig) *limiter.Limiter {
	if rl.RequestsPerSecond == nil || rl.Burst == nil {
		return nil
	}

	ttl := defaultLimiterTTL
	if rl.CleanupIntervalSec != nil && *rl.CleanupIntervalSec > 0 {
		ttl = time.Duration(*rl.CleanupIntervalSec) * time.Second
	}

	return tollbooth.NewLimiter(*rl.RequestsPerSecond, &limiter.ExpirableOptions{DefaultExpirationTTL: ttl}).
		SetBurst(*rl.Burst).
		SetIPLookups(clientIPLookups).
		SetMessage("caseflow: too many requests from this client")
}

// SecretKeyAuthMiddleware guards the message endpoints with the server
// secret. The key is re-read from config on each request.
func SecretKeyAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isUnauthenticatedPath(c.Request.URL.Path) {
			c.Next()
			return
		}

		expected := configuredSecret()
		if expected == "" {
			reject(c, http.StatusInternalServerError, "caseflow secret key is not configured")
			return
		}

		switch presented := c.GetHeader(SecretKeyHeader); {
		case presented == "":
			reject(c, http.StatusUnauthorized, SecretKeyHeader+" header is required")
		case subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) != 1:
			reject(c, http.StatusUnauthorized, SecretKeyHeader+" does not match")
		default:
			c.Next()
		}
	}
}

func configuredSecret() string {
	conf, err := config.Fetch()
	if err != nil {
		return ""
	}
	return conf.Server.SecretKey
}

func isUnauthenticatedPath(path string) bool {
	for _, prefix := range unauthenticatedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
