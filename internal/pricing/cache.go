package pricing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// patternTTL bounds how long an estimate pattern stays warm.
const patternTTL = 24 * time.Hour

// HitDiscountPercent is the estimate discount applied on a pattern-cache hit.
const HitDiscountPercent = 10

// PatternCache remembers recently estimated service patterns per account so
// repeat estimates get the prior-pattern discount. It is optional: a nil
// cache never hits.
type PatternCache struct {
	client *redis.Client
}

// NewPatternCache builds a redis-backed pattern cache. Empty addr disables it.
func NewPatternCache(addr, password string) *PatternCache {
	if strings.TrimSpace(addr) == "" {
		return nil
	}
	return &PatternCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
	}
}

// PatternKey derives a stable key from an account and its service set.
func PatternKey(accountID uint64, serviceKeys []string) string {
	keys := make([]string, len(serviceKeys))
	copy(keys, serviceKeys)
	sort.Strings(keys)
	sum := sha256.Sum256([]byte(strconv.FormatUint(accountID, 10) + "|" + strings.Join(keys, ",")))
	return "lucentra:pattern:" + hex.EncodeToString(sum[:16])
}

// Hit reports whether the pattern was seen recently and refreshes its TTL.
func (c *PatternCache) Hit(ctx context.Context, key string) bool {
	if c == nil || c.client == nil {
		return false
	}
	n, errExists := c.client.Exists(ctx, key).Result()
	if errExists != nil {
		log.WithError(errExists).Debug("pattern cache lookup failed")
		return false
	}
	if n == 0 {
		return false
	}
	if errExpire := c.client.Expire(ctx, key, patternTTL).Err(); errExpire != nil {
		log.WithError(errExpire).Debug("pattern cache refresh failed")
	}
	return true
}

// Store records a pattern so subsequent estimates hit.
func (c *PatternCache) Store(ctx context.Context, key string) {
	if c == nil || c.client == nil {
		return
	}
	if errSet := c.client.Set(ctx, key, "1", patternTTL).Err(); errSet != nil {
		log.WithError(errSet).Debug("pattern cache store failed")
	}
}

// Close releases the redis connection.
func (c *PatternCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
