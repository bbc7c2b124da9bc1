package iracing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// carCacheTTL bounds how often the car catalog is refetched.
const carCacheTTL = time.Hour

// CarCache maps car ids to car names, refreshing from the catalog endpoint at
// most once per hour. When a refresh is impossible it serves whatever it has
// rather than failing.
type CarCache struct {
	api API

	mu      sync.Mutex
	byID    map[int]string
	fetched time.Time

	ttl time.Duration
	now func() time.Time
}

// NewCarCache returns an empty cache backed by the given API.
func NewCarCache(api API) *CarCache {
	return &CarCache{api: api, ttl: carCacheTTL, now: time.Now}
}

// Name resolves a car id to its display name. ok is false only when the id is
// unknown even after a refresh attempt (or with an empty, unrefreshable cache).
func (c *CarCache) Name(ctx context.Context, carID int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.byID == nil || c.now().Sub(c.fetched) >= c.ttl {
		cars, err := c.api.Cars(ctx)
		if err != nil {
			// Stale data beats no data.
			slog.Warn("car catalog refresh failed, serving stale cache", slog.Any("err", err))
		} else {
			byID := make(map[int]string, len(cars))
			for _, car := range cars {
				byID[car.CarID] = car.CarName
			}
			c.byID = byID
			c.fetched = c.now()
			slog.Debug("car catalog refreshed", slog.Int("cars", len(cars)))
		}
	}

	name, ok := c.byID[carID]
	return name, ok
}
