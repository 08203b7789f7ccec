// Package netcheck answers one question: can the school backend be
// reached right now. Absence of connectivity is never an error; the
// engine turns it into a SUBMISSION_PENDING transition.
package netcheck

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Oracle reports current connectivity.
type Oracle interface {
	IsConnected(ctx context.Context) bool
}

// HTTPOracle probes the backend health endpoint. Device mode.
type HTTPOracle struct {
	client *http.Client
	url    string
	log    zerolog.Logger
}

// NewHTTPOracle creates an HTTPOracle probing url with a short timeout.
func NewHTTPOracle(url string, timeout time.Duration, log zerolog.Logger) *HTTPOracle {
	return &HTTPOracle{
		client: &http.Client{Timeout: timeout},
		url:    url,
		log:    log.With().Str("component", "netcheck").Logger(),
	}
}

// IsConnected performs one probe. Any 2xx means connected.
func (o *HTTPOracle) IsConnected(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(req)
	if err != nil {
		o.log.Debug().Err(err).Msg("Health probe failed")
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// RedisOracle pings the school Redis. Lab mode.
type RedisOracle struct {
	rdb *redis.Client
}

// NewRedisOracle creates a RedisOracle.
func NewRedisOracle(rdb *redis.Client) *RedisOracle {
	return &RedisOracle{rdb: rdb}
}

// IsConnected performs one PING.
func (o *RedisOracle) IsConnected(ctx context.Context) bool {
	return o.rdb.Ping(ctx).Err() == nil
}

// Static always reports the same answer. Test helper.
type Static bool

// IsConnected returns the fixed answer.
func (o Static) IsConnected(ctx context.Context) bool { return bool(o) }
