package ygggo_dbclient

import (
	"context"
	"time"
)

// HealthStatus is the result of a HealthCheck.
type HealthStatus struct {
	Healthy           bool          `json:"healthy"`
	LastChecked       time.Time     `json:"last_checked"`
	ResponseTime      time.Duration `json:"response_time"`
	ConnectionsActive int           `json:"connections_active"`
	ConnectionsIdle   int           `json:"connections_idle"`
	ConnectionsMax    int           `json:"connections_max"`
	Waiters           int           `json:"waiters"`
	Error             string        `json:"error,omitempty"`
	ErrorKind         string        `json:"error_kind,omitempty"`
}

// Ping leases a connection within PingTimeout and issues a round-trip probe.
// It never retries and never fails the pool; errors only show up in the log.
func (c *Client) Ping(ctx context.Context) bool {
	_, err := c.probe(ctx)
	return err == nil
}

// HealthCheck runs the same probe as Ping and reports timing and pool counters.
func (c *Client) HealthCheck(ctx context.Context) *HealthStatus {
	start := time.Now()
	elapsed, err := c.probe(ctx)
	s := c.pool.Stats()
	status := &HealthStatus{
		Healthy:           err == nil,
		LastChecked:       start,
		ResponseTime:      elapsed,
		ConnectionsActive: s.InUse,
		ConnectionsIdle:   s.Idle,
		ConnectionsMax:    s.MaxSize,
		Waiters:           s.Waiters,
	}
	if err != nil {
		status.Error = err.Error()
		status.ErrorKind = KindOf(err).String()
	}
	return status
}

func (c *Client) probe(ctx context.Context) (time.Duration, error) {
	ctx, span := c.tracing.startSpan(ctx, "ping", "")
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()

	err := func() error {
		// The lease timer, not pctx, bounds the wait so a busy pool reads as exhausted.
		lc, err := c.pool.Lease(ctx, c.pingTimeout)
		if err != nil {
			return err
		}
		defer c.pool.release(ctx, lc)
		return wrapError("ping", "", lc.Ping(pctx), c.classify)
	}()
	elapsed := time.Since(start)
	c.tracing.finishSpan(span, err)
	if err != nil {
		c.logger.Log(ctx, LevelWarning, "database ping failed", Fields{
			"component":   "health",
			"duration_ms": durationMS(elapsed),
			"error":       err.Error(),
			"error_kind":  KindOf(err).String(),
		})
		return elapsed, err
	}
	c.logger.Log(ctx, LevelDebug, "database ping succeeded", Fields{
		"component":   "health",
		"duration_ms": durationMS(elapsed),
	})
	return elapsed, nil
}
