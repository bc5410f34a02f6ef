package adapters

import (
	"context"
	"errors"
	"time"

	"content-sync/internal/core/deadline"
	"content-sync/internal/core/logger"
	"content-sync/internal/core/metrics"
	"content-sync/internal/features/records/domain"
	"content-sync/internal/features/records/ports"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ProbeSentinelID is the well-known record id the probe reads. It normally does
// not exist; a not-found answer still proves the store is serving reads.
const ProbeSentinelID = "__availability_probe__"

// AvailabilityProbe implements ports.AvailabilityProbe with a raced sentinel read.
type AvailabilityProbe struct {
	store   ports.RemoteStore
	timeout time.Duration
	group   singleflight.Group
	logger  *zap.Logger
}

// NewAvailabilityProbe creates a probe bounded by timeout.
func NewAvailabilityProbe(store ports.RemoteStore, timeout time.Duration) *AvailabilityProbe {
	return &AvailabilityProbe{
		store:   store,
		timeout: timeout,
		logger:  logger.Named("probe"),
	}
}

// Check reports whether the remote store answered the sentinel read in time.
// Concurrent callers share one in-flight read.
func (p *AvailabilityProbe) Check(ctx context.Context) bool {
	v, _, _ := p.group.Do(ProbeSentinelID, func() (interface{}, error) {
		_, err := deadline.Race(ctx, p.timeout, func(ctx context.Context) (domain.Record, error) {
			return p.store.Get(ctx, ProbeSentinelID)
		})
		available := err == nil || errors.Is(err, ports.ErrNotFound)
		if !available {
			p.logger.Debug("Remote store unavailable",
				zap.String("reason", string(ports.RemoteErrorKindOf(err))),
				zap.Error(err),
			)
		}
		metrics.Sync.Probed(available)
		return available, nil
	})
	return v.(bool)
}
