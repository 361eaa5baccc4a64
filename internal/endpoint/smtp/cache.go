package smtp

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/themadorg/madgate/internal/store"
)

// domainCache keeps the set of active local domains in memory so RCPT
// gating never touches the database. Lookups read an atomically swapped
// snapshot; refresh failures keep the previous snapshot alive.
type domainCache struct {
	store    *store.Store
	logger   *zap.Logger
	interval time.Duration

	current atomic.Pointer[map[string]struct{}]
	stopCh  chan struct{}
	done    chan struct{}
}

func newDomainCache(st *store.Store, interval time.Duration, logger *zap.Logger) *domainCache {
	if interval <= 0 {
		interval = time.Minute
	}
	c := &domainCache{
		store:    st,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	empty := map[string]struct{}{}
	c.current.Store(&empty)
	return c
}

func (c *domainCache) contains(domain string) bool {
	_, ok := (*c.current.Load())[domain]
	return ok
}

func (c *domainCache) refresh(ctx context.Context) error {
	domains, err := c.store.ListActiveDomains(ctx, true)
	if err != nil {
		return err
	}
	next := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		next[d.Domain] = struct{}{}
	}
	c.current.Store(&next)
	return nil
}

func (c *domainCache) start() {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := c.refresh(ctx); err != nil {
					c.logger.Warn("local domain cache refresh failed", zap.Error(err))
				}
				cancel()
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *domainCache) stop() {
	close(c.stopCh)
	<-c.done
}
