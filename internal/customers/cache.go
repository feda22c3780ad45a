// Package customers is the three-tier customer lookup: process memory, the
// distributed cache, then the local store.
package customers

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"fleettrack/internal/kv"
	"fleettrack/internal/model"
	"fleettrack/internal/store"
)

const keyPrefix = "cache:customer:"

// Source is the authoritative local store.
type Source interface {
	GetCustomer(ctx context.Context, id int64) (model.Customer, error)
	ListCustomers(ctx context.Context, tenantID string) ([]model.Customer, error)
}

type entry struct {
	customer model.Customer
	expires  time.Time
}

// Cache is safe for concurrent use. A read miss populates the faster tiers;
// every population is tagged with the stamp observed before the store read,
// so a read racing an Invalidate or Forget cannot reinstall the old row.
// gens holds one entry per customer invalidated and still present; Forget
// drops it when the row is deleted.
type Cache struct {
	src    Source
	kv     kv.Store
	mem    *xsync.Map[int64, entry]
	gens   *xsync.Map[int64, uint64]
	epoch  atomic.Uint64
	memTTL time.Duration
	kvTTL  time.Duration
	now    func() time.Time
	log    *zap.Logger
}

type Option func(*Cache)

// WithClock replaces the memory-tier clock.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

func New(src Source, kvs kv.Store, memTTL, kvTTL time.Duration, log *zap.Logger, opts ...Option) *Cache {
	c := &Cache{
		src:    src,
		kv:     kvs,
		mem:    xsync.NewMap[int64, entry](),
		gens:   xsync.NewMap[int64, uint64](),
		memTTL: memTTL,
		kvTTL:  kvTTL,
		now:    time.Now,
		log:    log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func key(id int64) string { return keyPrefix + strconv.FormatInt(id, 10) }

// stamp identifies the cache state a population was based on. epoch moves
// on every Forget so a dropped generation entry cannot be mistaken for a
// never-invalidated one.
type stamp struct {
	gen   uint64
	epoch uint64
}

func (c *Cache) stamp(id int64) stamp {
	g, _ := c.gens.Load(id)
	return stamp{gen: g, epoch: c.epoch.Load()}
}

// Get returns the customer and whether it exists.
func (c *Cache) Get(ctx context.Context, id int64) (model.Customer, bool, error) {
	if e, ok := c.mem.Load(id); ok {
		if c.now().Before(e.expires) {
			return e.customer, true, nil
		}
		c.mem.Compute(id, func(old entry, loaded bool) (entry, xsync.ComputeOp) {
			if loaded && !c.now().Before(old.expires) {
				return old, xsync.DeleteOp
			}
			return old, xsync.CancelOp
		})
	}

	st := c.stamp(id)
	cust, ok, err := kv.GetJSON[model.Customer](ctx, c.kv, key(id))
	if err != nil {
		c.log.Warn("distributed cache read failed", zap.Int64("customer_id", id), zap.Error(err))
	} else if ok {
		c.storeMem(id, cust, st)
		return cust, true, nil
	}

	cust, err = c.src.GetCustomer(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Customer{}, false, nil
	}
	if err != nil {
		return model.Customer{}, false, err
	}
	c.populate(ctx, cust, st)
	return cust, true, nil
}

// GetAllForTenant reads the tenant's active customers from the store.
func (c *Cache) GetAllForTenant(ctx context.Context, tenantID string) ([]model.Customer, error) {
	return c.src.ListCustomers(ctx, tenantID)
}

// Invalidate drops id from both faster tiers. The next Get reads the store.
func (c *Cache) Invalidate(ctx context.Context, id int64) error {
	c.gens.Compute(id, func(old uint64, _ bool) (uint64, xsync.ComputeOp) {
		return old + 1, xsync.UpdateOp
	})
	c.mem.Delete(id)
	return c.kv.Del(ctx, key(id))
}

// Forget is Invalidate for a deleted customer: it also drops the id's
// generation entry.
func (c *Cache) Forget(ctx context.Context, id int64) error {
	c.epoch.Add(1)
	c.gens.Delete(id)
	c.mem.Delete(id)
	return c.kv.Del(ctx, key(id))
}

// Generations reports how many ids carry a generation entry.
func (c *Cache) Generations() int { return c.gens.Size() }

// Warm loads every active customer of a tenant into both faster tiers.
func (c *Cache) Warm(ctx context.Context, tenantID string) (int, error) {
	list, err := c.src.ListCustomers(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	for _, cust := range list {
		c.populate(ctx, cust, c.stamp(cust.ID))
	}
	c.log.Info("customer cache warmed", zap.String("tenant_id", tenantID), zap.Int("count", len(list)))
	return len(list), nil
}

func (c *Cache) populate(ctx context.Context, cust model.Customer, st stamp) {
	if c.stamp(cust.ID) != st {
		return
	}
	if err := kv.SetJSON(ctx, c.kv, key(cust.ID), cust, c.kvTTL); err != nil {
		c.log.Warn("distributed cache write failed", zap.Int64("customer_id", cust.ID), zap.Error(err))
	} else if c.stamp(cust.ID) != st {
		_ = c.kv.Del(ctx, key(cust.ID))
		return
	}
	c.storeMem(cust.ID, cust, st)
}

func (c *Cache) storeMem(id int64, cust model.Customer, st stamp) {
	e := entry{customer: cust, expires: c.now().Add(c.memTTL)}
	c.gens.Compute(id, func(cur uint64, _ bool) (uint64, xsync.ComputeOp) {
		if cur == st.gen && c.epoch.Load() == st.epoch {
			c.mem.Store(id, e)
		}
		return cur, xsync.CancelOp
	})
}
