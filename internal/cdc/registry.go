package cdc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"fleettrack/internal/model"
)

// Table applies changes for one source table.
type Table interface {
	Name() string
	Apply(ctx context.Context, ch Change, syncedAt time.Time) error
}

// tableSync binds a typed row mapping to its target store.
type tableSync[T any, K comparable] struct {
	name     string
	key      func(Row) (K, error)
	keyOf    func(T) K
	mapRow   func(Row, time.Time) (T, error)
	upsert   func(context.Context, T) error
	remove   func(context.Context, K) error
	onChange func(context.Context, K) error
	// onRemove replaces onChange after a delete when set.
	onRemove func(context.Context, K) error
}

func (t *tableSync[T, K]) Name() string { return t.name }

// Apply upserts or deletes by primary key; both are idempotent.
func (t *tableSync[T, K]) Apply(ctx context.Context, ch Change, syncedAt time.Time) error {
	var id K
	if ch.IsDelete() {
		k, err := t.key(ch.Row)
		if err != nil {
			return fmt.Errorf("%s delete: %w", t.name, err)
		}
		if err := t.remove(ctx, k); err != nil {
			return fmt.Errorf("%s delete: %w", t.name, err)
		}
		id = k
	} else {
		v, err := t.mapRow(ch.Row, syncedAt)
		if err != nil {
			return fmt.Errorf("%s map: %w", t.name, err)
		}
		if err := t.upsert(ctx, v); err != nil {
			return fmt.Errorf("%s upsert: %w", t.name, err)
		}
		id = t.keyOf(v)
	}
	hook := t.onChange
	if ch.IsDelete() && t.onRemove != nil {
		hook = t.onRemove
	}
	if hook != nil {
		if err := hook(ctx, id); err != nil {
			return fmt.Errorf("%s invalidate: %w", t.name, err)
		}
	}
	return nil
}

// Target is the local store the synchronized tables are written to.
type Target interface {
	UpsertCustomer(ctx context.Context, c model.Customer) error
	DeleteCustomer(ctx context.Context, id int64) error
	UpsertAccount(ctx context.Context, a model.Account) error
	DeleteAccount(ctx context.Context, id int64) error
	UpsertProduct(ctx context.Context, p model.Product) error
	DeleteProduct(ctx context.Context, id int64) error
	UpsertUser(ctx context.Context, u model.User) error
	DeleteUser(ctx context.Context, id string) error
}

// Invalidator drops a customer from the faster lookup tiers.
type Invalidator interface {
	Invalidate(ctx context.Context, id int64) error
}

// Forgetter is implemented by invalidators that also release per-id state
// once the row is deleted.
type Forgetter interface {
	Forget(ctx context.Context, id int64) error
}

// Registry maps topics to tables.
type Registry struct {
	tables map[string]Table
}

func NewRegistry() *Registry { return &Registry{tables: map[string]Table{}} }

func (r *Registry) Register(topic string, t Table) { r.tables[topic] = t }

func (r *Registry) Lookup(topic string) (Table, bool) {
	t, ok := r.tables[topic]
	return t, ok
}

// Topics returns the registered topics in sorted order.
func (r *Registry) Topics() []string {
	out := make([]string, 0, len(r.tables))
	for t := range r.tables {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// TableNames maps each topic to its target table.
func (r *Registry) TableNames() map[string]string {
	out := make(map[string]string, len(r.tables))
	for topic, t := range r.tables {
		out[topic] = t.Name()
	}
	return out
}

func int64Key(r Row) (int64, error) { return r.Int64("id") }

func stringKey(r Row) (string, error) { return r.ID("id") }

// DefaultRegistry wires the four synchronized tables.
func DefaultRegistry(dst Target, inv Invalidator) *Registry {
	r := NewRegistry()
	customers := &tableSync[model.Customer, int64]{
		name:   "customers_cache",
		key:    int64Key,
		keyOf:  func(c model.Customer) int64 { return c.ID },
		mapRow: mapCustomer,
		upsert: dst.UpsertCustomer,
		remove: dst.DeleteCustomer,
	}
	if inv != nil {
		customers.onChange = inv.Invalidate
		if f, ok := inv.(Forgetter); ok {
			customers.onRemove = f.Forget
		}
	}
	r.Register("cdc.customers", customers)
	r.Register("cdc.accounts", &tableSync[model.Account, int64]{
		name:   "accounts_cache",
		key:    int64Key,
		keyOf:  func(a model.Account) int64 { return a.ID },
		mapRow: mapAccount,
		upsert: dst.UpsertAccount,
		remove: dst.DeleteAccount,
	})
	r.Register("cdc.products", &tableSync[model.Product, int64]{
		name:   "products_cache",
		key:    int64Key,
		keyOf:  func(p model.Product) int64 { return p.ID },
		mapRow: mapProduct,
		upsert: dst.UpsertProduct,
		remove: dst.DeleteProduct,
	})
	r.Register("cdc.users", &tableSync[model.User, string]{
		name:   "cached_users",
		key:    stringKey,
		keyOf:  func(u model.User) string { return u.ID },
		mapRow: mapUser,
		upsert: dst.UpsertUser,
		remove: dst.DeleteUser,
	})
	return r
}

func mapCustomer(r Row, syncedAt time.Time) (model.Customer, error) {
	id, err := r.Int64("id")
	if err != nil {
		return model.Customer{}, err
	}
	return model.Customer{
		ID:              id,
		TenantID:        r.String("tenant_id"),
		Name:            r.String("name"),
		Phone:           r.String("phone"),
		Email:           r.String("email"),
		Address:         r.String("address"),
		Latitude:        r.OptFloat("latitude"),
		Longitude:       r.OptFloat("longitude"),
		GeofenceRadiusM: r.IntOr("geofence_radius_meters", 100),
		CustomerType:    r.StringOr("customer_type", "regular"),
		Active:          r.Bool("active"),
		SyncedAt:        syncedAt,
	}, nil
}

func mapAccount(r Row, syncedAt time.Time) (model.Account, error) {
	id, err := r.Int64("id")
	if err != nil {
		return model.Account{}, err
	}
	settings, err := r.Object("settings")
	if err != nil {
		return model.Account{}, err
	}
	return model.Account{
		ID:          id,
		TenantID:    r.String("tenant_id"),
		Name:        r.String("name"),
		AccountType: r.StringOr("account_type", "standard"),
		Settings:    settings,
		SyncedAt:    syncedAt,
	}, nil
}

func mapProduct(r Row, syncedAt time.Time) (model.Product, error) {
	id, err := r.Int64("id")
	if err != nil {
		return model.Product{}, err
	}
	return model.Product{
		ID:        id,
		TenantID:  r.String("tenant_id"),
		Name:      r.String("name"),
		SKU:       r.String("sku"),
		Category:  r.String("category"),
		UnitPrice: r.FloatOr("unit_price", 0),
		Active:    r.Bool("active"),
		SyncedAt:  syncedAt,
	}, nil
}

// mapUser never copies the password column.
func mapUser(r Row, syncedAt time.Time) (model.User, error) {
	id, err := r.ID("id")
	if err != nil {
		return model.User{}, err
	}
	return model.User{
		ID:       id,
		TenantID: r.String("tenant_id"),
		Email:    r.String("email"),
		Name:     r.String("name"),
		Role:     r.String("role"),
		DriverID: r.String("driver_id"),
		Active:   r.Bool("is_active"),
		SyncedAt: syncedAt,
	}, nil
}
