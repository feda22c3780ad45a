package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"fleettrack/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu        sync.Mutex
	drivers   map[string]model.Driver         // id -> driver
	routes    map[string]model.Route          // id -> route
	visits    map[string]model.PlannedVisit   // id -> visit
	customers map[int64]model.Customer        // id -> customer
	accounts  map[int64]model.Account         // id -> account
	products  map[int64]model.Product         // id -> product
	users     map[string]model.User           // id -> user
	syncState map[string]model.SyncState      // table -> state
	positions map[string]model.DriverPosition // driverId -> latest
}

func NewMemory() *Memory {
	return &Memory{
		drivers:   map[string]model.Driver{},
		routes:    map[string]model.Route{},
		visits:    map[string]model.PlannedVisit{},
		customers: map[int64]model.Customer{},
		accounts:  map[int64]model.Account{},
		products:  map[int64]model.Product{},
		users:     map[string]model.User{},
		syncState: map[string]model.SyncState{},
		positions: map[string]model.DriverPosition{},
	}
}

// PutDriver, PutRoute and PutVisit seed collaborator-owned rows.
func (m *Memory) PutDriver(d model.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = d
}

func (m *Memory) PutRoute(r model.Route) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[r.ID] = r
}

func (m *Memory) PutVisit(v model.PlannedVisit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visits[v.ID] = v
}

func (m *Memory) Visit(id string) (model.PlannedVisit, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.visits[id]
	return v, ok
}

func (m *Memory) Driver(id string) (model.Driver, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	return d, ok
}

func (m *Memory) Account(id int64) (model.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	return a, ok
}

func (m *Memory) Product(id int64) (model.Product, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	return p, ok
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) ListDrivers(context.Context) ([]model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) MarkDriverActive(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.drivers[driverID]; ok {
		d.Status = "active"
		m.drivers[driverID] = d
	}
	return nil
}

func (m *Memory) ActiveRouteForDriver(_ context.Context, driverID string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.routes {
		if r.DriverID == driverID && r.Status == "in_progress" {
			return r, nil
		}
	}
	return model.Route{}, ErrNotFound
}

func (m *Memory) firstVisit(driverID string, match func(status string) bool) (model.PlannedVisit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *model.PlannedVisit
	for _, v := range m.visits {
		if v.DriverID != driverID || !match(v.Status) {
			continue
		}
		if best == nil || v.Sequence < best.Sequence {
			v := v
			best = &v
		}
	}
	if best == nil {
		return model.PlannedVisit{}, ErrNotFound
	}
	return *best, nil
}

func (m *Memory) CurrentVisitForDriver(_ context.Context, driverID string) (model.PlannedVisit, error) {
	return m.firstVisit(driverID, func(s string) bool { return s == model.VisitInProgress })
}

func (m *Memory) NextVisitForDriver(_ context.Context, driverID string) (model.PlannedVisit, error) {
	return m.firstVisit(driverID, model.CanAutoArrive)
}

func (m *Memory) MarkVisitArrived(_ context.Context, visitID string, at time.Time) (model.PlannedVisit, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.visits[visitID]
	if !ok {
		return model.PlannedVisit{}, "", ErrNotFound
	}
	prev := v.Status
	if !model.CanAutoArrive(prev) {
		return model.PlannedVisit{}, prev, ErrConflict
	}
	v.Status = model.VisitArrived
	v.ArrivedAt = &at
	m.visits[visitID] = v
	return v, prev, nil
}

func (m *Memory) GetCustomer(_ context.Context, id int64) (model.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return c, ErrNotFound
	}
	return c, nil
}

func (m *Memory) ListCustomers(_ context.Context, tenantID string) ([]model.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Customer
	for _, c := range m.customers {
		if c.TenantID == tenantID && c.Active {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) UpsertCustomer(_ context.Context, c model.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers[c.ID] = c
	return nil
}

func (m *Memory) DeleteCustomer(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.customers, id)
	return nil
}

func (m *Memory) UpsertAccount(_ context.Context, a model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = a
	return nil
}

func (m *Memory) DeleteAccount(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, id)
	return nil
}

func (m *Memory) UpsertProduct(_ context.Context, p model.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
	return nil
}

func (m *Memory) DeleteProduct(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.products, id)
	return nil
}

func (m *Memory) GetUser(_ context.Context, id string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return u, ErrNotFound
	}
	return u, nil
}

func (m *Memory) UpsertUser(_ context.Context, u model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *Memory) DeleteUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	return nil
}

func (m *Memory) UpsertSyncState(_ context.Context, s model.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.syncState[s.TableName]; ok && cur.LastOffset > s.LastOffset {
		s.LastOffset = cur.LastOffset
	}
	m.syncState[s.TableName] = s
	return nil
}

func (m *Memory) ListSyncStates(context.Context) ([]model.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.SyncState, 0, len(m.syncState))
	for _, s := range m.syncState {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableName < out[j].TableName })
	return out, nil
}

func (m *Memory) UpsertDriverPosition(_ context.Context, p model.DriverPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.DriverID] = p
	return nil
}

func (m *Memory) ListDriverPositions(_ context.Context, tenantID string) ([]model.DriverPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.DriverPosition
	for _, p := range m.positions {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}
