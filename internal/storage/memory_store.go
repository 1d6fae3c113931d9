package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/fleet-dispatch/internal/models"
)

// MemoryStore keeps orders, drivers, companies and users in process. Reads
// return copies so callers never hold references into the store.
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[string]*models.Order
	drivers   map[string]*models.Driver
	companies map[string]*models.Company
	users     map[string]*models.User
	// driver uuid -> user uuid
	driverUsers map[string]string
	// company uuid -> order type -> definition
	flows map[string]map[string][]byte
	// order uuid -> notification claim expiry
	claims map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[string]*models.Order),
		drivers:     make(map[string]*models.Driver),
		companies:   make(map[string]*models.Company),
		users:       make(map[string]*models.User),
		driverUsers: make(map[string]string),
		flows:       make(map[string]map[string][]byte),
		claims:      make(map[string]time.Time),
	}
}

func (m *MemoryStore) SaveOrder(o *models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.UUID] = cloneOrder(o)
	if o.Company != nil {
		if _, ok := m.companies[o.Company.UUID]; !ok {
			c := *o.Company
			m.companies[c.UUID] = &c
		}
	}
}

func (m *MemoryStore) SaveCompany(c *models.Company) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.companies[c.UUID] = &cp
}

func (m *MemoryStore) SaveUser(u *models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.UUID] = &cp
}

// SaveDriver stores the driver and links its user, if any, by uuid.
func (m *MemoryStore) SaveDriver(d *models.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	cp.Company, cp.User = nil, nil
	cp.Location = clonePoint(d.Location)
	m.drivers[d.UUID] = &cp
	if d.User != nil {
		u := *d.User
		m.users[u.UUID] = &u
		m.driverUsers[d.UUID] = u.UUID
	}
	if d.Company != nil {
		if _, ok := m.companies[d.Company.UUID]; !ok {
			c := *d.Company
			m.companies[c.UUID] = &c
		}
	}
}

func (m *MemoryStore) SaveFlow(companyUUID, orderType string, definition []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flows[companyUUID] == nil {
		m.flows[companyUUID] = make(map[string][]byte)
	}
	m.flows[companyUUID][orderType] = append([]byte(nil), definition...)
}

func (m *MemoryStore) GetOrder(_ context.Context, uuid string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[uuid]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", uuid, ErrNotFound)
	}
	out := cloneOrder(o)
	if c, ok := m.companies[o.CompanyUUID]; ok {
		cp := *c
		out.Company = &cp
	}
	return out, nil
}

func (m *MemoryStore) MarkDispatched(_ context.Context, uuid string, mark DispatchMark) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[uuid]
	if !ok {
		return false, fmt.Errorf("order %s: %w", uuid, ErrNotFound)
	}
	if o.Dispatched {
		return false, nil
	}
	at := mark.At
	o.Dispatched = true
	o.DispatchedAt = &at
	o.UpdatedAt = at
	if mark.Activity != nil {
		a := *mark.Activity
		o.Status = a.Code
		o.Activities = append(o.Activities, a)
	}
	return true, nil
}

func (m *MemoryStore) ClaimNotification(_ context.Context, uuid string, now time.Time, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[uuid]
	if !ok {
		return false, fmt.Errorf("order %s: %w", uuid, ErrNotFound)
	}
	if o.DriverNotifiedAt != nil {
		return false, nil
	}
	if until, held := m.claims[uuid]; held && until.After(now) {
		return false, nil
	}
	m.claims[uuid] = now.Add(lease)
	return true, nil
}

func (m *MemoryStore) ReleaseNotification(_ context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[uuid]; !ok {
		return fmt.Errorf("order %s: %w", uuid, ErrNotFound)
	}
	delete(m.claims, uuid)
	return nil
}

func (m *MemoryStore) MarkDriverNotified(_ context.Context, uuid string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[uuid]
	if !ok {
		return fmt.Errorf("order %s: %w", uuid, ErrNotFound)
	}
	o.DriverNotifiedAt = &at
	delete(m.claims, uuid)
	return nil
}

func (m *MemoryStore) GetDriver(_ context.Context, uuid string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[uuid]
	if !ok {
		return nil, fmt.Errorf("driver %s: %w", uuid, ErrNotFound)
	}
	out := *d
	out.Location = clonePoint(d.Location)
	if c, ok := m.companies[d.CompanyUUID]; ok {
		cp := *c
		out.Company = &cp
	}
	if u, ok := m.users[m.driverUsers[uuid]]; ok {
		cp := *u
		out.User = &cp
	}
	return &out, nil
}

func (m *MemoryStore) UpdateDriverLocation(_ context.Context, uuid string, p models.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[uuid]
	if !ok {
		return fmt.Errorf("driver %s: %w", uuid, ErrNotFound)
	}
	d.Location = &p
	d.Updated = time.Now()
	return nil
}

func (m *MemoryStore) GetCompany(_ context.Context, uuid string) (*models.Company, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.companies[uuid]
	if !ok {
		return nil, fmt.Errorf("company %s: %w", uuid, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) FlowDefinition(_ context.Context, companyUUID, orderType string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byType := m.flows[companyUUID]
	if def, ok := byType[orderType]; ok {
		return def, nil
	}
	if def, ok := byType["default"]; ok {
		return def, nil
	}
	return nil, fmt.Errorf("flow %s/%s: %w", companyUUID, orderType, ErrNotFound)
}

func cloneOrder(o *models.Order) *models.Order {
	out := *o
	out.Company = nil
	out.Pickup = clonePoint(o.Pickup)
	out.Dropoff = clonePoint(o.Dropoff)
	out.AdhocDistance = cloneFloat(o.AdhocDistance)
	out.DispatchedAt = cloneTime(o.DispatchedAt)
	out.DriverNotifiedAt = cloneTime(o.DriverNotifiedAt)
	if o.Activities != nil {
		out.Activities = make([]models.Activity, len(o.Activities))
		for i, a := range o.Activities {
			a.Location = clonePoint(a.Location)
			out.Activities[i] = a
		}
	}
	if o.Meta != nil {
		out.Meta = make(map[string]any, len(o.Meta))
		for k, v := range o.Meta {
			out.Meta[k] = v
		}
	}
	return &out
}

func clonePoint(p *models.Point) *models.Point {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
