package inventory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/neondeck/internal/db"
	"github.com/anstrom/neondeck/internal/errors"
)

// memServices is an in-memory ServiceStore that enforces URL uniqueness the
// way the database does.
type memServices struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]*db.Service
	failNext error
}

func newMemServices(seed ...*db.Service) *memServices {
	m := &memServices{byID: make(map[uuid.UUID]*db.Service)}
	for _, s := range seed {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		if s.Status == "" {
			s.Status = db.StatusActive
		}
		cp := *s
		m.byID[s.ID] = &cp
	}
	return m
}

func (m *memServices) takeErr() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *memServices) all() []*db.Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*db.Service, 0, len(m.byID))
	for _, s := range m.byID {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func (m *memServices) byURL(url string) *db.Service {
	for _, s := range m.all() {
		if s.URL == url {
			return s
		}
	}
	return nil
}

func (m *memServices) ListAll(_ context.Context) ([]*db.Service, error) {
	if err := m.takeErr(); err != nil {
		return nil, err
	}
	return m.all(), nil
}

func (m *memServices) List(_ context.Context, filter db.ServiceFilter) ([]*db.Service, error) {
	var out []*db.Service
	for _, s := range m.all() {
		if s.IsHidden && !filter.IncludeHidden {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(s.Name), strings.ToLower(filter.Search)) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *memServices) GetByID(_ context.Context, id uuid.UUID) (*db.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, errors.ErrNotFound("service")
	}
	cp := *s
	return &cp, nil
}

func (m *memServices) GetByURL(_ context.Context, url string) (*db.Service, error) {
	if s := m.byURL(url); s != nil {
		return s, nil
	}
	return nil, errors.ErrNotFound("service")
}

func (m *memServices) Create(_ context.Context, service *db.Service) error {
	if err := m.takeErr(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byID {
		if s.URL == service.URL {
			return errors.ErrConflict("duplicate url")
		}
	}
	if service.ID == uuid.Nil {
		service.ID = uuid.New()
	}
	if service.Status == "" {
		service.Status = db.StatusActive
	}
	now := time.Now()
	service.FirstDiscovered, service.CreatedAt, service.UpdatedAt = now, now, now
	cp := *service
	m.byID[service.ID] = &cp
	return nil
}

func (m *memServices) Touch(_ context.Context, id uuid.UUID, seenAt time.Time, responseTimeMS *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return errors.ErrNotFound("service")
	}
	s.LastSeen = &seenAt
	s.ResponseTimeMS = responseTimeMS
	s.Status = db.StatusActive
	return nil
}

func (m *memServices) MarkInactive(_ context.Context, ids []uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if s, ok := m.byID[id]; ok && s.Status != db.StatusInactive {
			s.Status = db.StatusInactive
			n++
		}
	}
	return n, nil
}

func (m *memServices) Update(ctx context.Context, id uuid.UUID, patch db.ServicePatch) (*db.Service, error) {
	m.mu.Lock()
	s, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return nil, errors.ErrNotFound("service")
	}
	if patch.Name != nil {
		s.Name = *patch.Name
	}
	if patch.Description != nil {
		s.Description = patch.Description
	}
	switch {
	case patch.ClearCategory:
		s.CategoryID = nil
	case patch.CategoryID != nil:
		s.CategoryID = patch.CategoryID
	}
	if patch.CategoryManual {
		s.IsCategoryManual = true
	}
	if patch.IsManual != nil {
		s.IsManual = *patch.IsManual
	}
	m.mu.Unlock()
	return m.GetByID(ctx, id)
}

func (m *memServices) Hide(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return errors.ErrNotFound("service")
	}
	s.IsHidden = true
	return nil
}

func (m *memServices) Restore(ctx context.Context, id uuid.UUID, restore db.ServiceRestore) (*db.Service, error) {
	m.mu.Lock()
	s, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return nil, errors.ErrNotFound("service")
	}
	s.Name = restore.Name
	s.Description = restore.Description
	s.CategoryID = restore.CategoryID
	s.IsManual = true
	s.IsHidden = false
	if restore.CategoryID != nil {
		s.IsCategoryManual = true
	}
	m.mu.Unlock()
	return m.GetByID(ctx, id)
}

// memCategories is an in-memory CategoryStore.
type memCategories struct {
	list []*db.Category
}

func newMemCategories(names ...string) *memCategories {
	c := &memCategories{}
	for i, name := range names {
		c.list = append(c.list, &db.Category{ID: uuid.New(), Name: name, OrderIndex: i + 1})
	}
	return c
}

func (c *memCategories) id(name string) uuid.UUID {
	for _, cat := range c.list {
		if cat.Name == name {
			return cat.ID
		}
	}
	return uuid.Nil
}

func (c *memCategories) List(_ context.Context) ([]*db.Category, error) {
	return c.list, nil
}

func (c *memCategories) GetByID(_ context.Context, id uuid.UUID) (*db.CategoryWithCount, error) {
	for _, cat := range c.list {
		if cat.ID == id {
			return &db.CategoryWithCount{Category: *cat}, nil
		}
	}
	return nil, errors.ErrNotFound("category")
}

func defaultCategories() *memCategories {
	return newMemCategories("Infrastructure", "Monitoring", "Media", "Automation",
		"Storage", "Development", "Security", "Networking")
}

var (
	_ ServiceStore  = (*memServices)(nil)
	_ CategoryStore = (*memCategories)(nil)
)
