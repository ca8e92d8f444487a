package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// TemplateMemoryStore is an in-memory template store for development
// mode and tests.
type TemplateMemoryStore struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateMemoryStore creates an empty in-memory template store.
func NewTemplateMemoryStore() *TemplateMemoryStore {
	return &TemplateMemoryStore{templates: make(map[string]*Template)}
}

func (m *TemplateMemoryStore) CreateTemplate(ctx context.Context, t *Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = t.Clone()
	return nil
}

func (m *TemplateMemoryStore) GetTemplate(ctx context.Context, id string) (*Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.templates[id]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	return t.Clone(), nil
}

func (m *TemplateMemoryStore) ListTemplates(ctx context.Context, owner string, limit int) ([]*Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Template
	for _, t := range m.templates {
		if owner != "" && t.Owner != owner {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	result := make([]*Template, len(matched))
	for i, t := range matched {
		result[i] = t.Clone()
	}
	return result, nil
}

func (m *TemplateMemoryStore) DeleteTemplate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.templates[id]; !ok {
		return ErrTemplateNotFound
	}
	delete(m.templates, id)
	return nil
}

func (m *TemplateMemoryStore) BumpTemplateUsage(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.templates[id]
	if !ok {
		return ErrTemplateNotFound
	}
	t.UsageCount++
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Compile-time assertion that TemplateMemoryStore implements
// TemplateStore.
var _ TemplateStore = (*TemplateMemoryStore)(nil)
