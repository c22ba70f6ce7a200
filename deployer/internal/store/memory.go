package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/searchdeploy/deployer/internal/models"
)

type MemoryStore struct {
	mu          sync.RWMutex
	deployments map[uuid.UUID]models.Deployment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deployments: map[uuid.UUID]models.Deployment{}}
}

func copyBuild(build *int64) *int64 {
	if build == nil {
		return nil
	}
	b := *build
	return &b
}

func (m *MemoryStore) CreateDeployment(ctx context.Context, d models.Deployment) (models.Deployment, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	d.Build = copyBuild(d.Build)
	d.CreatedAt = now
	d.UpdatedAt = now
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deployments[d.ID] = d
	return d, nil
}

func (m *MemoryStore) UpdateDeployment(ctx context.Context, d models.Deployment) (models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.deployments[d.ID]
	if !ok {
		return models.Deployment{}, ErrNotFound
	}
	existing.Build = copyBuild(d.Build)
	existing.State = d.State
	existing.Endpoint = d.Endpoint
	existing.LastError = d.LastError
	existing.UpdatedAt = time.Now().UTC()
	m.deployments[d.ID] = existing
	return existing, nil
}

func (m *MemoryStore) GetDeployment(ctx context.Context, id uuid.UUID) (models.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deployments[id]
	if !ok {
		return models.Deployment{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) ListDeployments(ctx context.Context, filter ListDeploymentsFilter) ([]models.Deployment, error) {
	m.mu.RLock()
	var out []models.Deployment
	for _, d := range m.deployments {
		if filter.Tenant != "" && d.Tenant != filter.Tenant {
			continue
		}
		if filter.Application != "" && d.Application != filter.Application {
			continue
		}
		if filter.Instance != "" && d.Instance != filter.Instance {
			continue
		}
		if filter.State != "" && d.State != filter.State {
			continue
		}
		out = append(out, d)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit := normalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
