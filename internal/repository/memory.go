package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"artlift-orchestrator/internal/models"
)

// MemoryInstallationRepository 内存实现（STORAGE=memory 或测试）
type MemoryInstallationRepository struct {
	mu    sync.RWMutex
	items map[int64]models.Installation
}

// NewMemoryInstallationRepository 创建内存安装仓库
func NewMemoryInstallationRepository() *MemoryInstallationRepository {
	return &MemoryInstallationRepository{items: make(map[int64]models.Installation)}
}

func (r *MemoryInstallationRepository) FindInstallation(_ context.Context, id int64) (*models.Installation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("installation %d: %w", id, ErrNotFound)
	}
	return &inst, nil
}

func (r *MemoryInstallationRepository) ListInstallations(_ context.Context) ([]*models.Installation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Installation, 0, len(r.items))
	for _, inst := range r.items {
		inst := inst
		out = append(out, &inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryInstallationRepository) SaveInstallation(_ context.Context, inst *models.Installation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[inst.ID] = *inst
	return nil
}

func (r *MemoryInstallationRepository) DeleteInstallation(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return fmt.Errorf("installation %d: %w", id, ErrNotFound)
	}
	delete(r.items, id)
	return nil
}

func (r *MemoryInstallationRepository) BulkSetAllInactive(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, inst := range r.items {
		inst.Status = models.StatusInactive
		inst.ResetLiveFlags()
		r.items[id] = inst
	}
	return int64(len(r.items)), nil
}

// MemoryStatsRepository 统计内存实现，读写均为深拷贝
type MemoryStatsRepository struct {
	mu    sync.RWMutex
	items map[int64]*models.StatsAggregate
}

// NewMemoryStatsRepository 创建内存统计仓库
func NewMemoryStatsRepository() *MemoryStatsRepository {
	return &MemoryStatsRepository{items: make(map[int64]*models.StatsAggregate)}
}

func (r *MemoryStatsRepository) FindStats(_ context.Context, installationID int64) (*models.StatsAggregate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.items[installationID]
	if !ok {
		return nil, fmt.Errorf("stats %d: %w", installationID, ErrNotFound)
	}
	return s.Clone(), nil
}

func (r *MemoryStatsRepository) SaveStats(_ context.Context, s *models.StatsAggregate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[s.InstallationID] = s.Clone()
	return nil
}

func (r *MemoryStatsRepository) ListStats(_ context.Context) ([]*models.StatsAggregate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.StatsAggregate, 0, len(r.items))
	for _, s := range r.items {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstallationID < out[j].InstallationID })
	return out, nil
}
