package recording

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Store は録画レコードの永続化を担う
type Store interface {
	Create(ctx context.Context, r *Record) (int64, error)
	Update(ctx context.Context, r *Record) error
	Get(ctx context.Context, id int64) (*Record, error)
	GetByJobID(ctx context.Context, jobID string) (*Record, error)
	ListByStatus(ctx context.Context, status Status) ([]Record, error)
	Recent(ctx context.Context, limit int) ([]Record, error)
	CountByStatus(ctx context.Context, from, to time.Time) (map[Status]int, error)
	Close() error
}

// MemoryStore はメモリ上のStore実装
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	records map[int64]Record

	failWrites bool
}

var errWriteDisabled = errors.New("書き込みが無効化されています")

// SetFailWrites はテスト用に書き込みを失敗させる
func (s *MemoryStore) SetFailWrites(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = v
}

// NewMemoryStore は新しいMemoryStoreを作成する
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int64]Record)}
}

func (s *MemoryStore) Create(_ context.Context, r *Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return 0, errWriteDisabled
	}
	s.nextID++
	r.ID = s.nextID
	s.records[r.ID] = *r
	return r.ID, nil
}

func (s *MemoryStore) Update(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errWriteDisabled
	}
	if _, ok := s.records[r.ID]; !ok {
		return ErrRecordNotFound
	}
	s.records[r.ID] = *r
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &r, nil
}

func (s *MemoryStore) GetByJobID(_ context.Context, jobID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.JobID == jobID {
			rec := r
			return &rec, nil
		}
	}
	return nil, ErrRecordNotFound
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []Record
	for _, r := range s.records {
		if r.Status == status {
			list = append(list, r)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].StartedAt.Equal(list[j].StartedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].StartedAt.After(list[j].StartedAt)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context, from, to time.Time) (map[Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[Status]int)
	for _, r := range s.records {
		if !r.StartedAt.Before(from) && r.StartedAt.Before(to) {
			counts[r.Status]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) Close() error { return nil }
