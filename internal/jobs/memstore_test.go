package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

type idemEntry struct {
	jobID     string
	createdAt time.Time
}

// memoryStore is an in-memory Store for queue tests.
type memoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	logs map[string][]string
	idem map[string]idemEntry
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		jobs: make(map[string]*Job),
		logs: make(map[string][]string),
		idem: make(map[string]idemEntry),
	}
}

func (m *memoryStore) Put(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *memoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id].Clone(), nil
}

func (m *memoryStore) Update(_ context.Context, id string, mutate func(*Job)) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	next := job.Clone()
	mutate(next)
	next.UpdatedAt = time.Now()
	m.jobs[id] = next
	return next.Clone(), nil
}

func (m *memoryStore) List(_ context.Context, limit int, state State) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, job := range m.jobs {
		if state != "" && job.State != state {
			continue
		}
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) AppendLog(_ context.Context, id, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[id] = append(m.logs[id], line)
	return nil
}

func (m *memoryStore) TailLog(_ context.Context, id string, n int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines := m.logs[id]
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return append([]string(nil), lines...), nil
}

func (m *memoryStore) GetIdempotency(_ context.Context, key string) (string, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.idem[key]
	return e.jobID, e.createdAt, nil
}

func (m *memoryStore) PutIdempotency(_ context.Context, key, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idem[key] = idemEntry{jobID: jobID, createdAt: time.Now()}
	return nil
}

func (m *memoryStore) state(id string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		return job.State
	}
	return ""
}
