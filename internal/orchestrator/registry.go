package orchestrator

import (
	"sort"
	"sync"

	"camstream/internal/camera"
)

// Registry is the concurrency-safe table of running pipelines, keyed by camera.
// Per-camera start and stop sequencing is the Supervisor's job; the Registry
// only guarantees that each mutation is atomic.
type Registry struct {
	mu    sync.RWMutex
	store Store
}

// NewRegistry constructs a registry backed by an in-memory store.
func NewRegistry() *Registry {
	return NewRegistryWithStore(NewInMemoryStore())
}

// NewRegistryWithStore constructs a registry that uses the given Store.
func NewRegistryWithStore(store Store) *Registry {
	return &Registry{store: store}
}

// Register records h as the pipeline of its camera. It fails if the camera
// already has a pipeline or if h is already being torn down.
func (r *Registry) Register(h *PipelineHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.closing.Load() {
		return ErrHandleClosed
	}
	if _, exists := r.store.GetPipeline(h.CameraID); exists {
		return ErrAlreadyRegistered
	}
	r.store.SetPipeline(h)
	return nil
}

// Get returns the pipeline registered for id.
func (r *Registry) Get(id camera.ID) (*PipelineHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.GetPipeline(id)
}

// RemoveIf deletes the entry for id only while it still refers to h, so a
// late teardown never evicts a newer pipeline.
func (r *Registry) RemoveIf(id camera.ID, h *PipelineHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.store.GetPipeline(id)
	if !ok || cur != h {
		return false
	}
	r.store.DeletePipeline(id)
	return true
}

// List returns every registered pipeline ordered by camera index.
func (r *Registry) List() []*PipelineHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.store.ListCameraIDs()
	sortIDs(ids)
	out := make([]*PipelineHandle, 0, len(ids))
	for _, id := range ids {
		if h, ok := r.store.GetPipeline(id); ok {
			out = append(out, h)
		}
	}
	return out
}

// Len returns the number of registered pipelines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store.ListCameraIDs())
}

func sortIDs(ids []camera.ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Index() < ids[j].Index() })
}
