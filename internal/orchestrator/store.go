package orchestrator

import "camstream/internal/camera"

// Store is the persistence abstraction for pipeline handles.
// The Registry serialises all access; implementations need not be safe for
// concurrent use.
type Store interface {
	GetPipeline(id camera.ID) (*PipelineHandle, bool)
	SetPipeline(h *PipelineHandle)
	DeletePipeline(id camera.ID)
	ListCameraIDs() []camera.ID
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	pipelines map[camera.ID]*PipelineHandle
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		pipelines: make(map[camera.ID]*PipelineHandle),
	}
}

// GetPipeline implements Store.GetPipeline.
func (s *InMemoryStore) GetPipeline(id camera.ID) (*PipelineHandle, bool) {
	h, ok := s.pipelines[id]
	return h, ok
}

// SetPipeline implements Store.SetPipeline.
func (s *InMemoryStore) SetPipeline(h *PipelineHandle) {
	s.pipelines[h.CameraID] = h
}

// DeletePipeline implements Store.DeletePipeline.
func (s *InMemoryStore) DeletePipeline(id camera.ID) {
	delete(s.pipelines, id)
}

// ListCameraIDs implements Store.ListCameraIDs.
func (s *InMemoryStore) ListCameraIDs() []camera.ID {
	ids := make([]camera.ID, 0, len(s.pipelines))
	for id := range s.pipelines {
		ids = append(ids, id)
	}
	return ids
}
