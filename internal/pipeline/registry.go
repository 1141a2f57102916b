package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// FirstExternalID is the first id handed to externally attached cameras.
// Internal cameras count up from zero.
const FirstExternalID = 1000

var (
	ErrCameraExists   = errors.New("pipeline: camera already registered")
	ErrCameraNotFound = errors.New("pipeline: camera not found")
)

// Registry tracks the cameras known to the process.
type Registry struct {
	mu           sync.RWMutex
	byID         map[int]*Camera
	byName       map[string]int
	nextInternal int
	nextExternal int
}

func NewRegistry() *Registry {
	return &Registry{
		byID:         make(map[int]*Camera),
		byName:       make(map[string]int),
		nextExternal: FirstExternalID,
	}
}

// Add registers cam and returns its numeric id. Ids are never reused.
func (r *Registry) Add(cam *Camera, external bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[cam.Name()]; ok {
		return 0, fmt.Errorf("%s: %w", cam.Name(), ErrCameraExists)
	}
	var id int
	if external {
		id = r.nextExternal
		r.nextExternal++
	} else {
		if r.nextInternal >= FirstExternalID {
			return 0, errors.New("pipeline: internal camera ids exhausted")
		}
		id = r.nextInternal
		r.nextInternal++
	}
	r.byID[id] = cam
	r.byName[cam.Name()] = id
	diagf("registered camera %s as %d", cam.Name(), id)
	return id, nil
}

// Remove stops and unregisters the camera with the given id.
func (r *Registry) Remove(id int) error {
	r.mu.Lock()
	cam, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byName, cam.Name())
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("id %d: %w", id, ErrCameraNotFound)
	}
	cam.Stop()
	return nil
}

func (r *Registry) Get(id int) (*Camera, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cam, ok := r.byID[id]
	return cam, ok
}

// Lookup finds a camera by name.
func (r *Registry) Lookup(name string) (int, *Camera, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return 0, nil, false
	}
	return id, r.byID[id], true
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []int {
	r.mu.RLock()
	ids := make([]int, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Ints(ids)
	return ids
}

// StopAll stops every registered camera.
func (r *Registry) StopAll() {
	r.mu.RLock()
	cams := make([]*Camera, 0, len(r.byID))
	for _, c := range r.byID {
		cams = append(cams, c)
	}
	r.mu.RUnlock()
	for _, c := range cams {
		c.Stop()
	}
}
