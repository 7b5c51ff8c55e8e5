package internal

import (
	"sync"

	"golang.org/x/exp/slog"
)

type RegistryStats struct {
	Control   bool `json:"control"`
	Camera    bool `json:"camera"`
	Observers int  `json:"observers"`
}

// Registry maps roles to peers: at most one control, at most one camera and
// any number of observers. A peer holds at most one role at a time.
type Registry struct {
	logger *slog.Logger

	lock      sync.RWMutex
	control   *Peer
	camera    *Peer
	observers map[*Peer]struct{}
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		observers: make(map[*Peer]struct{}),
	}
}

func (r *Registry) RegisterControl(p *Peer) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.control != nil && r.control != p {
		r.logger.Info("control displaced", slog.String("previous", r.control.ID()), slog.String("id", p.ID()))
	}

	r.release(p)
	r.control = p
	p.role = RoleControl
}

func (r *Registry) RegisterCamera(p *Peer) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.camera != nil && r.camera != p {
		r.logger.Info("camera displaced", slog.String("previous", r.camera.ID()), slog.String("id", p.ID()))
	}

	r.release(p)
	r.camera = p
	p.role = RoleCamera
}

func (r *Registry) RegisterObserver(p *Peer) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.observers[p]; ok {
		return
	}

	r.release(p)
	r.observers[p] = struct{}{}
	p.role = RoleObserver
}

// Register dispatches on role; RoleUnassigned is the same as Unregister.
func (r *Registry) Register(p *Peer, role Role) {
	switch role {
	case RoleControl:
		r.RegisterControl(p)
	case RoleCamera:
		r.RegisterCamera(p)
	case RoleObserver:
		r.RegisterObserver(p)
	default:
		r.Unregister(p)
	}
}

// Unregister is safe to call on a peer that holds no role.
func (r *Registry) Unregister(p *Peer) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.release(p)
	p.role = RoleUnassigned
}

// release clears p from every slot; the caller holds the write lock.
func (r *Registry) release(p *Peer) {
	if r.control == p {
		r.control = nil
	}

	if r.camera == p {
		r.camera = nil
	}

	delete(r.observers, p)
}

func (r *Registry) Control() *Peer {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.control
}

func (r *Registry) Camera() *Peer {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.camera
}

// Observers returns a copy that is safe to iterate without the lock.
func (r *Registry) Observers() []*Peer {
	r.lock.RLock()
	defer r.lock.RUnlock()

	snapshot := make([]*Peer, 0, len(r.observers))
	for p := range r.observers {
		snapshot = append(snapshot, p)
	}

	return snapshot
}

func (r *Registry) Role(p *Peer) Role {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return p.role
}

func (r *Registry) Stats() RegistryStats {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return RegistryStats{
		Control:   r.control != nil,
		Camera:    r.camera != nil,
		Observers: len(r.observers),
	}
}
