package trips

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/librescoot/librefsm"

	"trip-detector/internal/tracking"
)

const registryShards = 64

// DeviceState is the per-device detection state. Nil pointers mean "never observed".
type DeviceState struct {
	DeviceID     int64
	CurrentTrip  *tracking.Trip
	LastIgnition *bool
	LastMotion   *bool
	LastStopTime *time.Time
	LastPosition *tracking.Position

	machine *librefsm.Machine
}

type deviceEntry struct {
	mu      sync.Mutex
	state   DeviceState
	removed bool
}

type registryShard struct {
	mu      sync.RWMutex
	devices map[int64]*deviceEntry
}

// Registry is a sharded map of device states. Each device has its own lock,
// so work on one device never waits on another.
type Registry struct {
	shards [registryShards]registryShard
	size   atomic.Int64
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].devices = make(map[int64]*deviceEntry)
	}
	return r
}

func (r *Registry) shard(deviceID int64) *registryShard {
	return &r.shards[uint64(deviceID)%registryShards]
}

func (r *Registry) getOrCreate(deviceID int64) *deviceEntry {
	sh := r.shard(deviceID)
	sh.mu.RLock()
	e, ok := sh.devices[deviceID]
	sh.mu.RUnlock()
	if ok {
		return e
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok = sh.devices[deviceID]; ok {
		return e
	}
	e = &deviceEntry{state: DeviceState{DeviceID: deviceID}}
	sh.devices[deviceID] = e
	r.size.Add(1)
	return e
}

// Update runs fn with exclusive access to the device's state, creating the
// state on first sight. Calls for the same device are serialized.
func (r *Registry) Update(deviceID int64, fn func(*DeviceState)) {
	for {
		e := r.getOrCreate(deviceID)
		e.mu.Lock()
		if e.removed {
			// lost a race with Remove; the next lookup creates a fresh entry
			e.mu.Unlock()
			continue
		}
		fn(&e.state)
		e.mu.Unlock()
		return
	}
}

// State returns a copy of the device's state, if known.
func (r *Registry) State(deviceID int64) (DeviceState, bool) {
	sh := r.shard(deviceID)
	sh.mu.RLock()
	e, ok := sh.devices[deviceID]
	sh.mu.RUnlock()
	if !ok {
		return DeviceState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.snapshot(), true
}

// Remove drops the device and returns its last state. Unknown devices are a no-op.
func (r *Registry) Remove(deviceID int64) (DeviceState, bool) {
	sh := r.shard(deviceID)
	sh.mu.Lock()
	e, ok := sh.devices[deviceID]
	if ok {
		delete(sh.devices, deviceID)
		r.size.Add(-1)
	}
	sh.mu.Unlock()
	if !ok {
		return DeviceState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	return e.state.snapshot(), true
}

func (r *Registry) Len() int { return int(r.size.Load()) }

// OpenTrips returns copies of the open trips matching f.
func (r *Registry) OpenTrips(f tracking.Filter) []tracking.Trip {
	var out []tracking.Trip
	r.each(func(s *DeviceState) bool {
		if s.CurrentTrip != nil && f.Matches(*s.CurrentTrip) {
			out = append(out, s.CurrentTrip.Clone())
		}
		return true
	})
	return out
}

// Snapshot returns copies of every open trip.
func (r *Registry) Snapshot() []tracking.Trip {
	var out []tracking.Trip
	r.each(func(s *DeviceState) bool {
		if s.CurrentTrip != nil {
			out = append(out, s.CurrentTrip.Clone())
		}
		return true
	})
	return out
}

// FindOpen looks up an open trip by its provisional reference.
func (r *Registry) FindOpen(ref string) (tracking.Trip, bool) {
	var (
		found tracking.Trip
		ok    bool
	)
	r.each(func(s *DeviceState) bool {
		if s.CurrentTrip != nil && s.CurrentTrip.Ref == ref {
			found, ok = s.CurrentTrip.Clone(), true
			return false
		}
		return true
	})
	return found, ok
}

// each visits every device under its own lock. Entries are collected first
// so the shard lock is never held while waiting on a device.
func (r *Registry) each(fn func(*DeviceState) bool) {
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		entries := make([]*deviceEntry, 0, len(sh.devices))
		for _, e := range sh.devices {
			entries = append(entries, e)
		}
		sh.mu.RUnlock()

		for _, e := range entries {
			e.mu.Lock()
			cont := e.removed || fn(&e.state)
			e.mu.Unlock()
			if !cont {
				return
			}
		}
	}
}

func (s DeviceState) snapshot() DeviceState {
	c := s
	if s.CurrentTrip != nil {
		t := s.CurrentTrip.Clone()
		c.CurrentTrip = &t
	}
	if s.LastIgnition != nil {
		c.LastIgnition = tracking.Ptr(*s.LastIgnition)
	}
	if s.LastMotion != nil {
		c.LastMotion = tracking.Ptr(*s.LastMotion)
	}
	if s.LastStopTime != nil {
		c.LastStopTime = tracking.Ptr(*s.LastStopTime)
	}
	if s.LastPosition != nil {
		c.LastPosition = tracking.Ptr(*s.LastPosition)
	}
	return c
}
