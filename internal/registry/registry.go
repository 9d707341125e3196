// Package registry is the authoritative in-memory table of room membership.
// It does no networking: the relay registers and removes connections here and
// the presence query reads snapshots from it.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRoomFull is returned by Join when a room is at its occupancy limit.
var ErrRoomFull = errors.New("room is full")

// Participant is one authenticated identity in a room.
type Participant struct {
	ID          string
	DisplayName string
}

// Registration is one live control connection for a participant. ConnID
// distinguishes a superseded connection from its successor so that the old
// connection's teardown cannot evict the new one.
type Registration struct {
	Participant
	ConnID   string
	JoinedAt time.Time
}

// Snapshot is an ordered, versioned view of a room's membership. Version is
// bumped on every join and leave; consumers compare versions, never clocks.
type Snapshot struct {
	RoomID  string
	Version uint64
	Members []Participant
}

// JoinResult reports the outcome of a Join.
type JoinResult struct {
	Registration Registration
	Snapshot     Snapshot
	// Evicted is the previous registration for the same identity, if the
	// join superseded one.
	Evicted *Registration
}

// Registry maps room IDs to member lists. Mutations within one room are
// serialized by a per-room mutex; different rooms never block each other.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room

	// versions holds the final version of rooms that were emptied and
	// deleted. A recreated room is seeded from it, so a room ID's version
	// never restarts and pollers cannot mistake a new incarnation for
	// stale data.
	versions map[string]uint64

	// MaxOccupancy caps members per room. Zero means unlimited. Joining
	// with an identity already present never counts against the cap.
	MaxOccupancy int
}

type room struct {
	mu      sync.Mutex
	id      string
	version uint64
	members []Registration // join order
	// gone marks a room deleted from the registry map; a Join that raced
	// with the deletion retries against a fresh room.
	gone bool
}

func New() *Registry {
	return &Registry{
		rooms:    make(map[string]*room),
		versions: make(map[string]uint64),
	}
}

// Join adds a participant to a room, creating the room on first join. If the
// identity is already registered the old registration is evicted first and
// returned so the relay can close its connection with reason "superseded".
func (r *Registry) Join(roomID string, p Participant) (JoinResult, error) {
	for {
		rm := r.getOrCreate(roomID)
		rm.mu.Lock()
		if rm.gone {
			rm.mu.Unlock()
			continue
		}

		var evicted *Registration
		for i, m := range rm.members {
			if m.ID == p.ID {
				old := m
				evicted = &old
				rm.members = append(rm.members[:i], rm.members[i+1:]...)
				break
			}
		}

		if evicted == nil && r.MaxOccupancy > 0 && len(rm.members) >= r.MaxOccupancy {
			rm.mu.Unlock()
			return JoinResult{}, ErrRoomFull
		}

		reg := Registration{
			Participant: p,
			ConnID:      uuid.NewString(),
			JoinedAt:    time.Now(),
		}
		rm.members = append(rm.members, reg)
		rm.version++
		snap := rm.snapshotLocked()
		rm.mu.Unlock()

		return JoinResult{Registration: reg, Snapshot: snap, Evicted: evicted}, nil
	}
}

// Leave removes the registration identified by connID. It is a no-op when
// the identity has already left or has been superseded by a newer
// connection. The returned snapshot reflects the room after removal; ok
// reports whether anything was removed. An emptied room is deleted
// immediately.
func (r *Registry) Leave(roomID, participantID, connID string) (Snapshot, bool) {
	r.mu.RLock()
	rm := r.rooms[roomID]
	r.mu.RUnlock()
	if rm == nil {
		return Snapshot{RoomID: roomID}, false
	}

	rm.mu.Lock()
	removed := false
	for i, m := range rm.members {
		if m.ID == participantID && m.ConnID == connID {
			rm.members = append(rm.members[:i], rm.members[i+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		snap := rm.snapshotLocked()
		rm.mu.Unlock()
		return snap, false
	}

	rm.version++
	snap := rm.snapshotLocked()
	empty := len(rm.members) == 0
	if empty {
		rm.gone = true
	}
	rm.mu.Unlock()

	if empty {
		r.mu.Lock()
		if r.rooms[roomID] == rm {
			delete(r.rooms, roomID)
			r.versions[roomID] = snap.Version
		}
		r.mu.Unlock()
	}
	return snap, true
}

// Snapshot returns the current membership of a room, ordered by join time.
// ok is false when the room does not exist.
func (r *Registry) Snapshot(roomID string) (Snapshot, bool) {
	r.mu.RLock()
	rm := r.rooms[roomID]
	r.mu.RUnlock()
	if rm == nil {
		return Snapshot{RoomID: roomID}, false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.gone {
		return Snapshot{RoomID: roomID}, false
	}
	return rm.snapshotLocked(), true
}

// RoomCount reports how many rooms currently hold at least one member.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *Registry) getOrCreate(roomID string) *room {
	r.mu.RLock()
	rm := r.rooms[roomID]
	r.mu.RUnlock()
	if rm != nil {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm = r.rooms[roomID]; rm == nil {
		rm = &room{id: roomID, version: r.versions[roomID]}
		r.rooms[roomID] = rm
	}
	return rm
}

func (rm *room) snapshotLocked() Snapshot {
	members := make([]Participant, len(rm.members))
	for i, m := range rm.members {
		members[i] = m.Participant
	}
	return Snapshot{RoomID: rm.id, Version: rm.version, Members: members}
}
