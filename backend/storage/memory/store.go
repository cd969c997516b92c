package memory

import (
	"errors"
	"sync"

	"github.com/apoorvaaxo/Codev-A-Real-time-code-editor/backend/model"
)

var (
	ErrRoomNotFound = errors.New("room is not found")
)

// Room holds one room's roster and document mirror. The roster keeps
// insertion order; a peer address appears at most once.
type Room struct {
	mx           *sync.Mutex
	id           string
	participants []model.Participant
	code         string
	language     string
}

func newRoom(id string) *Room {
	return &Room{
		mx: &sync.Mutex{},
		id: id,
	}
}

func (r *Room) ID() string {
	return r.id
}

// Upsert adds a participant or, if the peer address is already present,
// refreshes its userName and connection in place keeping the roster
// position. Reports whether a new entry was appended.
func (r *Room) Upsert(p model.Participant) bool {
	r.mx.Lock()
	defer r.mx.Unlock()

	for i, existing := range r.participants {
		if existing.PeerAddress == p.PeerAddress {
			r.participants[i] = p
			return false
		}
	}
	r.participants = append(r.participants, p)
	return true
}

// RemoveParticipant removes the entry with the given peer address.
// Reports whether an entry was actually removed.
func (r *Room) RemoveParticipant(peerAddress string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()

	for i, p := range r.participants {
		if p.PeerAddress == peerAddress {
			r.participants = append(r.participants[:i], r.participants[i+1:]...)
			return true
		}
	}
	return false
}

// Roster returns the current participant list in insertion order.
func (r *Room) Roster() []model.RosterEntry {
	r.mx.Lock()
	defer r.mx.Unlock()

	roster := make([]model.RosterEntry, 0, len(r.participants))
	for _, p := range r.participants {
		roster = append(roster, model.RosterEntry{
			UserName:    p.UserName,
			PeerAddress: p.PeerAddress,
		})
	}
	return roster
}

func (r *Room) Empty() bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.participants) == 0
}

func (r *Room) SetCode(code string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.code = code
}

func (r *Room) SetLanguage(language string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.language = language
}

// State returns the document mirror for join-time sync.
func (r *Room) State() model.RoomStatePayload {
	r.mx.Lock()
	defer r.mx.Unlock()
	return model.RoomStatePayload{
		Code:     r.code,
		Language: r.language,
	}
}

// Snapshot copies the whole room for read-only API responses.
func (r *Room) Snapshot() model.Room {
	r.mx.Lock()
	defer r.mx.Unlock()

	participants := make([]model.Participant, len(r.participants))
	copy(participants, r.participants)
	return model.Room{
		ID:              r.id,
		Participants:    participants,
		CurrentCode:     r.code,
		CurrentLanguage: r.language,
	}
}

// MemStore is the process-wide room registry. Rooms spring into existence
// on first reference and are dropped once their roster empties.
type MemStore struct {
	mx *sync.Mutex
	db map[string]*Room
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx: &sync.Mutex{},
		db: make(map[string]*Room),
	}
}

func (ms *MemStore) GetOrCreate(roomID string) *Room {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		room = newRoom(roomID)
		ms.db[roomID] = room
	}
	return room
}

func (ms *MemStore) GetRoom(roomID string) (*Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// Remove drops a room from the registry. Rooms that still have
// participants are never dropped.
func (ms *MemStore) Remove(roomID string) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return
	}
	if room.Empty() {
		delete(ms.db, roomID)
	}
}
