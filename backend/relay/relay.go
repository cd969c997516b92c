package relay

import (
	"context"
	"sync"
	"time"

	"github.com/apoorvaaxo/Codev-A-Real-time-code-editor/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimeout = time.Second
)

// Relay fans outbound messages out to the connections currently
// associated with a room. Delivery is best effort per connection: a dead
// endpoint times out on its own wire and never affects the others.
type Relay struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]map[string]model.Wire
}

func NewRelay(logger *zerolog.Logger) *Relay {
	return &Relay{
		logger: logger.With().Str("component", "relay").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]map[string]model.Wire),
	}
}

func (rl *Relay) Connect(roomID, connID string, wire model.Wire) {
	rl.mx.Lock()
	defer func() {
		rl.mx.Unlock()
		rl.logger.Debug().
			Str("roomID", roomID).
			Str("connID", connID).
			Msg("connection attached")
	}()

	room, ok := rl.fwd[roomID]
	if !ok {
		room = make(map[string]model.Wire)
	}
	room[connID] = wire
	rl.fwd[roomID] = room
}

func (rl *Relay) Disconnect(roomID, connID string) {
	rl.mx.Lock()
	defer func() {
		rl.mx.Unlock()
		rl.logger.Debug().
			Str("roomID", roomID).
			Str("connID", connID).
			Msg("connection detached")
	}()

	room, ok := rl.fwd[roomID]
	if ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(rl.fwd, roomID)
		}
	}
}

// Broadcast delivers msg to every connection associated with roomID,
// skipping excludeConnID if non-empty. Broadcasting into a room with no
// connections is a valid no-op.
func (rl *Relay) Broadcast(ctx context.Context, roomID string, msg model.Message, excludeConnID string) {
	rl.mx.RLock()
	room := rl.fwd[roomID]
	wires := make(map[string]model.Wire, len(room))
	for connID, wire := range room {
		wires[connID] = wire
	}
	rl.mx.RUnlock()

	var sent bool
	for connID, wire := range wires {
		if connID == excludeConnID {
			continue
		}
		delivered, canceled := rl.send(ctx, roomID, connID, msg, wire.TX)
		if canceled {
			break
		}
		if delivered {
			sent = true
		}
	}
	if !sent {
		rl.logger.Debug().
			Str("roomID", roomID).
			Str("event", msg.Event).
			Msg("broadcast did not reach anyone")
	}
}

// Send delivers msg to a single connection in a room, if present.
func (rl *Relay) Send(ctx context.Context, roomID, connID string, msg model.Message) {
	rl.mx.RLock()
	wire, ok := rl.fwd[roomID][connID]
	rl.mx.RUnlock()

	if !ok {
		rl.logger.Debug().
			Str("roomID", roomID).
			Str("connID", connID).
			Str("event", msg.Event).
			Msg("cannot send, connection not found")
		return
	}
	rl.send(ctx, roomID, connID, msg, wire.TX)
}

func (rl *Relay) send(
	ctx context.Context,
	roomID, connID string,
	msg model.Message,
	tx chan<- model.Message,
) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		rl.logger.Error().
			Str("roomID", roomID).
			Str("connID", connID).
			Str("event", msg.Event).
			Msg("dead endpoint")
	case tx <- msg:
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
