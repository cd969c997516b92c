package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/apoorvaaxo/Codev-A-Real-time-code-editor/backend/model"
	"github.com/apoorvaaxo/Codev-A-Real-time-code-editor/backend/storage/memory"
	"github.com/rs/zerolog"
)

var (
	ErrGet = errors.New("unable to get room")
)

type (
	RoomStore interface {
		GetOrCreate(roomID string) *memory.Room
		GetRoom(roomID string) (*memory.Room, error)
		Remove(roomID string)
	}

	Relay interface {
		Connect(roomID, connID string, wire model.Wire)
		Disconnect(roomID, connID string)
		Broadcast(ctx context.Context, roomID string, msg model.Message, excludeConnID string)
		Send(ctx context.Context, roomID, connID string, msg model.Message)
	}

	// Service is the room coordinator. It owns all roster and mirror
	// mutation; the relay and the transport never touch room state
	// directly. Mutation and the matching broadcast happen under one
	// per-room lock, so every roster broadcast reflects the roster as
	// left by the event that triggered it.
	Service struct {
		store  RoomStore
		relay  Relay
		logger zerolog.Logger

		mx        sync.Mutex
		roomLocks map[string]*sync.Mutex
	}

	Config struct {
		RoomStore RoomStore
		Relay     Relay
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:     cfg.RoomStore,
		relay:     cfg.Relay,
		logger:    cfg.Logger.With().Str("component", "coordinator").Logger(),
		roomLocks: make(map[string]*sync.Mutex),
	}
}

// Session tracks one connection's room association: unjoined, or joined
// to exactly one room under one peer address. It is owned by the
// connection's reader goroutine.
type Session struct {
	connID      string
	wire        model.Wire
	roomID      string
	peerAddress string
	closeOnce   sync.Once
}

func NewSession(connID string, wire model.Wire) *Session {
	return &Session{
		connID: connID,
		wire:   wire,
	}
}

func (s *Session) ConnID() string {
	return s.connID
}

func (s *Session) RoomID() string {
	return s.roomID
}

// Dispatch decodes and applies one inbound event. Malformed or
// incomplete events are dropped without mutation or broadcast; nothing
// here can fail the connection.
func (svc *Service) Dispatch(ctx context.Context, sess *Session, env model.Envelope) {
	switch env.Event {
	case model.EventJoin:
		var p model.JoinPayload
		if !svc.decode(env, &p) {
			return
		}
		svc.HandleJoin(ctx, sess, p)
	case model.EventCodeChange:
		var p model.CodeChangePayload
		if !svc.decode(env, &p) {
			return
		}
		svc.HandleCodeChange(ctx, sess, p)
	case model.EventLeaveRoom:
		svc.HandleLeave(ctx, sess)
	case model.EventTyping:
		var p model.TypingPayload
		if !svc.decode(env, &p) {
			return
		}
		svc.HandleTyping(ctx, sess, p)
	case model.EventLanguageChange:
		var p model.LanguageChangePayload
		if !svc.decode(env, &p) {
			return
		}
		svc.HandleLanguageChange(ctx, sess, p)
	default:
		svc.logger.Debug().
			Str("event", env.Event).
			Str("connID", sess.connID).
			Msg("dropping unknown event")
	}
}

func (svc *Service) decode(env model.Envelope, into any) bool {
	if err := json.Unmarshal(env.Payload, into); err != nil {
		svc.logger.Debug().
			Err(err).
			Str("event", env.Event).
			Msg("dropping malformed payload")
		return false
	}
	return true
}

func (svc *Service) HandleJoin(ctx context.Context, sess *Session, p model.JoinPayload) {
	if p.RoomID == "" || p.UserName == "" || p.PeerAddress == "" {
		svc.logger.Debug().
			Str("connID", sess.connID).
			Msg("dropping join with missing fields")
		return
	}

	if sess.roomID != "" && sess.roomID != p.RoomID {
		svc.detach(ctx, sess)
	}

	lock := svc.roomLock(p.RoomID)
	lock.Lock()
	defer lock.Unlock()

	room := svc.store.GetOrCreate(p.RoomID)
	if sess.roomID == p.RoomID && sess.peerAddress != p.PeerAddress {
		// same connection re-joined under a new peer address
		room.RemoveParticipant(sess.peerAddress)
	}
	appended := room.Upsert(model.Participant{
		ConnID:      sess.connID,
		UserName:    p.UserName,
		PeerAddress: p.PeerAddress,
	})
	svc.relay.Connect(p.RoomID, sess.connID, sess.wire)
	sess.roomID = p.RoomID
	sess.peerAddress = p.PeerAddress

	svc.relay.Broadcast(ctx, p.RoomID, model.Message{
		Event:   model.EventUserJoined,
		Payload: room.Roster(),
	}, "")
	svc.relay.Send(ctx, p.RoomID, sess.connID, model.Message{
		Event:   model.EventRoomState,
		Payload: room.State(),
	})

	svc.logger.Debug().
		Str("connID", sess.connID).
		Str("roomID", p.RoomID).
		Str("userName", p.UserName).
		Bool("rejoined", !appended).
		Msg("user joined room")
}

// HandleCodeChange trusts the caller-supplied roomID for compatibility
// with the existing client protocol; an unknown roomID springs a
// mirror-only room into existence and the broadcast reaches no one.
func (svc *Service) HandleCodeChange(ctx context.Context, sess *Session, p model.CodeChangePayload) {
	if p.RoomID == "" {
		svc.logger.Debug().
			Str("connID", sess.connID).
			Msg("dropping codeChange with missing roomId")
		return
	}

	lock := svc.roomLock(p.RoomID)
	lock.Lock()
	defer lock.Unlock()

	svc.store.GetOrCreate(p.RoomID).SetCode(p.Code)
	svc.relay.Broadcast(ctx, p.RoomID, model.Message{
		Event:   model.EventCodeUpdate,
		Payload: p.Code,
	}, "")
}

func (svc *Service) HandleLeave(ctx context.Context, sess *Session) {
	if sess.roomID == "" {
		return
	}
	roomID := sess.roomID
	svc.detach(ctx, sess)
	svc.logger.Debug().
		Str("connID", sess.connID).
		Str("roomID", roomID).
		Msg("user left room")
}

// HandleTyping relays a transient notification, excluding the sender.
// Nothing is stored and nothing expires server-side; receivers age the
// indicator out on their own.
func (svc *Service) HandleTyping(ctx context.Context, sess *Session, p model.TypingPayload) {
	if p.RoomID == "" || p.UserName == "" {
		svc.logger.Debug().
			Str("connID", sess.connID).
			Msg("dropping typing with missing fields")
		return
	}
	svc.relay.Broadcast(ctx, p.RoomID, model.Message{
		Event:   model.EventUserTyping,
		Payload: p.UserName,
	}, sess.connID)
}

func (svc *Service) HandleLanguageChange(ctx context.Context, sess *Session, p model.LanguageChangePayload) {
	if p.RoomID == "" || p.Language == "" {
		svc.logger.Debug().
			Str("connID", sess.connID).
			Msg("dropping languageChange with missing fields")
		return
	}

	lock := svc.roomLock(p.RoomID)
	lock.Lock()
	defer lock.Unlock()

	svc.store.GetOrCreate(p.RoomID).SetLanguage(p.Language)
	svc.relay.Broadcast(ctx, p.RoomID, model.Message{
		Event:   model.EventLanguageUpdate,
		Payload: p.Language,
	}, "")
}

// HandleDisconnect applies leave semantics on transport closure. The
// transport may report closure more than once; the removal and its
// broadcast fire exactly once.
func (svc *Service) HandleDisconnect(ctx context.Context, sess *Session) {
	sess.closeOnce.Do(func() {
		connID, roomID := sess.connID, sess.roomID
		svc.detach(ctx, sess)
		svc.logger.Debug().
			Str("connID", connID).
			Str("roomID", roomID).
			Msg("connection disconnected")
	})
}

// RoomSnapshot serves the read-only API.
func (svc *Service) RoomSnapshot(roomID string) (model.Room, error) {
	room, err := svc.store.GetRoom(roomID)
	if err != nil {
		return model.Room{}, errors.Join(ErrGet, err)
	}
	return room.Snapshot(), nil
}

// detach removes the session's participant from its current room,
// broadcasts the updated roster to whoever remains (valid even when the
// room just emptied), and drops the room once empty.
func (svc *Service) detach(ctx context.Context, sess *Session) {
	roomID := sess.roomID
	if roomID == "" {
		return
	}

	lock := svc.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, err := svc.store.GetRoom(roomID)
	if err == nil {
		room.RemoveParticipant(sess.peerAddress)
		svc.relay.Disconnect(roomID, sess.connID)
		svc.relay.Broadcast(ctx, roomID, model.Message{
			Event:   model.EventUserJoined,
			Payload: room.Roster(),
		}, "")
		svc.store.Remove(roomID)
	}
	sess.roomID = ""
	sess.peerAddress = ""
}

func (svc *Service) roomLock(roomID string) *sync.Mutex {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	lock, ok := svc.roomLocks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		svc.roomLocks[roomID] = lock
	}
	return lock
}
