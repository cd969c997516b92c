package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/apoorvaaxo/Codev-A-Real-time-code-editor/backend/model"
	"github.com/apoorvaaxo/Codev-A-Real-time-code-editor/backend/relay"
	"github.com/apoorvaaxo/Codev-A-Real-time-code-editor/backend/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() (*Service, *memory.MemStore) {
	logger := zerolog.Nop()
	store := memory.NewMemStore()
	return NewService(Config{
		RoomStore: store,
		Relay:     relay.NewRelay(&logger),
		Logger:    &logger,
	}), store
}

func newTestSession(connID string) *Session {
	return NewSession(connID, model.NewWire())
}

// drain collects everything queued on the session's wire so far.
func drain(sess *Session) []model.Message {
	var msgs []model.Message
	for {
		select {
		case msg := <-sess.wire.TX:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

// lastRoster returns the roster carried by the most recent userJoined
// message, or nil if none arrived.
func lastRoster(t *testing.T, msgs []model.Message) []model.RosterEntry {
	t.Helper()
	var roster []model.RosterEntry
	for _, msg := range msgs {
		if msg.Event == model.EventUserJoined {
			entries, ok := msg.Payload.([]model.RosterEntry)
			require.True(t, ok, "userJoined payload must be a roster")
			roster = entries
		}
	}
	return roster
}

func join(svc *Service, sess *Session, roomID, userName, peerAddress string) {
	svc.HandleJoin(context.Background(), sess, model.JoinPayload{
		RoomID:      roomID,
		UserName:    userName,
		PeerAddress: peerAddress,
	})
}

func TestJoin_TwoParticipants(t *testing.T) {
	svc, store := newTestService()
	alice := newTestSession("c1")
	bob := newTestSession("c2")

	join(svc, alice, "R1", "Alice", "p1")
	join(svc, bob, "R1", "Bob", "p2")

	want := []model.RosterEntry{
		{UserName: "Alice", PeerAddress: "p1"},
		{UserName: "Bob", PeerAddress: "p2"},
	}
	assert.Equal(t, want, lastRoster(t, drain(alice)))
	assert.Equal(t, want, lastRoster(t, drain(bob)))

	room, err := store.GetRoom("R1")
	require.NoError(t, err)
	assert.Equal(t, want, room.Roster())
}

func TestJoin_SenderReceivesRoomState(t *testing.T) {
	svc, _ := newTestService()
	alice := newTestSession("c1")
	bob := newTestSession("c2")

	join(svc, alice, "R1", "Alice", "p1")
	svc.HandleCodeChange(context.Background(), alice, model.CodeChangePayload{RoomID: "R1", Code: "x = 1"})
	svc.HandleLanguageChange(context.Background(), alice, model.LanguageChangePayload{RoomID: "R1", Language: "python"})
	drain(alice)

	join(svc, bob, "R1", "Bob", "p2")

	var state *model.RoomStatePayload
	for _, msg := range drain(bob) {
		if msg.Event == model.EventRoomState {
			p, ok := msg.Payload.(model.RoomStatePayload)
			require.True(t, ok)
			state = &p
		}
	}
	require.NotNil(t, state, "joiner must receive the current mirror")
	assert.Equal(t, "x = 1", state.Code)
	assert.Equal(t, "python", state.Language)

	for _, msg := range drain(alice) {
		assert.NotEqual(t, model.EventRoomState, msg.Event,
			"roomState goes to the joiner only")
	}
}

func TestJoin_IdempotentOnSamePeerAddress(t *testing.T) {
	svc, store := newTestService()
	alice := newTestSession("c1")

	join(svc, alice, "R1", "Alice", "p1")
	join(svc, alice, "R1", "Alice", "p1")

	room, err := store.GetRoom("R1")
	require.NoError(t, err)
	assert.Len(t, room.Roster(), 1)
}

func TestJoin_RefreshesUserName(t *testing.T) {
	svc, store := newTestService()
	alice := newTestSession("c1")
	bob := newTestSession("c2")

	join(svc, alice, "R1", "Alice", "p1")
	join(svc, bob, "R1", "Bob", "p2")
	join(svc, alice, "R1", "Alicia", "p1")

	room, err := store.GetRoom("R1")
	require.NoError(t, err)
	assert.Equal(t, []model.RosterEntry{
		{UserName: "Alicia", PeerAddress: "p1"},
		{UserName: "Bob", PeerAddress: "p2"},
	}, room.Roster())
}

func TestJoin_SwitchRoomsLeavesNoTrace(t *testing.T) {
	svc, store := newTestService()
	alice := newTestSession("c1")
	bob := newTestSession("c2")

	join(svc, alice, "R1", "Alice", "p1")
	join(svc, bob, "R1", "Bob", "p2")
	drain(bob)

	join(svc, alice, "R2", "Alice", "p1")

	room1, err := store.GetRoom("R1")
	require.NoError(t, err)
	assert.Equal(t, []model.RosterEntry{{UserName: "Bob", PeerAddress: "p2"}}, room1.Roster())

	room2, err := store.GetRoom("R2")
	require.NoError(t, err)
	assert.Equal(t, []model.RosterEntry{{UserName: "Alice", PeerAddress: "p1"}}, room2.Roster())
	assert.Equal(t, "R2", alice.RoomID())

	// Bob sees the shrunken roster right away
	assert.Equal(t, []model.RosterEntry{{UserName: "Bob", PeerAddress: "p2"}},
		lastRoster(t, drain(bob)))

	// code updates in R1 no longer reach Alice
	drain(alice)
	svc.HandleCodeChange(context.Background(), bob, model.CodeChangePayload{RoomID: "R1", Code: "y = 2"})
	for _, msg := range drain(alice) {
		assert.NotEqual(t, model.EventCodeUpdate, msg.Event)
	}
}

func TestLeave_RemovesAndNotifiesRemaining(t *testing.T) {
	svc, store := newTestService()
	alice := newTestSession("c1")
	bob := newTestSession("c2")

	join(svc, alice, "R1", "Alice", "p1")
	join(svc, bob, "R1", "Bob", "p2")
	drain(alice)
	drain(bob)

	svc.HandleLeave(context.Background(), alice)

	assert.Equal(t, "", alice.RoomID())
	assert.Equal(t, []model.RosterEntry{{UserName: "Bob", PeerAddress: "p2"}},
		lastRoster(t, drain(bob)))

	room, err := store.GetRoom("R1")
	require.NoError(t, err)
	assert.Len(t, room.Roster(), 1)

	// second leave is a no-op
	svc.HandleLeave(context.Background(), alice)
	assert.Empty(t, drain(bob))
}

func TestLeave_LastParticipantDropsRoom(t *testing.T) {
	svc, store := newTestService()
	alice := newTestSession("c1")

	join(svc, alice, "R1", "Alice", "p1")
	svc.HandleLeave(context.Background(), alice)

	_, err := store.GetRoom("R1")
	assert.ErrorIs(t, err, memory.ErrRoomNotFound)
}

func TestTyping_NoMutationNoEcho(t *testing.T) {
	svc, store := newTestService()
	alice := newTestSession("c1")
	bob := newTestSession("c2")

	join(svc, alice, "R1", "Alice", "p1")
	join(svc, bob, "R1", "Bob", "p2")
	drain(alice)
	drain(bob)

	svc.HandleTyping(context.Background(), alice, model.TypingPayload{RoomID: "R1", UserName: "Alice"})

	msgs := drain(bob)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.EventUserTyping, msgs[0].Event)
	assert.Equal(t, "Alice", msgs[0].Payload)

	assert.Empty(t, drain(alice), "typing must not echo to its sender")

	room, err := store.GetRoom("R1")
	require.NoError(t, err)
	assert.Len(t, room.Roster(), 2)

	// typing into a room nobody joined creates nothing
	svc.HandleTyping(context.Background(), alice, model.TypingPayload{RoomID: "ghost", UserName: "Alice"})
	_, err = store.GetRoom("ghost")
	assert.ErrorIs(t, err, memory.ErrRoomNotFound)
}

func TestCodeChange_EmptyRoomIsSilent(t *testing.T) {
	svc, store := newTestService()
	alice := newTestSession("c1")

	svc.HandleCodeChange(context.Background(), alice, model.CodeChangePayload{
		RoomID: "R1",
		Code:   "print(1)",
	})

	room, err := store.GetRoom("R1")
	require.NoError(t, err)
	assert.Equal(t, "print(1)", room.Snapshot().CurrentCode)
	assert.Empty(t, room.Roster())
	assert.Empty(t, drain(alice))
}

func TestCodeChange_BroadcastIncludesSender(t *testing.T) {
	svc, _ := newTestService()
	alice := newTestSession("c1")
	bob := newTestSession("c2")

	join(svc, alice, "R1", "Alice", "p1")
	join(svc, bob, "R1", "Bob", "p2")
	drain(alice)
	drain(bob)

	svc.HandleCodeChange(context.Background(), alice, model.CodeChangePayload{RoomID: "R1", Code: "x = 1"})

	for _, sess := range []*Session{alice, bob} {
		msgs := drain(sess)
		require.Len(t, msgs, 1)
		assert.Equal(t, model.EventCodeUpdate, msgs[0].Event)
		assert.Equal(t, "x = 1", msgs[0].Payload)
	}
}

func TestLanguageChange_UpdatesMirrorAndBroadcasts(t *testing.T) {
	svc, store := newTestService()
	alice := newTestSession("c1")
	bob := newTestSession("c2")

	join(svc, alice, "R1", "Alice", "p1")
	join(svc, bob, "R1", "Bob", "p2")
	drain(alice)
	drain(bob)

	svc.HandleLanguageChange(context.Background(), alice, model.LanguageChangePayload{
		RoomID:   "R1",
		Language: "go",
	})

	room, err := store.GetRoom("R1")
	require.NoError(t, err)
	assert.Equal(t, "go", room.Snapshot().CurrentLanguage)

	for _, sess := range []*Session{alice, bob} {
		msgs := drain(sess)
		require.Len(t, msgs, 1)
		assert.Equal(t, model.EventLanguageUpdate, msgs[0].Event)
		assert.Equal(t, "go", msgs[0].Payload)
	}
}

func TestDisconnect_FiresExactlyOnce(t *testing.T) {
	svc, store := newTestService()
	alice := newTestSession("c1")
	bob := newTestSession("c2")

	join(svc, alice, "R1", "Alice", "p1")
	join(svc, bob, "R1", "Bob", "p2")
	drain(bob)

	svc.HandleDisconnect(context.Background(), alice)
	svc.HandleDisconnect(context.Background(), alice)

	room, err := store.GetRoom("R1")
	require.NoError(t, err)
	assert.Equal(t, []model.RosterEntry{{UserName: "Bob", PeerAddress: "p2"}}, room.Roster())

	rosterBroadcasts := 0
	for _, msg := range drain(bob) {
		if msg.Event == model.EventUserJoined {
			rosterBroadcasts++
		}
	}
	assert.Equal(t, 1, rosterBroadcasts, "repeated transport closure must not re-broadcast")
}

func TestPeerAddressNeverDuplicated(t *testing.T) {
	svc, store := newTestService()
	a := newTestSession("c1")
	b := newTestSession("c2")

	steps := []func(){
		func() { join(svc, a, "R1", "Alice", "p1") },
		func() { join(svc, a, "R1", "Alice", "p1") },
		func() { join(svc, b, "R1", "Alice2", "p1") },
		func() { svc.HandleLeave(context.Background(), a) },
		func() { join(svc, a, "R1", "Alice", "p1") },
		func() { svc.HandleDisconnect(context.Background(), b) },
		func() { join(svc, a, "R2", "Alice", "p1") },
		func() { join(svc, a, "R1", "Alice", "p1") },
	}
	for i, step := range steps {
		step()
		for _, roomID := range []string{"R1", "R2"} {
			room, err := store.GetRoom(roomID)
			if err != nil {
				continue
			}
			seen := map[string]int{}
			for _, entry := range room.Roster() {
				seen[entry.PeerAddress]++
			}
			for addr, n := range seen {
				assert.Equalf(t, 1, n, "step %d: %s duplicated in %s", i, addr, roomID)
			}
		}
	}
}

func TestDispatch_RoutesEvents(t *testing.T) {
	svc, store := newTestService()
	alice := newTestSession("c1")

	payload, err := json.Marshal(model.JoinPayload{RoomID: "R1", UserName: "Alice", PeerAddress: "p1"})
	require.NoError(t, err)
	svc.Dispatch(context.Background(), alice, model.Envelope{Event: model.EventJoin, Payload: payload})

	room, err := store.GetRoom("R1")
	require.NoError(t, err)
	assert.Len(t, room.Roster(), 1)

	svc.Dispatch(context.Background(), alice, model.Envelope{Event: model.EventLeaveRoom})
	_, err = store.GetRoom("R1")
	assert.ErrorIs(t, err, memory.ErrRoomNotFound)
}

func TestDispatch_DropsMalformedEvents(t *testing.T) {
	svc, store := newTestService()
	alice := newTestSession("c1")

	// broken json payload
	svc.Dispatch(context.Background(), alice, model.Envelope{
		Event:   model.EventJoin,
		Payload: json.RawMessage(`{"roomId":`),
	})
	// missing fields
	svc.Dispatch(context.Background(), alice, model.Envelope{
		Event:   model.EventJoin,
		Payload: json.RawMessage(`{"roomId":"R1"}`),
	})
	// unknown event
	svc.Dispatch(context.Background(), alice, model.Envelope{Event: "selfDestruct"})

	_, err := store.GetRoom("R1")
	assert.ErrorIs(t, err, memory.ErrRoomNotFound)
	assert.Equal(t, "", alice.RoomID())
	assert.Empty(t, drain(alice))
}

func TestRoomSnapshot(t *testing.T) {
	svc, _ := newTestService()
	alice := newTestSession("c1")

	_, err := svc.RoomSnapshot("R1")
	assert.ErrorIs(t, err, memory.ErrRoomNotFound)

	join(svc, alice, "R1", "Alice", "p1")
	svc.HandleCodeChange(context.Background(), alice, model.CodeChangePayload{RoomID: "R1", Code: "x"})

	snap, err := svc.RoomSnapshot("R1")
	require.NoError(t, err)
	assert.Equal(t, "R1", snap.ID)
	assert.Equal(t, "x", snap.CurrentCode)
	require.Len(t, snap.Participants, 1)
	assert.Equal(t, "Alice", snap.Participants[0].UserName)
}
