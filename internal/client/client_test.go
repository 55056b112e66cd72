package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/collaboard/internal/board"
	"github.com/MarcoPoloResearchLab/collaboard/internal/registry"
	"github.com/MarcoPoloResearchLab/collaboard/internal/server"
	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type stubServer struct {
	url      string
	conns    chan *websocket.Conn
	inbound  chan server.Envelope
	snapshot server.RoomDataPayload
	gated    bool
	writeMu  sync.Mutex
}

// send serializes writes: the handler goroutine and the test goroutine share
// one socket.
func (s *stubServer) send(t *testing.T, conn *websocket.Conn, envelope server.Envelope) {
	t.Helper()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(envelope); err != nil {
		t.Errorf("stub write failed: %v", err)
	}
}

// startStubServer speaks just enough of the room protocol for the client:
// joinRoom is answered with either a snapshot or passwordRequired, userReady
// with a password status, requestBoardSync with the current snapshot history.
func startStubServer(t *testing.T, snapshot server.RoomDataPayload, gated bool) *stubServer {
	t.Helper()
	stub := &stubServer{
		conns:    make(chan *websocket.Conn, 1),
		inbound:  make(chan server.Envelope, 64),
		snapshot: snapshot,
		gated:    gated,
	}
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		stub.conns <- conn
		for {
			var envelope server.Envelope
			if err := conn.ReadJSON(&envelope); err != nil {
				return
			}
			stub.inbound <- envelope
			switch envelope.Type {
			case server.MessageJoinRoom:
				if stub.gated {
					stub.send(t, conn, server.NewEnvelope(server.MessagePasswordRequired, server.RoomScopedPayload{RoomID: "room-1"}))
					continue
				}
				stub.send(t, conn, server.NewEnvelope(server.MessageRoomData, stub.snapshot))
				stub.send(t, conn, server.NewEnvelope(server.MessageUserRights, server.UserRightsPayload{IsOwner: true}))
			case server.MessageUserReady:
				stub.send(t, conn, server.NewEnvelope(server.MessageRoomPasswordStatus, server.RoomPasswordStatusPayload{IsPasswordProtected: false}))
			case server.MessageRequestBoardSync:
				stub.send(t, conn, server.NewEnvelope(server.MessageBoardSync, server.BoardSyncPayload{History: stub.snapshot.History}))
			}
		}
	}))
	t.Cleanup(httpServer.Close)
	stub.url = "ws" + strings.TrimPrefix(httpServer.URL, "http")
	return stub
}

func (s *stubServer) awaitInbound(t *testing.T, messageType string) server.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case envelope := <-s.inbound:
			if envelope.Type == messageType {
				return envelope
			}
		case <-deadline:
			t.Fatalf("server never received %s", messageType)
		}
	}
}

func encodedHistory(t *testing.T, operations ...board.Operation) []json.RawMessage {
	t.Helper()
	history := make([]json.RawMessage, 0, len(operations))
	for _, op := range operations {
		encoded, err := board.EncodeOperation(op)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		history = append(history, encoded)
	}
	return history
}

func testLine() board.LineStroke {
	return board.LineStroke{
		Start:     board.Point{X: 10, Y: 50},
		End:       board.Point{X: 90, Y: 50},
		Color:     "#ff0000",
		Width:     10,
		Opacity:   1,
		Timestamp: 1,
	}
}

func newJoinedClient(t *testing.T, stub *stubServer, resync time.Duration) *Client {
	t.Helper()
	participant, err := New(Config{
		ServerURL:      stub.url,
		RoomID:         "room-1",
		UserName:       "Ada",
		UserID:         "user-1",
		CanvasWidth:    100,
		CanvasHeight:   100,
		ResyncInterval: resync,
	})
	if err != nil {
		t.Fatalf("client build failed: %v", err)
	}
	t.Cleanup(func() { participant.Close() })
	if err := participant.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return participant
}

func TestClientJoinRendersSnapshotAndAcknowledges(t *testing.T) {
	snapshot := server.RoomDataPayload{
		Users:   []registry.Session{{ConnectionID: "c1", ParticipantID: "user-1", Name: "Ada", Initial: "A"}},
		History: encodedHistory(t, testLine()),
	}
	stub := startStubServer(t, snapshot, false)
	participant := newJoinedClient(t, stub, time.Hour)

	select {
	case <-participant.Joined():
	case <-time.After(2 * time.Second):
		t.Fatalf("join never completed")
	}

	if a := participant.Snapshot().RGBAAt(50, 50).A; a == 0 {
		t.Fatalf("snapshot history must be painted")
	}
	if count := participant.MemberCount(); count != 1 {
		t.Fatalf("unexpected member count: %d", count)
	}

	stub.awaitInbound(t, server.MessageUserReady)

	deadline := time.Now().Add(2 * time.Second)
	for participant.IsOwner() == false {
		if time.Now().After(deadline) {
			t.Fatalf("ownership verdict never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientAppliesLiveEventsAndClear(t *testing.T) {
	stub := startStubServer(t, server.RoomDataPayload{}, false)
	participant := newJoinedClient(t, stub, time.Hour)
	<-participant.Joined()
	conn := <-stub.conns
	stub.awaitInbound(t, server.MessageUserReady)

	encoded, _ := board.EncodeOperation(testLine())
	stub.send(t, conn, server.Envelope{Type: server.MessageDrawEvent, Data: encoded})
	deadline := time.Now().Add(2 * time.Second)
	for participant.Snapshot().RGBAAt(50, 50).A == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("live event never painted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stub.send(t, conn, server.NewEnvelope(server.MessageClearCanvas, nil))
	deadline = time.Now().Add(2 * time.Second)
	for participant.Snapshot().RGBAAt(50, 50).A != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("clear never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientTracksPresence(t *testing.T) {
	stub := startStubServer(t, server.RoomDataPayload{}, false)
	participant := newJoinedClient(t, stub, time.Hour)
	<-participant.Joined()
	conn := <-stub.conns
	stub.awaitInbound(t, server.MessageUserReady)

	session := registry.Session{ConnectionID: "c9", ParticipantID: "user-9", Name: "Bob", Initial: "B"}
	stub.send(t, conn, server.NewEnvelope(server.MessageUserJoined, session))
	stub.send(t, conn, server.NewEnvelope(server.MessageUserCount, server.UserCountPayload{Count: 2}))

	deadline := time.Now().Add(2 * time.Second)
	for participant.MemberCount() != 2 || len(participant.Members()) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("presence never applied: count=%d members=%d",
				participant.MemberCount(), len(participant.Members()))
		}
		time.Sleep(5 * time.Millisecond)
	}

	stub.send(t, conn, server.NewEnvelope(server.MessageUserLeft, server.UserLeftPayload{ConnectionID: "c9", Name: "Bob", UserID: "user-9"}))
	deadline = time.Now().Add(2 * time.Second)
	for len(participant.Members()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("departure never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientPeriodicResyncRequestsLog(t *testing.T) {
	stub := startStubServer(t, server.RoomDataPayload{History: encodedHistory(t, testLine())}, false)
	participant := newJoinedClient(t, stub, 50*time.Millisecond)
	<-participant.Joined()

	stub.awaitInbound(t, server.MessageRequestBoardSync)

	// The boardSync answer repaints the replica from scratch.
	deadline := time.Now().Add(2 * time.Second)
	for participant.Snapshot().RGBAAt(50, 50).A == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("resync never repainted the canvas")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientSurfacesPasswordRequirement(t *testing.T) {
	stub := startStubServer(t, server.RoomDataPayload{}, true)
	participant := newJoinedClient(t, stub, time.Hour)

	deadline := time.Now().Add(2 * time.Second)
	for !participant.PasswordRequired() {
		if time.Now().After(deadline) {
			t.Fatalf("password requirement never surfaced")
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case <-participant.Joined():
		t.Fatalf("gated join must not complete")
	default:
	}
}

func TestClientDrawSendsAndPaintsLocally(t *testing.T) {
	stub := startStubServer(t, server.RoomDataPayload{}, false)
	participant := newJoinedClient(t, stub, time.Hour)
	<-participant.Joined()

	if err := participant.Draw(testLine()); err != nil {
		t.Fatalf("draw failed: %v", err)
	}
	if a := participant.Snapshot().RGBAAt(50, 50).A; a == 0 {
		t.Fatalf("own stroke must paint immediately")
	}

	envelope := stub.awaitInbound(t, server.MessageDrawEvent)
	op, err := board.DecodeOperation(envelope.Data)
	if err != nil {
		t.Fatalf("server received undecodable operation: %v", err)
	}
	if op.(board.LineStroke) != testLine() {
		t.Fatalf("operation mutated in transit: %#v", op)
	}
}
