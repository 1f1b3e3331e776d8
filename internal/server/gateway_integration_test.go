package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/formdeck/internal/auth"
	"github.com/gorilla/websocket"
)

func dialCollaborator(t *testing.T, server *httptest.Server, issuer *auth.TokenIssuer, userID, displayName string) *websocket.Conn {
	t.Helper()
	token, err := issuer.Issue(userID, displayName)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, message clientMessage) {
	t.Helper()
	if err := conn.WriteJSON(message); err != nil {
		t.Fatalf("failed to write %s frame: %v", message.Type, err)
	}
}

// awaitFrame reads frames until one of the wanted type arrives, skipping
// interleaved presence traffic.
func awaitFrame(t *testing.T, conn *websocket.Conn, wantType string) serverMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var message serverMessage
		if err := conn.ReadJSON(&message); err != nil {
			t.Fatalf("waiting for %s frame: %v", wantType, err)
		}
		if message.Type == wantType {
			return message
		}
	}
}

func joinDocument(t *testing.T, conn *websocket.Conn, documentID string) serverMessage {
	t.Helper()
	writeFrame(t, conn, clientMessage{Type: clientMessageJoin, DocumentID: documentID})
	return awaitFrame(t, conn, serverMessageSnapshot)
}

func TestJoinReturnsSnapshotAndAnnouncesToPeers(t *testing.T) {
	server, _, issuer := newTestGateway(t)

	first := dialCollaborator(t, server, issuer, "user-1", "Ada")
	snapshot := joinDocument(t, first, "doc-1")
	if len(snapshot.Collaborators) != 1 {
		t.Fatalf("expected 1 collaborator in first snapshot, got %d", len(snapshot.Collaborators))
	}
	if len(snapshot.Fields) != 2 || snapshot.Fields[0].FieldID != "f1" {
		t.Fatalf("expected seeded fields in snapshot, got %+v", snapshot.Fields)
	}
	if snapshot.Collaborators[0].ColorToken == "" {
		t.Fatal("expected a color token to be assigned")
	}

	second := dialCollaborator(t, server, issuer, "user-2", "Grace")
	secondSnapshot := joinDocument(t, second, "doc-1")
	if len(secondSnapshot.Collaborators) != 2 {
		t.Fatalf("expected 2 collaborators in second snapshot, got %d", len(secondSnapshot.Collaborators))
	}

	joined := awaitFrame(t, first, serverMessageCollaboratorJoined)
	if joined.Collaborator == nil || joined.Collaborator.UserID != "user-2" {
		t.Fatalf("unexpected joined announcement: %+v", joined)
	}
	if joined.Collaborator.DisplayName != "Grace" {
		t.Fatalf("expected display name from token, got %q", joined.Collaborator.DisplayName)
	}
}

func TestSubmittedOperationBroadcastsToWholeRoom(t *testing.T) {
	server, _, issuer := newTestGateway(t)

	first := dialCollaborator(t, server, issuer, "user-1", "Ada")
	joinDocument(t, first, "doc-1")
	second := dialCollaborator(t, server, issuer, "user-2", "Grace")
	joinDocument(t, second, "doc-1")
	awaitFrame(t, first, serverMessageCollaboratorJoined)

	writeFrame(t, second, clientMessage{
		Type:       clientMessageSubmitOperation,
		DocumentID: "doc-1",
		Operation: &operationPayload{
			Type:          "add",
			TargetFieldID: "f9",
			Payload:       json.RawMessage(`{"label":"Phone","kind":"text"}`),
			Position:      0,
			SubmittedAtMS: time.Now().UnixMilli(),
		},
	})

	forAuthor := awaitFrame(t, second, serverMessageOperationAccepted)
	forPeer := awaitFrame(t, first, serverMessageOperationAccepted)

	for _, frame := range []serverMessage{forAuthor, forPeer} {
		if frame.Operation == nil || frame.Operation.TargetFieldID != "f9" {
			t.Fatalf("unexpected accepted operation: %+v", frame.Operation)
		}
		if frame.Operation.ID == "" {
			t.Fatal("expected server-assigned operation id")
		}
		if frame.Outcome != "accepted" {
			t.Fatalf("unexpected outcome: %q", frame.Outcome)
		}
	}
}

func TestRejectedOperationGoesOnlyToAuthor(t *testing.T) {
	server, _, issuer := newTestGateway(t)

	first := dialCollaborator(t, server, issuer, "user-1", "Ada")
	joinDocument(t, first, "doc-1")
	second := dialCollaborator(t, server, issuer, "user-2", "Grace")
	joinDocument(t, second, "doc-1")
	awaitFrame(t, first, serverMessageCollaboratorJoined)

	writeFrame(t, first, clientMessage{
		Type:       clientMessageSubmitOperation,
		DocumentID: "doc-1",
		Operation: &operationPayload{
			Type:          "update",
			TargetFieldID: "ghost",
			Payload:       json.RawMessage(`{"label":"Ghost"}`),
			SubmittedAtMS: time.Now().UnixMilli(),
		},
	})

	rejected := awaitFrame(t, first, serverMessageOperationRejected)
	if rejected.Reason == "" {
		t.Fatal("expected a rejection reason")
	}

	// The peer must see the next accepted operation without ever seeing the
	// rejection.
	writeFrame(t, first, clientMessage{
		Type:       clientMessageSubmitOperation,
		DocumentID: "doc-1",
		Operation: &operationPayload{
			Type:          "delete",
			TargetFieldID: "f2",
			SubmittedAtMS: time.Now().UnixMilli(),
		},
	})
	_ = second.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var frame serverMessage
		if err := second.ReadJSON(&frame); err != nil {
			t.Fatalf("waiting for accepted frame: %v", err)
		}
		if frame.Type == serverMessageOperationRejected {
			t.Fatal("rejection leaked to a non-author")
		}
		if frame.Type == serverMessageOperationAccepted {
			if frame.Operation.TargetFieldID != "f2" {
				t.Fatalf("unexpected operation: %+v", frame.Operation)
			}
			return
		}
	}
}

func TestLockDenialNamesHolder(t *testing.T) {
	server, _, issuer := newTestGateway(t)

	first := dialCollaborator(t, server, issuer, "user-1", "Ada")
	joinDocument(t, first, "doc-1")
	second := dialCollaborator(t, server, issuer, "user-2", "Grace")
	joinDocument(t, second, "doc-1")

	writeFrame(t, first, clientMessage{Type: clientMessageRequestLock, DocumentID: "doc-1"})
	granted := awaitFrame(t, first, serverMessageLockAcquired)
	if granted.Collaborator == nil || granted.Collaborator.UserID != "user-1" {
		t.Fatalf("unexpected lock grant: %+v", granted)
	}
	awaitFrame(t, second, serverMessageLockAcquired)

	writeFrame(t, second, clientMessage{Type: clientMessageRequestLock, DocumentID: "doc-1"})
	denied := awaitFrame(t, second, serverMessageLockDenied)
	if denied.LockHolderName != "Ada" {
		t.Fatalf("expected denial to name the holder, got %q", denied.LockHolderName)
	}

	writeFrame(t, first, clientMessage{Type: clientMessageReleaseLock, DocumentID: "doc-1"})
	awaitFrame(t, second, serverMessageLockReleased)

	writeFrame(t, second, clientMessage{Type: clientMessageRequestLock, DocumentID: "doc-1"})
	regranted := awaitFrame(t, second, serverMessageLockAcquired)
	if regranted.Collaborator == nil || regranted.Collaborator.UserID != "user-2" {
		t.Fatalf("expected lock to pass to second collaborator: %+v", regranted)
	}
}

func TestCursorDeltaReachesPeersOnly(t *testing.T) {
	server, _, issuer := newTestGateway(t)

	first := dialCollaborator(t, server, issuer, "user-1", "Ada")
	joinDocument(t, first, "doc-1")
	second := dialCollaborator(t, server, issuer, "user-2", "Grace")
	joinDocument(t, second, "doc-1")
	awaitFrame(t, first, serverMessageCollaboratorJoined)

	writeFrame(t, second, clientMessage{
		Type:       clientMessageCursor,
		DocumentID: "doc-1",
		Cursor:     &cursorPayload{X: 0.25, Y: 0.75},
	})

	delta := awaitFrame(t, first, serverMessageCursor)
	if delta.Collaborator == nil || delta.Collaborator.Cursor == nil {
		t.Fatalf("expected cursor in delta: %+v", delta)
	}
	if delta.Collaborator.Cursor.X != 0.25 || delta.Collaborator.Cursor.Y != 0.75 {
		t.Fatalf("unexpected cursor coordinates: %+v", delta.Collaborator.Cursor)
	}
}

func TestDisconnectAnnouncesLeaveAndReleasesLock(t *testing.T) {
	server, registry, issuer := newTestGateway(t)

	first := dialCollaborator(t, server, issuer, "user-1", "Ada")
	joinDocument(t, first, "doc-1")
	second := dialCollaborator(t, server, issuer, "user-2", "Grace")
	joinDocument(t, second, "doc-1")
	awaitFrame(t, first, serverMessageCollaboratorJoined)

	writeFrame(t, second, clientMessage{Type: clientMessageRequestLock, DocumentID: "doc-1"})
	awaitFrame(t, first, serverMessageLockAcquired)

	_ = second.Close()

	released := awaitFrame(t, first, serverMessageLockReleased)
	if released.Collaborator == nil || released.Collaborator.UserID != "user-2" {
		t.Fatalf("unexpected lock release: %+v", released)
	}
	left := awaitFrame(t, first, serverMessageCollaboratorLeft)
	if left.Reason != "disconnect" {
		t.Fatalf("expected disconnect reason, got %q", left.Reason)
	}
	if registry.RoomCount() != 1 {
		t.Fatalf("room should survive while one collaborator remains, got %d rooms", registry.RoomCount())
	}
}

func TestDeadPeerIsEvictedByKeepalive(t *testing.T) {
	server, _, issuer := newTestGatewayWithPongTimeout(t, time.Second)

	first := dialCollaborator(t, server, issuer, "user-1", "Ada")
	joinDocument(t, first, "doc-1")
	second := dialCollaborator(t, server, issuer, "user-2", "Grace")
	joinDocument(t, second, "doc-1")
	awaitFrame(t, first, serverMessageCollaboratorJoined)

	// The second client stops reading, so it never answers the server's
	// pings; the read deadline must expire and run the disconnect path.
	left := awaitFrame(t, first, serverMessageCollaboratorLeft)
	if left.Collaborator == nil || left.Collaborator.UserID != "user-2" {
		t.Fatalf("unexpected leave announcement: %+v", left)
	}
	if left.Reason != "disconnect" {
		t.Fatalf("expected disconnect reason, got %q", left.Reason)
	}
}

func TestMessagesForUnjoinedDocumentReturnError(t *testing.T) {
	server, _, issuer := newTestGateway(t)

	conn := dialCollaborator(t, server, issuer, "user-1", "Ada")
	writeFrame(t, conn, clientMessage{
		Type:       clientMessageCursor,
		DocumentID: "doc-never-joined",
		Cursor:     &cursorPayload{X: 0.5, Y: 0.5},
	})

	errFrame := awaitFrame(t, conn, serverMessageError)
	if !strings.Contains(errFrame.Error, "not a member") {
		t.Fatalf("unexpected error text: %q", errFrame.Error)
	}
}
