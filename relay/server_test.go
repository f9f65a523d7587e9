package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"cloak/domain"
	"cloak/wire"
)

func startTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	server := NewServer(slog.Default(), cfg)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWS)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dialTestServer(t *testing.T, ts *httptest.Server, version string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?v=" + version
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, name string, payload any) {
	t.Helper()
	frame, err := wire.Encode(name, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

// readUntil reads frames until one matches the wanted event name,
// skipping interleaved notifications.
func readUntil(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var fields map[string]any
		require.NoError(t, json.Unmarshal(data, &fields))
		if fields["event"] == want {
			return fields
		}
	}
}

func TestServer_RegisterJoinRelay(t *testing.T) {
	req := require.New(t)
	ts := startTestServer(t, Config{MinVersion: 1, LatestVersion: 1, RoomGrace: time.Hour})

	alice := dialTestServer(t, ts, "1")
	bob := dialTestServer(t, ts, "1")

	sendEvent(t, alice, wire.EvRegisterUser, wire.RegisterUser{Username: "alice", PublicKey: "pk-alice"})
	registered := readUntil(t, alice, wire.EvRegistered)
	req.Equal("alice", registered["username"])

	sendEvent(t, alice, wire.EvJoinRoom, wire.JoinRoom{RoomID: "lobby"})
	roomUsers := readUntil(t, alice, wire.EvRoomUsers)
	req.Empty(roomUsers["users"])

	sendEvent(t, bob, wire.EvRegisterUser, wire.RegisterUser{Username: "bob", PublicKey: "pk-bob"})
	readUntil(t, bob, wire.EvRegistered)
	sendEvent(t, bob, wire.EvJoinRoom, wire.JoinRoom{RoomID: "lobby"})

	// Bob sees alice already there; alice is told bob joined
	roomUsers = readUntil(t, bob, wire.EvRoomUsers)
	users := roomUsers["users"].([]any)
	req.Len(users, 1)
	req.Equal("alice", users[0].(map[string]any)["username"])

	joined := readUntil(t, alice, wire.EvUserJoined)
	req.Equal("bob", joined["user"].(map[string]any)["username"])

	// Bob messages alice by username; the envelope arrives untouched
	sendEvent(t, bob, wire.EvSendMessage, wire.SendMessage{
		TargetUsername: "alice",
		SenderUsername: "bob",
		Payload:        domain.Envelope{Ciphertext: []byte("opaque"), Nonce: []byte("nonce"), IsDirect: true},
	})
	msg := readUntil(t, alice, wire.EvEncryptedMessage)
	req.Equal("bob", msg["senderUsername"])
	payload := msg["payload"].(map[string]any)
	req.NotEmpty(payload["ciphertext"])
}

func TestServer_ForceUpdateBelowMinimumVersion(t *testing.T) {
	req := require.New(t)
	ts := startTestServer(t, Config{MinVersion: 3, LatestVersion: 3})

	conn := dialTestServer(t, ts, "2")
	notice := readUntil(t, conn, wire.EvForceUpdate)
	req.Equal(float64(3), notice["minVersion"])

	// The relay hangs up after the notice
	req.NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, _, err := conn.ReadMessage()
	req.Error(err)
}

func TestServer_SameOriginReclaimEvictsOldConnection(t *testing.T) {
	req := require.New(t)
	ts := startTestServer(t, Config{MinVersion: 1, LatestVersion: 1})

	first := dialTestServer(t, ts, "1")
	sendEvent(t, first, wire.EvRegisterUser, wire.RegisterUser{Username: "alice", PublicKey: "pk1"})
	readUntil(t, first, wire.EvRegistered)

	// Both test connections share 127.0.0.1, so this is a reconnect
	second := dialTestServer(t, ts, "1")
	sendEvent(t, second, wire.EvRegisterUser, wire.RegisterUser{Username: "alice", PublicKey: "pk1"})
	readUntil(t, second, wire.EvRegistered)

	evicted := readUntil(t, first, wire.EvEvicted)
	req.NotEmpty(evicted["reason"])
}

func TestServer_InvalidUsernameKeepsConnectionOpen(t *testing.T) {
	req := require.New(t)
	ts := startTestServer(t, Config{MinVersion: 1, LatestVersion: 1})

	conn := dialTestServer(t, ts, "1")
	sendEvent(t, conn, wire.EvRegisterUser, wire.RegisterUser{Username: "x", PublicKey: "pk"})
	readUntil(t, conn, wire.EvError)

	// A valid retry on the same connection succeeds
	sendEvent(t, conn, wire.EvRegisterUser, wire.RegisterUser{Username: "alice", PublicKey: "pk"})
	registered := readUntil(t, conn, wire.EvRegistered)
	req.Equal("alice", registered["username"])
}

func TestServer_GetStatsCountsVisits(t *testing.T) {
	req := require.New(t)
	ts := startTestServer(t, Config{MinVersion: 1, LatestVersion: 1})

	conn := dialTestServer(t, ts, "1")
	sendEvent(t, conn, wire.EvRegisterUser, wire.RegisterUser{Username: "alice", PublicKey: "pk"})
	readUntil(t, conn, wire.EvRegistered)

	sendEvent(t, conn, wire.EvGetStats, wire.GetStats{})
	stats := readUntil(t, conn, wire.EvStats)
	req.Equal(float64(1), stats["totalVisits"])
	req.Equal(float64(1), stats["activeUsers"])
}
