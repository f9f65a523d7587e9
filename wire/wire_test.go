package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecode_SendMessage_CanonicalFields(t *testing.T) {
	req := require.New(t)
	frame := []byte(`{"event":"send-message","targetConnectionId":"c42","senderUsername":"alice","payload":{"ciphertext":"YWJj","nonce":"eHl6"}}`)

	name, decoded, err := Decode(frame)

	req.NoError(err)
	req.Equal(EvSendMessage, name)
	msg, ok := decoded.(SendMessage)
	req.True(ok)
	req.Equal("c42", msg.TargetConnID)
	req.Equal("alice", msg.SenderUsername)
	req.Equal([]byte("abc"), msg.Payload.Ciphertext)
}

func TestDecode_SendMessage_LegacyAliases(t *testing.T) {
	req := require.New(t)
	// Legacy clients sent "to" and "data" instead of the current names.
	frame := []byte(`{"event":"send-message","to":"c7","toUsername":"bob","data":{"ciphertext":"YWJj","nonce":"eHl6"}}`)

	_, decoded, err := Decode(frame)

	req.NoError(err)
	msg := decoded.(SendMessage)
	req.Equal("c7", msg.TargetConnID)
	req.Equal("bob", msg.TargetUsername)
	req.Equal([]byte("abc"), msg.Payload.Ciphertext)
}

func TestDecode_FileChunk_LegacyChunkIndex(t *testing.T) {
	req := require.New(t)
	frame := []byte(`{"event":"file-chunk","to":"c9","transferId":"t1","chunkIndex":3,"data":"YQ=="}`)

	_, decoded, err := Decode(frame)

	req.NoError(err)
	chunk := decoded.(FileChunk)
	req.Equal("c9", chunk.TargetConnID)
	req.Equal(3, chunk.ChunkID)
	req.Equal([]byte("a"), chunk.Data)
}

func TestDecode_RegisterUser_LegacyName(t *testing.T) {
	req := require.New(t)
	frame := []byte(`{"event":"register-user","name":"carol","publicKey":"cGs="}`)

	_, decoded, err := Decode(frame)

	req.NoError(err)
	reg := decoded.(RegisterUser)
	req.Equal("carol", reg.Username)
}

func TestDecode_JoinRoom_LegacyRoom(t *testing.T) {
	req := require.New(t)
	frame := []byte(`{"event":"join-room","room":"lobby-1","name":"dave","publicKey":"cGs="}`)

	_, decoded, err := Decode(frame)

	req.NoError(err)
	join := decoded.(JoinRoom)
	req.Equal("lobby-1", join.RoomID)
	req.Equal("dave", join.Username)
}

func TestDecode_StopTyping_SetsStop(t *testing.T) {
	req := require.New(t)
	frame := []byte(`{"event":"stop-typing","targetRoomId":"lobby"}`)

	name, decoded, err := Decode(frame)

	req.NoError(err)
	req.Equal(EvStopTyping, name)
	typing := decoded.(Typing)
	req.True(typing.Stop)
	req.Equal("lobby", typing.TargetRoomID)
}

func TestDecode_UnknownEvent(t *testing.T) {
	_, _, err := Decode([]byte(`{"event":"mystery"}`))
	require.Error(t, err)
}

func TestEncode_RoundTrip(t *testing.T) {
	req := require.New(t)
	frame, err := Encode(EvUserLeft, UserLeft{RoomID: "lobby", ConnID: "c1"})
	req.NoError(err)

	name, decoded, err := Decode(frame)
	req.NoError(err)
	req.Equal(EvUserLeft, name)
	req.Equal(UserLeft{RoomID: "lobby", ConnID: "c1"}, decoded)
}
