// Package wire defines the relay protocol: JSON events exchanged over a
// persistent websocket connection. Legacy field aliases are folded into
// canonical structs here, once, at the protocol boundary; nothing deeper
// in the system branches on which field was present.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"cloak/domain"
)

// Client -> relay events.
const (
	EvRegisterUser = "register-user"
	EvJoinRoom     = "join-room"
	EvLeaveRoom    = "leave-room"
	EvFindUser     = "find-user"
	EvSendMessage  = "send-message"
	EvFileOffer    = "file-offer"
	EvFileAccept   = "file-accept"
	EvFileDecline  = "file-decline"
	EvFileChunk    = "file-chunk"
	EvFileComplete = "file-complete"
	EvFileCancel   = "file-cancel"
	EvTyping       = "typing"
	EvStopTyping   = "stop-typing"
	EvGetStats     = "get-stats"
)

// Relay -> client events.
const (
	EvRegistered       = "registered"
	EvRoomUsers        = "room-users"
	EvUserJoined       = "user-joined"
	EvUserLeft         = "user-left"
	EvFindUserResult   = "find-user-result"
	EvEncryptedMessage = "encrypted-message"
	EvStats            = "stats"
	EvError            = "error"
	EvForceUpdate      = "force-update"
	EvSoftUpdate       = "soft-update"
	EvEvicted          = "evicted"
)

// User is the directory entry shape shared by several events.
type User struct {
	ConnID    string `json:"connectionId"`
	Username  string `json:"username"`
	PublicKey string `json:"publicKey"`
}

type RegisterUser struct {
	Username  string `json:"username"`
	PublicKey string `json:"publicKey"`
}

type JoinRoom struct {
	RoomID    string `json:"roomId"`
	Username  string `json:"username"`
	PublicKey string `json:"publicKey"`
}

type LeaveRoom struct{}

type FindUser struct {
	Username string `json:"username"`
}

type SendMessage struct {
	TargetConnID   string          `json:"targetConnectionId,omitempty"`
	TargetUsername string          `json:"targetUsername,omitempty"`
	SenderUsername string          `json:"senderUsername,omitempty"`
	Payload        domain.Envelope `json:"payload"`
}

type FileOffer struct {
	TargetConnID string `json:"targetConnectionId,omitempty"`
	SenderConnID string `json:"senderConnectionId,omitempty"`
	TransferID   string `json:"transferId"`
	FileName     string `json:"fileName"`
	FileSize     int64  `json:"fileSize"`
	FileType     string `json:"fileType"`
	TotalChunks  int    `json:"totalChunks"`
}

type FileAccept struct {
	TargetConnID string `json:"targetConnectionId,omitempty"`
	SenderConnID string `json:"senderConnectionId,omitempty"`
	TransferID   string `json:"transferId"`
}

type FileDecline struct {
	TargetConnID string `json:"targetConnectionId,omitempty"`
	SenderConnID string `json:"senderConnectionId,omitempty"`
	TransferID   string `json:"transferId"`
}

type FileChunk struct {
	TargetConnID string `json:"targetConnectionId,omitempty"`
	SenderConnID string `json:"senderConnectionId,omitempty"`
	TransferID   string `json:"transferId"`
	ChunkID      int    `json:"chunkId"`
	Data         []byte `json:"data"`
	Nonce        []byte `json:"nonce"`
}

type FileComplete struct {
	TargetConnID string `json:"targetConnectionId,omitempty"`
	SenderConnID string `json:"senderConnectionId,omitempty"`
	TransferID   string `json:"transferId"`
}

type FileCancel struct {
	TargetConnID string `json:"targetConnectionId,omitempty"`
	SenderConnID string `json:"senderConnectionId,omitempty"`
	TransferID   string `json:"transferId"`
}

type Typing struct {
	TargetConnID string `json:"targetConnectionId,omitempty"`
	TargetRoomID string `json:"targetRoomId,omitempty"`
	SenderConnID string `json:"senderConnectionId,omitempty"`
	Stop         bool   `json:"-"`
}

type GetStats struct{}

type Registered struct {
	ConnID   string `json:"connectionId"`
	Username string `json:"username"`
}

type RoomUsers struct {
	RoomID string `json:"roomId"`
	Users  []User `json:"users"`
}

type UserJoined struct {
	RoomID string `json:"roomId"`
	User   User   `json:"user"`
}

type UserLeft struct {
	RoomID string `json:"roomId"`
	ConnID string `json:"connectionId"`
}

type FindUserResult struct {
	Found bool  `json:"found"`
	User  *User `json:"user,omitempty"`
}

type EncryptedMessage struct {
	SenderConnID   string          `json:"senderConnectionId"`
	SenderUsername string          `json:"senderUsername"`
	Payload        domain.Envelope `json:"payload"`
}

type Stats struct {
	TotalVisits int64     `json:"totalVisits"`
	ActiveUsers int       `json:"activeUsers"`
	StartTime   time.Time `json:"startTime"`
	RSSBytes    uint64    `json:"rssBytes,omitempty"`
	CPUPercent  float64   `json:"cpuPercent,omitempty"`
}

type ErrorNotice struct {
	Reason string `json:"reason"`
}

type ForceUpdate struct {
	MinVersion int `json:"minVersion"`
}

type SoftUpdate struct {
	LatestVersion int `json:"latestVersion"`
}

type Evicted struct {
	Reason string `json:"reason"`
}

// Encode marshals a payload with the event name folded in.
func Encode(name string, payload any) ([]byte, error) {
	fields := map[string]any{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
	}
	fields["event"] = name
	return json.Marshal(fields)
}

// Decode parses one frame and returns the event name plus its canonical
// struct. Unknown events are an error so callers can drop them in one
// place.
func Decode(data []byte) (string, any, error) {
	var head struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch head.Event {
	case EvRegisterUser:
		var raw rawRegisterUser
		if err := json.Unmarshal(data, &raw); err != nil {
			return head.Event, nil, err
		}
		return head.Event, raw.canonical(), nil
	case EvJoinRoom:
		var raw rawJoinRoom
		if err := json.Unmarshal(data, &raw); err != nil {
			return head.Event, nil, err
		}
		return head.Event, raw.canonical(), nil
	case EvLeaveRoom:
		return head.Event, LeaveRoom{}, nil
	case EvFindUser:
		var raw rawFindUser
		if err := json.Unmarshal(data, &raw); err != nil {
			return head.Event, nil, err
		}
		return head.Event, raw.canonical(), nil
	case EvSendMessage:
		var raw rawSendMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return head.Event, nil, err
		}
		return head.Event, raw.canonical(), nil
	case EvFileOffer:
		var out FileOffer
		if err := json.Unmarshal(data, &out); err != nil {
			return head.Event, nil, err
		}
		foldTarget(&out.TargetConnID, data)
		return head.Event, out, nil
	case EvFileAccept:
		var out FileAccept
		if err := json.Unmarshal(data, &out); err != nil {
			return head.Event, nil, err
		}
		foldTarget(&out.TargetConnID, data)
		return head.Event, out, nil
	case EvFileDecline:
		var out FileDecline
		if err := json.Unmarshal(data, &out); err != nil {
			return head.Event, nil, err
		}
		foldTarget(&out.TargetConnID, data)
		return head.Event, out, nil
	case EvFileChunk:
		var raw rawFileChunk
		if err := json.Unmarshal(data, &raw); err != nil {
			return head.Event, nil, err
		}
		return head.Event, raw.canonical(), nil
	case EvFileComplete:
		var out FileComplete
		if err := json.Unmarshal(data, &out); err != nil {
			return head.Event, nil, err
		}
		foldTarget(&out.TargetConnID, data)
		return head.Event, out, nil
	case EvFileCancel:
		var out FileCancel
		if err := json.Unmarshal(data, &out); err != nil {
			return head.Event, nil, err
		}
		foldTarget(&out.TargetConnID, data)
		return head.Event, out, nil
	case EvTyping, EvStopTyping:
		var raw rawTyping
		if err := json.Unmarshal(data, &raw); err != nil {
			return head.Event, nil, err
		}
		out := raw.canonical()
		out.Stop = head.Event == EvStopTyping
		return head.Event, out, nil
	case EvGetStats:
		return head.Event, GetStats{}, nil

	case EvRegistered:
		return decodeInto[Registered](head.Event, data)
	case EvRoomUsers:
		return decodeInto[RoomUsers](head.Event, data)
	case EvUserJoined:
		return decodeInto[UserJoined](head.Event, data)
	case EvUserLeft:
		return decodeInto[UserLeft](head.Event, data)
	case EvFindUserResult:
		return decodeInto[FindUserResult](head.Event, data)
	case EvEncryptedMessage:
		return decodeInto[EncryptedMessage](head.Event, data)
	case EvStats:
		return decodeInto[Stats](head.Event, data)
	case EvError:
		return decodeInto[ErrorNotice](head.Event, data)
	case EvForceUpdate:
		return decodeInto[ForceUpdate](head.Event, data)
	case EvSoftUpdate:
		return decodeInto[SoftUpdate](head.Event, data)
	case EvEvicted:
		return decodeInto[Evicted](head.Event, data)
	}
	return head.Event, nil, fmt.Errorf("unknown event %q", head.Event)
}

func decodeInto[T any](name string, data []byte) (string, any, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return name, nil, err
	}
	return name, out, nil
}

// Legacy clients used short field names; fold them here and nowhere else.

type legacyTarget struct {
	To         string `json:"to"`
	ToUsername string `json:"toUsername"`
}

// foldTarget applies the legacy "to" alias to a decoded file event.
func foldTarget(target *string, data []byte) {
	if *target == "" {
		var legacy legacyTarget
		if err := json.Unmarshal(data, &legacy); err == nil {
			*target = legacy.To
		}
	}
}

type rawRegisterUser struct {
	RegisterUser
	Name string `json:"name"`
}

func (r rawRegisterUser) canonical() RegisterUser {
	out := r.RegisterUser
	if out.Username == "" {
		out.Username = r.Name
	}
	return out
}

type rawJoinRoom struct {
	JoinRoom
	Room string `json:"room"`
	Name string `json:"name"`
}

func (r rawJoinRoom) canonical() JoinRoom {
	out := r.JoinRoom
	if out.RoomID == "" {
		out.RoomID = r.Room
	}
	if out.Username == "" {
		out.Username = r.Name
	}
	return out
}

type rawFindUser struct {
	FindUser
	Name string `json:"name"`
}

func (r rawFindUser) canonical() FindUser {
	out := r.FindUser
	if out.Username == "" {
		out.Username = r.Name
	}
	return out
}

type rawSendMessage struct {
	SendMessage
	To         string           `json:"to"`
	ToUsername string           `json:"toUsername"`
	Data       *domain.Envelope `json:"data"`
}

func (r rawSendMessage) canonical() SendMessage {
	out := r.SendMessage
	if out.TargetConnID == "" {
		out.TargetConnID = r.To
	}
	if out.TargetUsername == "" {
		out.TargetUsername = r.ToUsername
	}
	if out.Payload.Ciphertext == nil && r.Data != nil {
		out.Payload = *r.Data
	}
	return out
}

type rawFileChunk struct {
	FileChunk
	To         string `json:"to"`
	ChunkIndex *int   `json:"chunkIndex"`
}

func (r rawFileChunk) canonical() FileChunk {
	out := r.FileChunk
	if out.TargetConnID == "" {
		out.TargetConnID = r.To
	}
	if r.ChunkIndex != nil {
		out.ChunkID = *r.ChunkIndex
	}
	return out
}

type rawTyping struct {
	Typing
	To   string `json:"to"`
	Room string `json:"room"`
}

func (r rawTyping) canonical() Typing {
	out := r.Typing
	if out.TargetConnID == "" {
		out.TargetConnID = r.To
	}
	if out.TargetRoomID == "" {
		out.TargetRoomID = r.Room
	}
	return out
}
