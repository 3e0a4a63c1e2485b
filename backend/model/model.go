package model

import (
	"time"
)

// Control message types.
const (
	TypeAuthRequest  = "auth_request"
	TypeAuthResponse = "auth_response"
	TypeLeaveSession = "leave_session"
	TypeChatMessage  = "chat_message"
	TypeFileOffer    = "file_offer"
	TypeFileChunk    = "file_chunk"
	TypeFileComplete = "file_complete"
	TypeFileList     = "file_list"
	TypeFileRequest  = "file_request"
	TypeMediaStart   = "media_start"
	TypeMediaStop    = "media_stop"
	TypeScreenFrame  = "screen_frame"
	TypeUserJoined   = "user_joined"
	TypeUserLeft     = "user_left"
	TypeUserList     = "user_list"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
)

// Auth failure reasons sent in auth_response.
const (
	ReasonInvalidSession = "Invalid session ID"
	ReasonUsernameTaken  = "Username already in use"
	ReasonUsernameEmpty  = "Username is required"
)

// Error codes sent in error messages.
const (
	ErrorCodeFileNotFound     = "FILE_NOT_FOUND"
	ErrorCodeChecksumMismatch = "CHECKSUM_MISMATCH"
	ErrorCodeFileTooLarge     = "FILE_TOO_LARGE"
	ErrorCodeIncomplete       = "INCOMPLETE_TRANSFER"
	ErrorCodeInvalidOffer     = "INVALID_OFFER"
)

type Mode string

const (
	ModeBroadcast Mode = "broadcast"
	ModeMulticast Mode = "multicast"
	ModeUnicast   Mode = "unicast"
)

// Valid reports whether m is one of the known addressing modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeBroadcast, ModeMulticast, ModeUnicast:
		return true
	}
	return false
}

type MediaKind string

const (
	MediaAudio  MediaKind = "audio"
	MediaVideo  MediaKind = "video"
	MediaScreen MediaKind = "screen"
)

func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaVideo || k == MediaScreen
}

// Message is the JSON body of one control frame. Fields that are not
// relevant for a given type are left empty and omitted on the wire.
type Message struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`

	Username  string `json:"username,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	Reason    string `json:"reason,omitempty"`

	FromUser string   `json:"from_user,omitempty"` // for inbound messages server re-assigns this based on connection
	Mode     Mode     `json:"mode,omitempty"`
	ToUsers  []string `json:"to_users,omitempty"`
	Payload  string   `json:"payload,omitempty"`

	Users []string    `json:"users,omitempty"`
	Files []FileEntry `json:"files,omitempty"`

	FileID          string `json:"file_id,omitempty"`
	Filename        string `json:"filename,omitempty"`
	FileSize        int64  `json:"file_size,omitempty"`
	Checksum        string `json:"checksum,omitempty"`
	CompletedChunks []int  `json:"completed_chunks,omitempty"`
	*Chunk

	MediaType MediaKind `json:"media_type,omitempty"`
	*Frame

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"message,omitempty"`
}

// Chunk holds file_chunk specific fields.
type Chunk struct {
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	Data        string `json:"data"`
}

// Frame holds screen_frame specific fields.
type Frame struct {
	FrameData string `json:"frame_data"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// FileEntry describes a file available for download on the relay.
type FileEntry struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Owner    string `json:"owner"`
}

// NewMessage returns a message of type t stamped with the current time.
func NewMessage(t string) *Message {
	return NewMessageAt(t, time.Now())
}

func NewMessageAt(t string, now time.Time) *Message {
	return &Message{
		Type:      t,
		Timestamp: float64(now.UnixMicro()) / 1e6,
	}
}

// SetSuccess sets the auth_response outcome; false is kept on the wire.
func (msg *Message) SetSuccess(ok bool) {
	msg.Success = &ok
}

func (msg *Message) Succeeded() bool {
	return msg.Success != nil && *msg.Success
}
