package model

import "time"

// Events emitted by the client connector to its collaborator.
const (
	EventAuthSucceeded         = "auth_succeeded"
	EventAuthFailed            = "auth_failed"
	EventChatMessageReceived   = "chat_message_received"
	EventUserJoined            = "user_joined"
	EventUserLeft              = "user_left"
	EventUserListReceived      = "user_list_received"
	EventFileOfferReceived     = "file_offer_received"
	EventFileListReceived      = "file_list_received"
	EventAudioDataReceived     = "audio_data_received"
	EventVideoDataReceived     = "video_data_received"
	EventScreenFrameReceived   = "screen_frame_received"
	EventMediaStateChanged     = "media_state_changed"
	EventUploadProgress        = "upload_progress"
	EventUploadCompleted       = "upload_completed"
	EventUploadFailed          = "upload_failed"
	EventDownloadProgress      = "download_progress"
	EventDownloadCompleted     = "download_completed"
	EventDownloadFailed        = "download_failed"
	EventReconnectionStarted   = "reconnection_started"
	EventReconnectionFailed    = "reconnection_failed"
	EventReconnectionSucceeded = "reconnection_succeeded"
	EventManualRetryRequired   = "manual_retry_required"
	EventErrorReceived         = "error_received"
)

// Event is one notification for the collaborator layer.
type Event struct {
	Type string `json:"type"`

	User    string      `json:"user,omitempty"`
	Text    string      `json:"text,omitempty"`
	Users   []string    `json:"users,omitempty"`
	File    *FileEntry  `json:"file,omitempty"`
	Files   []FileEntry `json:"files,omitempty"`
	Payload []byte      `json:"payload,omitempty"`
	Seq     uint32      `json:"seq,omitempty"`
	Width   int         `json:"width,omitempty"`
	Height  int         `json:"height,omitempty"`

	MediaType MediaKind `json:"media_type,omitempty"`
	Active    bool      `json:"active,omitempty"`

	FileID string `json:"file_id,omitempty"`
	Path   string `json:"path,omitempty"`
	Done   int    `json:"chunks_done,omitempty"`
	Total  int    `json:"chunks_total,omitempty"`

	Attempt     int           `json:"attempt,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	Delay       time.Duration `json:"delay,omitempty"`

	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// TransferProgress is a snapshot of one upload or download.
type TransferProgress struct {
	FileID    string `json:"file_id"`
	Filename  string `json:"filename,omitempty"`
	Direction string `json:"direction"`
	State     string `json:"state"`
	Done      int    `json:"chunks_done"`
	Total     int    `json:"chunks_total"`
	Error     string `json:"error,omitempty"`
}
