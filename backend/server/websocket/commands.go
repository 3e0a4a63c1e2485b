package websocket

import (
	"errors"

	"github.com/adwski/lanmeet/backend/model"
)

// UI commands.
const (
	CommandSendChat        = "send_chat"
	CommandUploadFile      = "upload_file"
	CommandDownloadFile    = "download_file"
	CommandStartMedia      = "start_media"
	CommandStopMedia       = "stop_media"
	CommandSendScreenFrame = "send_screen_frame"
	CommandRequestFileList = "request_file_list"
	CommandTransferStatus  = "transfer_progress"
	CommandListTransfers   = "list_transfers"
	CommandCancelTransfer  = "cancel_transfer"
	CommandReconnect       = "reconnect"
	CommandLeave           = "leave"

	resultType = "command_result"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrNoController   = errors.New("no client attached")
)

// Command is one request of the UI. Frame travels base64 encoded.
type Command struct {
	Command string `json:"command"`
	ID      string `json:"id,omitempty"`

	Text    string     `json:"text,omitempty"`
	Mode    model.Mode `json:"mode,omitempty"`
	Targets []string   `json:"targets,omitempty"`

	Path   string `json:"path,omitempty"`
	FileID string `json:"file_id,omitempty"`
	Dest   string `json:"dest,omitempty"`

	MediaType model.MediaKind `json:"media_type,omitempty"`
	Frame     []byte          `json:"frame,omitempty"`
	Width     int             `json:"width,omitempty"`
	Height    int             `json:"height,omitempty"`
}

// Result answers one Command on the same socket.
type Result struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Command string `json:"command"`
	FileID  string `json:"file_id,omitempty"`
	Error   string `json:"error,omitempty"`

	Transfers []model.TransferProgress `json:"transfers,omitempty"`
}

func (srv *Server) execute(cmd *Command) *Result {
	res := &Result{Type: resultType, ID: cmd.ID, Command: cmd.Command}
	if srv.ctrl == nil {
		res.Error = ErrNoController.Error()
		return res
	}

	mode := cmd.Mode
	if mode == "" {
		mode = model.ModeBroadcast
	}

	var err error
	switch cmd.Command {
	case CommandSendChat:
		err = srv.ctrl.SendChat(cmd.Text, mode, cmd.Targets)
	case CommandUploadFile:
		res.FileID, err = srv.ctrl.UploadFile(cmd.Path, mode, cmd.Targets)
	case CommandDownloadFile:
		res.FileID = cmd.FileID
		err = srv.ctrl.DownloadFile(cmd.FileID, cmd.Dest)
	case CommandStartMedia:
		err = srv.ctrl.StartMedia(cmd.MediaType)
	case CommandStopMedia:
		err = srv.ctrl.StopMedia(cmd.MediaType)
	case CommandSendScreenFrame:
		err = srv.ctrl.SendScreenFrame(cmd.Frame, cmd.Width, cmd.Height)
	case CommandRequestFileList:
		err = srv.ctrl.RequestFileList()
	case CommandTransferStatus:
		var p model.TransferProgress
		res.FileID = cmd.FileID
		if p, err = srv.ctrl.TransferProgress(cmd.FileID); err == nil {
			res.Transfers = []model.TransferProgress{p}
		}
	case CommandListTransfers:
		res.Transfers = srv.ctrl.ActiveTransfers()
	case CommandCancelTransfer:
		res.FileID = cmd.FileID
		err = srv.ctrl.CancelTransfer(cmd.FileID)
	case CommandReconnect:
		err = srv.ctrl.ManualReconnect()
	case CommandLeave:
		srv.ctrl.Leave()
	default:
		err = ErrUnknownCommand
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
