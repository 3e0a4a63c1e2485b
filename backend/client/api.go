package client

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"

	"github.com/adwski/lanmeet/backend/model"
	"github.com/adwski/lanmeet/backend/protocol"
	"github.com/adwski/lanmeet/backend/transfer"
)

// Minimum connection quality for outbound media.
const (
	minAudioQuality = 0.3
	minVideoQuality = 0.5
)

var (
	ErrMediaDropped = errors.New("media dropped on poor connection")
	ErrBadMode      = errors.Join(model.ErrProtocol, errors.New("unknown addressing mode"))

	ErrUnknownTransfer  = errors.Join(model.ErrTransfer, errors.New("unknown transfer"))
	ErrTransferFinished = errors.Join(model.ErrTransfer, errors.New("transfer already finished"))
)

// SendChat sends text to the session. Targets are required for
// multicast and unicast.
func (c *Client) SendChat(text string, mode model.Mode, targets []string) error {
	if !mode.Valid() {
		return ErrBadMode
	}
	cn, err := c.current()
	if err != nil {
		return err
	}
	msg := c.newMessage(model.TypeChatMessage)
	msg.FromUser = c.username
	msg.Mode = mode
	msg.ToUsers = targets
	msg.Payload = text
	if err = cn.send(msg); err != nil {
		return errors.Join(model.ErrConnection, err)
	}
	c.session.AddChat(ChatMessage{
		From:    c.username,
		Text:    text,
		Mode:    mode,
		Targets: targets,
		At:      c.clock.Now(),
	})
	return nil
}

// StartMedia announces a local stream of kind to the session.
func (c *Client) StartMedia(kind model.MediaKind) error {
	return c.setMedia(kind, true)
}

func (c *Client) StopMedia(kind model.MediaKind) error {
	return c.setMedia(kind, false)
}

func (c *Client) setMedia(kind model.MediaKind, active bool) error {
	if !kind.Valid() {
		return errors.Join(model.ErrProtocol, errors.New("unknown media type"))
	}
	cn, err := c.current()
	if err != nil {
		return err
	}
	t := model.TypeMediaStop
	if active {
		t = model.TypeMediaStart
	}
	msg := c.newMessage(t)
	msg.Username = c.username
	msg.MediaType = kind
	if err = cn.send(msg); err != nil {
		return errors.Join(model.ErrConnection, err)
	}
	c.session.SetMedia(kind, active)
	return nil
}

// SendAudio sends one encoded audio frame over the media channel.
func (c *Client) SendAudio(payload []byte) error {
	return c.sendMedia(protocol.StreamAudio, payload, minAudioQuality)
}

// SendVideo sends one encoded video frame over the media channel.
func (c *Client) SendVideo(payload []byte) error {
	return c.sendMedia(protocol.StreamVideo, payload, minVideoQuality)
}

func (c *Client) sendMedia(kind protocol.StreamKind, payload []byte, minQuality float64) error {
	cn, err := c.current()
	if err != nil {
		return err
	}
	if c.Quality() < minQuality {
		return ErrMediaDropped
	}

	c.mx.Lock()
	seq := c.seq[kind]
	c.seq[kind]++
	c.mx.Unlock()

	pkt := protocol.NewPacket(protocol.StreamID(c.username, kind), seq, c.clock.Now(), payload)
	if err = cn.sendPacket(pkt); err != nil {
		return errors.Join(model.ErrConnection, err)
	}
	return nil
}

// SendScreenFrame sends one encoded screen frame over the control channel.
func (c *Client) SendScreenFrame(frame []byte, width, height int) error {
	cn, err := c.current()
	if err != nil {
		return err
	}
	msg := c.newMessage(model.TypeScreenFrame)
	msg.FromUser = c.username
	msg.Frame = &model.Frame{
		FrameData: hex.EncodeToString(frame),
		Width:     width,
		Height:    height,
	}
	if err = cn.send(msg); err != nil {
		return errors.Join(model.ErrConnection, err)
	}
	return nil
}

// RequestFileList asks the relay for the files available for download.
func (c *Client) RequestFileList() error {
	cn, err := c.current()
	if err != nil {
		return err
	}
	if err = cn.send(c.newMessage(model.TypeFileList)); err != nil {
		return errors.Join(model.ErrConnection, err)
	}
	return nil
}

// UploadFile offers the file at path to the session and streams it to the
// relay in the background. It returns the id of the new file.
func (c *Client) UploadFile(path string, mode model.Mode, targets []string) (string, error) {
	if !mode.Valid() {
		return "", ErrBadMode
	}
	if _, err := c.current(); err != nil {
		return "", err
	}
	sum, size, err := transfer.ChecksumFile(path)
	if err != nil {
		return "", errors.Join(model.ErrTransfer, err)
	}
	info := transfer.NewInfo(transfer.NewFileID(), filepath.Base(path), size, sum, c.username, c.clock.Now())
	t := transfer.NewUpload(info, path, mode, targets)
	c.session.AddTransfer(t)
	c.logger.Info().
		Str("fileID", info.FileID).
		Str("filename", info.Filename).
		Int64("size", size).
		Msg("upload started")
	c.startUpload(t)
	return info.FileID, nil
}

// startUpload runs t on the live connection unless it already runs.
func (c *Client) startUpload(t *transfer.Transfer) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if _, running := c.uploads[t.FileID()]; running {
		return
	}
	if c.state != StateConnected || c.cn == nil {
		return
	}
	c.uploads[t.FileID()] = struct{}{}
	c.wg.Add(1)
	go c.runUpload(t, c.cn)
}

func (c *Client) runUpload(t *transfer.Transfer, cn *conn) {
	defer c.wg.Done()

	f, err := os.Open(t.Path())
	if err != nil {
		c.mx.Lock()
		delete(c.uploads, t.FileID())
		c.mx.Unlock()
		c.failUpload(t, errors.Join(model.ErrTransfer, err))
		return
	}
	defer func() {
		_ = f.Close()
	}()

UploadLoop:
	for {
		uploader := transfer.NewUploader(transfer.UploaderConfig{
			Logger:     &c.logger,
			Sender:     cn,
			Clock:      c.clock,
			RetryDelay: c.chunkRetryDelay,
			Progress:   c.uploadProgress,
		})
		err = uploader.Run(cn.ctx, t, f)
		if !errors.Is(err, transfer.ErrSuspended) {
			break UploadLoop
		}
		// the connection may have been replaced while this run was
		// winding down, in which case restore skipped it
		c.mx.Lock()
		if t.State().Terminal() || c.state != StateConnected || c.cn == nil || c.cn == cn {
			delete(c.uploads, t.FileID())
			c.mx.Unlock()
			return
		}
		cn = c.cn
		c.mx.Unlock()
	}

	c.mx.Lock()
	delete(c.uploads, t.FileID())
	c.mx.Unlock()

	switch {
	case err == nil:
		c.logger.Debug().Str("fileID", t.FileID()).Msg("upload sent, waiting for relay confirmation")
	case errors.Is(err, transfer.ErrCancelled):
		// failed from outside, already reported
	default:
		c.logger.Error().Err(err).Str("fileID", t.FileID()).Msg("upload failed")
		c.emit(model.Event{Type: model.EventUploadFailed, FileID: t.FileID(), Error: err.Error()})
	}
}

func (c *Client) uploadProgress(t *transfer.Transfer) {
	done, total := t.Progress()
	c.emit(model.Event{Type: model.EventUploadProgress, FileID: t.FileID(), Done: done, Total: total})
}

// failUpload fails t and reports it unless it had already finished.
func (c *Client) failUpload(t *transfer.Transfer, err error) bool {
	if !t.Fail(err) {
		return false
	}
	c.logger.Error().Err(err).Str("fileID", t.FileID()).Msg("upload failed")
	c.emit(model.Event{Type: model.EventUploadFailed, FileID: t.FileID(), Error: err.Error()})
	return true
}

// confirmUploads completes the uploads the relay lists as available.
func (c *Client) confirmUploads(files []model.FileEntry) {
	for i := range files {
		t := c.session.Transfer(files[i].FileID)
		if t == nil || t.Direction() != transfer.Upload {
			continue
		}
		if err := t.SetState(transfer.StateCompleted); err != nil {
			continue
		}
		c.logger.Info().Str("fileID", t.FileID()).Msg("upload completed")
		c.emit(model.Event{Type: model.EventUploadCompleted, FileID: t.FileID(), File: &files[i]})
	}
}

// confirmUpload repeats file_complete of an upload whose confirmation
// was lost with the previous connection.
func (c *Client) confirmUpload(cn *conn, t *transfer.Transfer) error {
	info := t.Info()
	msg := c.newMessage(model.TypeFileComplete)
	msg.FileID = info.FileID
	msg.Checksum = info.Checksum
	return cn.send(msg)
}

// TransferProgress returns the state of the upload or download of fileID.
func (c *Client) TransferProgress(fileID string) (model.TransferProgress, error) {
	t := c.session.Transfer(fileID)
	if t == nil {
		return model.TransferProgress{}, ErrUnknownTransfer
	}
	return t.Snapshot(), nil
}

// ActiveTransfers lists uploads and downloads that have not finished.
func (c *Client) ActiveTransfers() []model.TransferProgress {
	return c.session.Progress()
}

// CancelTransfer stops an upload or download. The transfer is reported
// failed with transfer.ErrCancelled.
func (c *Client) CancelTransfer(fileID string) error {
	t := c.session.Transfer(fileID)
	if t == nil {
		return ErrUnknownTransfer
	}
	var failed bool
	if t.Direction() == transfer.Upload {
		failed = c.failUpload(t, transfer.ErrCancelled)
	} else {
		failed = c.failDownload(t, transfer.ErrCancelled)
	}
	if !failed {
		return ErrTransferFinished
	}
	return nil
}

// DownloadFile requests fileID from the relay and writes it to dest once
// all chunks arrived.
func (c *Client) DownloadFile(fileID, dest string) error {
	cn, err := c.current()
	if err != nil {
		return err
	}
	if t := c.session.Transfer(fileID); t != nil && !t.State().Terminal() {
		return errors.Join(model.ErrTransfer, errors.New("transfer already in progress"))
	}
	t := transfer.NewDownload(fileID, dest)
	c.session.AddTransfer(t)
	return c.requestFile(cn, t)
}

// requestFile sends file_request for t listing the chunks already held.
func (c *Client) requestFile(cn *conn, t *transfer.Transfer) error {
	if err := t.SetState(transfer.StateRunning); err != nil {
		return err
	}
	msg := c.newMessage(model.TypeFileRequest)
	msg.FileID = t.FileID()
	msg.FromUser = c.username
	msg.CompletedChunks = t.Completed()
	if err := cn.send(msg); err != nil {
		_ = t.SetState(transfer.StateSuspended)
		return errors.Join(model.ErrConnection, err)
	}
	return nil
}
