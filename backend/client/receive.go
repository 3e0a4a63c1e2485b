package client

import (
	"encoding/hex"
	"errors"
	"io"
	"net"
	"time"

	"github.com/adwski/lanmeet/backend/model"
	"github.com/adwski/lanmeet/backend/protocol"
	"github.com/adwski/lanmeet/backend/transfer"
)

func (c *Client) controlLoop(cn *conn) {
	defer c.wg.Done()

	var (
		err error
		msg *model.Message
		fr  = protocol.NewFrameReader(cn.tcp, c.maxFrame)
	)
RecvLoop:
	for {
		msg, err = fr.ReadMessage()
		if err != nil {
			if protocol.Recoverable(err) {
				c.logger.Warn().Err(err).Msg("bad frame dropped")
				continue
			}
			break RecvLoop
		}
		c.logger.Trace().Str("type", msg.Type).Msg("message received")
		c.dispatch(cn, msg)
	}

	cn.signalAuth(errors.Join(model.ErrConnection, err))
	if cn.ctx.Err() != nil {
		return
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		c.logger.Warn().Msg("control connection closed by relay")
	} else {
		c.logger.Warn().Err(err).Msg("control connection failed")
	}
	c.connectionLost(cn, err)
}

func (c *Client) dispatch(cn *conn, msg *model.Message) {
	switch msg.Type {
	case model.TypeAuthResponse:
		c.handleAuth(cn, msg)
	case model.TypePong:
		c.mx.Lock()
		if c.cn == cn {
			c.lastPong = c.clock.Now()
		}
		c.mx.Unlock()
	case model.TypeUserList:
		c.session.SetRoster(msg.Users)
		c.emit(model.Event{Type: model.EventUserListReceived, Users: msg.Users})
	case model.TypeUserJoined:
		c.session.AddUser(msg.Username)
		c.emit(model.Event{Type: model.EventUserJoined, User: msg.Username})
	case model.TypeUserLeft:
		c.session.RemoveUser(msg.Username)
		c.emit(model.Event{Type: model.EventUserLeft, User: msg.Username})
	case model.TypeChatMessage:
		c.session.AddChat(ChatMessage{
			From:    msg.FromUser,
			Text:    msg.Payload,
			Mode:    msg.Mode,
			Targets: msg.ToUsers,
			At:      c.clock.Now(),
		})
		c.emit(model.Event{Type: model.EventChatMessageReceived, User: msg.FromUser, Text: msg.Payload})
	case model.TypeFileOffer:
		c.emit(model.Event{
			Type: model.EventFileOfferReceived,
			User: msg.FromUser,
			File: &model.FileEntry{
				FileID:   msg.FileID,
				Filename: msg.Filename,
				Size:     msg.FileSize,
				Owner:    msg.FromUser,
			},
		})
	case model.TypeFileList:
		c.session.SetFiles(msg.Files)
		c.emit(model.Event{Type: model.EventFileListReceived, Files: msg.Files})
		c.confirmUploads(msg.Files)
	case model.TypeFileChunk:
		c.handleChunk(msg)
	case model.TypeFileComplete:
		c.handleComplete(msg)
	case model.TypeMediaStart, model.TypeMediaStop:
		active := msg.Type == model.TypeMediaStart
		c.session.SetRemoteMedia(msg.Username, msg.MediaType, active)
		c.emit(model.Event{
			Type:      model.EventMediaStateChanged,
			User:      msg.Username,
			MediaType: msg.MediaType,
			Active:    active,
		})
	case model.TypeScreenFrame:
		c.handleScreenFrame(msg)
	case model.TypeError:
		c.handleError(msg)
	default:
		c.logger.Warn().Str("type", msg.Type).Msg("unknown message type ignored")
	}
}

func (c *Client) handleAuth(cn *conn, msg *model.Message) {
	if !msg.Succeeded() {
		err := model.AuthError(msg.Reason)
		c.mx.Lock()
		if c.cn == cn && c.state == StateAuthenticating {
			c.cn = nil
			c.setState(StateDisconnected)
		}
		c.mx.Unlock()

		c.logger.Error().Str("reason", msg.Reason).Msg("authentication failed")
		cn.signalAuth(err)
		c.emit(model.Event{Type: model.EventAuthFailed, Error: msg.Reason})
		cn.close()
		return
	}

	c.mx.Lock()
	if c.cn != cn || !c.setState(StateConnected) {
		c.mx.Unlock()
		return
	}
	c.lastPong = c.clock.Now()
	c.mx.Unlock()

	if err := cn.sendPacket(protocol.NewHello(c.username, c.clock.Now())); err != nil {
		c.logger.Warn().Err(err).Msg("failed to send hello packet")
	}
	c.logger.Info().Msg("authenticated")
	cn.signalAuth(nil)
	c.emit(model.Event{Type: model.EventAuthSucceeded, User: c.username})
}

func (c *Client) handleChunk(msg *model.Message) {
	t := c.session.Transfer(msg.FileID)
	if t == nil || t.Direction() != transfer.Download || msg.Chunk == nil {
		c.logger.Debug().Str("fileID", msg.FileID).Msg("chunk of unknown download ignored")
		return
	}
	if t.State().Terminal() {
		return
	}
	data, err := transfer.DecodeChunk(msg)
	if err == nil {
		err = t.Put(msg.ChunkIndex, msg.TotalChunks, data)
	}
	if err != nil {
		c.logger.Warn().Err(err).
			Str("fileID", msg.FileID).
			Int("chunk", msg.ChunkIndex).
			Msg("bad chunk dropped")
		return
	}
	done, total := t.Progress()
	c.emit(model.Event{Type: model.EventDownloadProgress, FileID: t.FileID(), Done: done, Total: total})
}

func (c *Client) handleComplete(msg *model.Message) {
	t := c.session.Transfer(msg.FileID)
	if t == nil || t.Direction() != transfer.Download || t.State().Terminal() {
		return
	}
	if err := t.WriteOut(); err != nil {
		c.failDownload(t, err)
		return
	}
	if err := t.SetState(transfer.StateCompleted); err != nil {
		c.logger.Debug().Err(err).Str("fileID", t.FileID()).Msg("download completed in unexpected state")
	}
	c.logger.Info().Str("fileID", t.FileID()).Str("path", t.Path()).Msg("download completed")
	c.emit(model.Event{Type: model.EventDownloadCompleted, FileID: t.FileID(), Path: t.Path()})
}

func (c *Client) failDownload(t *transfer.Transfer, err error) bool {
	if !t.Fail(err) {
		return false
	}
	c.logger.Error().Err(err).Str("fileID", t.FileID()).Msg("download failed")
	c.emit(model.Event{Type: model.EventDownloadFailed, FileID: t.FileID(), Error: err.Error()})
	return true
}

func (c *Client) handleScreenFrame(msg *model.Message) {
	if msg.Frame == nil {
		return
	}
	data, err := hex.DecodeString(msg.FrameData)
	if err != nil {
		c.logger.Warn().Err(err).Str("from", msg.FromUser).Msg("bad screen frame dropped")
		return
	}
	c.emit(model.Event{
		Type:    model.EventScreenFrameReceived,
		User:    msg.FromUser,
		Payload: data,
		Width:   msg.Width,
		Height:  msg.Height,
	})
}

func (c *Client) handleError(msg *model.Message) {
	c.logger.Warn().
		Str("code", msg.ErrorCode).
		Str("fileID", msg.FileID).
		Str("message", msg.ErrorMessage).
		Msg("relay reported error")
	if t := c.session.Transfer(msg.FileID); t != nil {
		err := errors.Join(model.ErrTransfer, errors.New(msg.ErrorCode))
		if t.Direction() == transfer.Download {
			c.failDownload(t, err)
		} else {
			c.failUpload(t, err)
		}
	}
	c.emit(model.Event{
		Type:   model.EventErrorReceived,
		Code:   msg.ErrorCode,
		Error:  msg.ErrorMessage,
		FileID: msg.FileID,
	})
}

func (c *Client) mediaLoop(cn *conn) {
	defer c.wg.Done()

	buf := make([]byte, defaultUDPBuffer)
RecvLoop:
	for {
		if cn.ctx.Err() != nil {
			break RecvLoop
		}
		if err := cn.udp.SetReadDeadline(time.Now().Add(defaultUDPReadPoll)); err != nil {
			break RecvLoop
		}
		n, _, err := cn.udp.ReadFromUDP(buf)
		if err != nil {
			var nErr net.Error
			if errors.As(err, &nErr) && nErr.Timeout() {
				continue
			}
			if cn.ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("media socket failed")
			}
			break RecvLoop
		}
		pkt, err := protocol.ParsePacket(buf[:n])
		if err != nil {
			c.logger.Trace().Err(err).Msg("malformed packet dropped")
			continue
		}
		if pkt.IsHello() {
			continue
		}
		c.handlePacket(pkt)
	}
}

func (c *Client) handlePacket(pkt *protocol.Packet) {
	user, ok := c.identifySender(pkt.StreamID)
	if !ok {
		c.logger.Debug().Uint32("streamID", pkt.StreamID).Msg("packet of unknown stream dropped")
		return
	}
	ev := model.Event{
		User:    user,
		Payload: append([]byte(nil), pkt.Payload...),
		Seq:     pkt.Seq,
	}
	switch protocol.Kind(pkt.StreamID) {
	case protocol.StreamAudio:
		ev.Type = model.EventAudioDataReceived
	case protocol.StreamVideo:
		ev.Type = model.EventVideoDataReceived
	default:
		return
	}
	c.emit(ev)
}

// identifySender finds the roster member (or the local user) whose
// stream id for the packet's kind equals streamID.
func (c *Client) identifySender(streamID uint32) (string, bool) {
	return protocol.MatchStream(streamID, append(c.session.Roster(), c.username))
}
