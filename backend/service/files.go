package service

import (
	"context"
	"errors"
	"os"

	"github.com/adwski/lanmeet/backend/model"
	"github.com/adwski/lanmeet/backend/storage/memory"
	"github.com/adwski/lanmeet/backend/transfer"
)

func (svc *Service) fileOffer(ctx context.Context, peer *model.Peer, msg *model.Message) error {
	msg.FromUser = peer.Username
	info := transfer.InfoFromOffer(msg, svc.clock.Now())
	if err := svc.store.Offer(info); err != nil {
		code := model.ErrorCodeInvalidOffer
		if errors.Is(err, memory.ErrFileTooLarge) {
			code = model.ErrorCodeFileTooLarge
		}
		svc.replyError(ctx, peer, code, msg.FileID, err)
		return err
	}
	svc.logger.Info().
		Str("username", peer.Username).
		Str("fileID", info.FileID).
		Str("filename", info.Filename).
		Int64("size", info.Size).
		Msg("file offered")
	svc.route(ctx, msg)
	return nil
}

func (svc *Service) fileChunk(ctx context.Context, peer *model.Peer, msg *model.Message) error {
	data, err := transfer.DecodeChunk(msg)
	if err != nil {
		return err
	}
	assembled, err := svc.store.PutChunk(msg.FileID, msg.ChunkIndex, data)
	switch {
	case errors.Is(err, transfer.ErrChecksumMismatch):
		svc.stats.Counter("files.checksum_failed").Inc(1)
		svc.replyError(ctx, peer, model.ErrorCodeChecksumMismatch, msg.FileID, err)
		return err
	case err != nil:
		return err
	case assembled:
		svc.stats.Counter("files.assembled").Inc(1)
		svc.logger.Info().
			Str("username", peer.Username).
			Str("fileID", msg.FileID).
			Msg("file assembled")
	}
	return nil
}

func (svc *Service) fileComplete(ctx context.Context, peer *model.Peer, msg *model.Message) error {
	known, available := svc.store.Status(msg.FileID)
	switch {
	case available:
		list := svc.newMessage(model.TypeFileList)
		list.Files = svc.store.List()
		svc.sw.Broadcast(ctx, list, "")
		return nil
	case svc.store.Failed(msg.FileID):
		err := errors.Join(transfer.ErrChecksumMismatch, errors.New("file was discarded"))
		svc.replyError(ctx, peer, model.ErrorCodeChecksumMismatch, msg.FileID, err)
		return err
	case known:
		err := errors.Join(model.ErrTransfer, errors.New("file_complete before all chunks were assembled"))
		svc.replyError(ctx, peer, model.ErrorCodeIncomplete, msg.FileID, err)
		return err
	}
	svc.replyError(ctx, peer, model.ErrorCodeFileNotFound, msg.FileID, memory.ErrFileNotFound)
	return memory.ErrFileNotFound
}

func (svc *Service) fileRequest(ctx context.Context, peer *model.Peer, msg *model.Message) error {
	f, info, err := svc.store.Open(msg.FileID)
	if err != nil {
		svc.replyError(ctx, peer, model.ErrorCodeFileNotFound, msg.FileID, err)
		return err
	}
	done := transfer.NewChunkSet(msg.CompletedChunks...)

	svc.streams.Add(1)
	go func() {
		defer svc.streams.Done()
		svc.streamFile(ctx, peer, f, info, done)
	}()
	return nil
}

// streamFile sends every chunk of the assembled file not in done to peer,
// followed by file_complete, pausing chunkPace between chunks.
func (svc *Service) streamFile(ctx context.Context, peer *model.Peer, f *os.File, info transfer.Info, done transfer.ChunkSet) {
	defer func() {
		_ = f.Close()
	}()
	logger := svc.logger.With().
		Str("username", peer.Username).
		Str("fileID", info.FileID).
		Logger()

	var sent int
	for idx := 0; idx < info.TotalChunks; idx++ {
		if done.Has(idx) {
			continue
		}
		data, err := transfer.ReadChunk(f, info, idx)
		if err != nil {
			logger.Error().Err(err).Int("chunk", idx).Msg("failed to read assembled file")
			return
		}
		if !svc.reply(ctx, peer, transfer.ChunkMessage(info, idx, data, svc.clock.Now())) {
			logger.Debug().Int("chunk", idx).Msg("requester went away")
			return
		}
		sent++
		select {
		case <-ctx.Done():
			return
		case <-peer.Done:
			return
		case <-svc.clock.After(svc.chunkPace):
		}
	}

	complete := svc.newMessage(model.TypeFileComplete)
	complete.FileID = info.FileID
	complete.Checksum = info.Checksum
	svc.reply(ctx, peer, complete)

	logger.Info().Int("chunks", sent).Msg("file sent")
}
