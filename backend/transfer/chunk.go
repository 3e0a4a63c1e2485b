package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/adwski/lanmeet/backend/model"
)

var (
	ErrChecksumMismatch = errors.Join(model.ErrTransfer, errors.New("checksum mismatch"))
	ErrMissingChunk     = errors.Join(model.ErrTransfer, errors.New("missing chunk"))
	ErrChunkOutOfRange  = errors.Join(model.ErrTransfer, errors.New("chunk index out of range"))
	ErrChunkData        = errors.Join(model.ErrProtocol, errors.New("chunk data is not valid hex"))
)

// Checksum returns the hex SHA-256 of everything read from r.
func Checksum(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func ChecksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = f.Close()
	}()
	return Checksum(f)
}

// ReadChunk reads chunk idx of the file described by info.
func ReadChunk(src io.ReaderAt, info Info, idx int) ([]byte, error) {
	if idx < 0 || idx >= info.TotalChunks {
		return nil, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, idx, info.TotalChunks)
	}
	buf := make([]byte, info.ChunkLen(idx))
	n, err := src.ReadAt(buf, int64(idx)*int64(info.ChunkSize))
	if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
		return nil, err
	}
	return buf, nil
}

// ChunkMessage builds the file_chunk message carrying data as chunk idx.
func ChunkMessage(info Info, idx int, data []byte, now time.Time) *model.Message {
	msg := model.NewMessageAt(model.TypeFileChunk, now)
	msg.FileID = info.FileID
	msg.Checksum = info.Checksum
	msg.Chunk = &model.Chunk{
		ChunkIndex:  idx,
		TotalChunks: info.TotalChunks,
		Data:        hex.EncodeToString(data),
	}
	return msg
}

// DecodeChunk returns the raw bytes of a file_chunk message.
func DecodeChunk(msg *model.Message) ([]byte, error) {
	if msg.Chunk == nil {
		return nil, ErrChunkData
	}
	b, err := hex.DecodeString(msg.Data)
	if err != nil {
		return nil, errors.Join(ErrChunkData, err)
	}
	return b, nil
}

// Assemble writes chunks 0..total-1 to w in index order. When checksum is
// not empty the SHA-256 of the written bytes must match it.
func Assemble(w io.Writer, chunks map[int][]byte, total int, checksum string) error {
	h := sha256.New()
	mw := io.MultiWriter(w, h)
	for i := 0; i < total; i++ {
		data, ok := chunks[i]
		if !ok {
			return fmt.Errorf("%w: %d", ErrMissingChunk, i)
		}
		if _, err := mw.Write(data); err != nil {
			return err
		}
	}
	if checksum != "" && hex.EncodeToString(h.Sum(nil)) != checksum {
		return ErrChecksumMismatch
	}
	return nil
}

// AssembleFile assembles chunks into path. The file is removed when
// assembly fails.
func AssembleFile(path string, chunks map[int][]byte, total int, checksum string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	err = Assemble(f, chunks, total, checksum)
	if errC := f.Close(); err == nil {
		err = errC
	}
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}
