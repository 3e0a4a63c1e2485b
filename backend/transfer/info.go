package transfer

import (
	"time"

	"github.com/adwski/lanmeet/backend/model"
	"github.com/google/uuid"
)

const (
	ChunkSize = 64 * 1024

	DefaultMaxFileSize = 100 << 20
)

// Info describes one file moving through the relay.
type Info struct {
	FileID      string
	Filename    string
	Size        int64
	ChunkSize   int
	TotalChunks int
	Checksum    string
	Uploader    string
	CreatedAt   time.Time
}

func NewFileID() string {
	return uuid.NewString()
}

func NewInfo(fileID, filename string, size int64, checksum, uploader string, now time.Time) Info {
	return Info{
		FileID:      fileID,
		Filename:    filename,
		Size:        size,
		ChunkSize:   ChunkSize,
		TotalChunks: ChunkCount(size, ChunkSize),
		Checksum:    checksum,
		Uploader:    uploader,
		CreatedAt:   now,
	}
}

// InfoFromOffer builds Info out of a file_offer message.
func InfoFromOffer(msg *model.Message, now time.Time) Info {
	return NewInfo(msg.FileID, msg.Filename, msg.FileSize, msg.Checksum, msg.FromUser, now)
}

// ChunkCount is ceil(size/chunkSize).
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// ChunkLen is the length of chunk idx of a file of info.Size bytes.
func (info Info) ChunkLen(idx int) int {
	if idx < 0 || idx >= info.TotalChunks {
		return 0
	}
	if idx < info.TotalChunks-1 {
		return info.ChunkSize
	}
	return int(info.Size - int64(idx)*int64(info.ChunkSize))
}

func (info Info) Entry() model.FileEntry {
	return model.FileEntry{
		FileID:   info.FileID,
		Filename: info.Filename,
		Size:     info.Size,
		Owner:    info.Uploader,
	}
}
