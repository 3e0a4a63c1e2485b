package memory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/adwski/lanmeet/backend/model"
	"github.com/adwski/lanmeet/backend/transfer"
	"github.com/google/uuid"
)

var (
	ErrFileNotFound  = errors.New("file is not found")
	ErrFileTooLarge  = errors.Join(model.ErrTransfer, errors.New("file exceeds size limit"))
	ErrFileExists    = errors.New("file id already registered")
	ErrInvalidFileID = errors.Join(model.ErrProtocol, errors.New("file id is not a uuid"))
	ErrNotAssembled  = errors.Join(model.ErrTransfer, errors.New("file is not assembled"))
	ErrUploadAborted = errors.Join(model.ErrTransfer, errors.New("upload was aborted"))
)

type fileState int

const (
	filePending fileState = iota
	fileAssembling
	fileAvailable
	fileFailed
)

type file struct {
	info   transfer.Info
	chunks map[int][]byte
	state  fileState
	path   string
}

// FileStore keeps uploads in memory until every chunk is present,
// then assembles them into dir.
type FileStore struct {
	mx      *sync.Mutex
	db      map[string]*file
	dir     string
	maxSize int64
}

func NewFileStore(dir string, maxSize int64) *FileStore {
	if maxSize == 0 {
		maxSize = transfer.DefaultMaxFileSize
	}
	return &FileStore{
		mx:      &sync.Mutex{},
		db:      make(map[string]*file),
		dir:     dir,
		maxSize: maxSize,
	}
}

// Offer registers a pending upload. A zero sized file is available at once.
func (fs *FileStore) Offer(info transfer.Info) error {
	if _, err := uuid.Parse(info.FileID); err != nil {
		return ErrInvalidFileID
	}
	if info.Size > fs.maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFileTooLarge, info.Size, fs.maxSize)
	}

	fs.mx.Lock()
	if f, ok := fs.db[info.FileID]; ok && f.state != fileFailed {
		fs.mx.Unlock()
		return ErrFileExists
	}
	f := &file{
		info:   info,
		chunks: make(map[int][]byte),
		path:   filepath.Join(fs.dir, info.FileID),
	}
	fs.db[info.FileID] = f
	fs.mx.Unlock()

	if info.TotalChunks == 0 {
		_, err := fs.assemble(f)
		return err
	}
	return nil
}

// PutChunk stores one chunk. Once the last chunk arrives the file is
// assembled and verified; assembled is true if that succeeded.
// On checksum mismatch the file is discarded and ErrChecksumMismatch is returned.
func (fs *FileStore) PutChunk(fileID string, idx int, data []byte) (bool, error) {
	fs.mx.Lock()
	f, ok := fs.db[fileID]
	if !ok {
		fs.mx.Unlock()
		return false, ErrFileNotFound
	}
	if f.state == fileFailed {
		fs.mx.Unlock()
		return false, ErrUploadAborted
	}
	if f.state != filePending {
		fs.mx.Unlock()
		return false, nil
	}
	if idx < 0 || idx >= f.info.TotalChunks {
		fs.mx.Unlock()
		return false, fmt.Errorf("%w: %d of %d", transfer.ErrChunkOutOfRange, idx, f.info.TotalChunks)
	}
	if len(data) != f.info.ChunkLen(idx) {
		fs.mx.Unlock()
		return false, fmt.Errorf("%w: chunk %d has %d bytes", model.ErrTransfer, idx, len(data))
	}
	f.chunks[idx] = data
	if len(f.chunks) < f.info.TotalChunks {
		fs.mx.Unlock()
		return false, nil
	}
	f.state = fileAssembling
	fs.mx.Unlock()

	return fs.assemble(f)
}

func (fs *FileStore) assemble(f *file) (bool, error) {
	err := transfer.AssembleFile(f.path, f.chunks, f.info.TotalChunks, f.info.Checksum)

	fs.mx.Lock()
	defer fs.mx.Unlock()
	f.chunks = nil
	if err != nil {
		f.state = fileFailed
		return false, err
	}
	f.state = fileAvailable
	return true, nil
}

// Status reports whether fileID is known and whether it is available.
func (fs *FileStore) Status(fileID string) (known, available bool) {
	fs.mx.Lock()
	defer fs.mx.Unlock()
	f, ok := fs.db[fileID]
	if !ok {
		return false, false
	}
	return true, f.state == fileAvailable
}

// Failed reports whether fileID was discarded after a failed assembly.
func (fs *FileStore) Failed(fileID string) bool {
	fs.mx.Lock()
	defer fs.mx.Unlock()
	f, ok := fs.db[fileID]
	return ok && f.state == fileFailed
}

// Open returns the assembled file for streaming.
func (fs *FileStore) Open(fileID string) (*os.File, transfer.Info, error) {
	fs.mx.Lock()
	f, ok := fs.db[fileID]
	if !ok {
		fs.mx.Unlock()
		return nil, transfer.Info{}, ErrFileNotFound
	}
	if f.state != fileAvailable {
		fs.mx.Unlock()
		return nil, transfer.Info{}, ErrNotAssembled
	}
	info, path := f.info, f.path
	fs.mx.Unlock()

	r, err := os.Open(path)
	if err != nil {
		return nil, transfer.Info{}, errors.Join(ErrFileNotFound, err)
	}
	return r, info, nil
}

// List returns available files ordered by creation time.
func (fs *FileStore) List() []model.FileEntry {
	fs.mx.Lock()
	infos := make([]transfer.Info, 0, len(fs.db))
	for _, f := range fs.db {
		if f.state == fileAvailable {
			infos = append(infos, f.info)
		}
	}
	fs.mx.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].FileID < infos[j].FileID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	out := make([]model.FileEntry, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.Entry())
	}
	return out
}

// Cleanup removes every assembled file from dir.
func (fs *FileStore) Cleanup() error {
	fs.mx.Lock()
	defer fs.mx.Unlock()
	var errs []error
	for id, f := range fs.db {
		if f.state == fileAvailable {
			if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
		}
		delete(fs.db, id)
	}
	return errors.Join(errs...)
}
