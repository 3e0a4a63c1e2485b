package transfer

import (
	"sync"

	"github.com/adwski/lanmeet/backend/model"
)

type Direction int

const (
	Upload Direction = iota
	Download
)

// Transfer is one in-flight upload or download. Its chunk set survives
// reconnects so the transfer resumes from the first missing index.
type Transfer struct {
	mx *sync.Mutex

	info    Info
	dir     Direction
	path    string
	mode    model.Mode
	targets []string

	done     ChunkSet
	buf      map[int][]byte
	state    State
	offered  bool
	errCount int
	err      error
}

// NewUpload describes an upload of the local file at path.
func NewUpload(info Info, path string, mode model.Mode, targets []string) *Transfer {
	return &Transfer{
		mx:      &sync.Mutex{},
		info:    info,
		dir:     Upload,
		path:    path,
		mode:    mode,
		targets: targets,
		done:    NewChunkSet(),
		state:   StatePending,
	}
}

// NewDownload describes a download of fileID into path.
// The chunk count becomes known with the first chunk.
func NewDownload(fileID, path string) *Transfer {
	return &Transfer{
		mx:    &sync.Mutex{},
		info:  Info{FileID: fileID, ChunkSize: ChunkSize},
		dir:   Download,
		path:  path,
		done:  NewChunkSet(),
		buf:   make(map[int][]byte),
		state: StatePending,
	}
}

func (t *Transfer) Info() Info {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.info
}

func (t *Transfer) FileID() string {
	return t.info.FileID
}

func (t *Transfer) Direction() Direction {
	return t.dir
}

func (t *Transfer) Path() string {
	return t.path
}

func (t *Transfer) State() State {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.state
}

func (t *Transfer) Err() error {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.err
}

// SetState moves the transfer to state to if the transition is allowed.
func (t *Transfer) SetState(to State) error {
	t.mx.Lock()
	defer t.mx.Unlock()
	next, err := t.state.Next(to)
	if err != nil {
		return err
	}
	t.state = next
	return nil
}

// Fail marks the transfer failed with err. It returns false if the
// transfer had already finished.
func (t *Transfer) Fail(err error) bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.state = StateFailed
	t.err = err
	t.buf = nil
	return true
}

func (t *Transfer) Offered() bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.offered
}

func (t *Transfer) MarkOffered() {
	t.mx.Lock()
	t.offered = true
	t.mx.Unlock()
}

func (t *Transfer) MarkDone(idx int) {
	t.mx.Lock()
	t.done.Add(idx)
	t.mx.Unlock()
}

func (t *Transfer) HasChunk(idx int) bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.done.Has(idx)
}

// AddError counts one failed send and returns the total for the transfer.
func (t *Transfer) AddError() int {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.errCount++
	return t.errCount
}

// Completed returns sorted indices already sent or received.
func (t *Transfer) Completed() []int {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.done.Indices()
}

func (t *Transfer) FirstMissing() int {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.done.FirstMissing(t.info.TotalChunks)
}

// Progress returns the number of done chunks and the chunk total.
func (t *Transfer) Progress() (int, int) {
	t.mx.Lock()
	defer t.mx.Unlock()
	return len(t.done), t.info.TotalChunks
}

func (t *Transfer) Snapshot() model.TransferProgress {
	t.mx.Lock()
	defer t.mx.Unlock()
	p := model.TransferProgress{
		FileID:    t.info.FileID,
		Filename:  t.info.Filename,
		Direction: "upload",
		State:     t.state.String(),
		Done:      len(t.done),
		Total:     t.info.TotalChunks,
	}
	if t.dir == Download {
		p.Direction = "download"
	}
	if t.err != nil {
		p.Error = t.err.Error()
	}
	return p
}

// OfferMessage builds the file_offer for an upload.
func (t *Transfer) OfferMessage(msg *model.Message) *model.Message {
	t.mx.Lock()
	defer t.mx.Unlock()
	msg.FromUser = t.info.Uploader
	msg.FileID = t.info.FileID
	msg.Filename = t.info.Filename
	msg.FileSize = t.info.Size
	msg.Checksum = t.info.Checksum
	msg.Mode = t.mode
	msg.ToUsers = t.targets
	return msg
}

// Put buffers one received chunk of a download.
func (t *Transfer) Put(idx, total int, data []byte) error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.buf == nil {
		return ErrInvalidTransition
	}
	if t.info.TotalChunks == 0 {
		t.info.TotalChunks = total
	}
	if idx < 0 || idx >= t.info.TotalChunks {
		return ErrChunkOutOfRange
	}
	t.buf[idx] = data
	t.done.Add(idx)
	return nil
}

// WriteOut reassembles a download into its destination path.
func (t *Transfer) WriteOut() error {
	t.mx.Lock()
	buf, total := t.buf, t.info.TotalChunks
	t.mx.Unlock()
	if buf == nil {
		return ErrInvalidTransition
	}

	if err := AssembleFile(t.path, buf, total, ""); err != nil {
		return err
	}

	t.mx.Lock()
	t.buf = nil
	t.mx.Unlock()
	return nil
}
