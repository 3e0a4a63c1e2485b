package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/adwski/lanmeet/backend/model"
)

const (
	frameHeaderSize = 4

	DefaultMaxFrameSize = 16 << 20
)

var (
	ErrEmptyFrame     = errors.Join(model.ErrProtocol, errors.New("zero length frame"))
	ErrFrameTooLarge  = errors.Join(model.ErrProtocol, errors.New("frame exceeds size limit"))
	ErrMalformedFrame = errors.Join(model.ErrProtocol, errors.New("malformed frame body"))
)

// EncodeFrame returns msg as a length prefixed frame.
func EncodeFrame(msg *model.Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	b := make([]byte, frameHeaderSize, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(b, uint32(len(body)))
	return append(b, body...), nil
}

// WriteFrame writes msg to w with a single Write call.
func WriteFrame(w io.Writer, msg *model.Message) error {
	b, err := EncodeFrame(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// FrameReader decodes consecutive frames from a byte stream.
type FrameReader struct {
	r   *bufio.Reader
	max uint32
	hdr [frameHeaderSize]byte
}

func NewFrameReader(r io.Reader, maxSize uint32) *FrameReader {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameReader{
		r:   bufio.NewReader(r),
		max: maxSize,
	}
}

// ReadMessage blocks until one full frame is available and decodes it.
//
// ErrEmptyFrame and ErrMalformedFrame leave the stream on a frame boundary,
// so the caller may drop the frame and keep reading. ErrFrameTooLarge and
// I/O errors are terminal for the stream.
func (fr *FrameReader) ReadMessage() (*model.Message, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(fr.hdr[:])
	if size == 0 {
		return nil, ErrEmptyFrame
	}
	if size > fr.max {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, fr.max)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, err
	}
	return DecodeMessage(body)
}

// DecodeMessage decodes one frame body.
func DecodeMessage(body []byte) (*model.Message, error) {
	var msg model.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, errors.Join(ErrMalformedFrame, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return &msg, nil
}

// Recoverable reports whether reading may continue after err.
func Recoverable(err error) bool {
	return errors.Is(err, ErrEmptyFrame) || errors.Is(err, ErrMalformedFrame)
}
