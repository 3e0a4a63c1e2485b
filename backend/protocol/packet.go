package protocol

import (
	"encoding/binary"
	"errors"
	"strings"
	"time"

	"github.com/adwski/lanmeet/backend/model"
)

const (
	PacketHeaderSize = 20

	helloPrefix = "HELLO:"
)

var (
	ErrMalformedPacket = errors.Join(model.ErrProtocol, errors.New("malformed media packet"))
)

// Packet is one media datagram.
//
//	stream_id u32 | seq_num u32 | timestamp_us u64 | payload_size u32 | payload
type Packet struct {
	StreamID  uint32
	Seq       uint32
	Timestamp uint64 // microseconds since epoch
	Payload   []byte
}

func NewPacket(streamID, seq uint32, ts time.Time, payload []byte) *Packet {
	return &Packet{
		StreamID:  streamID,
		Seq:       seq,
		Timestamp: uint64(ts.UnixMicro()),
		Payload:   payload,
	}
}

// NewHello returns the address learning packet for username.
func NewHello(username string, ts time.Time) *Packet {
	return NewPacket(HelloStreamID, 0, ts, []byte(helloPrefix+username))
}

func (p *Packet) Marshal() []byte {
	b := make([]byte, PacketHeaderSize+len(p.Payload))
	binary.BigEndian.PutUint32(b[0:4], p.StreamID)
	binary.BigEndian.PutUint32(b[4:8], p.Seq)
	binary.BigEndian.PutUint64(b[8:16], p.Timestamp)
	binary.BigEndian.PutUint32(b[16:20], uint32(len(p.Payload)))
	copy(b[PacketHeaderSize:], p.Payload)
	return b
}

// ParsePacket decodes b. The payload aliases b.
func ParsePacket(b []byte) (*Packet, error) {
	if len(b) < PacketHeaderSize {
		return nil, ErrMalformedPacket
	}
	size := binary.BigEndian.Uint32(b[16:20])
	if uint64(size) != uint64(len(b)-PacketHeaderSize) {
		return nil, ErrMalformedPacket
	}
	return &Packet{
		StreamID:  binary.BigEndian.Uint32(b[0:4]),
		Seq:       binary.BigEndian.Uint32(b[4:8]),
		Timestamp: binary.BigEndian.Uint64(b[8:16]),
		Payload:   b[PacketHeaderSize:],
	}, nil
}

func (p *Packet) IsHello() bool {
	return p.StreamID == HelloStreamID
}

// HelloUsername extracts the username from a hello packet.
func (p *Packet) HelloUsername() (string, bool) {
	if !p.IsHello() {
		return "", false
	}
	s := string(p.Payload)
	if !strings.HasPrefix(s, helloPrefix) {
		return "", false
	}
	name := s[len(helloPrefix):]
	return name, name != ""
}
