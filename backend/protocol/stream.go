package protocol

import (
	"hash/fnv"
)

type StreamKind uint32

const (
	StreamAudio StreamKind = 1
	StreamVideo StreamKind = 2

	HelloStreamID uint32 = 0

	streamKindMask = 0xF
	streamIDMask   = 0x7FFFFFFF
)

// StreamID derives the media stream id of username for kind.
// The hash is FNV-1a so ids agree across processes and restarts.
// The result always fits in 31 bits and carries kind in its low nibble.
func StreamID(username string, kind StreamKind) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(username))
	return ((h.Sum32()&streamIDMask)<<4 | uint32(kind)&streamKindMask) & streamIDMask
}

// Kind returns the stream kind encoded in id.
func Kind(id uint32) StreamKind {
	return StreamKind(id & streamKindMask)
}

// MatchStream returns the first username whose expected id for the
// kind encoded in id equals id.
func MatchStream(id uint32, usernames []string) (string, bool) {
	kind := Kind(id)
	if kind != StreamAudio && kind != StreamVideo {
		return "", false
	}
	for _, name := range usernames {
		if StreamID(name, kind) == id {
			return name, true
		}
	}
	return "", false
}
