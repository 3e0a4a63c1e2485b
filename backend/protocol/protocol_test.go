package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"testing/iotest"
	"time"

	"github.com/adwski/lanmeet/backend/model"
	"github.com/davecgh/go-spew/spew"
)

func TestFrameRoundTripPartialReads(t *testing.T) {
	var buf bytes.Buffer

	chat := model.NewMessage(model.TypeChatMessage)
	chat.FromUser = "alice"
	chat.Mode = model.ModeBroadcast
	chat.Payload = "hello room"

	chunk := model.NewMessage(model.TypeFileChunk)
	chunk.FileID = "f1"
	chunk.Chunk = &model.Chunk{ChunkIndex: 0, TotalChunks: 3, Data: "00ff"}

	for _, msg := range []*model.Message{chat, chunk} {
		if err := WriteFrame(&buf, msg); err != nil {
			t.Fatal(err)
		}
	}

	fr := NewFrameReader(iotest.OneByteReader(&buf), 0)

	got, err := fr.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != model.TypeChatMessage || got.Payload != "hello room" || got.FromUser != "alice" {
		t.Fatalf("unexpected chat message: %s", spew.Sdump(got))
	}
	if got.Chunk != nil {
		t.Fatalf("chat message must not carry chunk fields: %s", spew.Sdump(got))
	}

	got, err = fr.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if got.Chunk == nil || got.ChunkIndex != 0 || got.TotalChunks != 3 || got.Data != "00ff" {
		t.Fatalf("unexpected chunk message: %s", spew.Sdump(got))
	}

	if _, err = fr.ReadMessage(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestFrameReaderRecoversFromBadFrames(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0}) // zero length

	bad := []byte(`{"no_type":1}`)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(bad)))
	buf.Write(bad)

	junk := []byte(`not json`)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(junk)))
	buf.Write(junk)

	_ = WriteFrame(&buf, model.NewMessage(model.TypePong))

	fr := NewFrameReader(&buf, 0)
	for i := 0; i < 3; i++ {
		_, err := fr.ReadMessage()
		if !Recoverable(err) {
			t.Fatalf("frame %d: expected recoverable error, got %v", i, err)
		}
		if !errors.Is(err, model.ErrProtocol) {
			t.Fatalf("frame %d: expected protocol error, got %v", i, err)
		}
	}
	msg, err := fr.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != model.TypePong {
		t.Fatalf("expected pong, got %s", msg.Type)
	}
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(1024))
	buf.Write(make([]byte, 1024))

	_, err := NewFrameReader(&buf, 100).ReadMessage()
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if Recoverable(err) {
		t.Fatal("oversized frame must not be recoverable")
	}
}

func TestPacketCodec(t *testing.T) {
	ts := time.Unix(1700000000, 123456000)
	p := NewPacket(StreamID("bob", StreamVideo), 7, ts, []byte("payload"))
	b := p.Marshal()
	if len(b) != PacketHeaderSize+7 {
		t.Fatalf("unexpected packet length %d", len(b))
	}

	got, err := ParsePacket(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.StreamID != p.StreamID || got.Seq != 7 || got.Timestamp != uint64(ts.UnixMicro()) ||
		string(got.Payload) != "payload" {
		t.Fatalf("decoded packet mismatch: %s", spew.Sdump(got))
	}

	if _, err = ParsePacket(b[:PacketHeaderSize-1]); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("short packet: expected ErrMalformedPacket, got %v", err)
	}
	if _, err = ParsePacket(b[:len(b)-1]); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("truncated payload: expected ErrMalformedPacket, got %v", err)
	}
	if _, err = ParsePacket(append(b, 0)); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("trailing bytes: expected ErrMalformedPacket, got %v", err)
	}
}

func TestHelloPacket(t *testing.T) {
	b := NewHello("alice", time.Now()).Marshal()
	p, err := ParsePacket(b)
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsHello() {
		t.Fatal("expected hello packet")
	}
	name, ok := p.HelloUsername()
	if !ok || name != "alice" {
		t.Fatalf("unexpected hello username %q", name)
	}

	p.Payload = []byte("HI:alice")
	if _, ok = p.HelloUsername(); ok {
		t.Fatal("payload without prefix must be rejected")
	}
}

func TestStreamID(t *testing.T) {
	for _, name := range []string{"alice", "bob", "", "a very long user name with spaces", "Ünïcode"} {
		for _, kind := range []StreamKind{StreamAudio, StreamVideo} {
			id := StreamID(name, kind)
			if id == HelloStreamID {
				t.Fatalf("%q/%d: stream id must not be zero", name, kind)
			}
			if id > 0x7FFFFFFF {
				t.Fatalf("%q/%d: stream id %d exceeds 31 bits", name, kind, id)
			}
			if Kind(id) != kind {
				t.Fatalf("%q/%d: kind nibble mismatch in %x", name, kind, id)
			}
			if StreamID(name, kind) != id {
				t.Fatalf("%q/%d: stream id is not stable", name, kind)
			}
		}
		if StreamID(name, StreamAudio)>>4 != StreamID(name, StreamVideo)>>4 {
			t.Fatalf("%q: audio and video ids must share the user hash", name)
		}
	}
}

func TestMatchStream(t *testing.T) {
	users := []string{"alice", "bob", "carol"}
	name, ok := MatchStream(StreamID("bob", StreamAudio), users)
	if !ok || name != "bob" {
		t.Fatalf("expected bob, got %q", name)
	}
	if _, ok = MatchStream(StreamID("mallory", StreamVideo), users); ok {
		t.Fatal("unknown user must not match")
	}
	if _, ok = MatchStream(StreamID("bob", StreamAudio)&^0xF|0x7, users); ok {
		t.Fatal("unknown kind must not match")
	}
}

func TestSessionID(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		id, err := NewSessionID()
		if err != nil {
			t.Fatal(err)
		}
		if !ValidSessionID(id) {
			t.Fatalf("generated invalid session id %q", id)
		}
		seen[id] = struct{}{}
	}
	if len(seen) < 45 {
		t.Fatalf("session ids are not random enough: %d unique of 50", len(seen))
	}

	for _, id := range []string{"abcd1234", "ABCD123", "ABCD12345", "ABCG1234", ""} {
		if ValidSessionID(id) {
			t.Fatalf("%q must be invalid", id)
		}
	}
	if !ValidSessionID("ABCD1234") {
		t.Fatal("ABCD1234 must be valid")
	}
}
