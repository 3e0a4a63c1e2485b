package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/adwski/lanmeet/backend/model"
	"github.com/adwski/lanmeet/backend/protocol"
	"github.com/adwski/lanmeet/backend/storage/memory"
	sw "github.com/adwski/lanmeet/backend/switch"
	"github.com/adwski/lanmeet/backend/transfer"
	"github.com/andres-erbsen/clock"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/uber-go/tally"
)

const testSession = "ABCD1234"

type fixture struct {
	svc   *Service
	store *memory.FileStore
	stats tally.TestScope
}

func newFixture(t *testing.T, clk clock.Clock) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	stats := tally.NewTestScope("", nil)
	store := memory.NewFileStore(t.TempDir(), 0)
	return &fixture{
		svc: NewService(Config{
			Logger:    &logger,
			SessionID: testSession,
			Switch:    sw.NewSwitch(&logger),
			FileStore: store,
			Stats:     stats,
			Clock:     clk,
			ChunkPace: time.Millisecond,
		}),
		store: store,
		stats: stats,
	}
}

func newPeer(port int) *model.Peer {
	ctx, cancel := context.WithCancel(context.Background())
	return model.NewPeer(ctx, cancel, &net.TCPAddr{IP: net.IPv4(192, 168, 1, 10), Port: port})
}

func next(t *testing.T, p *model.Peer) *model.Message {
	t.Helper()
	select {
	case msg := <-p.Wire.TX:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func expectNone(t *testing.T, p *model.Peer) {
	t.Helper()
	select {
	case msg := <-p.Wire.TX:
		t.Fatalf("unexpected message: %s", spew.Sdump(msg))
	default:
	}
}

func authRequest(username, session string) *model.Message {
	msg := model.NewMessage(model.TypeAuthRequest)
	msg.Username = username
	msg.SessionID = session
	return msg
}

// join authenticates username and drains auth_response and user_list.
func (f *fixture) join(t *testing.T, username string) *model.Peer {
	t.Helper()
	p := newPeer(50000 + f.svc.sw.Len())
	if err := f.svc.HandleMessage(context.Background(), p, authRequest(username, testSession)); err != nil {
		t.Fatal(err)
	}
	if resp := next(t, p); resp.Type != model.TypeAuthResponse || !resp.Succeeded() {
		t.Fatalf("expected successful auth response: %s", spew.Sdump(resp))
	}
	if list := next(t, p); list.Type != model.TypeUserList {
		t.Fatalf("expected user list: %s", spew.Sdump(list))
	}
	return p
}

func counter(scope tally.TestScope, name string) int64 {
	for _, c := range scope.Snapshot().Counters() {
		if c.Name() == name {
			return c.Value()
		}
	}
	return 0
}

func TestAuthenticateAnnouncesJoin(t *testing.T) {
	f := newFixture(t, clock.NewMock())
	alice := f.join(t, "alice")

	bob := newPeer(2)
	if err := f.svc.HandleMessage(context.Background(), bob, authRequest("bob", testSession)); err != nil {
		t.Fatal(err)
	}
	resp := next(t, bob)
	if resp.Type != model.TypeAuthResponse || !resp.Succeeded() || resp.Username != "bob" {
		t.Fatalf("unexpected auth response: %s", spew.Sdump(resp))
	}
	list := next(t, bob)
	if list.Type != model.TypeUserList || len(list.Users) != 2 || list.Users[0] != "alice" || list.Users[1] != "bob" {
		t.Fatalf("unexpected roster: %s", spew.Sdump(list))
	}
	expectNone(t, bob)

	joined := next(t, alice)
	if joined.Type != model.TypeUserJoined || joined.Username != "bob" {
		t.Fatalf("unexpected join event: %s", spew.Sdump(joined))
	}
	expectNone(t, alice)

	if bob.State != model.PeerAuthenticated || bob.Username != "bob" {
		t.Fatalf("unexpected peer state %s", bob.State)
	}
	if counter(f.stats, "auth.success") != 2 {
		t.Fatal("expected two successful auths to be counted")
	}
}

func TestAuthenticateRejects(t *testing.T) {
	f := newFixture(t, clock.NewMock())
	f.join(t, "alice")

	for _, tc := range []struct {
		name     string
		req      *model.Message
		reason   string
		sentinel error
	}{
		{"duplicate username", authRequest("alice", testSession), model.ReasonUsernameTaken, model.ErrUsernameTaken},
		{"lowercase session", authRequest("bob", "abcd1234"), model.ReasonInvalidSession, model.ErrInvalidSession},
		{"foreign session", authRequest("bob", "FFFF0000"), model.ReasonInvalidSession, model.ErrInvalidSession},
		{"empty username", authRequest("", testSession), model.ReasonUsernameEmpty, model.ErrUsernameEmpty},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := newPeer(3)
			err := f.svc.HandleMessage(context.Background(), p, tc.req)
			if !errors.Is(err, tc.sentinel) || !errors.Is(err, model.ErrAuthentication) {
				t.Fatalf("expected %v, got %v", tc.sentinel, err)
			}
			resp := next(t, p)
			if resp.Succeeded() || resp.Reason != tc.reason {
				t.Fatalf("unexpected auth response: %s", spew.Sdump(resp))
			}
			frame, err := protocol.EncodeFrame(resp)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Contains(frame, []byte(`"success":false`)) {
				t.Fatalf("rejection must carry success=false: %s", frame[4:])
			}
			if p.State != model.PeerAwaitingAuth {
				t.Fatalf("peer must stay awaiting auth, got %s", p.State)
			}
			if got := f.svc.sw.Members(); len(got) != 1 || got[0] != "alice" {
				t.Fatalf("roster must not change: %v", got)
			}
		})
	}
}

func TestMessagesBeforeAuthIgnored(t *testing.T) {
	f := newFixture(t, clock.NewMock())
	alice := f.join(t, "alice")

	p := newPeer(4)
	chat := model.NewMessage(model.TypeChatMessage)
	chat.Payload = "sneaky"
	if err := f.svc.HandleMessage(context.Background(), p, chat); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	expectNone(t, p)
	expectNone(t, alice)
}

func TestRouteChat(t *testing.T) {
	f := newFixture(t, clock.NewMock())
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")
	carol := f.join(t, "carol")
	next(t, alice) // bob joined
	next(t, alice) // carol joined
	next(t, bob)   // carol joined

	chat := model.NewMessage(model.TypeChatMessage)
	chat.FromUser = "mallory"
	chat.Mode = model.ModeBroadcast
	chat.Payload = "hello room"
	if err := f.svc.HandleMessage(context.Background(), alice, chat); err != nil {
		t.Fatal(err)
	}
	for _, p := range []*model.Peer{bob, carol} {
		got := next(t, p)
		if got.Type != model.TypeChatMessage || got.FromUser != "alice" || got.Payload != "hello room" {
			t.Fatalf("unexpected chat: %s", spew.Sdump(got))
		}
	}
	expectNone(t, alice)

	dm := model.NewMessage(model.TypeChatMessage)
	dm.Mode = model.ModeUnicast
	dm.ToUsers = []string{"carol"}
	dm.Payload = "psst"
	if err := f.svc.HandleMessage(context.Background(), bob, dm); err != nil {
		t.Fatal(err)
	}
	if got := next(t, carol); got.Payload != "psst" || got.FromUser != "bob" {
		t.Fatalf("unexpected unicast: %s", spew.Sdump(got))
	}
	expectNone(t, alice)
	expectNone(t, bob)
}

func TestMediaSignalling(t *testing.T) {
	f := newFixture(t, clock.NewMock())
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")
	next(t, alice)

	start := model.NewMessage(model.TypeMediaStart)
	start.MediaType = model.MediaVideo
	if err := f.svc.HandleMessage(context.Background(), bob, start); err != nil {
		t.Fatal(err)
	}
	if got := next(t, alice); got.Type != model.TypeMediaStart || got.Username != "bob" || got.MediaType != model.MediaVideo {
		t.Fatalf("unexpected media start: %s", spew.Sdump(got))
	}
	expectNone(t, bob)

	bad := model.NewMessage(model.TypeMediaStop)
	bad.MediaType = "hologram"
	if err := f.svc.HandleMessage(context.Background(), bob, bad); !errors.Is(err, ErrBadMediaType) {
		t.Fatalf("expected bad media type, got %v", err)
	}
}

func TestPingPongAndEviction(t *testing.T) {
	mock := clock.NewMock()
	f := newFixture(t, mock)
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")
	next(t, alice)

	mock.Add(60 * time.Second)
	if err := f.svc.HandleMessage(context.Background(), alice, model.NewMessage(model.TypePing)); err != nil {
		t.Fatal(err)
	}
	if got := next(t, alice); got.Type != model.TypePong {
		t.Fatalf("expected pong, got %s", got.Type)
	}

	mock.Add(31 * time.Second)
	if n := f.svc.EvictExpired(context.Background()); n != 1 {
		t.Fatalf("expected one eviction, got %d", n)
	}
	left := next(t, alice)
	if left.Type != model.TypeUserLeft || left.Username != "bob" {
		t.Fatalf("unexpected eviction notice: %s", spew.Sdump(left))
	}
	select {
	case <-bob.Done:
	default:
		t.Fatal("evicted connection must be cancelled")
	}

	// socket close after eviction must not announce again
	f.svc.Close(context.Background(), bob)
	expectNone(t, alice)
	if got := f.svc.sw.Members(); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("unexpected roster %v", got)
	}
}

func TestLeaveSession(t *testing.T) {
	f := newFixture(t, clock.NewMock())
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")
	next(t, alice)

	if err := f.svc.HandleMessage(context.Background(), bob, model.NewMessage(model.TypeLeaveSession)); err != nil {
		t.Fatal(err)
	}
	if got := next(t, alice); got.Type != model.TypeUserLeft || got.Username != "bob" {
		t.Fatalf("unexpected leave notice: %s", spew.Sdump(got))
	}
	if bob.State != model.PeerClosed {
		t.Fatalf("expected closed peer, got %s", bob.State)
	}
	f.svc.Close(context.Background(), bob)
	expectNone(t, alice)
}

func upload(t *testing.T, f *fixture, p *model.Peer, data []byte, flip int) transfer.Info {
	t.Helper()
	sum, _, _ := transfer.Checksum(bytes.NewReader(data))
	info := transfer.NewInfo(transfer.NewFileID(), "notes.txt", int64(len(data)), sum, "alice", time.Now())
	tr := transfer.NewUpload(info, "", model.ModeBroadcast, nil)

	ctx := context.Background()
	if err := f.svc.HandleMessage(ctx, p, tr.OfferMessage(model.NewMessage(model.TypeFileOffer))); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < info.TotalChunks; i++ {
		c, err := transfer.ReadChunk(bytes.NewReader(data), info, i)
		if err != nil {
			t.Fatal(err)
		}
		if i == flip {
			c[len(c)-1] ^= 0x01
		}
		err = f.svc.HandleMessage(ctx, p, transfer.ChunkMessage(info, i, c, time.Now()))
		if flip < 0 && err != nil {
			t.Fatal(err)
		}
	}
	complete := model.NewMessage(model.TypeFileComplete)
	complete.FileID = info.FileID
	complete.Checksum = info.Checksum
	_ = f.svc.HandleMessage(ctx, p, complete)
	return info
}

func TestFileUploadAssembles(t *testing.T) {
	f := newFixture(t, clock.NewMock())
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")
	next(t, alice)

	data := make([]byte, 150000)
	_, _ = rand.Read(data)
	info := upload(t, f, alice, data, -1)
	if info.TotalChunks != 3 {
		t.Fatalf("expected 3 chunks, got %d", info.TotalChunks)
	}

	offer := next(t, bob)
	if offer.Type != model.TypeFileOffer || offer.FromUser != "alice" || offer.FileID != info.FileID {
		t.Fatalf("unexpected offer: %s", spew.Sdump(offer))
	}
	for _, p := range []*model.Peer{alice, bob} {
		list := next(t, p)
		if list.Type != model.TypeFileList || len(list.Files) != 1 || list.Files[0].FileID != info.FileID {
			t.Fatalf("unexpected file list: %s", spew.Sdump(list))
		}
	}

	r, got, err := f.store.Open(info.FileID)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = r.Close()
	}()
	sum, n, err := transfer.Checksum(r)
	if err != nil {
		t.Fatal(err)
	}
	if sum != info.Checksum || n != 150000 || got.Checksum != info.Checksum {
		t.Fatalf("assembled file checksum mismatch: %s != %s", sum, info.Checksum)
	}
	if counter(f.stats, "files.assembled") != 1 {
		t.Fatal("expected assembled file to be counted")
	}
}

func TestFileUploadChecksumMismatch(t *testing.T) {
	f := newFixture(t, clock.NewMock())
	alice := f.join(t, "alice")

	data := make([]byte, 70000)
	_, _ = rand.Read(data)
	info := upload(t, f, alice, data, 0)

	// alone in the session, so the offer is not routed back
	mismatch := next(t, alice)
	if mismatch.Type != model.TypeError || mismatch.ErrorCode != model.ErrorCodeChecksumMismatch || mismatch.FileID != info.FileID {
		t.Fatalf("expected checksum mismatch error: %s", spew.Sdump(mismatch))
	}
	// file_complete of the discarded file is answered with the same code
	rejected := next(t, alice)
	if rejected.Type != model.TypeError || rejected.ErrorCode != model.ErrorCodeChecksumMismatch || rejected.FileID != info.FileID {
		t.Fatalf("expected checksum mismatch for file_complete: %s", spew.Sdump(rejected))
	}
	expectNone(t, alice)
	if counter(f.stats, "files.checksum_failed") != 1 {
		t.Fatal("expected checksum failure to be counted")
	}
}

func TestFileCompleteBeforeAllChunks(t *testing.T) {
	f := newFixture(t, clock.NewMock())
	alice := f.join(t, "alice")

	data := make([]byte, 2*transfer.ChunkSize+1)
	_, _ = rand.Read(data)
	sum, _, _ := transfer.Checksum(bytes.NewReader(data))
	info := transfer.NewInfo(transfer.NewFileID(), "notes.txt", int64(len(data)), sum, "alice", time.Now())
	tr := transfer.NewUpload(info, "", model.ModeBroadcast, nil)

	ctx := context.Background()
	if err := f.svc.HandleMessage(ctx, alice, tr.OfferMessage(model.NewMessage(model.TypeFileOffer))); err != nil {
		t.Fatal(err)
	}
	c, _ := transfer.ReadChunk(bytes.NewReader(data), info, 0)
	if err := f.svc.HandleMessage(ctx, alice, transfer.ChunkMessage(info, 0, c, time.Now())); err != nil {
		t.Fatal(err)
	}
	complete := model.NewMessage(model.TypeFileComplete)
	complete.FileID = info.FileID
	_ = f.svc.HandleMessage(ctx, alice, complete)

	incomplete := next(t, alice)
	if incomplete.Type != model.TypeError || incomplete.ErrorCode != model.ErrorCodeIncomplete {
		t.Fatalf("expected incomplete transfer error: %s", spew.Sdump(incomplete))
	}
	expectNone(t, alice)
}

func TestFileRequestStreamsMissingChunks(t *testing.T) {
	f := newFixture(t, clock.New())
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")
	next(t, alice)

	data := make([]byte, 3*transfer.ChunkSize+100)
	_, _ = rand.Read(data)
	info := upload(t, f, alice, data, -1)
	next(t, bob)   // offer
	next(t, bob)   // file list
	next(t, alice) // file list

	req := model.NewMessage(model.TypeFileRequest)
	req.FileID = info.FileID
	req.CompletedChunks = []int{0, 2}
	if err := f.svc.HandleMessage(context.Background(), bob, req); err != nil {
		t.Fatal(err)
	}

	var got []int
	for {
		msg := next(t, bob)
		if msg.Type == model.TypeFileComplete {
			if msg.Checksum != info.Checksum {
				t.Fatalf("unexpected completion: %s", spew.Sdump(msg))
			}
			break
		}
		if msg.Type != model.TypeFileChunk {
			t.Fatalf("unexpected message: %s", spew.Sdump(msg))
		}
		b, err := transfer.DecodeChunk(msg)
		if err != nil {
			t.Fatal(err)
		}
		want, _ := transfer.ReadChunk(bytes.NewReader(data), info, msg.ChunkIndex)
		if !bytes.Equal(b, want) {
			t.Fatalf("chunk %d content mismatch", msg.ChunkIndex)
		}
		got = append(got, msg.ChunkIndex)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("expected chunks [1 3], got %v", got)
	}

	missing := model.NewMessage(model.TypeFileRequest)
	missing.FileID = transfer.NewFileID()
	if err := f.svc.HandleMessage(context.Background(), bob, missing); err == nil {
		t.Fatal("expected error for unknown file")
	}
	if msg := next(t, bob); msg.Type != model.TypeError || msg.ErrorCode != model.ErrorCodeFileNotFound {
		t.Fatalf("expected FILE_NOT_FOUND: %s", spew.Sdump(msg))
	}
}

func TestRelay(t *testing.T) {
	f := newFixture(t, clock.NewMock())
	f.join(t, "alice")
	f.join(t, "bob")
	f.join(t, "carol")

	aAddr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4001}
	bAddr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 4002}
	cAddr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 3), Port: 4003}

	if targets := f.svc.Relay(protocol.NewHello("alice", time.Now()).Marshal(), aAddr); targets != nil {
		t.Fatalf("hello must never be relayed: %s", spew.Sdump(targets))
	}
	f.svc.Relay(protocol.NewHello("carol", time.Now()).Marshal(), cAddr)

	pkt := protocol.NewPacket(protocol.StreamID("bob", protocol.StreamAudio), 1, time.Now(), []byte("pcm"))
	targets := f.svc.Relay(pkt.Marshal(), bAddr)
	if len(targets) != 2 {
		t.Fatalf("expected relay to alice and carol, got %s", spew.Sdump(targets))
	}
	for _, a := range targets {
		if a.String() == bAddr.String() {
			t.Fatal("packet must never go back to its sender")
		}
	}

	// bob's address is now learned, so alice's video reaches bob and carol
	pkt = protocol.NewPacket(protocol.StreamID("alice", protocol.StreamVideo), 1, time.Now(), []byte("frame"))
	if targets = f.svc.Relay(pkt.Marshal(), aAddr); len(targets) != 2 {
		t.Fatalf("expected two targets, got %s", spew.Sdump(targets))
	}

	if targets = f.svc.Relay([]byte{1, 2, 3}, aAddr); targets != nil {
		t.Fatal("malformed packet must be dropped")
	}
	pkt = protocol.NewPacket(protocol.StreamID("mallory", protocol.StreamAudio), 1, time.Now(), nil)
	if targets = f.svc.Relay(pkt.Marshal(), aAddr); targets != nil {
		t.Fatal("unknown stream must be dropped")
	}
	if counter(f.stats, "udp.dropped") != 2 || counter(f.stats, "udp.relayed") != 4 {
		t.Fatalf("unexpected counters: %s", spew.Sdump(f.stats.Snapshot().Counters()))
	}
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, clock.NewMock())
	f.join(t, "alice")
	snap := f.svc.Snapshot()
	if snap.SessionID != testSession || len(snap.Members) != 1 || snap.Members[0].Username != "alice" {
		t.Fatalf("unexpected snapshot: %s", spew.Sdump(snap))
	}
}
