package client

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/adwski/lanmeet/backend/model"
	"github.com/adwski/lanmeet/backend/protocol"
	"github.com/adwski/lanmeet/backend/transfer"
	"github.com/andres-erbsen/clock"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

type recorder struct {
	events chan model.Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan model.Event, 256)}
}

func (r *recorder) handle(ev model.Event) {
	select {
	case r.events <- ev:
	default:
	}
}

func (r *recorder) within(typ string, d time.Duration) (model.Event, bool) {
	deadline := time.After(d)
	for {
		select {
		case ev := <-r.events:
			if ev.Type == typ {
				return ev, true
			}
		case <-deadline:
			return model.Event{}, false
		}
	}
}

func (r *recorder) waitFor(t *testing.T, typ string) model.Event {
	t.Helper()
	ev, ok := r.within(typ, 5*time.Second)
	if !ok {
		t.Fatalf("timed out waiting for %s", typ)
	}
	return ev
}

func refusedAddr(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return "127.0.0.1", port
}

func newTestClient(t *testing.T, username, host string, tcpPort, udpPort int, clk clock.Clock) (*Client, *recorder) {
	t.Helper()
	logger := zerolog.Nop()
	rec := newRecorder()
	c := NewClient(Config{
		Logger:          &logger,
		Clock:           clk,
		Handler:         rec.handle,
		Username:        username,
		SessionID:       "ABCD1234",
		ServerHost:      host,
		TCPPort:         tcpPort,
		UDPPort:         udpPort,
		ChunkRetryDelay: 10 * time.Millisecond,
	})
	t.Cleanup(c.Close)
	return c, rec
}

// pipeConn returns a connection generation backed by an in-memory control
// stream and a loopback media socket, plus the relay end of the stream.
func pipeConn(t *testing.T, c *Client) (net.Conn, *conn) {
	t.Helper()
	relayEnd, clientEnd := net.Pipe()
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = relayEnd.Close()
	})
	return relayEnd, newConn(c.ctx, clientEnd, udp, udp.LocalAddr().(*net.UDPAddr))
}

// attach makes cn the authenticated connection without running its workers.
func attach(c *Client, cn *conn) {
	c.mx.Lock()
	c.cn = cn
	c.state = StateConnected
	c.lastPong = c.clock.Now()
	c.mx.Unlock()
}

func TestBackoff(t *testing.T) {
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		if got := Backoff(i + 1); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}

func TestQuality(t *testing.T) {
	timeout := 60 * time.Second
	tests := []struct {
		since time.Duration
		want  float64
	}{
		{0, 1},
		{60 * time.Second, 1},
		{75 * time.Second, 0.75},
		{90 * time.Second, 0.5},
		{120 * time.Second, 0},
		{300 * time.Second, 0},
	}
	for _, tt := range tests {
		if got := quality(tt.since, timeout); got != tt.want {
			t.Fatalf("quality(%v): expected %v, got %v", tt.since, tt.want, got)
		}
	}
}

func TestStateTransitions(t *testing.T) {
	if _, err := StateDisconnected.Next(StateConnected); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("disconnected -> connected must be refused, got %v", err)
	}
	if _, err := StateReconnecting.Next(StateManualRetryRequired); err != nil {
		t.Fatal(err)
	}
	if _, err := StateManualRetryRequired.Next(StateConnected); err == nil {
		t.Fatal("manual retry must go through reconnecting")
	}
}

func TestChatHistoryBounded(t *testing.T) {
	s := NewSessionState()
	for i := 0; i < chatHistoryCap+20; i++ {
		s.AddChat(ChatMessage{From: "alice", Text: strconv.Itoa(i)})
	}
	chat := s.Chat()
	if len(chat) != chatHistoryCap {
		t.Fatalf("expected %d messages, got %d", chatHistoryCap, len(chat))
	}
	if chat[0].Text != strconv.Itoa(chatHistoryCap+19) {
		t.Fatalf("most recent message must be first, got %q", chat[0].Text)
	}
	if chat[chatHistoryCap-1].Text != "20" {
		t.Fatalf("oldest kept message must be 20, got %q", chat[chatHistoryCap-1].Text)
	}

	s.Reset()
	if len(s.Chat()) != 0 {
		t.Fatal("reset must clear history")
	}
}

func TestIdentifySender(t *testing.T) {
	c, _ := newTestClient(t, "alice", "127.0.0.1", 1, 1, clock.NewMock())
	c.session.SetRoster([]string{"bob", "carol"})

	tests := []struct {
		id   uint32
		want string
		ok   bool
	}{
		{protocol.StreamID("carol", protocol.StreamVideo), "carol", true},
		{protocol.StreamID("bob", protocol.StreamAudio), "bob", true},
		{protocol.StreamID("alice", protocol.StreamAudio), "alice", true},
		{protocol.StreamID("mallory", protocol.StreamAudio), "", false},
		{protocol.HelloStreamID, "", false},
	}
	for _, tt := range tests {
		got, ok := c.identifySender(tt.id)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("stream %d: expected %q/%v, got %q/%v", tt.id, tt.want, tt.ok, got, ok)
		}
	}
}

func TestFailFastWhenNotAuthenticated(t *testing.T) {
	c, _ := newTestClient(t, "alice", "127.0.0.1", 1, 1, clock.NewMock())

	errs := []error{
		c.SendChat("hi", model.ModeBroadcast, nil),
		c.StartMedia(model.MediaAudio),
		c.SendAudio([]byte{1}),
		c.SendVideo([]byte{1}),
		c.SendScreenFrame([]byte{1}, 1, 1),
		c.DownloadFile("f", filepath.Join(t.TempDir(), "f")),
	}
	_, err := c.UploadFile("/does/not/matter", model.ModeBroadcast, nil)
	errs = append(errs, err)

	for i, err := range errs {
		if !errors.Is(err, ErrNotAuthenticated) || !errors.Is(err, model.ErrConnection) {
			t.Fatalf("call %d: expected ErrNotAuthenticated, got %v", i, err)
		}
	}
	if c.Quality() != 0 {
		t.Fatal("quality must be zero while disconnected")
	}
}

func TestConnectRefused(t *testing.T) {
	host, port := refusedAddr(t)
	c, _ := newTestClient(t, "alice", host, port, port, clock.NewMock())
	if err := c.Connect(testContext(t)); !errors.Is(err, model.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
}

func TestDispatchUpdatesSession(t *testing.T) {
	mock := clock.NewMock()
	c, rec := newTestClient(t, "alice", "127.0.0.1", 1, 1, mock)
	_, cn := pipeConn(t, c)

	list := model.NewMessage(model.TypeUserList)
	list.Users = []string{"alice", "bob"}
	c.dispatch(cn, list)

	joined := model.NewMessage(model.TypeUserJoined)
	joined.Username = "carol"
	c.dispatch(cn, joined)

	start := model.NewMessage(model.TypeMediaStart)
	start.Username = "bob"
	start.MediaType = model.MediaVideo
	c.dispatch(cn, start)

	left := model.NewMessage(model.TypeUserLeft)
	left.Username = "bob"
	c.dispatch(cn, left)

	chat := model.NewMessage(model.TypeChatMessage)
	chat.FromUser = "carol"
	chat.Payload = "hi"
	c.dispatch(cn, chat)

	c.dispatch(cn, model.NewMessage("bogus"))

	if got := c.session.Roster(); !reflect.DeepEqual(got, []string{"alice", "carol"}) {
		t.Fatalf("unexpected roster: %v", got)
	}
	if c.session.RemoteMediaActive("bob", model.MediaVideo) {
		t.Fatal("media state of a departed user must be dropped")
	}

	ev := rec.waitFor(t, model.EventMediaStateChanged)
	if ev.User != "bob" || ev.MediaType != model.MediaVideo || !ev.Active {
		t.Fatalf("unexpected media event: %s", spew.Sdump(ev))
	}
	ev = rec.waitFor(t, model.EventChatMessageReceived)
	if ev.User != "carol" || ev.Text != "hi" {
		t.Fatalf("unexpected chat event: %s", spew.Sdump(ev))
	}
	if chat := c.session.Chat(); len(chat) != 1 || chat[0].From != "carol" {
		t.Fatalf("unexpected history: %s", spew.Sdump(chat))
	}
}

func TestHeartbeatLossStartsReconnect(t *testing.T) {
	mock := clock.NewMock()
	host, port := refusedAddr(t)
	c, rec := newTestClient(t, "alice", host, port, port, mock)
	_, cn := pipeConn(t, c)
	attach(c, cn)

	mock.Add(59 * time.Second)
	if q := c.Quality(); q != 1 {
		t.Fatalf("expected full quality within timeout, got %v", q)
	}

	mock.Add(32 * time.Second)
	if !c.checkHeartbeat(cn) {
		t.Fatal("91s without pong must be declared lost")
	}
	if c.State() != StateReconnecting {
		t.Fatalf("expected reconnecting, got %s", c.State())
	}

	ev := rec.waitFor(t, model.EventReconnectionStarted)
	if ev.Attempt != 1 || ev.Delay != time.Second || ev.MaxAttempts != 5 {
		t.Fatalf("unexpected first retry: %s", spew.Sdump(ev))
	}
	if cn.ctx.Err() == nil {
		t.Fatal("lost connection must be torn down")
	}
}

func TestReconnectBackoffThenManualRetry(t *testing.T) {
	mock := clock.NewMock()
	host, port := refusedAddr(t)
	c, rec := newTestClient(t, "alice", host, port, port, mock)
	_, cn := pipeConn(t, c)
	attach(c, cn)

	c.connectionLost(cn, errors.New("reset"))

	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 30 * time.Second}
	for i, d := range delays {
		ev := rec.waitFor(t, model.EventReconnectionStarted)
		if ev.Attempt != i+1 || ev.Delay != d {
			t.Fatalf("attempt %d: expected delay %v, got %s", i+1, d, spew.Sdump(ev))
		}
		mock.Add(d)
		ev = rec.waitFor(t, model.EventReconnectionFailed)
		if ev.Attempt != i+1 {
			t.Fatalf("unexpected failure event: %s", spew.Sdump(ev))
		}
	}

	rec.waitFor(t, model.EventManualRetryRequired)
	if c.State() != StateManualRetryRequired {
		t.Fatalf("expected manual retry, got %s", c.State())
	}
	if _, ok := rec.within(model.EventReconnectionStarted, 100*time.Millisecond); ok {
		t.Fatal("no automatic attempt may follow the limit")
	}

	if err := c.ManualReconnect(); err != nil {
		t.Fatal(err)
	}
	ev := rec.waitFor(t, model.EventReconnectionStarted)
	if ev.Attempt != 1 || ev.Delay != 0 {
		t.Fatalf("manual retry must start at once with a fresh counter: %s", spew.Sdump(ev))
	}
	rec.waitFor(t, model.EventReconnectionFailed)
	ev = rec.waitFor(t, model.EventReconnectionStarted)
	if ev.Attempt != 2 || ev.Delay != 2*time.Second {
		t.Fatalf("unexpected attempt after manual retry: %s", spew.Sdump(ev))
	}
}

func TestRestoreResumesMediaAndDownloads(t *testing.T) {
	mock := clock.NewMock()
	c, _ := newTestClient(t, "alice", "127.0.0.1", 1, 1, mock)
	relayEnd, cn := pipeConn(t, c)
	attach(c, cn)

	dl := transfer.NewDownload("f1", filepath.Join(t.TempDir(), "f1"))
	if err := dl.SetState(transfer.StateRunning); err != nil {
		t.Fatal(err)
	}
	for _, idx := range []int{0, 2} {
		if err := dl.Put(idx, 4, []byte{byte(idx)}); err != nil {
			t.Fatal(err)
		}
	}
	c.session.AddTransfer(dl)
	c.session.SetMedia(model.MediaAudio, true)
	c.suspendDownloads()
	if dl.State() != transfer.StateSuspended {
		t.Fatalf("expected suspended download, got %s", dl.State())
	}

	go c.restore()

	fr := protocol.NewFrameReader(relayEnd, 0)
	msg, err := fr.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != model.TypeMediaStart || msg.MediaType != model.MediaAudio {
		t.Fatalf("expected media_start audio, got %s", spew.Sdump(msg))
	}
	msg, err = fr.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != model.TypeFileRequest || msg.FileID != "f1" || !reflect.DeepEqual(msg.CompletedChunks, []int{0, 2}) {
		t.Fatalf("expected resuming file_request, got %s", spew.Sdump(msg))
	}
	if dl.State() != transfer.StateRunning {
		t.Fatalf("expected running download, got %s", dl.State())
	}
}

func TestMediaDroppedOnPoorQuality(t *testing.T) {
	mock := clock.NewMock()
	c, _ := newTestClient(t, "alice", "127.0.0.1", 1, 1, mock)
	_, cn := pipeConn(t, c)
	attach(c, cn)

	if err := c.SendAudio([]byte("a")); err != nil {
		t.Fatal(err)
	}

	// quality 0.4: video is dropped, audio still flows
	mock.Add(96 * time.Second)
	if err := c.SendVideo([]byte("v")); !errors.Is(err, ErrMediaDropped) {
		t.Fatalf("expected video drop, got %v", err)
	}
	if err := c.SendAudio([]byte("a")); err != nil {
		t.Fatal(err)
	}

	mock.Add(12 * time.Second)
	if err := c.SendAudio([]byte("a")); !errors.Is(err, ErrMediaDropped) {
		t.Fatalf("expected audio drop, got %v", err)
	}
}

// testContext stands in for testing.T.Context (Go 1.24+): the returned
// context is cancelled when the test finishes.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
