package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/adwski/lanmeet/backend/model"
	"github.com/adwski/lanmeet/backend/transfer"
	"github.com/andres-erbsen/clock"
	"github.com/rs/zerolog"
	"github.com/uber-go/tally"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultHeartbeatTimeout  = 90 * time.Second
	defaultChunkPace         = 10 * time.Millisecond
)

var (
	ErrUnexpectedType = errors.Join(model.ErrProtocol, errors.New("unexpected message type"))
	ErrNotAuthorized  = errors.New("message before authentication")
	ErrBadMediaType   = errors.Join(model.ErrProtocol, errors.New("unknown media type"))
)

type (
	Switch interface {
		Connect(username string, peer *model.Peer, now time.Time) error
		Disconnect(username string, peer *model.Peer) bool
		Members() []string
		Snapshot() []model.Member
		Len() int
		Touch(username string, now time.Time)
		Expired(now time.Time, timeout time.Duration) map[string]*model.Peer
		Forward(ctx context.Context, msg *model.Message, mode model.Mode, targets []string, src string) int
		Broadcast(ctx context.Context, msg *model.Message, src string) int
		LearnHello(username string, addr *net.UDPAddr) bool
		LearnStream(streamID uint32, addr *net.UDPAddr) (string, bool)
		UDPTargets(src string, srcAddr *net.UDPAddr) []*net.UDPAddr
	}

	FileStore interface {
		Offer(info transfer.Info) error
		PutChunk(fileID string, idx int, data []byte) (bool, error)
		Status(fileID string) (known, available bool)
		Failed(fileID string) bool
		Open(fileID string) (*os.File, transfer.Info, error)
		List() []model.FileEntry
	}

	Config struct {
		Logger            *zerolog.Logger
		SessionID         string
		Switch            Switch
		FileStore         FileStore
		Stats             tally.Scope
		Clock             clock.Clock
		HeartbeatInterval time.Duration
		HeartbeatTimeout  time.Duration
		ChunkPace         time.Duration
	}

	// Service is the relay session: it authenticates control connections,
	// routes their messages and decides where media packets go.
	Service struct {
		sessionID string
		sw        Switch
		store     FileStore
		stats     tally.Scope
		clock     clock.Clock
		logger    zerolog.Logger

		hbInterval time.Duration
		hbTimeout  time.Duration
		chunkPace  time.Duration

		streams *sync.WaitGroup
	}
)

func NewService(cfg Config) *Service {
	svc := &Service{
		sessionID:  cfg.SessionID,
		sw:         cfg.Switch,
		store:      cfg.FileStore,
		stats:      cfg.Stats,
		clock:      cfg.Clock,
		logger:     cfg.Logger.With().Str("component", "session").Logger(),
		hbInterval: cfg.HeartbeatInterval,
		hbTimeout:  cfg.HeartbeatTimeout,
		chunkPace:  cfg.ChunkPace,
		streams:    &sync.WaitGroup{},
	}
	if svc.stats == nil {
		svc.stats = tally.NoopScope
	}
	if svc.clock == nil {
		svc.clock = clock.New()
	}
	if svc.hbInterval == 0 {
		svc.hbInterval = defaultHeartbeatInterval
	}
	if svc.hbTimeout == 0 {
		svc.hbTimeout = defaultHeartbeatTimeout
	}
	if svc.chunkPace == 0 {
		svc.chunkPace = defaultChunkPace
	}
	return svc
}

func (svc *Service) SessionID() string {
	return svc.sessionID
}

func (svc *Service) newMessage(t string) *model.Message {
	return model.NewMessageAt(t, svc.clock.Now())
}

// HandleMessage processes one inbound control message of peer.
// It must be called sequentially for a given peer.
func (svc *Service) HandleMessage(ctx context.Context, peer *model.Peer, msg *model.Message) error {
	switch peer.State {
	case model.PeerAwaitingAuth:
		if msg.Type != model.TypeAuthRequest {
			return fmt.Errorf("%w: %s", ErrNotAuthorized, msg.Type)
		}
		return svc.authenticate(ctx, peer, msg)
	case model.PeerClosed:
		return nil
	}

	switch msg.Type {
	case model.TypeLeaveSession:
		svc.Close(ctx, peer)
		peer.Cancel()
	case model.TypePing:
		svc.sw.Touch(peer.Username, svc.clock.Now())
		svc.reply(ctx, peer, svc.newMessage(model.TypePong))
	case model.TypeChatMessage:
		msg.FromUser = peer.Username
		svc.route(ctx, msg)
	case model.TypeMediaStart, model.TypeMediaStop:
		if !msg.MediaType.Valid() {
			return fmt.Errorf("%w: %q", ErrBadMediaType, msg.MediaType)
		}
		msg.Username = peer.Username
		svc.sw.Broadcast(ctx, msg, peer.Username)
	case model.TypeScreenFrame:
		msg.FromUser = peer.Username
		svc.sw.Broadcast(ctx, msg, peer.Username)
	case model.TypeFileOffer:
		return svc.fileOffer(ctx, peer, msg)
	case model.TypeFileChunk:
		return svc.fileChunk(ctx, peer, msg)
	case model.TypeFileComplete:
		return svc.fileComplete(ctx, peer, msg)
	case model.TypeFileRequest:
		return svc.fileRequest(ctx, peer, msg)
	case model.TypeFileList:
		resp := svc.newMessage(model.TypeFileList)
		resp.Files = svc.store.List()
		svc.reply(ctx, peer, resp)
	case model.TypeAuthRequest, model.TypeAuthResponse, model.TypePong,
		model.TypeUserJoined, model.TypeUserLeft, model.TypeUserList, model.TypeError:
		return fmt.Errorf("%w: %s", ErrUnexpectedType, msg.Type)
	default:
		svc.logger.Warn().
			Str("username", peer.Username).
			Str("type", msg.Type).
			Msg("unknown message type ignored")
	}
	return nil
}

func (svc *Service) authenticate(ctx context.Context, peer *model.Peer, msg *model.Message) error {
	var (
		err    error
		reason string
		resp   = svc.newMessage(model.TypeAuthResponse)
	)
	switch {
	case msg.SessionID != svc.sessionID:
		err, reason = model.ErrInvalidSession, model.ReasonInvalidSession
	case msg.Username == "":
		err, reason = model.ErrUsernameEmpty, model.ReasonUsernameEmpty
	default:
		if err = svc.sw.Connect(msg.Username, peer, svc.clock.Now()); err != nil {
			reason = model.ReasonUsernameTaken
		}
	}
	if err != nil {
		svc.stats.Counter("auth.failure").Inc(1)
		resp.SetSuccess(false)
		resp.Reason = reason
		svc.reply(ctx, peer, resp)
		return err
	}

	peer.State = model.PeerAuthenticated
	peer.Username = msg.Username
	svc.stats.Counter("auth.success").Inc(1)
	svc.stats.Gauge("members").Update(float64(svc.sw.Len()))

	resp.SetSuccess(true)
	resp.Username = msg.Username
	svc.reply(ctx, peer, resp)

	joined := svc.newMessage(model.TypeUserJoined)
	joined.Username = msg.Username
	svc.sw.Broadcast(ctx, joined, msg.Username)

	list := svc.newMessage(model.TypeUserList)
	list.Users = svc.sw.Members()
	svc.reply(ctx, peer, list)

	svc.logger.Info().
		Str("username", msg.Username).
		Str("remote", peer.Addr.String()).
		Msg("user joined")
	return nil
}

// Close removes peer from the session. It is idempotent.
func (svc *Service) Close(ctx context.Context, peer *model.Peer) {
	if peer.State == model.PeerAuthenticated {
		svc.remove(ctx, peer.Username, peer)
	}
	peer.State = model.PeerClosed
}

func (svc *Service) remove(ctx context.Context, username string, peer *model.Peer) bool {
	if !svc.sw.Disconnect(username, peer) {
		return false
	}
	svc.stats.Gauge("members").Update(float64(svc.sw.Len()))

	left := svc.newMessage(model.TypeUserLeft)
	left.Username = username
	svc.sw.Broadcast(ctx, left, username)

	svc.logger.Info().Str("username", username).Msg("user left")
	return true
}

func (svc *Service) route(ctx context.Context, msg *model.Message) {
	mode := msg.Mode
	if !mode.Valid() {
		mode = model.ModeBroadcast
	}
	n := svc.sw.Forward(ctx, msg, mode, msg.ToUsers, msg.FromUser)
	svc.stats.Counter("messages.routed").Inc(int64(n))
}

func (svc *Service) reply(ctx context.Context, peer *model.Peer, msg *model.Message) bool {
	select {
	case peer.Wire.TX <- msg:
		return true
	case <-peer.Done:
	case <-ctx.Done():
	}
	return false
}

func (svc *Service) replyError(ctx context.Context, peer *model.Peer, code, fileID string, err error) {
	msg := svc.newMessage(model.TypeError)
	msg.ErrorCode = code
	msg.FileID = fileID
	msg.ErrorMessage = err.Error()
	svc.reply(ctx, peer, msg)
}

// Snapshot returns the current roster and file list.
func (svc *Service) Snapshot() model.SessionSnapshot {
	return model.SessionSnapshot{
		SessionID: svc.sessionID,
		Members:   svc.sw.Snapshot(),
		Files:     svc.store.List(),
	}
}

// Run evicts members whose heartbeat is older than the timeout.
func (svc *Service) Run(ctx context.Context, wg *sync.WaitGroup, _ chan<- error) {
	ticker := svc.clock.Ticker(svc.hbInterval)
	defer func() {
		ticker.Stop()
		svc.streams.Wait()
		svc.logger.Debug().Msg("heartbeat monitor stopped")
		wg.Done()
	}()

	svc.logger.Debug().
		Dur("interval", svc.hbInterval).
		Dur("timeout", svc.hbTimeout).
		Msg("heartbeat monitor started")

MonitorLoop:
	for {
		select {
		case <-ctx.Done():
			break MonitorLoop
		case <-ticker.C:
			svc.EvictExpired(ctx)
		}
	}
}

// EvictExpired removes every member whose heartbeat is older than the
// timeout and closes its control connection.
func (svc *Service) EvictExpired(ctx context.Context) int {
	expired := svc.sw.Expired(svc.clock.Now(), svc.hbTimeout)
	var n int
	for name, peer := range expired {
		svc.logger.Warn().Str("username", name).Msg("heartbeat timeout")
		if svc.remove(ctx, name, peer) {
			n++
		}
		peer.Cancel()
	}
	return n
}
