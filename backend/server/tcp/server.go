package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/adwski/lanmeet/backend/model"
	"github.com/adwski/lanmeet/backend/protocol"
	"github.com/rs/zerolog"
)

const (
	defaultAcceptPoll         = time.Second
	defaultWriteDeadline      = 5 * time.Second
	defaultSessionCloseTimout = 2 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SessionService interface {
		HandleMessage(ctx context.Context, peer *model.Peer, msg *model.Message) error
		Close(ctx context.Context, peer *model.Peer)
	}

	Config struct {
		Logger       *zerolog.Logger
		Service      SessionService
		Listener     *net.TCPListener
		MaxFrameSize uint32
	}

	// Server accepts control connections and runs a receiver and a sender
	// worker for each of them.
	Server struct {
		svc      SessionService
		ln       *net.TCPListener
		maxFrame uint32

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	return &Server{
		logger:   cfg.Logger.With().Str("component", "control-server").Logger(),
		svc:      cfg.Service,
		ln:       cfg.Listener,
		maxFrame: cfg.MaxFrameSize,
	}
}

func (srv *Server) Addr() net.Addr {
	return srv.ln.Addr()
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	conns := &sync.WaitGroup{}
	defer func() {
		_ = srv.ln.Close()
		conns.Wait()
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	srv.logger.Info().Str("addr", srv.ln.Addr().String()).Msg("server started")

AcceptLoop:
	for {
		if ctx.Err() != nil {
			break AcceptLoop
		}
		if err := srv.ln.SetDeadline(time.Now().Add(defaultAcceptPoll)); err != nil {
			errc <- errors.Join(ErrUnexpected, err)
			break AcceptLoop
		}
		conn, err := srv.ln.AcceptTCP()
		if err != nil {
			var nErr net.Error
			if errors.As(err, &nErr) && nErr.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				errc <- errors.Join(ErrUnexpected, err)
			}
			break AcceptLoop
		}
		conns.Add(1)
		go func() {
			defer conns.Done()
			srv.handleConn(ctx, conn)
		}()
	}
}

func (srv *Server) handleConn(parent context.Context, conn *net.TCPConn) {
	ctx, cancel := context.WithCancel(parent)
	peer := model.NewPeer(ctx, cancel, conn.RemoteAddr())
	logger := srv.logger.With().Str("remote", peer.Addr.String()).Logger()
	logger.Debug().Msg("connection accepted")

	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		srv.receiver(ctx, wg, conn, peer, &logger)
		cancel()
	}()
	go func() {
		sender(ctx, wg, conn, peer.Wire.TX, &logger)
		cancel()
	}()

	<-ctx.Done()
	// unblocks the receiver
	_ = conn.Close()
	wg.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), defaultSessionCloseTimout)
	defer closeCancel()
	srv.svc.Close(closeCtx, peer)
	logger.Debug().Str("username", peer.Username).Msg("connection closed")
}

func (srv *Server) receiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn net.Conn,
	peer *model.Peer,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	fr := protocol.NewFrameReader(conn, srv.maxFrame)
RecvLoop:
	for {
		msg, err := fr.ReadMessage()
		if err != nil {
			switch {
			case protocol.Recoverable(err):
				logger.Warn().Err(err).Msg("bad frame dropped")
				continue
			case ctx.Err() != nil:
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				logger.Debug().Msg("connection closed by peer")
			default:
				logger.Error().Err(err).Msg("unexpected error during receive")
			}
			break RecvLoop
		}

		logger.Trace().Str("type", msg.Type).Msg("message received")
		if err = srv.svc.HandleMessage(ctx, peer, msg); err != nil {
			logger.Warn().Err(err).
				Str("type", msg.Type).
				Str("username", peer.Username).
				Msg("message rejected")
		}
		if peer.State == model.PeerClosed {
			break RecvLoop
		}
	}
}

func sender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn net.Conn,
	tx <-chan *model.Message,
	logger *zerolog.Logger,
) {
	defer wg.Done()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case msg := <-tx:
			if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
				logger.Error().Err(err).Msg("failed to set write deadline")
				break SendLoop
			}
			if err := protocol.WriteFrame(conn, msg); err != nil {
				logger.Error().Err(err).Str("type", msg.Type).Msg("failed to write outgoing message")
				break SendLoop
			}
		}
	}
}
