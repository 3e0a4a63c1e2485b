package udp

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultReadPoll   = time.Second
	defaultBufferSize = 65536
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	RelayService interface {
		Relay(data []byte, from *net.UDPAddr) []*net.UDPAddr
	}

	Config struct {
		Logger *zerolog.Logger
		Relay  RelayService
		Conn   *net.UDPConn
	}

	// Server receives media datagrams and forwards each one unmodified to
	// the addresses chosen by the relay service.
	Server struct {
		relay RelayService
		conn  *net.UDPConn

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	return &Server{
		logger: cfg.Logger.With().Str("component", "media-relay").Logger(),
		relay:  cfg.Relay,
		conn:   cfg.Conn,
	}
}

func (srv *Server) Addr() net.Addr {
	return srv.conn.LocalAddr()
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		_ = srv.conn.Close()
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	srv.logger.Info().Str("addr", srv.conn.LocalAddr().String()).Msg("server started")

	buf := make([]byte, defaultBufferSize)
RecvLoop:
	for {
		if ctx.Err() != nil {
			break RecvLoop
		}
		if err := srv.conn.SetReadDeadline(time.Now().Add(defaultReadPoll)); err != nil {
			errc <- errors.Join(ErrUnexpected, err)
			break RecvLoop
		}
		n, from, err := srv.conn.ReadFromUDP(buf)
		if err != nil {
			var nErr net.Error
			if errors.As(err, &nErr) && nErr.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				errc <- errors.Join(ErrUnexpected, err)
			}
			break RecvLoop
		}

		data := buf[:n]
		for _, dst := range srv.relay.Relay(data, from) {
			if _, err = srv.conn.WriteToUDP(data, dst); err != nil {
				srv.logger.Debug().Err(err).Str("dst", dst.String()).Msg("relay write failed")
			}
		}
	}
}
