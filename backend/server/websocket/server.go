package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/lanmeet/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSubscriberBuffer = 256

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 32 << 20
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	// Controller is the local client the UI drives.
	Controller interface {
		SendChat(text string, mode model.Mode, targets []string) error
		UploadFile(path string, mode model.Mode, targets []string) (string, error)
		DownloadFile(fileID, dest string) error
		StartMedia(kind model.MediaKind) error
		StopMedia(kind model.MediaKind) error
		SendScreenFrame(frame []byte, width, height int) error
		RequestFileList() error
		TransferProgress(fileID string) (model.TransferProgress, error)
		ActiveTransfers() []model.TransferProgress
		CancelTransfer(fileID string) error
		ManualReconnect() error
		Leave()
	}

	Config struct {
		Logger     *zerolog.Logger
		Controller Controller
		ListenAddr string
	}

	// Server bridges client events and UI commands over websocket.
	Server struct {
		ctrl Controller
		ws   *websocket.Upgrader
		*http.Server

		mx   *sync.RWMutex
		subs map[*subscriber]struct{}

		logger zerolog.Logger
	}

	subscriber struct {
		tx chan any
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "ui-bridge").Logger(),
		ctrl:   cfg.Controller,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		mx:   &sync.RWMutex{},
		subs: make(map[*subscriber]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", srv.events)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

// SetController sets the client commands are executed on.
// It must be called before Run.
func (srv *Server) SetController(ctrl Controller) {
	srv.ctrl = ctrl
}

// Publish fans ev out to every connected UI. Slow subscribers lose events.
func (srv *Server) Publish(ev model.Event) {
	srv.mx.RLock()
	defer srv.mx.RUnlock()
	for sub := range srv.subs {
		select {
		case sub.tx <- ev:
		default:
			srv.logger.Debug().Str("type", ev.Type).Msg("subscriber too slow, event dropped")
		}
	}
}

func (srv *Server) subscribe() *subscriber {
	sub := &subscriber{tx: make(chan any, defaultSubscriberBuffer)}
	srv.mx.Lock()
	srv.subs[sub] = struct{}{}
	srv.mx.Unlock()
	return sub
}

func (srv *Server) unsubscribe(sub *subscriber) {
	srv.mx.Lock()
	delete(srv.subs, sub)
	srv.mx.Unlock()
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error, 1)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := srv.subscribe()
	logger := srv.logger.With().Str("remote", r.RemoteAddr).Logger()
	logger.Debug().Msg("ui connected")

	go srv.handleWSConn(conn, sub, &logger)
}

func (srv *Server) handleWSConn(conn *websocket.Conn, sub *subscriber, logger *zerolog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}

	wg.Add(2)
	go func() {
		srv.webSocketReceiver(ctx, wg, conn, sub.tx, logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, sub.tx, logger)
		cancel()
	}()
	go func() {
		<-ctx.Done()
		// unblocks the receiver
		_ = conn.UnderlyingConn().SetReadDeadline(time.Now())
	}()

	wg.Wait()
	srv.unsubscribe(sub)
	webSocketCloser(conn, logger)
	logger.Debug().Msg("ui disconnected")
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan any,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
			}
			logger.Trace().Msg("ping sent")

		case msg := <-tx:
			b, wsErr := json.Marshal(msg)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshall outgoing message")
				continue
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.TextMessage, b); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
		}
	}
}

func (srv *Server) webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx chan<- any,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		_, msg, wsErr := conn.ReadMessage()
		if wsErr != nil {
			if websocket.IsCloseError(wsErr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				logger.Debug().Msg("connection closed")
			} else if ctx.Err() == nil {
				logger.Error().Err(wsErr).Msg("unexpected error during receive")
			}
			break RecvLoop
		}
		// any inbound message proves the peer is alive
		_ = readDeadLineFunc(defaultPongWait)

		var cmd Command
		if wsErr = json.Unmarshal(msg, &cmd); wsErr != nil {
			logger.Warn().Err(wsErr).Msg("failed to unmarshall incoming command")
			continue
		}
		res := srv.execute(&cmd)
		if res.Error != "" {
			logger.Warn().Str("command", cmd.Command).Str("error", res.Error).Msg("command failed")
		}
		select {
		case tx <- res:
		case <-ctx.Done():
			break RecvLoop
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
		}
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
