package client

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/lanmeet/backend/model"
	"github.com/adwski/lanmeet/backend/protocol"
	"github.com/andres-erbsen/clock"
	"github.com/rs/zerolog"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultAuthTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 20 * time.Second
	defaultPongTimeout  = 60 * time.Second
	defaultMaxAttempts  = 5
	defaultUDPReadPoll  = time.Second
	defaultUDPBuffer    = 65536
)

var (
	ErrNotAuthenticated = errors.Join(model.ErrConnection, errors.New("not authenticated"))
	ErrAlreadyConnected = errors.New("already connected")
	ErrAuthTimeout      = errors.Join(model.ErrConnection, errors.New("authentication timed out"))
	ErrHeartbeatTimeout = errors.Join(model.ErrConnection, errors.New("no pong within timeout"))
	ErrAborted          = errors.New("connection attempt aborted")
)

// EventHandler receives client events. It is called from the client's
// workers and must not block.
type EventHandler func(model.Event)

type (
	Config struct {
		Logger    *zerolog.Logger
		Clock     clock.Clock
		Handler   EventHandler
		Username  string
		SessionID string

		ServerHost string
		TCPPort    int
		UDPPort    int

		DialTimeout  time.Duration
		AuthTimeout  time.Duration
		PingInterval time.Duration
		PongTimeout  time.Duration
		MaxAttempts  int
		MaxFrameSize uint32

		ChunkRetryDelay time.Duration
	}

	// Client is one peer's connector to the relay.
	Client struct {
		logger  zerolog.Logger
		clock   clock.Clock
		handler EventHandler

		username  string
		sessionID string
		tcpAddr   string
		udpAddr   string

		dialTimeout     time.Duration
		authTimeout     time.Duration
		pingInterval    time.Duration
		pongTimeout     time.Duration
		maxAttempts     int
		maxFrame        uint32
		chunkRetryDelay time.Duration

		session *SessionState

		mx       *sync.Mutex
		state    State
		cn       *conn
		lastPong time.Time
		attempts int
		uploads  map[string]struct{}
		retryNow chan struct{}
		seq      map[protocol.StreamKind]uint32

		ctx    context.Context
		cancel context.CancelFunc
		wg     *sync.WaitGroup
	}

	// conn is one generation of the control and media sockets.
	// It is replaced on every reconnect.
	conn struct {
		tcp    net.Conn
		udp    *net.UDPConn
		server *net.UDPAddr

		sendMx *sync.Mutex
		ctx    context.Context
		cancel context.CancelFunc

		// authc receives the authentication outcome of this generation.
		authc chan error
	}
)

func NewClient(cfg Config) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		logger:          cfg.Logger.With().Str("component", "client").Str("username", cfg.Username).Logger(),
		clock:           cfg.Clock,
		handler:         cfg.Handler,
		username:        cfg.Username,
		sessionID:       cfg.SessionID,
		tcpAddr:         net.JoinHostPort(cfg.ServerHost, strconv.Itoa(cfg.TCPPort)),
		udpAddr:         net.JoinHostPort(cfg.ServerHost, strconv.Itoa(cfg.UDPPort)),
		dialTimeout:     cfg.DialTimeout,
		authTimeout:     cfg.AuthTimeout,
		pingInterval:    cfg.PingInterval,
		pongTimeout:     cfg.PongTimeout,
		maxAttempts:     cfg.MaxAttempts,
		maxFrame:        cfg.MaxFrameSize,
		chunkRetryDelay: cfg.ChunkRetryDelay,
		session:         NewSessionState(),
		mx:              &sync.Mutex{},
		state:           StateDisconnected,
		uploads:         make(map[string]struct{}),
		retryNow:        make(chan struct{}, 1),
		seq:             make(map[protocol.StreamKind]uint32),
		ctx:             ctx,
		cancel:          cancel,
		wg:              &sync.WaitGroup{},
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.dialTimeout == 0 {
		c.dialTimeout = defaultDialTimeout
	}
	if c.authTimeout == 0 {
		c.authTimeout = defaultAuthTimeout
	}
	if c.pingInterval == 0 {
		c.pingInterval = defaultPingInterval
	}
	if c.pongTimeout == 0 {
		c.pongTimeout = defaultPongTimeout
	}
	if c.maxAttempts == 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.maxFrame == 0 {
		c.maxFrame = protocol.DefaultMaxFrameSize
	}
	return c
}

func (c *Client) Username() string {
	return c.username
}

func (c *Client) Session() *SessionState {
	return c.session
}

func (c *Client) State() State {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

// Quality is 1.0 while pongs arrive within the timeout and degrades
// linearly with the overage, reaching 0 at twice the timeout.
func (c *Client) Quality() float64 {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.state != StateConnected {
		return 0
	}
	return quality(c.clock.Now().Sub(c.lastPong), c.pongTimeout)
}

func quality(since, timeout time.Duration) float64 {
	if since <= timeout {
		return 1
	}
	q := 1 - float64(since-timeout)/float64(timeout)
	if q < 0 {
		return 0
	}
	return q
}

// setState must be called with mx held.
func (c *Client) setState(to State) bool {
	next, err := c.state.Next(to)
	if err != nil {
		c.logger.Debug().Err(err).Msg("state change refused")
		return false
	}
	c.logger.Debug().Str("from", c.state.String()).Str("to", next.String()).Msg("state changed")
	c.state = next
	return true
}

func (c *Client) emit(ev model.Event) {
	if c.handler != nil {
		c.handler(ev)
	}
}

// Connect opens the control and media sockets and sends auth_request.
// The outcome of authentication is reported with auth_succeeded or
// auth_failed events.
func (c *Client) Connect(ctx context.Context) error {
	c.mx.Lock()
	if !c.setState(StateConnecting) {
		c.mx.Unlock()
		return ErrAlreadyConnected
	}
	c.mx.Unlock()

	cn, err := c.dial(ctx)
	if err != nil {
		c.mx.Lock()
		c.setState(StateDisconnected)
		c.mx.Unlock()
		return err
	}

	c.mx.Lock()
	if !c.setState(StateAuthenticating) {
		c.mx.Unlock()
		cn.close()
		return ErrAborted
	}
	c.cn = cn
	c.mx.Unlock()

	c.start(cn)
	if err = cn.send(c.authRequest()); err != nil {
		c.mx.Lock()
		if c.cn == cn {
			c.cn = nil
			c.setState(StateDisconnected)
		}
		c.mx.Unlock()
		cn.close()
		return errors.Join(model.ErrConnection, err)
	}
	c.logger.Info().Str("server", c.tcpAddr).Msg("connected, authenticating")
	return nil
}

func (c *Client) authRequest() *model.Message {
	msg := c.newMessage(model.TypeAuthRequest)
	msg.Username = c.username
	msg.SessionID = c.sessionID
	return msg
}

func (c *Client) newMessage(t string) *model.Message {
	return model.NewMessageAt(t, c.clock.Now())
}

// Leave tells the relay the user is leaving, closes the sockets and
// clears the session state. The client can Connect again afterwards.
func (c *Client) Leave() {
	c.mx.Lock()
	cn := c.cn
	connected := c.state == StateConnected
	c.cn = nil
	c.setState(StateDisconnected)
	c.mx.Unlock()

	if cn != nil {
		if connected {
			msg := c.newMessage(model.TypeLeaveSession)
			msg.Username = c.username
			if err := cn.send(msg); err != nil {
				c.logger.Debug().Err(err).Msg("failed to send leave_session")
			}
		}
		cn.close()
	}
	c.session.Reset()
	c.logger.Info().Msg("left session")
}

// Close leaves the session and waits for every worker to exit.
func (c *Client) Close() {
	c.Leave()
	c.cancel()
	c.wg.Wait()
}

func (c *Client) dial(ctx context.Context) (*conn, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	tcpConn, err := d.DialContext(ctx, "tcp", c.tcpAddr)
	if err != nil {
		return nil, errors.Join(model.ErrConnection, err)
	}
	server, err := net.ResolveUDPAddr("udp", c.udpAddr)
	if err != nil {
		_ = tcpConn.Close()
		return nil, errors.Join(model.ErrConnection, err)
	}
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		_ = tcpConn.Close()
		return nil, errors.Join(model.ErrConnection, err)
	}
	return newConn(c.ctx, tcpConn, udpConn, server), nil
}

func newConn(parent context.Context, tcp net.Conn, udp *net.UDPConn, server *net.UDPAddr) *conn {
	ctx, cancel := context.WithCancel(parent)
	return &conn{
		tcp:    tcp,
		udp:    udp,
		server: server,
		sendMx: &sync.Mutex{},
		ctx:    ctx,
		cancel: cancel,
		authc:  make(chan error, 1),
	}
}

// start runs the control, media and heartbeat workers of cn.
func (c *Client) start(cn *conn) {
	c.wg.Add(3)
	go c.controlLoop(cn)
	go c.mediaLoop(cn)
	go c.heartbeatLoop(cn)
}

func (cn *conn) send(msg *model.Message) error {
	cn.sendMx.Lock()
	defer cn.sendMx.Unlock()
	if err := cn.tcp.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return err
	}
	return protocol.WriteFrame(cn.tcp, msg)
}

// SendMessage lets an upload run over this connection.
func (cn *conn) SendMessage(msg *model.Message) error {
	if cn.ctx.Err() != nil {
		return net.ErrClosed
	}
	return cn.send(msg)
}

func (cn *conn) sendPacket(pkt *protocol.Packet) error {
	_, err := cn.udp.WriteToUDP(pkt.Marshal(), cn.server)
	return err
}

func (cn *conn) signalAuth(err error) {
	select {
	case cn.authc <- err:
	default:
	}
}

func (cn *conn) close() {
	cn.cancel()
	_ = cn.tcp.Close()
	_ = cn.udp.Close()
}

// current returns the live connection if the client is authenticated.
func (c *Client) current() (*conn, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.state != StateConnected || c.cn == nil {
		return nil, ErrNotAuthenticated
	}
	return c.cn, nil
}
