package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/adwski/lanmeet/backend/client"
	"github.com/adwski/lanmeet/backend/discovery"
	"github.com/adwski/lanmeet/backend/metrics"
	"github.com/adwski/lanmeet/backend/model"
	"github.com/adwski/lanmeet/backend/protocol"
	"github.com/adwski/lanmeet/backend/server"
	httpServer "github.com/adwski/lanmeet/backend/server/http"
	tcpServer "github.com/adwski/lanmeet/backend/server/tcp"
	udpServer "github.com/adwski/lanmeet/backend/server/udp"
	websocketServer "github.com/adwski/lanmeet/backend/server/websocket"
	"github.com/adwski/lanmeet/backend/service"
	store "github.com/adwski/lanmeet/backend/storage/memory"
	sw "github.com/adwski/lanmeet/backend/switch"
	"github.com/andres-erbsen/clock"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const (
	modeHost = "host"
	modeJoin = "join"

	discoverTimeout = 10 * time.Second
)

type options struct {
	mode          string
	username      string
	sessionID     string
	serverHost    string
	tcpPort       int
	udpPort       int
	filesDir      string
	apiListenAddr string
	uiListenAddr  string
	discover      bool
	announce      bool
	metricsEvery  time.Duration

	bindHost        string
	discoverTimeout time.Duration
	discoveryPort   int
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("lanmeet", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: lanmeet host|join [flags]\n%s", fs.FlagUsages())
	}

	var (
		opts     options
		logLevel = fs.StringP("log-level", "l", "debug", "log level")
	)
	fs.StringVarP(&opts.username, "username", "u", "", "user name in the session")
	fs.StringVarP(&opts.sessionID, "session", "s", "", "session id (host generates one when empty)")
	fs.StringVarP(&opts.serverHost, "server", "H", "", "relay host to join")
	fs.IntVar(&opts.tcpPort, "tcp-port", server.DefaultTCPPort, "control port")
	fs.IntVar(&opts.udpPort, "udp-port", server.DefaultUDPPort, "media port")
	fs.StringVar(&opts.filesDir, "files-dir", os.TempDir(), "directory for files shared through the relay")
	fs.StringVarP(&opts.apiListenAddr, "api-listen-addr", "a", ":8080", "status api listen address")
	fs.StringVarP(&opts.uiListenAddr, "ui-listen-addr", "w", "127.0.0.1:8888", "ui bridge listen address")
	fs.BoolVar(&opts.discover, "discover", false, "find the relay of the session on the local network")
	fs.BoolVar(&opts.announce, "announce", true, "announce the hosted session on the local network")
	fs.DurationVar(&opts.metricsEvery, "metrics-interval", time.Minute, "relay metrics report interval")
	fs.StringVar(&opts.bindHost, "bind", "", "relay bind address (all interfaces when empty)")
	fs.DurationVar(&opts.discoverTimeout, "discover-timeout", discoverTimeout, "how long to look for the session")
	fs.IntVar(&opts.discoveryPort, "discovery-port", discovery.DefaultPort, "udp port of the discovery group")
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	if fs.NArg() != 1 || (fs.Arg(0) != modeHost && fs.Arg(0) != modeJoin) {
		fs.Usage()
		os.Exit(2)
	}
	opts.mode = fs.Arg(0)
	if opts.username == "" {
		logger.Fatal().Msg("username is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg    = &sync.WaitGroup{}
		errc  = make(chan error, 8)
		files *store.FileStore
	)
	if opts.mode == modeHost {
		files, err = host(ctx, wg, errc, &opts, &logger)
	} else {
		err = resolveRelay(ctx, &opts, &logger)
	}
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		shutdown(cancel, wg, nil, files, &logger)
		os.Exit(1)
	}

	cl, err := join(ctx, wg, errc, &opts, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to join session")
		shutdown(cancel, wg, nil, files, &logger)
		os.Exit(1)
	}

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	shutdown(cancel, wg, cl, files, &logger)
}

func (opts *options) discoveryGroup() *net.UDPAddr {
	group := discovery.GroupAddr()
	if opts.discoveryPort != 0 {
		group.Port = opts.discoveryPort
	}
	return group
}

// shutdown stops every worker and then removes the files the relay
// assembled during the session.
func shutdown(cancel context.CancelFunc, wg *sync.WaitGroup, cl *client.Client, files *store.FileStore, logger *zerolog.Logger) {
	cancel()
	if cl != nil {
		cl.Close()
	}
	wg.Wait()
	if files == nil {
		return
	}
	if err := files.Cleanup(); err != nil {
		logger.Warn().Err(err).Msg("failed to remove session files")
		return
	}
	logger.Debug().Msg("session files removed")
}

// host binds the relay, starts its servers and points opts at it.
// The returned store holds the files shared in the session.
func host(
	ctx context.Context,
	wg *sync.WaitGroup,
	errc chan<- error,
	opts *options,
	logger *zerolog.Logger,
) (*store.FileStore, error) {
	if opts.sessionID == "" {
		id, err := protocol.NewSessionID()
		if err != nil {
			return nil, err
		}
		opts.sessionID = id
	}
	if !protocol.ValidSessionID(opts.sessionID) {
		return nil, model.ErrInvalidSession
	}

	ln, conn, err := server.Listen(opts.bindHost, opts.tcpPort, opts.udpPort)
	if err != nil {
		return nil, err
	}
	opts.serverHost = "127.0.0.1"
	opts.tcpPort = ln.Addr().(*net.TCPAddr).Port
	opts.udpPort = conn.LocalAddr().(*net.UDPAddr).Port

	scope, closer := metrics.NewScope(logger, "relay", opts.metricsEvery)
	go func() {
		<-ctx.Done()
		_ = closer.Close()
	}()

	files := store.NewFileStore(opts.filesDir, 0)
	svc := service.NewService(service.Config{
		Logger:    logger,
		SessionID: opts.sessionID,
		Switch:    sw.NewSwitch(logger),
		FileStore: files,
		Stats:     scope,
	})
	tcpSrv := tcpServer.NewServer(tcpServer.Config{
		Logger:   logger,
		Service:  svc,
		Listener: ln,
	})
	udpSrv := udpServer.NewServer(udpServer.Config{
		Logger: logger,
		Relay:  svc,
		Conn:   conn,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:     logger,
		Service:    svc,
		ListenAddr: opts.apiListenAddr,
	})

	wg.Add(4)
	go svc.Run(ctx, wg, errc)
	go tcpSrv.Run(ctx, wg, errc)
	go udpSrv.Run(ctx, wg, errc)
	go httpSrv.Run(ctx, wg, errc)

	if opts.announce {
		ann, errA := discovery.NewAnnouncer(discovery.AnnouncerConfig{
			Logger: logger,
			Group:  opts.discoveryGroup(),
			Announcement: discovery.Announcement{
				SessionID: opts.sessionID,
				TCPPort:   opts.tcpPort,
				UDPPort:   opts.udpPort,
				HostUser:  opts.username,
			},
		})
		if errA != nil {
			return files, errA
		}
		wg.Add(1)
		go ann.Run(ctx, wg, errc)
	}

	logger.Info().
		Str("session", opts.sessionID).
		Int("tcpPort", opts.tcpPort).
		Int("udpPort", opts.udpPort).
		Msg("session hosted")
	return files, nil
}

// resolveRelay fills the relay address of a join, looking it up on the
// local network when asked to.
func resolveRelay(ctx context.Context, opts *options, logger *zerolog.Logger) error {
	if !protocol.ValidSessionID(opts.sessionID) {
		return model.ErrInvalidSession
	}
	if opts.serverHost != "" && !opts.discover {
		return nil
	}

	b := discovery.NewBrowser(discovery.BrowserConfig{
		Logger: logger,
		Group:  opts.discoveryGroup(),
	})
	bCtx, bCancel := context.WithTimeout(ctx, opts.discoverTimeout)

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
	)
	wg.Add(1)
	go b.Run(bCtx, wg, errc)
	defer func() {
		bCancel()
		wg.Wait()
	}()

	found := make(chan discovery.Announcement, 1)
	go func() {
		if a, err := b.Lookup(bCtx, opts.sessionID); err == nil {
			found <- a
		}
	}()

	select {
	case a := <-found:
		opts.serverHost, opts.tcpPort, opts.udpPort = a.Host, a.TCPPort, a.UDPPort
		logger.Info().Str("host", a.Host).Str("hostUser", a.HostUser).Msg("session found")
		return nil
	case err := <-errc:
		return err
	case <-bCtx.Done():
		return errors.New("session not found on the local network")
	}
}

// join connects the local user to the relay and exposes the client to the
// ui over the websocket bridge.
func join(
	ctx context.Context,
	wg *sync.WaitGroup,
	errc chan<- error,
	opts *options,
	logger *zerolog.Logger,
) (*client.Client, error) {
	bridge := websocketServer.NewServer(websocketServer.Config{
		Logger:     logger,
		ListenAddr: opts.uiListenAddr,
	})

	authFailed := make(chan string, 1)
	cl := client.NewClient(client.Config{
		Logger:     logger,
		Clock:      clock.New(),
		Username:   opts.username,
		SessionID:  opts.sessionID,
		ServerHost: opts.serverHost,
		TCPPort:    opts.tcpPort,
		UDPPort:    opts.udpPort,
		Handler: func(ev model.Event) {
			bridge.Publish(ev)
			switch ev.Type {
			case model.EventAuthFailed:
				select {
				case authFailed <- ev.Error:
				default:
				}
			case model.EventManualRetryRequired:
				logger.Warn().Msg("connection to the relay lost, send the reconnect command to retry")
			}
		},
	})
	bridge.SetController(cl)

	wg.Add(1)
	go bridge.Run(ctx, wg, errc)

	if err := cl.Connect(ctx); err != nil {
		return nil, err
	}
	go func() {
		select {
		case reason := <-authFailed:
			errc <- errors.Join(model.AuthError(reason), errors.New("rejected by relay"))
		case <-ctx.Done():
		}
	}()
	return cl, nil
}
