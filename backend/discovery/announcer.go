package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
)

var (
	ErrUnexpected = errors.New("unexpected discovery error")
)

type (
	AnnouncerConfig struct {
		Logger       *zerolog.Logger
		Clock        clock.Clock
		Announcement Announcement
		Group        *net.UDPAddr
		Interval     time.Duration
		Interface    *net.Interface
	}

	// Announcer periodically multicasts the session it hosts.
	Announcer struct {
		clock    clock.Clock
		group    *net.UDPAddr
		interval time.Duration
		iface    *net.Interface
		payload  []byte
		logger   zerolog.Logger
	}
)

func NewAnnouncer(cfg AnnouncerConfig) (*Announcer, error) {
	payload, err := Encode(cfg.Announcement)
	if err != nil {
		return nil, err
	}
	a := &Announcer{
		logger:   cfg.Logger.With().Str("component", "announcer").Str("session", cfg.Announcement.SessionID).Logger(),
		clock:    cfg.Clock,
		group:    cfg.Group,
		interval: cfg.Interval,
		iface:    cfg.Interface,
		payload:  payload,
	}
	if a.clock == nil {
		a.clock = clock.New()
	}
	if a.group == nil {
		a.group = GroupAddr()
	}
	if a.interval == 0 {
		a.interval = defaultInterval
	}
	return a, nil
}

func (a *Announcer) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer wg.Done()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		errc <- errors.Join(ErrUnexpected, err)
		return
	}
	defer func() {
		_ = conn.Close()
		a.logger.Debug().Msg("announcer stopped")
	}()

	pc := ipv4.NewPacketConn(conn)
	if err = pc.SetMulticastTTL(defaultMulticastTTL); err != nil {
		a.logger.Warn().Err(err).Msg("failed to set multicast ttl")
	}
	if err = pc.SetMulticastLoopback(true); err != nil {
		a.logger.Warn().Err(err).Msg("failed to enable multicast loopback")
	}
	if a.iface != nil {
		if err = pc.SetMulticastInterface(a.iface); err != nil {
			a.logger.Warn().Err(err).Str("iface", a.iface.Name).Msg("failed to set multicast interface")
		}
	}

	ticker := a.clock.Ticker(a.interval)
	defer ticker.Stop()

	a.logger.Info().Str("group", a.group.String()).Msg("announcing session")
	a.announce(pc)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.announce(pc)
		}
	}
}

func (a *Announcer) announce(pc *ipv4.PacketConn) {
	if _, err := pc.WriteTo(a.payload, nil, a.group); err != nil {
		a.logger.Debug().Err(err).Msg("announcement not sent")
		return
	}
	a.logger.Trace().Msg("announcement sent")
}
