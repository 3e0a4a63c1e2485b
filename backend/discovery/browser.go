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

type (
	BrowserConfig struct {
		Logger     *zerolog.Logger
		Clock      clock.Clock
		Group      *net.UDPAddr
		TTL        time.Duration
		Interfaces []net.Interface
	}

	// Browser listens for announcements and remembers the sessions seen.
	// The first host seen for a session id is kept until it expires.
	Browser struct {
		clock  clock.Clock
		group  *net.UDPAddr
		ttl    time.Duration
		ifaces []net.Interface
		logger zerolog.Logger

		mx       *sync.Mutex
		sessions map[string]*sighting
		updated  chan struct{}
	}

	sighting struct {
		ann  Announcement
		seen time.Time
	}
)

func NewBrowser(cfg BrowserConfig) *Browser {
	b := &Browser{
		logger:   cfg.Logger.With().Str("component", "browser").Logger(),
		clock:    cfg.Clock,
		group:    cfg.Group,
		ttl:      cfg.TTL,
		ifaces:   cfg.Interfaces,
		mx:       &sync.Mutex{},
		sessions: make(map[string]*sighting),
		updated:  make(chan struct{}),
	}
	if b.clock == nil {
		b.clock = clock.New()
	}
	if b.group == nil {
		b.group = GroupAddr()
	}
	if b.ttl == 0 {
		b.ttl = defaultTTL
	}
	return b
}

func (b *Browser) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer wg.Done()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: b.group.Port})
	if err != nil {
		errc <- errors.Join(ErrUnexpected, err)
		return
	}
	defer func() {
		_ = conn.Close()
		b.logger.Debug().Msg("browser stopped")
	}()

	if err = b.join(ipv4.NewPacketConn(conn)); err != nil {
		errc <- errors.Join(ErrUnexpected, err)
		return
	}
	b.logger.Info().Str("group", b.group.String()).Msg("listening for sessions")

	buf := make([]byte, maxDatagram)
RecvLoop:
	for {
		if ctx.Err() != nil {
			break RecvLoop
		}
		if err = conn.SetReadDeadline(time.Now().Add(defaultReadPoll)); err != nil {
			errc <- errors.Join(ErrUnexpected, err)
			break RecvLoop
		}
		n, src, errR := conn.ReadFromUDP(buf)
		if errR != nil {
			var nErr net.Error
			if errors.As(errR, &nErr) && nErr.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				errc <- errors.Join(ErrUnexpected, errR)
			}
			break RecvLoop
		}
		b.handle(buf[:n], src)
	}
}

// join subscribes to the group on the configured interfaces or, when none
// are given, on every multicast capable interface that is up.
func (b *Browser) join(pc *ipv4.PacketConn) error {
	ifaces := b.ifaces
	if len(ifaces) == 0 {
		all, err := net.Interfaces()
		if err != nil {
			return err
		}
		for _, iface := range all {
			if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagMulticast != 0 {
				ifaces = append(ifaces, iface)
			}
		}
	}

	var joined int
	for i := range ifaces {
		if err := pc.JoinGroup(&ifaces[i], &net.UDPAddr{IP: b.group.IP}); err != nil {
			b.logger.Debug().Err(err).Str("iface", ifaces[i].Name).Msg("failed to join group")
			continue
		}
		joined++
	}
	if joined == 0 {
		return errors.New("no interface joined the discovery group")
	}
	return nil
}

func (b *Browser) handle(data []byte, src *net.UDPAddr) {
	ann, err := Decode(data, src)
	if err != nil {
		b.logger.Trace().Err(err).Str("from", src.String()).Msg("datagram ignored")
		return
	}
	now := b.clock.Now()

	b.mx.Lock()
	defer b.mx.Unlock()
	s, ok := b.sessions[ann.SessionID]
	switch {
	case !ok || now.Sub(s.seen) > b.ttl:
		b.sessions[ann.SessionID] = &sighting{ann: ann, seen: now}
		b.logger.Debug().
			Str("session", ann.SessionID).
			Str("host", ann.Host).
			Int("tcpPort", ann.TCPPort).
			Msg("session discovered")
		close(b.updated)
		b.updated = make(chan struct{})
	case s.ann == ann:
		s.seen = now
	default:
		b.logger.Warn().
			Str("session", ann.SessionID).
			Str("host", ann.Host).
			Str("known", s.ann.Host).
			Msg("session announced by a second host, ignored")
	}
}

// Sessions returns the announcements that have not expired.
func (b *Browser) Sessions() []Announcement {
	now := b.clock.Now()
	b.mx.Lock()
	defer b.mx.Unlock()
	out := make([]Announcement, 0, len(b.sessions))
	for _, s := range b.sessions {
		if now.Sub(s.seen) <= b.ttl {
			out = append(out, s.ann)
		}
	}
	return out
}

// Lookup waits until sessionID is announced or ctx is done.
func (b *Browser) Lookup(ctx context.Context, sessionID string) (Announcement, error) {
	for {
		now := b.clock.Now()
		b.mx.Lock()
		var (
			ann  Announcement
			seen time.Time
		)
		s, ok := b.sessions[sessionID]
		if ok {
			ann, seen = s.ann, s.seen
		}
		updated := b.updated
		b.mx.Unlock()
		if ok && now.Sub(seen) <= b.ttl {
			return ann, nil
		}

		select {
		case <-ctx.Done():
			return Announcement{}, ctx.Err()
		case <-updated:
		}
	}
}
