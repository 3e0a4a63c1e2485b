package _switch

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/adwski/lanmeet/backend/model"
	"github.com/adwski/lanmeet/backend/protocol"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

type endpoint struct {
	peer          *model.Peer
	udpAddr       *net.UDPAddr
	joinedAt      time.Time
	lastHeartbeat time.Time
}

// Switch is the session roster. All access goes through mx, which is
// never held while sending to a wire or a socket.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]*endpoint
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]*endpoint),
	}
}

// Connect registers peer under username.
func (sw *Switch) Connect(username string, peer *model.Peer, now time.Time) error {
	sw.mx.Lock()
	if _, ok := sw.fwd[username]; ok {
		sw.mx.Unlock()
		return model.ErrUsernameTaken
	}
	sw.fwd[username] = &endpoint{
		peer:          peer,
		joinedAt:      now,
		lastHeartbeat: now,
	}
	sw.mx.Unlock()

	sw.logger.Debug().
		Str("username", username).
		Str("remote", peer.Addr.String()).
		Msg("endpoint connected")
	return nil
}

// Disconnect removes username if it is still bound to peer.
// It reports whether an entry was removed.
func (sw *Switch) Disconnect(username string, peer *model.Peer) bool {
	sw.mx.Lock()
	ep, ok := sw.fwd[username]
	if ok && (peer == nil || ep.peer == peer) {
		delete(sw.fwd, username)
	} else {
		ok = false
	}
	sw.mx.Unlock()

	if ok {
		sw.logger.Debug().Str("username", username).Msg("endpoint disconnected")
	}
	return ok
}

// Members returns sorted roster usernames.
func (sw *Switch) Members() []string {
	sw.mx.RLock()
	out := make([]string, 0, len(sw.fwd))
	for name := range sw.fwd {
		out = append(out, name)
	}
	sw.mx.RUnlock()
	sort.Strings(out)
	return out
}

func (sw *Switch) Snapshot() []model.Member {
	sw.mx.RLock()
	out := make([]model.Member, 0, len(sw.fwd))
	for name, ep := range sw.fwd {
		m := model.Member{
			Username:      name,
			ControlAddr:   ep.peer.Addr.String(),
			JoinedAt:      ep.joinedAt,
			LastHeartbeat: ep.lastHeartbeat,
		}
		if ep.udpAddr != nil {
			m.UDPAddr = ep.udpAddr.String()
		}
		out = append(out, m)
	}
	sw.mx.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (sw *Switch) Len() int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	return len(sw.fwd)
}

// Touch refreshes the heartbeat of username.
func (sw *Switch) Touch(username string, now time.Time) {
	sw.mx.Lock()
	if ep, ok := sw.fwd[username]; ok {
		ep.lastHeartbeat = now
	}
	sw.mx.Unlock()
}

// Expired returns peers whose last heartbeat is older than timeout.
func (sw *Switch) Expired(now time.Time, timeout time.Duration) map[string]*model.Peer {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	var out map[string]*model.Peer
	for name, ep := range sw.fwd {
		if now.Sub(ep.lastHeartbeat) > timeout {
			if out == nil {
				out = make(map[string]*model.Peer)
			}
			out[name] = ep.peer
		}
	}
	return out
}

// Forward delivers msg according to mode. Broadcast skips src, multicast and
// unicast go to the listed targets; unknown targets are skipped.
// It returns the number of endpoints that accepted the message.
func (sw *Switch) Forward(ctx context.Context, msg *model.Message, mode model.Mode, targets []string, src string) int {
	logger := sw.logger.With().
		Str("type", msg.Type).
		Str("src", src).
		Logger()

	var dst map[string]model.Wire
	switch mode {
	case model.ModeUnicast:
		if len(targets) > 1 {
			targets = targets[:1]
		}
		dst = sw.wires(targets, "")
	case model.ModeMulticast:
		dst = sw.wires(targets, "")
	default:
		dst = sw.wires(nil, src)
	}

	if len(dst) < len(targets) {
		logger.Debug().Strs("targets", targets).Msg("some targets are not in roster")
	}

	var sent int
	for name, wire := range dst {
		ok, canceled := send(ctx, msg, wire.TX, name, &logger)
		if canceled {
			break
		}
		if ok {
			sent++
		}
	}
	return sent
}

// Broadcast delivers msg to every member except src.
func (sw *Switch) Broadcast(ctx context.Context, msg *model.Message, src string) int {
	n := sw.Forward(ctx, msg, model.ModeBroadcast, nil, src)
	if n == 0 {
		sw.logger.Debug().
			Str("type", msg.Type).
			Str("src", src).
			Msg("broadcast did not reach anyone")
	}
	return n
}

// Send delivers msg to a single member.
func (sw *Switch) Send(ctx context.Context, username string, msg *model.Message) bool {
	return sw.Forward(ctx, msg, model.ModeUnicast, []string{username}, "") == 1
}

func (sw *Switch) wires(names []string, exclude string) map[string]model.Wire {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	out := make(map[string]model.Wire)
	if names == nil {
		for name, ep := range sw.fwd {
			if name != exclude {
				out[name] = ep.peer.Wire
			}
		}
		return out
	}
	for _, name := range names {
		if ep, ok := sw.fwd[name]; ok {
			out[name] = ep.peer.Wire
		}
	}
	return out
}

// LearnHello binds addr to username from a hello packet.
func (sw *Switch) LearnHello(username string, addr *net.UDPAddr) bool {
	sw.mx.Lock()
	ep, ok := sw.fwd[username]
	changed := ok && !sameAddr(ep.udpAddr, addr)
	if changed {
		ep.udpAddr = addr
	}
	sw.mx.Unlock()

	if changed {
		sw.logger.Debug().
			Str("username", username).
			Str("udpAddr", addr.String()).
			Msg("udp address learned from hello")
	}
	return ok
}

// LearnStream finds the member whose expected stream id equals streamID,
// updates its UDP address to addr and returns the member name.
func (sw *Switch) LearnStream(streamID uint32, addr *net.UDPAddr) (string, bool) {
	sw.mx.Lock()
	var (
		name    string
		changed bool
	)
	names := make([]string, 0, len(sw.fwd))
	for n := range sw.fwd {
		names = append(names, n)
	}
	sort.Strings(names)
	if n, ok := protocol.MatchStream(streamID, names); ok {
		name = n
		ep := sw.fwd[n]
		if !sameAddr(ep.udpAddr, addr) {
			ep.udpAddr = addr
			changed = true
		}
	}
	sw.mx.Unlock()

	if changed {
		sw.logger.Debug().
			Str("username", name).
			Str("udpAddr", addr.String()).
			Msg("udp address learned from stream")
	}
	return name, name != ""
}

// UDPTargets returns the learned addresses of every member except src,
// skipping any address equal to srcAddr.
func (sw *Switch) UDPTargets(src string, srcAddr *net.UDPAddr) []*net.UDPAddr {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	out := make([]*net.UDPAddr, 0, len(sw.fwd))
	for name, ep := range sw.fwd {
		if name == src || ep.udpAddr == nil || sameAddr(ep.udpAddr, srcAddr) {
			continue
		}
		out = append(out, ep.udpAddr)
	}
	return out
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.IP.Equal(b.IP) && a.Zone == b.Zone
}

func send(ctx context.Context, msg *model.Message, tx chan<- *model.Message, dst string, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", dst).Msg("dead endpoint")
	case tx <- msg:
		logger.Trace().Str("dst", dst).Msg("message is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
