package service

import (
	"net"

	"github.com/adwski/lanmeet/backend/protocol"
)

// Relay decides where a media datagram received from addr goes.
// Hello packets only teach the roster the sender's address.
// Malformed packets and packets of unknown streams are dropped.
func (svc *Service) Relay(data []byte, from *net.UDPAddr) []*net.UDPAddr {
	pkt, err := protocol.ParsePacket(data)
	if err != nil {
		svc.stats.Counter("udp.dropped").Inc(1)
		svc.logger.Trace().Err(err).Str("from", from.String()).Msg("malformed packet dropped")
		return nil
	}

	if pkt.IsHello() {
		name, ok := pkt.HelloUsername()
		if !ok || !svc.sw.LearnHello(name, from) {
			svc.stats.Counter("udp.dropped").Inc(1)
			svc.logger.Debug().Str("from", from.String()).Msg("hello from unknown user")
		}
		return nil
	}

	sender, ok := svc.sw.LearnStream(pkt.StreamID, from)
	if !ok {
		svc.stats.Counter("udp.dropped").Inc(1)
		svc.logger.Trace().
			Uint32("streamID", pkt.StreamID).
			Str("from", from.String()).
			Msg("packet of unknown stream dropped")
		return nil
	}

	targets := svc.sw.UDPTargets(sender, from)
	svc.stats.Counter("udp.relayed").Inc(int64(len(targets)))
	return targets
}
