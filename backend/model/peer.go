package model

import (
	"context"
	"net"
)

const defaultWireBuffer = 256

type PeerState int

const (
	PeerAwaitingAuth PeerState = iota
	PeerAuthenticated
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerAwaitingAuth:
		return "awaiting_auth"
	case PeerAuthenticated:
		return "authenticated"
	case PeerClosed:
		return "closed"
	}
	return "unknown"
}

// Wire is the outbound queue of one control connection.
// It is drained by the connection's sender worker.
type Wire struct {
	TX chan *Message
}

func NewWire() Wire {
	return Wire{
		TX: make(chan *Message, defaultWireBuffer),
	}
}

// Peer is the relay side state of one accepted control connection.
// State and Username are only touched by the connection's receiver worker.
type Peer struct {
	Addr     net.Addr
	Wire     Wire
	Done     <-chan struct{}
	Cancel   context.CancelFunc
	State    PeerState
	Username string
}

func NewPeer(ctx context.Context, cancel context.CancelFunc, addr net.Addr) *Peer {
	return &Peer{
		Addr:   addr,
		Wire:   NewWire(),
		Done:   ctx.Done(),
		Cancel: cancel,
		State:  PeerAwaitingAuth,
	}
}
