package discovery

import (
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/adwski/lanmeet/backend/model"
	"github.com/adwski/lanmeet/backend/protocol"
)

const (
	DefaultGroup = "239.255.77.77"
	DefaultPort  = 54329

	proto = "lanmeet/1"

	defaultInterval     = 2 * time.Second
	defaultTTL          = 3 * defaultInterval
	defaultReadPoll     = 500 * time.Millisecond
	defaultMulticastTTL = 4
	maxDatagram         = 2048
)

var (
	ErrNotAnnouncement = errors.Join(model.ErrProtocol, errors.New("not a session announcement"))
)

// Announcement advertises a hosted session on the local network.
type Announcement struct {
	Proto     string `json:"proto"`
	SessionID string `json:"session_id"`
	Host      string `json:"host,omitempty"`
	TCPPort   int    `json:"tcp_port"`
	UDPPort   int    `json:"udp_port"`
	HostUser  string `json:"host_user,omitempty"`
}

// GroupAddr returns the default multicast destination.
func GroupAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(DefaultGroup), Port: DefaultPort}
}

func Encode(a Announcement) ([]byte, error) {
	a.Proto = proto
	return json.Marshal(&a)
}

// Decode parses an announcement received from src. An empty host is
// replaced with the sender's address.
func Decode(b []byte, src *net.UDPAddr) (Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(b, &a); err != nil {
		return a, errors.Join(ErrNotAnnouncement, err)
	}
	if a.Proto != proto || !protocol.ValidSessionID(a.SessionID) || a.TCPPort <= 0 || a.UDPPort <= 0 {
		return a, ErrNotAnnouncement
	}
	if a.Host == "" && src != nil {
		a.Host = src.IP.String()
	}
	return a, nil
}
