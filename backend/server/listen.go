package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/adwski/lanmeet/backend/model"
)

const (
	DefaultTCPPort = 54321
	DefaultUDPPort = 54322

	portCandidates = 10
)

var ErrNoFreePorts = errors.Join(model.ErrCapacity, errors.New("no free port"))

// Listen binds the control listener and the media socket on host.
// Each protocol tries its preferred port and then the next 10 ports.
// Port 0 binds an ephemeral port.
func Listen(host string, tcpPort, udpPort int) (*net.TCPListener, *net.UDPConn, error) {
	ln, err := bindTCP(host, tcpPort)
	if err != nil {
		return nil, nil, err
	}
	conn, err := bindUDP(host, udpPort)
	if err != nil {
		_ = ln.Close()
		return nil, nil, err
	}
	return ln, conn, nil
}

func candidates(port int) []int {
	if port == 0 {
		return []int{0}
	}
	out := make([]int, 0, portCandidates+1)
	for p := port; p <= port+portCandidates && p <= 65535; p++ {
		out = append(out, p)
	}
	return out
}

func bindTCP(host string, port int) (*net.TCPListener, error) {
	var errs []error
	for _, p := range candidates(port) {
		addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err != nil {
			return nil, err
		}
		ln, err := net.ListenTCP("tcp", addr)
		if err == nil {
			return ln, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("%w: tcp %d-%d: %w", ErrNoFreePorts, port, port+portCandidates, errors.Join(errs...))
}

func bindUDP(host string, port int) (*net.UDPConn, error) {
	var errs []error
	for _, p := range candidates(port) {
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err != nil {
			return nil, err
		}
		conn, err := net.ListenUDP("udp", addr)
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("%w: udp %d-%d: %w", ErrNoFreePorts, port, port+portCandidates, errors.Join(errs...))
}
