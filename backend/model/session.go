package model

import "time"

// Member is a read-only view of one relay roster entry.
type Member struct {
	Username      string    `json:"username"`
	ControlAddr   string    `json:"control_addr"`
	UDPAddr       string    `json:"udp_addr,omitempty"`
	JoinedAt      time.Time `json:"joined_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

type SessionSnapshot struct {
	SessionID string      `json:"session_id"`
	Members   []Member    `json:"members"`
	Files     []FileEntry `json:"files"`
}
