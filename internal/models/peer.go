package models

import "time"

// PeerSelf describes this instance's identity as advertised to peers.
type PeerSelf struct {
	InstanceID    string   `json:"instanceId"`
	DisplayName   string   `json:"displayName"`
	SharedFolders []string `json:"sharedFolders"`
	SharedTags    []string `json:"sharedTags"`
}

// PeerEntry is one configured peer in PeerConfig.peers.
type PeerEntry struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"` // "http" or "https"
}

// Key returns the "host:port" identity used to index PeerLiveStatus.
func (p PeerEntry) Key() string {
	return p.Host + ":" + itoa(p.Port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// PeerConfig is the process-wide, hot-reloadable config at workspace root.
type PeerConfig struct {
	Self  PeerSelf    `json:"self"`
	Peers []PeerEntry `json:"peers"`
}

// PeerLiveStatus is runtime liveness state, one per configured peer.
type PeerLiveStatus struct {
	Name                string    `json:"name"`
	Host                string    `json:"host"`
	Port                int       `json:"port"`
	Protocol            string    `json:"protocol"`
	Status              string    `json:"status"` // "online" | "offline" | "unknown"
	InstanceID          string    `json:"instanceId,omitempty"`
	DisplayName         string    `json:"displayName,omitempty"`
	SharedFolders       []string  `json:"sharedFolders,omitempty"`
	SharedTags          []string  `json:"sharedTags,omitempty"`
	DocumentCount       int       `json:"documentCount,omitempty"`
	LastSeen            time.Time `json:"lastSeen,omitempty"`
	LatencyMs           int64     `json:"latencyMs,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// Key returns the "host:port" identity matching the originating PeerEntry.
func (s PeerLiveStatus) Key() string {
	return s.Host + ":" + itoa(s.Port)
}

// PeerHelloResponse is what a peer's /api/federation/hello returns.
type PeerHelloResponse struct {
	InstanceID    string           `json:"instanceId"`
	DisplayName   string           `json:"displayName"`
	SharedFolders []string         `json:"sharedFolders"`
	SharedTags    []string         `json:"sharedTags"`
	Stats         PeerHelloStats   `json:"stats"`
	Online        bool             `json:"online"`
	APIVersion    string           `json:"apiVersion"`
	UptimeSeconds int64            `json:"uptime"`
}

// PeerHelloStats is the nested stats block of PeerHelloResponse.
type PeerHelloStats struct {
	DocumentCount  int `json:"documentCount"`
	KnowledgeCount int `json:"knowledgeCount"`
	TaskCount      int `json:"taskCount"`
}
