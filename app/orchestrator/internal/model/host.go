package model

import "time"

// TrustState 主机信任状态
type TrustState string

const (
	TrustUntrusted TrustState = "untrusted"
	TrustPairing   TrustState = "pairing"
	TrustPaired    TrustState = "paired"
)

// Reachability 主机可达状态
type Reachability string

const (
	ReachOnline   Reachability = "online"
	ReachSleeping Reachability = "sleeping"
	ReachOffline  Reachability = "offline"
	ReachUnknown  Reachability = "unknown"
)

// Host 单租户计算节点
type Host struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Region  string `json:"region"`
	Address string `json:"address"`

	Trust        TrustState   `json:"trust"`
	Reachability Reachability `json:"reachability"`

	LastHealthCheckAt time.Time `json:"last_health_check_at,omitzero"`
	PairedAt          time.Time `json:"paired_at,omitzero"`
	Decommissioned    bool      `json:"decommissioned,omitempty"`

	// Token 配对成功后主机签发的凭证，调用 launch/stop 时携带
	Token string `json:"-"`
}

// Usable 可承载会话：已配对且在线
func (h *Host) Usable() bool {
	return !h.Decommissioned && h.Trust == TrustPaired && h.Reachability == ReachOnline
}

// LaunchStatus 应用可启动状态
type LaunchStatus string

const (
	LaunchInstalled   LaunchStatus = "installed"
	LaunchNeedsUpdate LaunchStatus = "needs-update"
	LaunchUnknown     LaunchStatus = "unknown"
)

// ParseLaunchStatus 未知取值归为 unknown
func ParseLaunchStatus(s string) LaunchStatus {
	switch LaunchStatus(s) {
	case LaunchInstalled, LaunchNeedsUpdate:
		return LaunchStatus(s)
	}
	return LaunchUnknown
}

// ApplicationEntry 主机上可启动的应用
type ApplicationEntry struct {
	HostID       string       `json:"host_id"`
	AppID        string       `json:"app_id"`
	GameID       string       `json:"game_id"`
	Title        string       `json:"title,omitempty"`
	Status       LaunchStatus `json:"status"`
	LastSyncedAt time.Time    `json:"last_synced_at"`
}

// Usable 只有已安装的应用可以被会话使用
func (e *ApplicationEntry) Usable() bool {
	return e.Status == LaunchInstalled
}

// PairingChallenge 一次性配对挑战
type PairingChallenge struct {
	Nonce     string    `json:"nonce"`
	HostID    string    `json:"host_id"`
	PIN       string    `json:"pin"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired 是否过期
func (c *PairingChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// PairingResult 配对结果
type PairingResult struct {
	HostID   string     `json:"host_id"`
	Trust    TrustState `json:"trust"`
	PairedAt time.Time  `json:"paired_at"`
}
