package models

import "time"

// Channel is a connected YouTube upload target.
type Channel struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	Title        string    `json:"title"`
	AuthStatus   string    `json:"auth_status"` // connected, token_revoked, quota_exceeded, failed, disconnected
	PoolID       *int64    `json:"pool_id,omitempty"`
	RefreshToken string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Connected reports whether the channel can be offered uploads at all.
// Any auth_status other than connected excludes it from dispatch.
func (c *Channel) Connected() bool {
	return c.AuthStatus == AuthStatusConnected
}

// Pool is a named rotation group of channels.
type Pool struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// PoolMember ties a channel into a pool. LastUsedAt is touched at dispatch
// decision time, not on attempt completion, so a picked-but-failed channel is
// not immediately re-picked within the same pass.
type PoolMember struct {
	PoolID     int64      `json:"pool_id"`
	ChannelID  int64      `json:"channel_id"`
	Position   int        `json:"position"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// PoolQuotaSummary aggregates member quota state. Derived on read, never stored.
type PoolQuotaSummary struct {
	PoolID            int64 `json:"pool_id"`
	TotalRemaining    int   `json:"total_remaining"`
	ChannelsWithQuota int   `json:"channels_with_quota"`
	ChannelsExhausted int   `json:"channels_exhausted"`
}
