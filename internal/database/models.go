package database

import "time"

// TunnelEvent is a persisted registry event.
type TunnelEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"index;not null" json:"name"`
	TunnelID  string    `gorm:"index" json:"tunnel_id"`
	Type      string    `gorm:"not null" json:"type"`
	Details   string    `gorm:"type:text" json:"details,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}
