package database

import "time"

type User struct {
	Username      string    `gorm:"primaryKey;size:64" json:"username"`
	FirstSeen     time.Time `gorm:"not null" json:"first_seen"`
	LastSeen      time.Time `gorm:"not null" json:"last_seen"`
	IsAdmin       bool      `gorm:"not null;default:false" json:"is_admin"`
	ActiveSession bool      `gorm:"not null;default:false" json:"active_session"`
	// Fernet-encrypted bouncer SASL password, reused on re-provision.
	BouncerPassword string `json:"-"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
