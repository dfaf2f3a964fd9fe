package models

import "time"

// User is a library member keyed by its human-readable public id.
type User struct {
	PublicID  string    `gorm:"column:public_id;type:text;primaryKey"`
	Name      string    `gorm:"column:name;type:text;not null"`
	Email     string    `gorm:"column:email;type:text;not null;uniqueIndex:users_email_key"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (User) TableName() string { return "users" }
