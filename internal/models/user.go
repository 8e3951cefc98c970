package models

import "time"

// User mirrors the identity provider's account. The row is upserted on every
// successful login; AccessToken is the provider token used for downstream
// API calls on the user's behalf and is never serialized to clients.
type User struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Username    string    `gorm:"uniqueIndex;not null" json:"username"`
	Email       *string   `json:"email"`
	AvatarURL   *string   `gorm:"column:avatar_url" json:"avatarUrl"`
	AccessToken string    `gorm:"column:access_token" json:"-"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}
