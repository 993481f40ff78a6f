package models

import "time"

type User struct {
	ID           uint      `gorm:"primaryKey"`
	Username     string    `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string    `gorm:"not null"`
	AvatarURL    string    `gorm:"size:512"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Group struct {
	ID        uint      `gorm:"primaryKey"`
	Name      string    `gorm:"size:128;not null"`
	OwnerID   uint      `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type GroupMember struct {
	ID        uint      `gorm:"primaryKey"`
	GroupID   uint      `gorm:"uniqueIndex:idx_group_user;not null"`
	UserID    uint      `gorm:"uniqueIndex:idx_group_user;not null"`
	CreatedAt time.Time
}

// Message 同时承载私聊与群聊：ReceiverID 与 GroupID 恰好设置其一。
// IsRead 只对私聊有意义，未读数按 (receiver, is_read=false) 聚合。
type Message struct {
	ID         uint      `gorm:"primaryKey"`
	SenderID   uint      `gorm:"index;not null"`
	ReceiverID *uint     `gorm:"index"`
	GroupID    *uint     `gorm:"index:idx_msg_group_id"`
	Content    string    `gorm:"type:text;not null"`
	IsRead     bool      `gorm:"not null;default:false;index:idx_msg_unread"`
	CreatedAt  time.Time
}

type RefreshToken struct {
	ID        uint       `gorm:"primaryKey"`
	UserID    uint       `gorm:"index;not null"`
	Token     string     `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time  `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
