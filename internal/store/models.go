package store

import (
	"time"

	"github.com/Tyrowin/cohortchat/internal/relay"
)

// User is the profile shown as the author of a message.
type User struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	Nickname  string    `gorm:"size:100" json:"nickname"`
	Image     string    `gorm:"size:500" json:"image"`
	Role      string    `gorm:"size:32;not null;default:STUDENT" json:"role"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// TableName returns the table name for User model.
func (User) TableName() string {
	return "users"
}

// Message is a persisted chat message. Seq orders messages and backs the
// history cursor; ID is the public identifier.
type Message struct {
	Seq       uint64    `gorm:"primaryKey;autoIncrement"`
	ID        string    `gorm:"size:36;not null;uniqueIndex"`
	RoomKey   string    `gorm:"size:128;not null;index"`
	UserID    string    `gorm:"size:64;not null;index"`
	User      User      `gorm:"foreignKey:UserID;references:ID"`
	Body      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// TableName returns the table name for Message model.
func (Message) TableName() string {
	return "messages"
}

func (u User) author() relay.Author {
	return relay.Author{
		ID:       u.ID,
		Name:     u.Name,
		Nickname: u.Nickname,
		Image:    u.Image,
		Role:     u.Role,
	}
}

func (m Message) stored() relay.StoredMessage {
	return relay.StoredMessage{
		ID:        m.ID,
		RoomKey:   relay.RoomKey(m.RoomKey),
		Body:      m.Body,
		CreatedAt: m.CreatedAt.UTC(),
		Author:    m.User.author(),
	}
}
