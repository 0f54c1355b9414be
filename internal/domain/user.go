package domain

import (
	"time"
)

// User is a stable cross-channel identity. Created lazily on first
// WhatsApp contact (phone-keyed) or explicitly via identity linking.
type User struct {
	ID          string  `json:"id" gorm:"type:varchar(64);primaryKey"`
	PhoneNumber *string `json:"phone_number,omitempty" gorm:"type:varchar(64);uniqueIndex:uni_users_phone_number"`
	DisplayName string  `json:"display_name" gorm:"type:varchar(255)"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	ExternalIDs []UserExternalID `json:"external_ids,omitempty" gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
}

// TableName sets the table name for User.
func (User) TableName() string {
	return "users"
}

// UserExternalID links a channel-local identifier to a User. The same
// external id may appear under different instances; uniqueness is
// (provider, external_id, instance_name) at the database level.
type UserExternalID struct {
	ID         uint        `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID     string      `json:"user_id" gorm:"type:varchar(64);not null;index"`
	Provider   ChannelType `json:"provider" gorm:"type:varchar(32);not null;uniqueIndex:uni_user_external_ids_tuple,priority:1"`
	ExternalID string      `json:"external_id" gorm:"type:varchar(255);not null;uniqueIndex:uni_user_external_ids_tuple,priority:2"`
	// InstanceName scopes the link to one instance; NULL means any.
	// Deleting the instance clears it but preserves the row.
	InstanceName *string `json:"instance_name,omitempty" gorm:"type:varchar(255);uniqueIndex:uni_user_external_ids_tuple,priority:3"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName sets the table name for UserExternalID.
func (UserExternalID) TableName() string {
	return "user_external_ids"
}

// LinkExternalRequest is the admin API body for explicit identity links.
type LinkExternalRequest struct {
	UserID       string      `json:"user_id"`
	Provider     ChannelType `json:"provider"`
	ExternalID   string      `json:"external_id"`
	InstanceName *string     `json:"instance_name,omitempty"`
}
