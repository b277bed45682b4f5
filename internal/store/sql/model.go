package sqlstore

import (
	"time"

	"gorm.io/datatypes"
)

// Member is a registered user.
type Member struct {
	ID           string    `gorm:"primaryKey;size:36"`
	Email        string    `gorm:"uniqueIndex;size:255;not null"`
	DisplayName  string    `gorm:"size:255"`
	PasswordHash string    `gorm:"size:72;not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

// Group is a set of members sharing locations.
type Group struct {
	ID        string    `gorm:"primaryKey;size:128"`
	Name      string    `gorm:"size:255"`
	OwnerID   string    `gorm:"index;size:36;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// GroupMember links a member to a group.
type GroupMember struct {
	GroupID  string    `gorm:"primaryKey;size:128"`
	MemberID string    `gorm:"primaryKey;size:36"`
	JoinedAt time.Time `gorm:"not null"`
}

// LocationObject is one member's location record in a group bucket.
// Attributes hold the JSON object read back by the parser.
type LocationObject struct {
	ID         string         `gorm:"primaryKey;size:36"`
	GroupID    string         `gorm:"uniqueIndex:idx_location_owner;size:128;not null"`
	Bucket     string         `gorm:"uniqueIndex:idx_location_owner;size:128;not null"`
	UserID     string         `gorm:"uniqueIndex:idx_location_owner;size:36;not null"`
	Attributes datatypes.JSON `gorm:"not null"`
	CreatedAt  time.Time      `gorm:"index;not null"`
	UpdatedAt  time.Time      `gorm:"not null"`
}

// Models lists every table of the store for migration.
var Models = []any{
	&Member{},
	&Group{},
	&GroupMember{},
	&LocationObject{},
}
