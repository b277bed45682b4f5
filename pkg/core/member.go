// pkg/core/member.go
package core

import "time"

// Member is a registered user that can belong to groups and report a location.
type Member struct {
	UserID      string    `json:"userId"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Group is a set of members sharing their locations through buckets.
type Group struct {
	GroupID   string    `json:"groupId"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// DefaultGroupID is the identifier of the group a member creates for themselves.
func DefaultGroupID(userID string) string {
	return "mygroup" + userID
}
