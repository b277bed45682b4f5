// internal/store/store.go
package store

import (
	"context"

	"github.com/OCAP2/locsync/pkg/core"
)

// RemoteStore is the location source the sync loop polls.
type RemoteStore interface {
	// QueryAll returns the current location record of every member of the
	// configured group bucket. Errors wrap core.ErrRemote or core.ErrMalformedRecord.
	QueryAll(ctx context.Context) ([]core.MemberLocation, error)
}

// Backend is the interface all store implementations must satisfy
type Backend interface {
	RemoteStore

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
}

// Authenticator verifies member credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (core.Member, error)
}

// LocationWriter stores a member location object in a group bucket.
type LocationWriter interface {
	SaveLocation(ctx context.Context, groupID, bucket, userID string, lat, lon float64) error
}

// MemberLister lists the members of a group.
type MemberLister interface {
	ListMembers(ctx context.Context, groupID string) ([]core.Member, error)
}

// Directory is the full set of one-shot setup operations.
type Directory interface {
	Authenticator
	LocationWriter
	MemberLister

	RegisterUser(ctx context.Context, email, password, displayName string) (core.Member, error)
	FindUserByEmail(ctx context.Context, email string) (core.Member, error)
	// CreateGroup creates a group owned by ownerID. An empty groupID
	// defaults to core.DefaultGroupID(ownerID).
	CreateGroup(ctx context.Context, ownerID, groupID, name string) (core.Group, error)
	AddMember(ctx context.Context, groupID, email string) error
}
