// internal/store/memory/memory.go
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OCAP2/locsync/internal/parser"
	"github.com/OCAP2/locsync/internal/store/password"
	"github.com/OCAP2/locsync/pkg/core"
)

// UserRecord groups a member with its credentials
type UserRecord struct {
	Member       core.Member
	PasswordHash string
}

// GroupRecord groups a group with its member IDs in join order
type GroupRecord struct {
	Group   core.Group
	Members []string
}

type objectKey struct {
	groupID string
	bucket  string
	userID  string
}

// Backend keeps members, groups and location objects in memory.
type Backend struct {
	groupID string
	bucket  string

	users   map[string]*UserRecord  // keyed by user ID
	byEmail map[string]string       // lowercased email -> user ID
	groups  map[string]*GroupRecord // keyed by group ID
	objects map[objectKey]json.RawMessage
	order   []objectKey // creation order

	now func() time.Time
	mu  sync.RWMutex
}

// New creates a memory backend that serves groupID/bucket to QueryAll
func New(groupID, bucket string) *Backend {
	return &Backend{
		groupID: groupID,
		bucket:  bucket,
		users:   make(map[string]*UserRecord),
		byEmail: make(map[string]string),
		groups:  make(map[string]*GroupRecord),
		objects: make(map[objectKey]json.RawMessage),
		now:     time.Now,
	}
}

// Init initializes the backend
func (b *Backend) Init(ctx context.Context) error {
	return nil
}

// Close cleans up resources
func (b *Backend) Close() error {
	return nil
}

// QueryAll returns every location object of the configured bucket in creation order
func (b *Backend) QueryAll(ctx context.Context) ([]core.MemberLocation, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrRemote, err)
	}

	b.mu.RLock()
	raws := make([]json.RawMessage, 0, len(b.order))
	for _, k := range b.order {
		if k.groupID == b.groupID && k.bucket == b.bucket {
			raws = append(raws, b.objects[k])
		}
	}
	b.mu.RUnlock()

	return parser.ParseObjects(raws)
}

// RegisterUser creates a member with a hashed password
func (b *Backend) RegisterUser(ctx context.Context, email, plain, displayName string) (core.Member, error) {
	email = normalizeEmail(email)
	if email == "" {
		return core.Member{}, fmt.Errorf("email is required")
	}
	hash, err := password.Hash(plain)
	if err != nil {
		return core.Member{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.byEmail[email]; exists {
		return core.Member{}, fmt.Errorf("user %s already exists", email)
	}
	if displayName == "" {
		displayName = email
	}
	m := core.Member{
		UserID:      uuid.NewString(),
		Email:       email,
		DisplayName: displayName,
		CreatedAt:   b.now().UTC(),
	}
	b.users[m.UserID] = &UserRecord{Member: m, PasswordHash: hash}
	b.byEmail[email] = m.UserID
	return m, nil
}

// Authenticate checks credentials and returns the member
func (b *Backend) Authenticate(ctx context.Context, email, plain string) (core.Member, error) {
	b.mu.RLock()
	id, ok := b.byEmail[normalizeEmail(email)]
	var rec UserRecord
	if ok {
		rec = *b.users[id]
	}
	b.mu.RUnlock()

	if !ok {
		return core.Member{}, core.ErrUnauthorized
	}
	if err := password.Check(rec.PasswordHash, plain); err != nil {
		return core.Member{}, err
	}
	return rec.Member, nil
}

// FindUserByEmail looks up a member by email
func (b *Backend) FindUserByEmail(ctx context.Context, email string) (core.Member, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	id, ok := b.byEmail[normalizeEmail(email)]
	if !ok {
		return core.Member{}, fmt.Errorf("user %s: %w", email, core.ErrNotFound)
	}
	return b.users[id].Member, nil
}

// CreateGroup creates a group owned by ownerID; the owner is its first member
func (b *Backend) CreateGroup(ctx context.Context, ownerID, groupID, name string) (core.Group, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.users[ownerID]; !ok {
		return core.Group{}, fmt.Errorf("owner %s: %w", ownerID, core.ErrNotFound)
	}
	if groupID == "" {
		groupID = core.DefaultGroupID(ownerID)
	}
	if _, exists := b.groups[groupID]; exists {
		return core.Group{}, fmt.Errorf("group %s already exists", groupID)
	}
	if name == "" {
		name = groupID
	}
	g := core.Group{
		GroupID:   groupID,
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: b.now().UTC(),
	}
	b.groups[groupID] = &GroupRecord{Group: g, Members: []string{ownerID}}
	return g, nil
}

// AddMember adds the member with the given email to a group. Adding an
// existing member is a no-op.
func (b *Backend) AddMember(ctx context.Context, groupID, email string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[groupID]
	if !ok {
		return fmt.Errorf("group %s: %w", groupID, core.ErrNotFound)
	}
	id, ok := b.byEmail[normalizeEmail(email)]
	if !ok {
		return fmt.Errorf("user %s: %w", email, core.ErrNotFound)
	}
	for _, m := range g.Members {
		if m == id {
			return nil
		}
	}
	g.Members = append(g.Members, id)
	return nil
}

// ListMembers returns the members of a group in join order
func (b *Backend) ListMembers(ctx context.Context, groupID string) ([]core.Member, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	g, ok := b.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", groupID, core.ErrNotFound)
	}
	out := make([]core.Member, 0, len(g.Members))
	for _, id := range g.Members {
		out = append(out, b.users[id].Member)
	}
	return out, nil
}

// SaveLocation creates or replaces the location object of userID in a group bucket
func (b *Backend) SaveLocation(ctx context.Context, groupID, bucket, userID string, lat, lon float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.groups[groupID]; !ok {
		return fmt.Errorf("group %s: %w", groupID, core.ErrNotFound)
	}
	return b.put(groupID, bucket, userID, lat, lon)
}

// Seed stores locations in the configured bucket without group checks.
// Used for demos and tests.
func (b *Backend) Seed(locations ...core.MemberLocation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, loc := range locations {
		if err := b.put(b.groupID, b.bucket, loc.MemberID, loc.Latitude, loc.Longitude); err != nil {
			return err
		}
	}
	return nil
}

// PutRaw stores an arbitrary object in the configured bucket under key.
func (b *Backend) PutRaw(key string, raw json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store(objectKey{groupID: b.groupID, bucket: b.bucket, userID: key}, raw)
}

func (b *Backend) put(groupID, bucket, userID string, lat, lon float64) error {
	obj, err := parser.NewObject(userID, lat, lon)
	if err != nil {
		return err
	}
	obj.ID = userID
	obj.Modified = b.now().UnixMilli()
	raw, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	b.store(objectKey{groupID: groupID, bucket: bucket, userID: userID}, raw)
	return nil
}

func (b *Backend) store(k objectKey, raw json.RawMessage) {
	if _, ok := b.objects[k]; !ok {
		b.order = append(b.order, k)
	}
	b.objects[k] = raw
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
