// Package sqlstore implements the location store and member directory on GORM,
// backed by SQLite or PostgreSQL.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/OCAP2/locsync/internal/parser"
	"github.com/OCAP2/locsync/internal/store/password"
	"github.com/OCAP2/locsync/pkg/core"
)

// Backend implements the store backend and directory using GORM.
type Backend struct {
	db      *gorm.DB
	groupID string
	bucket  string
	now     func() time.Time

	// closeFn releases the connection, nil when the caller owns it
	closeFn func() error
}

// New creates a backend on an open connection serving groupID/bucket to QueryAll.
func New(db *gorm.DB, groupID, bucket string) *Backend {
	return &Backend{
		db:      db,
		groupID: groupID,
		bucket:  bucket,
		now:     time.Now,
	}
}

// OwnConnection makes Close release the connection with fn.
func (b *Backend) OwnConnection(fn func() error) *Backend {
	b.closeFn = fn
	return b
}

// Init migrates the schema
func (b *Backend) Init(ctx context.Context) error {
	if err := b.db.WithContext(ctx).AutoMigrate(Models...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close releases the connection when owned
func (b *Backend) Close() error {
	if b.closeFn == nil {
		return nil
	}
	return b.closeFn()
}

// QueryAll returns the location objects of the configured bucket in creation order
func (b *Backend) QueryAll(ctx context.Context) ([]core.MemberLocation, error) {
	var objects []LocationObject
	err := b.db.WithContext(ctx).
		Where("group_id = ? AND bucket = ?", b.groupID, b.bucket).
		Order("created_at, id").
		Find(&objects).Error
	if err != nil {
		return nil, fmt.Errorf("%w: querying locations: %v", core.ErrRemote, err)
	}

	raws := make([]json.RawMessage, len(objects))
	for i, o := range objects {
		raws[i] = json.RawMessage(o.Attributes)
	}
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
	if displayName == "" {
		displayName = email
	}

	row := Member{
		ID:           uuid.NewString(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: hash,
		CreatedAt:    b.now().UTC(),
	}

	var existing int64
	if err := b.db.WithContext(ctx).Model(&Member{}).Where("email = ?", email).Count(&existing).Error; err != nil {
		return core.Member{}, fmt.Errorf("%w: %v", core.ErrRemote, err)
	}
	if existing > 0 {
		return core.Member{}, fmt.Errorf("user %s already exists", email)
	}
	if err := b.db.WithContext(ctx).Create(&row).Error; err != nil {
		return core.Member{}, fmt.Errorf("%w: creating user: %v", core.ErrRemote, err)
	}
	return toMember(row), nil
}

// Authenticate checks credentials and returns the member
func (b *Backend) Authenticate(ctx context.Context, email, plain string) (core.Member, error) {
	row, err := b.memberByEmail(ctx, email)
	if errors.Is(err, core.ErrNotFound) {
		return core.Member{}, core.ErrUnauthorized
	}
	if err != nil {
		return core.Member{}, err
	}
	if err := password.Check(row.PasswordHash, plain); err != nil {
		return core.Member{}, err
	}
	return toMember(row), nil
}

// FindUserByEmail looks up a member by email
func (b *Backend) FindUserByEmail(ctx context.Context, email string) (core.Member, error) {
	row, err := b.memberByEmail(ctx, email)
	if err != nil {
		return core.Member{}, err
	}
	return toMember(row), nil
}

// CreateGroup creates a group owned by ownerID; the owner is its first member
func (b *Backend) CreateGroup(ctx context.Context, ownerID, groupID, name string) (core.Group, error) {
	if groupID == "" {
		groupID = core.DefaultGroupID(ownerID)
	}
	if name == "" {
		name = groupID
	}
	now := b.now().UTC()
	row := Group{ID: groupID, Name: name, OwnerID: ownerID, CreatedAt: now}

	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner Member
		if err := tx.First(&owner, "id = ?", ownerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("owner %s: %w", ownerID, core.ErrNotFound)
			}
			return err
		}
		var existing int64
		if err := tx.Model(&Group{}).Where("id = ?", groupID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("group %s already exists", groupID)
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Create(&GroupMember{GroupID: groupID, MemberID: ownerID, JoinedAt: now}).Error
	})
	if err != nil {
		return core.Group{}, err
	}
	return toGroup(row), nil
}

// AddMember adds the member with the given email to a group. Adding an
// existing member is a no-op.
func (b *Backend) AddMember(ctx context.Context, groupID, email string) error {
	if err := b.requireGroup(ctx, groupID); err != nil {
		return err
	}
	row, err := b.memberByEmail(ctx, email)
	if err != nil {
		return err
	}
	link := GroupMember{GroupID: groupID, MemberID: row.ID, JoinedAt: b.now().UTC()}
	err = b.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&link).Error
	if err != nil {
		return fmt.Errorf("%w: adding member: %v", core.ErrRemote, err)
	}
	return nil
}

// ListMembers returns the members of a group in join order
func (b *Backend) ListMembers(ctx context.Context, groupID string) ([]core.Member, error) {
	if err := b.requireGroup(ctx, groupID); err != nil {
		return nil, err
	}
	var rows []Member
	err := b.db.WithContext(ctx).
		Joins("JOIN group_members ON group_members.member_id = members.id").
		Where("group_members.group_id = ?", groupID).
		Order("group_members.joined_at, members.email").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: listing members: %v", core.ErrRemote, err)
	}
	out := make([]core.Member, len(rows))
	for i, r := range rows {
		out[i] = toMember(r)
	}
	return out, nil
}

// SaveLocation creates or replaces the location object of userID in a group bucket
func (b *Backend) SaveLocation(ctx context.Context, groupID, bucket, userID string, lat, lon float64) error {
	if err := b.requireGroup(ctx, groupID); err != nil {
		return err
	}
	obj, err := parser.NewObject(userID, lat, lon)
	if err != nil {
		return err
	}
	now := b.now().UTC()
	id, err := b.locationID(ctx, groupID, bucket, userID)
	if err != nil {
		return err
	}
	obj.ID = id
	obj.Modified = now.UnixMilli()
	attrs, err := json.Marshal(obj)
	if err != nil {
		return err
	}

	row := LocationObject{
		ID:         id,
		GroupID:    groupID,
		Bucket:     bucket,
		UserID:     userID,
		Attributes: datatypes.JSON(attrs),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "group_id"}, {Name: "bucket"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"attributes", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("%w: saving location: %v", core.ErrRemote, err)
	}
	return nil
}

// locationID returns the id of the member's existing location object, or a
// new one, so the stored _id always matches the row.
func (b *Backend) locationID(ctx context.Context, groupID, bucket, userID string) (string, error) {
	var existing LocationObject
	err := b.db.WithContext(ctx).Select("id").
		Where("group_id = ? AND bucket = ? AND user_id = ?", groupID, bucket, userID).
		Take(&existing).Error
	switch {
	case err == nil:
		return existing.ID, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return uuid.NewString(), nil
	default:
		return "", fmt.Errorf("%w: looking up location: %v", core.ErrRemote, err)
	}
}

func (b *Backend) requireGroup(ctx context.Context, groupID string) error {
	var n int64
	if err := b.db.WithContext(ctx).Model(&Group{}).Where("id = ?", groupID).Count(&n).Error; err != nil {
		return fmt.Errorf("%w: %v", core.ErrRemote, err)
	}
	if n == 0 {
		return fmt.Errorf("group %s: %w", groupID, core.ErrNotFound)
	}
	return nil
}

func (b *Backend) memberByEmail(ctx context.Context, email string) (Member, error) {
	var row Member
	err := b.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Member{}, fmt.Errorf("user %s: %w", email, core.ErrNotFound)
	}
	if err != nil {
		return Member{}, fmt.Errorf("%w: %v", core.ErrRemote, err)
	}
	return row, nil
}

func toMember(r Member) core.Member {
	return core.Member{
		UserID:      r.ID,
		Email:       r.Email,
		DisplayName: r.DisplayName,
		CreatedAt:   r.CreatedAt,
	}
}

func toGroup(r Group) core.Group {
	return core.Group{
		GroupID:   r.ID,
		Name:      r.Name,
		OwnerID:   r.OwnerID,
		CreatedAt: r.CreatedAt,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
