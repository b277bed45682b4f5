// Package session holds the signed-in member and the group being synced.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/OCAP2/locsync/pkg/core"
)

// FileName is the session file kept next to the config file.
const FileName = "locsync.session.json"

// ErrNoSession is returned by Load when nobody has logged in yet.
var ErrNoSession = errors.New("no session, run `locsync user login` first")

// State is the persisted part of a session.
type State struct {
	Member  core.Member `json:"member"`
	Token   string      `json:"token,omitempty"`
	GroupID string      `json:"groupId"`
	Bucket  string      `json:"bucket"`
}

// Context holds the current member and group
type Context struct {
	mu    sync.RWMutex
	state State
}

// NewContext creates a Context syncing groupID/bucket with nobody signed in
func NewContext(groupID, bucket string) *Context {
	return &Context{state: State{GroupID: groupID, Bucket: bucket}}
}

// Member returns the signed-in member, zero when nobody is.
func (c *Context) Member() core.Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Member
}

// Token returns the store access token, if the store issued one.
func (c *Context) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Token
}

// Group returns the group and bucket being synced
func (c *Context) Group() (groupID, bucket string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.GroupID, c.state.Bucket
}

// SetMember records a successful login.
func (c *Context) SetMember(m core.Member, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Member = m
	c.state.Token = token
}

// SetGroup switches the group and bucket
func (c *Context) SetGroup(groupID, bucket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.GroupID = groupID
	if bucket != "" {
		c.state.Bucket = bucket
	}
}

// State returns a copy of the session state.
func (c *Context) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LogAttrs returns the attributes added to every log record.
// It satisfies logging.ContextProvider.
func (c *Context) LogAttrs() []slog.Attr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	attrs := []slog.Attr{slog.String("groupId", c.state.GroupID)}
	if c.state.Member.UserID != "" {
		attrs = append(attrs, slog.String("userId", c.state.Member.UserID))
	}
	return attrs
}

// Save writes the session to dir/FileName, readable by the owner only.
func (c *Context) Save(dir string) error {
	data, err := json.MarshalIndent(c.State(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), data, 0o600); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

// Load reads dir/FileName into the context. Empty group and bucket fields in
// the file keep the current values.
func (c *Context) Load(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNoSession
	}
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("failed to decode session: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st.GroupID == "" {
		st.GroupID = c.state.GroupID
	}
	if st.Bucket == "" {
		st.Bucket = c.state.Bucket
	}
	c.state = st
	return nil
}
