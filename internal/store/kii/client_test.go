// internal/store/kii/client_test.go
package kii

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/locsync/internal/config"
	"github.com/OCAP2/locsync/pkg/core"
)

func testConfig(url string) config.KiiConfig {
	return config.KiiConfig{
		BaseURL:  url + "/",
		AppID:    "app1",
		AppKey:   "key1",
		Username: "alvin@example.com",
		Password: "pass",
		PageSize: 2,
	}
}

func TestNew(t *testing.T) {
	c := New(config.KiiConfig{BaseURL: "https://api.kii.com/", AppID: "a"}, "mygroup1", "locations")

	require.NotNil(t, c)
	assert.Equal(t, "https://api.kii.com", c.baseURL)
	assert.Equal(t, 200, c.cfg.PageSize)
	assert.NotNil(t, c.httpClient)
}

func TestAuthenticate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/apps/app1/oauth2/token", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "app1", r.Header.Get("X-Kii-AppID"))
		assert.Equal(t, "key1", r.Header.Get("X-Kii-AppKey"))

		var req tokenRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Password != "pass" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(tokenResponse{ID: "u-1", AccessToken: "tok", TokenType: "Bearer"})
	}))
	defer server.Close()

	c := New(testConfig(server.URL), "mygroup1", "locations")

	m, err := c.Authenticate(context.Background(), "alvin@example.com", "pass")
	require.NoError(t, err)
	assert.Equal(t, "u-1", m.UserID)
	assert.Equal(t, "tok", c.Token())

	_, err = c.Authenticate(context.Background(), "alvin@example.com", "wrong")
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestQueryAll_FollowsPagination(t *testing.T) {
	var pages atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/apps/app1/groups/mygroup1/buckets/locations/query", r.URL.Path)
		assert.Equal(t, queryContentType, r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req queryRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "all", req.BucketQuery.Clause["type"])
		assert.Equal(t, 2, req.BestEffortLimit)

		pages.Add(1)
		switch req.PaginationKey {
		case "":
			_, _ = io.WriteString(w, `{"results":[
				{"_id":"a","userID":"alice","location":{"_type":"point","lat":10,"lon":10}},
				{"_id":"b","userID":"bob","location":{"_type":"point","lat":20,"lon":20}}
			],"nextPaginationKey":"page2"}`)
		case "page2":
			_, _ = io.WriteString(w, `{"results":[
				{"_id":"c","userID":"carol","location":{"_type":"point","lat":30,"lon":30},"_modified":1700000000000}
			]}`)
		default:
			t.Errorf("unexpected pagination key %q", req.PaginationKey)
		}
	}))
	defer server.Close()

	c := New(testConfig(server.URL), "mygroup1", "locations")
	c.SetToken("tok")

	locs, err := c.QueryAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int32(2), pages.Load())
	require.Len(t, locs, 3)
	assert.Equal(t, "alice", locs[0].MemberID)
	assert.Equal(t, "carol", locs[2].MemberID)
	assert.Equal(t, 30.0, locs[2].Latitude)
	assert.False(t, locs[2].UpdatedAt.IsZero())
}

func TestQueryAll_MalformedResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"results":[{"userID":"alice"}]}`)
	}))
	defer server.Close()

	c := New(testConfig(server.URL), "mygroup1", "locations")

	_, err := c.QueryAll(context.Background())

	assert.ErrorIs(t, err, core.ErrMalformedRecord)
}

func TestQueryAll_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"errorCode":"INTERNAL"}`)
	}))
	defer server.Close()

	c := New(testConfig(server.URL), "mygroup1", "locations")

	_, err := c.QueryAll(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRemote)
	assert.Contains(t, err.Error(), "500")
}

func TestQueryAll_ServerDown(t *testing.T) {
	c := New(config.KiiConfig{BaseURL: "http://localhost:59999", AppID: "app1"}, "g", "b")

	_, err := c.QueryAll(context.Background())

	assert.ErrorIs(t, err, core.ErrRemote)
}

func TestQueryAll_ReauthenticatesOnce(t *testing.T) {
	var logins atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/apps/app1/oauth2/token":
			logins.Add(1)
			_ = json.NewEncoder(w).Encode(tokenResponse{ID: "u-1", AccessToken: "fresh"})
		default:
			if r.Header.Get("Authorization") != "Bearer fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = io.WriteString(w, `{"results":[]}`)
		}
	}))
	defer server.Close()

	c := New(testConfig(server.URL), "mygroup1", "locations")
	c.SetToken("expired")

	locs, err := c.QueryAll(context.Background())

	require.NoError(t, err)
	assert.Empty(t, locs)
	assert.Equal(t, int32(1), logins.Load())
}

func TestInit_LogsIn(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(tokenResponse{ID: "u-1", AccessToken: "tok"})
	}))
	defer server.Close()

	c := New(testConfig(server.URL), "mygroup1", "locations")

	require.NoError(t, c.Init(context.Background()))
	assert.Equal(t, "tok", c.Token())
	assert.NoError(t, c.Close())
}

func TestSaveLocation(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/apps/app1/groups/mygroup1/buckets/locations/objects/alice", r.URL.Path)
		assert.Equal(t, "application/vnd.app1.mydata+json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	c := New(testConfig(server.URL), "mygroup1", "locations")

	err := c.SaveLocation(context.Background(), "mygroup1", "locations", "alice", 44.7, -63.6)

	require.NoError(t, err)
	assert.Equal(t, "alice", got["userID"])
	loc := got["location"].(map[string]any)
	assert.Equal(t, "point", loc["_type"])
	assert.Equal(t, 44.7, loc["lat"])
}

func TestSaveLocation_Invalid(t *testing.T) {
	c := New(testConfig("http://localhost:59999"), "mygroup1", "locations")

	assert.Error(t, c.SaveLocation(context.Background(), "mygroup1", "locations", "alice", 100, 0))
}

func TestListMembers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/apps/app1/groups/missing/members" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Equal(t, "/api/apps/app1/groups/mygroup1/members", r.URL.Path)
		_, _ = io.WriteString(w, `{"members":[{"userID":"u-1"},{"userID":"u-2"}]}`)
	}))
	defer server.Close()

	c := New(testConfig(server.URL), "mygroup1", "locations")

	members, err := c.ListMembers(context.Background(), "mygroup1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "u-2", members[1].UserID)

	_, err = c.ListMembers(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
