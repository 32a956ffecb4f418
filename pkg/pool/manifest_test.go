package pool

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheFetchOnce(t *testing.T) {
	var fetches atomic.Int32
	c := NewCache(CacheOptions{}, func(_ context.Context, url string) (*Manifest, error) {
		fetches.Add(1)
		return &Manifest{AgentID: "agent-b"}, nil
	}, nil)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := c.Get(ctx, "http://b/manifest")
			assert.NoError(t, err)
			assert.Equal(t, "agent-b", m.AgentID)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fetches.Load(), "concurrent misses collapse into one fetch")
	assert.Equal(t, 1, c.Len())
}

func TestCacheTTLExpiry(t *testing.T) {
	var fetches atomic.Int32
	c := NewCache(CacheOptions{TTL: 20 * time.Millisecond}, func(context.Context, string) (*Manifest, error) {
		fetches.Add(1)
		return &Manifest{AgentID: "agent-b"}, nil
	}, nil)

	ctx := context.Background()
	_, err := c.Get(ctx, "u")
	require.NoError(t, err)
	_, err = c.Get(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, int32(1), fetches.Load())

	time.Sleep(40 * time.Millisecond)
	_, err = c.Get(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetches.Load(), "stale entry refetched")
}

func TestCacheFetchErrorLeavesNoEntry(t *testing.T) {
	fail := true
	c := NewCache(CacheOptions{}, func(context.Context, string) (*Manifest, error) {
		if fail {
			return nil, errors.New("unreachable")
		}
		return &Manifest{AgentID: "agent-b"}, nil
	}, nil)

	ctx := context.Background()
	_, err := c.Get(ctx, "u")
	require.Error(t, err)
	assert.Zero(t, c.Len())

	fail = false
	m, err := c.Get(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "agent-b", m.AgentID)
}

func TestCacheVerifierRejects(t *testing.T) {
	c := NewCache(CacheOptions{}, func(context.Context, string) (*Manifest, error) {
		return &Manifest{AgentID: "impostor"}, nil
	}, VerifierFunc(func(m *Manifest) bool { return m.AgentID != "impostor" }))

	_, err := c.Get(context.Background(), "u")
	require.ErrorIs(t, err, ErrManifestRejected)
	assert.Zero(t, c.Len())
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Manifest{
			AgentID: "agent-b",
			Skills:  []ManifestSkill{{Name: "echo"}},
			Endpoints: []ManifestAddr{
				{URL: "tcp://127.0.0.1:7070", Mode: "async"},
			},
		})
	}))
	defer srv.Close()

	m, err := HTTPFetcher(srv.Client())(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "agent-b", m.AgentID)
	assert.True(t, m.HasSkill("echo"))
	assert.False(t, m.HasSkill("other"))

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer bad.Close()
	_, err = HTTPFetcher(bad.Client())(context.Background(), bad.URL)
	require.Error(t, err)
}
