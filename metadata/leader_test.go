package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func writeLeaderInfo(t *testing.T, metaCore string, content string) {
	dir := filepath.Join(metaCore, "locks")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kv-leader.info"), []byte(content), 0644))
}

func leaderServer(t *testing.T, redisURL *atomic.Pointer[string]) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/urls" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(LeaderURLs{
			Hostname: "core-1",
			BaseURL:  "http://core-1",
			APIURL:   "http://core-1/api",
			RedisURL: *redisURL.Load(),
			IsLeader: true,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLeaderURLs(t *testing.T) {
	var redisURL atomic.Pointer[string]
	first := "redis://core-1:6379/0"
	redisURL.Store(&first)
	srv := leaderServer(t, &redisURL)
	metaCore := t.TempDir()
	writeLeaderInfo(t, metaCore, srv.URL+"/\n")

	d := NewLeaderDiscovery(metaCore)
	api, err := d.APIURL()
	require.NoError(t, err)
	require.Equal(t, srv.URL, api)

	urls, err := d.URLs(context.Background())
	require.NoError(t, err)
	require.Equal(t, "core-1", urls.Hostname)
	require.Equal(t, first, urls.RedisURL)
	require.True(t, urls.IsLeader)
}

func TestLeaderMissingInfoFile(t *testing.T) {
	d := NewLeaderDiscovery(t.TempDir())
	_, err := d.URLs(context.Background())
	require.True(t, errors.Is(err, ErrNoLeader))
}

func TestLeaderBadStatus(t *testing.T) {
	metaCore := t.TempDir()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	writeLeaderInfo(t, metaCore, srv.URL)

	_, err := NewLeaderDiscovery(metaCore).URLs(context.Background())
	require.ErrorContains(t, err, "answered 404")
}

func TestLeaderDiscoverOnlyReconnectsOnChange(t *testing.T) {
	var redisURL atomic.Pointer[string]
	first := "redis://core-1:6379/0"
	redisURL.Store(&first)
	srv := leaderServer(t, &redisURL)
	metaCore := t.TempDir()
	writeLeaderInfo(t, metaCore, srv.URL)

	var connected []string
	d := NewLeaderDiscovery(metaCore)
	d.connect = func(_ context.Context, url string) (*redis.Client, error) {
		connected = append(connected, url)
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, err
		}
		return redis.NewClient(opts), nil
	}

	client, _, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.NotNil(t, client)
	defer client.Close()

	client, _, err = d.Discover(context.Background())
	require.NoError(t, err)
	require.Nil(t, client)

	second := "redis://core-2:6379/0"
	redisURL.Store(&second)
	client, urls, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.NotNil(t, client)
	defer client.Close()
	require.Equal(t, "redis://core-2:6379/0", urls.RedisURL)
	require.Equal(t, []string{"redis://core-1:6379/0", "redis://core-2:6379/0"}, connected)
}
