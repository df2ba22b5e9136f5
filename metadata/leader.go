package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/meta-stremio/meta-stremio/log"
	"github.com/meta-stremio/meta-stremio/metrics"
	"github.com/redis/go-redis/v9"
)

const leaderInfoFile = "kv-leader.info"

var ErrNoLeader = errors.New("no meta-core leader available")

// LeaderURLs is what the meta-core leader reports on /urls
type LeaderURLs struct {
	Hostname  string `json:"hostname"`
	BaseURL   string `json:"baseUrl"`
	APIURL    string `json:"apiUrl"`
	RedisURL  string `json:"redisUrl"`
	WebdavURL string `json:"webdavUrl"`
	IsLeader  bool   `json:"isLeader"`
}

// LeaderDiscovery finds the Redis instance of the current meta-core leader. The leader
// writes its API URL to {meta-core}/locks/kv-leader.info. We only follow it, we never
// take part in the election.
type LeaderDiscovery struct {
	infoPath string
	client   *http.Client
	// Defaults to Connect, swapped in tests
	connect func(ctx context.Context, redisURL string) (*redis.Client, error)

	current string
}

func NewLeaderDiscovery(metaCorePath string) *LeaderDiscovery {
	return &LeaderDiscovery{
		infoPath: filepath.Join(metaCorePath, "locks", leaderInfoFile),
		client:   newLeaderHTTPClient(),
		connect:  Connect,
	}
}

func newLeaderHTTPClient() *http.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	client.Logger = log.NewRetryableHTTPLogger("leader")
	client.CheckRetry = metrics.HttpRetryHook
	return client.StandardClient()
}

func (d *LeaderDiscovery) InfoPath() string {
	return d.infoPath
}

// APIURL reads the leader's API URL from the info file
func (d *LeaderDiscovery) APIURL() (string, error) {
	b, err := os.ReadFile(d.infoPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoLeader
		}
		return "", fmt.Errorf("failed to read leader info: %w", err)
	}
	api := strings.TrimRight(strings.TrimSpace(string(b)), "/")
	if api == "" {
		return "", ErrNoLeader
	}
	return api, nil
}

// URLs asks the leader for its service URLs
func (d *LeaderDiscovery) URLs(ctx context.Context) (LeaderURLs, error) {
	api, err := d.APIURL()
	if err != nil {
		return LeaderURLs{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api+"/urls", nil)
	if err != nil {
		return LeaderURLs{}, fmt.Errorf("failed to build leader request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := metrics.MonitorRequest(metrics.Metrics.LeaderClient, d.client, req)
	if err != nil {
		return LeaderURLs{}, fmt.Errorf("failed to reach meta-core leader at %s: %w", api, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return LeaderURLs{}, fmt.Errorf("meta-core leader at %s answered %d", api, res.StatusCode)
	}
	var urls LeaderURLs
	if err := json.NewDecoder(res.Body).Decode(&urls); err != nil {
		return LeaderURLs{}, fmt.Errorf("invalid /urls response from %s: %w", api, err)
	}
	if urls.RedisURL == "" {
		return LeaderURLs{}, fmt.Errorf("meta-core leader at %s reported no redis url", api)
	}
	return urls, nil
}

// Discover connects to the leader's Redis. It returns a nil client without error when
// the leader hasn't moved since the last call.
func (d *LeaderDiscovery) Discover(ctx context.Context) (*redis.Client, LeaderURLs, error) {
	urls, err := d.URLs(ctx)
	if err != nil {
		return nil, LeaderURLs{}, err
	}
	if urls.RedisURL == d.current {
		return nil, urls, nil
	}
	client, err := d.connect(ctx, urls.RedisURL)
	if err != nil {
		return nil, urls, err
	}
	d.current = urls.RedisURL
	return client, urls, nil
}

// Watch follows the leader info file and hands every new Redis connection to onChange
// until ctx is done. The lock directory is watched rather than the file because the
// leader replaces the file on takeover.
func (d *LeaderDiscovery) Watch(ctx context.Context, onChange func(*redis.Client, LeaderURLs)) error {
	dir := filepath.Dir(d.infoPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create leader lock directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start leader file watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	refresh := func() {
		client, urls, err := d.Discover(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.LogNoRequestID("meta-core leader discovery failed", "err", err)
			}
			return
		}
		if client != nil {
			log.LogNoRequestID("connected to meta-core leader redis", "leader", urls.Hostname, "redis", urls.RedisURL)
			onChange(client, urls)
		}
	}

	// the file watch misses a leader that stays put but restarts its redis
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != leaderInfoFile {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				refresh()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.LogNoRequestID("leader file watcher error", "err", err)
		case <-ticker.C:
			refresh()
		}
	}
}
