package transcode

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meta-stremio/meta-stremio/cache"
	"github.com/meta-stremio/meta-stremio/config"
	"github.com/meta-stremio/meta-stremio/metrics"
)

type SessionKey struct {
	AssetID    string
	Rung       string
	AudioTrack int
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s/%s/a%d", k.AssetID, k.Rung, k.AudioTrack)
}

// Session is one client playing one rendition of an asset
type Session struct {
	ID         string
	Key        SessionKey
	Controller *Controller
	Created    time.Time

	mu           sync.Mutex
	lastIndex    int
	lastActivity time.Time
	requests     int
	seeks        int
}

func newSession(key SessionKey, now time.Time) *Session {
	return &Session{
		ID:           uuid.NewString(),
		Key:          key,
		Controller:   NewController(),
		Created:      now,
		lastIndex:    -1,
		lastActivity: now,
	}
}

// Advance records a request for segment i and reports whether it is a seek, meaning
// anything that isn't the same or the next segment
func (s *Session) Advance(i int, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	seek := s.lastIndex >= 0 && (i > s.lastIndex+1 || i < s.lastIndex)
	s.lastIndex = i
	s.lastActivity = now
	s.requests++
	if seek {
		s.seeks++
	}
	return seek
}

func (s *Session) LastIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIndex
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

type SessionInfo struct {
	ID           string          `json:"id"`
	Key          string          `json:"key"`
	LastIndex    int             `json:"last_index"`
	Requests     int             `json:"requests"`
	Seeks        int             `json:"seeks"`
	Created      time.Time       `json:"created"`
	LastActivity time.Time       `json:"last_activity"`
	Controller   ControllerState `json:"controller"`
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	info := SessionInfo{
		ID:           s.ID,
		Key:          s.Key.String(),
		LastIndex:    s.lastIndex,
		Requests:     s.requests,
		Seeks:        s.seeks,
		Created:      s.Created,
		LastActivity: s.lastActivity,
	}
	s.mu.Unlock()
	info.Controller = s.Controller.State()
	return info
}

// Sessions is the registry of live sessions, keyed by SessionKey
type Sessions struct {
	clock    config.TimestampGenerator
	sessions *cache.Cache[*Session]
}

func NewSessions(clock config.TimestampGenerator) *Sessions {
	if clock == nil {
		clock = config.Clock
	}
	return &Sessions{clock: clock, sessions: cache.New[*Session]()}
}

// Get returns the session for key, creating it on first use
func (s *Sessions) Get(key SessionKey) *Session {
	now := s.clock.Now()
	sess, existed := s.sessions.GetOrStore(key.String(), func() *Session {
		return newSession(key, now)
	})
	if !existed {
		metrics.Metrics.ActiveSessions.Set(float64(s.sessions.Len()))
	}
	return sess
}

func (s *Sessions) Lookup(key SessionKey) (*Session, bool) {
	return s.sessions.GetOK(key.String())
}

// Expire removes sessions idle for longer than timeout
func (s *Sessions) Expire(timeout time.Duration) []*Session {
	cutoff := s.clock.Now().Add(-timeout)
	removed := s.sessions.RemoveIf(func(_ string, sess *Session) bool {
		return sess.idleSince().Before(cutoff)
	})
	metrics.Metrics.ActiveSessions.Set(float64(s.sessions.Len()))
	return removed
}

// DropAsset removes every session of an asset so controllers start over on new content
func (s *Sessions) DropAsset(assetID string) []*Session {
	removed := s.sessions.RemoveIf(func(_ string, sess *Session) bool {
		return sess.Key.AssetID == assetID
	})
	metrics.Metrics.ActiveSessions.Set(float64(s.sessions.Len()))
	return removed
}

func (s *Sessions) Len() int {
	return s.sessions.Len()
}

// List returns a snapshot of every session, most recently active first
func (s *Sessions) List() []SessionInfo {
	values := s.sessions.Values()
	out := make([]SessionInfo, 0, len(values))
	for _, sess := range values {
		out = append(out, sess.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out
}
