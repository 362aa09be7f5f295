package cache

import (
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
)

// LocalClient keeps recent sessions in process memory. It is used when no memcached servers are
// configured, so repeated seeds are only skipped within one process.
type LocalClient struct {
	cache *cache.Cache
}

func NewLocalClient(ttl time.Duration) *LocalClient {
	return &LocalClient{cache: cache.New(ttl, 2*ttl)}
}

func (lc *LocalClient) SaveSessionInfo(seedURL string, info *SessionInfo) {
	lc.cache.SetDefault(seedKey(seedURL), info)
	slog.Debug("session info saved to local cache.", slog.String("url", seedURL))
}

func (lc *LocalClient) RecentSession(seedURL string) (*SessionInfo, bool) {
	v, ok := lc.cache.Get(seedKey(seedURL))
	if !ok {
		return nil, false
	}
	return v.(*SessionInfo), true
}

func (lc *LocalClient) Close() {
	lc.cache.Flush()
}
