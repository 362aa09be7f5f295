package cache

import (
	"errors"
	"log/slog"
	"os"

	"github.com/IliaW/image-crawler/config"
	"github.com/IliaW/image-crawler/internal"
	"github.com/bradfitz/gomemcache/memcache"
	jsoniter "github.com/json-iterator/go"
)

// CachedClient remembers which seeds were crawled recently so a repeated task can be skipped.
type CachedClient interface {
	SaveSessionInfo(seedURL string, info *SessionInfo)
	RecentSession(seedURL string) (*SessionInfo, bool)
	Close()
}

type SessionInfo struct {
	SessionID string `json:"session_id"`
	Location  string `json:"location"`
	Images    int    `json:"images"`
}

type MemcachedClient struct {
	client *memcache.Client
	cfg    *config.CacheConfig
}

func NewMemcachedClient(cacheConfig *config.CacheConfig) *MemcachedClient {
	slog.Info("connecting to memcached...")
	ss := new(memcache.ServerList)
	err := ss.SetServers(cacheConfig.Servers...)
	if err != nil {
		slog.Error("failed to set memcached servers.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	c := &MemcachedClient{
		client: memcache.NewFromSelector(ss),
		cfg:    cacheConfig,
	}
	slog.Info("pinging the memcached.")
	err = c.client.Ping()
	if err != nil {
		slog.Error("connection to the memcached is failed.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	slog.Info("connected to memcached!")

	return c
}

func (mc *MemcachedClient) SaveSessionInfo(seedURL string, info *SessionInfo) {
	key := seedKey(seedURL)
	byteValue, err := jsoniter.Marshal(info)
	if err != nil {
		slog.Error("marshaling failed.", slog.String("err", err.Error()))
		return
	}
	err = mc.client.Set(&memcache.Item{
		Key:        key,
		Value:      byteValue,
		Expiration: int32(mc.cfg.TtlForSeed.Seconds()),
	})
	if err != nil {
		slog.Error("failed to save session info to cache.", slog.String("key", key),
			slog.String("err", err.Error()))
		return
	}
	slog.Debug("session info saved to cache.", slog.String("key", key), slog.String("url", seedURL))
}

func (mc *MemcachedClient) RecentSession(seedURL string) (*SessionInfo, bool) {
	key := seedKey(seedURL)
	item, err := mc.client.Get(key)
	if err != nil {
		if !errors.Is(err, memcache.ErrCacheMiss) {
			slog.Warn("failed to read session info from cache.", slog.String("key", key),
				slog.String("err", err.Error()))
		}
		return nil, false
	}
	var info SessionInfo
	if err = jsoniter.Unmarshal(item.Value, &info); err != nil {
		slog.Warn("corrupted session info in cache.", slog.String("key", key), slog.String("err", err.Error()))
		return nil, false
	}

	return &info, true
}

func (mc *MemcachedClient) Close() {
	slog.Info("closing memcached connection.")
	err := mc.client.Close()
	if err != nil {
		slog.Error("failed to close memcached connection.", slog.String("err", err.Error()))
	}
}

func seedKey(seedURL string) string {
	return internal.HashURL(seedURL) + "-seed"
}
