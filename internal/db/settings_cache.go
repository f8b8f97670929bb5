package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultSettingsTTL bounds staleness between explicit invalidations.
const DefaultSettingsTTL = 5 * time.Minute

// settingsLoadTimeout bounds a shared load, which outlives any single caller.
const settingsLoadTimeout = 10 * time.Second

// SettingsLoader reads raw settings layers.
type SettingsLoader interface {
	GetGuildSettings(ctx context.Context, guildID string) (SettingsDoc, error)
	GetChannelSettings(ctx context.Context, guildID, channelID string) (SettingsDoc, error)
}

type settingsKey struct {
	guild   string
	channel string
}

type settingsEntry struct {
	value    ResolvedSettings
	cachedAt time.Time
}

// SettingsCache provides thread-safe, TTL-bounded access to resolved channel
// settings. Concurrent misses for the same key share one load. Invalidation
// bumps a generation counter so a read after Invalidate never joins or stores
// a load that started before it.
type SettingsCache struct {
	loader   SettingsLoader
	ttl      time.Duration
	now      func() time.Time
	defaults SettingsDoc

	mu       sync.Mutex
	entries  map[settingsKey]settingsEntry
	keyGen   map[settingsKey]uint64
	guildGen map[string]uint64
	group    singleflight.Group
}

type SettingsCacheOption func(*SettingsCache)

func WithSettingsTTL(ttl time.Duration) SettingsCacheOption {
	return func(c *SettingsCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithSettingsClock(now func() time.Time) SettingsCacheOption {
	return func(c *SettingsCache) { c.now = now }
}

func WithSettingsDefaults(doc SettingsDoc) SettingsCacheOption {
	return func(c *SettingsCache) { c.defaults = doc.Clone() }
}

// NewSettingsCache creates an empty cache over loader.
func NewSettingsCache(loader SettingsLoader, opts ...SettingsCacheOption) *SettingsCache {
	c := &SettingsCache{
		loader:   loader,
		ttl:      DefaultSettingsTTL,
		now:      time.Now,
		defaults: DefaultSettings.Clone(),
		entries:  map[settingsKey]settingsEntry{},
		keyGen:   map[settingsKey]uint64{},
		guildGen: map[string]uint64{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the merged settings of (guildID, channelID).
func (c *SettingsCache) Get(ctx context.Context, guildID, channelID string) (ResolvedSettings, error) {
	key := settingsKey{guildID, channelID}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.cachedAt) < c.ttl {
		c.mu.Unlock()
		return e.value, nil
	}
	gGen, kGen := c.guildGen[guildID], c.keyGen[key]
	c.mu.Unlock()

	flight := fmt.Sprintf("%s\x00%s\x00%d\x00%d", guildID, channelID, gGen, kGen)
	ch := c.group.DoChan(flight, func() (any, error) {
		// Joined callers share this load, so it must not die with the first caller's ctx.
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settingsLoadTimeout)
		defer cancel()
		value, err := c.load(lctx, guildID, channelID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.guildGen[guildID] == gGen && c.keyGen[key] == kGen {
			c.entries[key] = settingsEntry{value: value, cachedAt: c.now()}
		}
		c.mu.Unlock()
		return value, nil
	})
	select {
	case <-ctx.Done():
		return ResolvedSettings{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return ResolvedSettings{}, res.Err
		}
		return res.Val.(ResolvedSettings), nil
	}
}

func (c *SettingsCache) load(ctx context.Context, guildID, channelID string) (ResolvedSettings, error) {
	guild, err := c.loader.GetGuildSettings(ctx, guildID)
	if err != nil {
		return ResolvedSettings{}, fmt.Errorf("load guild settings: %w", err)
	}
	var channel SettingsDoc
	if channelID != "" {
		channel, err = c.loader.GetChannelSettings(ctx, guildID, channelID)
		if err != nil {
			return ResolvedSettings{}, fmt.Errorf("load channel settings: %w", err)
		}
	}
	return ResolvedSettings{Doc: MergeSettings(c.defaults, guild, channel)}, nil
}

// Invalidate drops one entry.
func (c *SettingsCache) Invalidate(guildID, channelID string) {
	key := settingsKey{guildID, channelID}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.keyGen[key]++
}

// InvalidateGuild drops every entry of the guild.
func (c *SettingsCache) InvalidateGuild(guildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.guild == guildID {
			delete(c.entries, k)
		}
	}
	c.guildGen[guildID]++
}

// HandleNotification applies a settings_changed payload.
func (c *SettingsCache) HandleNotification(payload string) {
	guild, channel, ok := ParseSettingsNotification(payload)
	if !ok {
		return
	}
	if channel == "" {
		c.InvalidateGuild(guild)
		return
	}
	c.Invalidate(guild, channel)
}
