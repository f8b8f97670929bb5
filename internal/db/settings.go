package db

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
)

// SettingsChannel is the NOTIFY channel carrying "<guild>/<channel>" payloads.
const SettingsChannel = "settings_changed"

// DefaultSettings is the lowest layer of every resolved settings value.
var DefaultSettings = SettingsDoc{
	"media": map[string]any{
		"accepted_types": []any{
			"image/png", "image/jpeg", "image/gif", "image/webp",
			"video/mp4", "video/webm", "video/quicktime",
		},
		"max_attachment_bytes": float64(512 << 20),
	},
	"thumbnails": map[string]any{
		"enabled": true,
	},
}

func (q *Queries) GetGuildSettings(ctx context.Context, guildID string) (SettingsDoc, error) {
	var doc SettingsDoc
	err := q.db.QueryRow(ctx, `SELECT settings FROM guild_settings WHERE guild_id = $1`, guildID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return SettingsDoc{}, nil
	}
	return doc, err
}

func (q *Queries) GetChannelSettings(ctx context.Context, guildID, channelID string) (SettingsDoc, error) {
	var doc SettingsDoc
	err := q.db.QueryRow(ctx, `SELECT settings FROM channel_settings WHERE guild_id = $1 AND channel_id = $2`,
		guildID, channelID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return SettingsDoc{}, nil
	}
	return doc, err
}

func (q *Queries) PutGuildSettings(ctx context.Context, guildID string, doc SettingsDoc) error {
	_, err := q.db.Exec(ctx, `
INSERT INTO guild_settings (guild_id, settings) VALUES ($1, $2)
ON CONFLICT (guild_id) DO UPDATE SET settings = EXCLUDED.settings, updated_at = now()`, guildID, doc)
	return err
}

func (q *Queries) PutChannelSettings(ctx context.Context, guildID, channelID string, doc SettingsDoc) error {
	_, err := q.db.Exec(ctx, `
INSERT INTO channel_settings (guild_id, channel_id, settings) VALUES ($1, $2, $3)
ON CONFLICT (guild_id, channel_id) DO UPDATE SET settings = EXCLUDED.settings, updated_at = now()`,
		guildID, channelID, doc)
	return err
}

// NotifySettingsChanged tells other processes to drop cached settings. An
// empty channelID invalidates the whole guild.
func (q *Queries) NotifySettingsChanged(ctx context.Context, guildID, channelID string) error {
	_, err := q.db.Exec(ctx, `SELECT pg_notify($1, $2)`, SettingsChannel, guildID+"/"+channelID)
	return err
}

// ParseSettingsNotification splits a settings_changed payload.
func ParseSettingsNotification(payload string) (guildID, channelID string, ok bool) {
	guildID, channelID, ok = strings.Cut(payload, "/")
	if !ok || guildID == "" {
		return "", "", false
	}
	return guildID, channelID, true
}

// ResolvedSettings is the merged settings of one channel.
type ResolvedSettings struct {
	Doc SettingsDoc
}

func (r ResolvedSettings) section(name string) map[string]any {
	m, _ := asMap(r.Doc[name])
	return m
}

// AcceptedMediaTypes lists content types eligible to become clips. A trailing
// "/*" matches a whole family such as "video/*".
func (r ResolvedSettings) AcceptedMediaTypes() []string {
	var out []string
	switch v := r.section("media")["accepted_types"].(type) {
	case []any:
		for _, t := range v {
			if s, ok := t.(string); ok && s != "" {
				out = append(out, strings.ToLower(s))
			}
		}
	case []string:
		for _, s := range v {
			out = append(out, strings.ToLower(s))
		}
	}
	return out
}

// Accepts reports whether contentType matches AcceptedMediaTypes.
func (r ResolvedSettings) Accepts(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == "" {
		return false
	}
	for _, t := range r.AcceptedMediaTypes() {
		if family, ok := strings.CutSuffix(t, "/*"); ok {
			if strings.HasPrefix(ct, family+"/") {
				return true
			}
			continue
		}
		if t == ct {
			return true
		}
	}
	return false
}

// MaxAttachmentBytes is the largest attachment turned into a clip. Zero means unlimited.
func (r ResolvedSettings) MaxAttachmentBytes() int64 {
	switch v := r.section("media")["max_attachment_bytes"].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	}
	return 0
}

func (r ResolvedSettings) ThumbnailsEnabled() bool {
	v, ok := r.section("thumbnails")["enabled"].(bool)
	return !ok || v
}
