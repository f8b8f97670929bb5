package db

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// maxBindParams is Postgres' limit on bind parameters per statement.
const maxBindParams = 65535

// BulkResult counts rows written and rows rejected before reaching storage.
type BulkResult struct {
	Succeeded int
	Failed    int
}

func (r *BulkResult) add(o BulkResult) {
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
}

type upsertTable struct {
	table    string
	columns  []string
	conflict []string
	// update lists columns overwritten from EXCLUDED on conflict.
	update []string
}

// Row is an entity persisted by BulkUpsert.
type Row interface {
	Author | Message | Clip
}

func tableFor[T Row]() upsertTable {
	var zero T
	switch any(zero).(type) {
	case Author:
		return authorTable
	case Message:
		return messageTable
	default:
		return clipTable
	}
}

var authorTable = upsertTable{
	table:    "authors",
	columns:  []string{"tenant_id", "author_id", "username", "global_name", "avatar", "bot"},
	conflict: []string{"tenant_id", "author_id"},
	update:   []string{"username", "global_name", "avatar", "bot"},
}

var messageTable = upsertTable{
	table:    "messages",
	columns:  []string{"message_id", "tenant_id", "channel_id", "author_id", "content", "posted_at", "edited_at", "attachment_count"},
	conflict: []string{"message_id"},
	update:   []string{"content", "edited_at", "attachment_count"},
}

// Thumbnail columns are absent from update so a metadata refresh
// never discards an existing thumbnail.
var clipTable = upsertTable{
	table:    "clips",
	columns:  []string{"clip_id", "message_id", "filename_hash", "tenant_id", "channel_id", "filename", "url", "content_type", "size_bytes", "width", "height"},
	conflict: []string{"message_id", "filename_hash"},
	update:   []string{"filename", "url", "content_type", "size_bytes", "width", "height"},
}

func rowKey(r any) (string, bool) {
	switch v := r.(type) {
	case Author:
		return v.TenantID + "\x00" + v.AuthorID, v.TenantID != "" && v.AuthorID != ""
	case Message:
		return v.MessageID, v.MessageID != "" && v.TenantID != "" && v.ChannelID != "" && v.AuthorID != "" && !v.PostedAt.IsZero()
	case Clip:
		return v.MessageID + "\x00" + strconv.FormatInt(v.FilenameHash, 10), v.MessageID != "" && v.URL != "" && v.Filename != ""
	}
	return "", false
}

func rowValues(r any) []any {
	switch v := r.(type) {
	case Author:
		return []any{v.TenantID, v.AuthorID, v.Username, v.GlobalName, v.Avatar, v.Bot}
	case Message:
		return []any{v.MessageID, v.TenantID, v.ChannelID, v.AuthorID, v.Content, v.PostedAt, v.EditedAt, v.AttachmentCount}
	case Clip:
		return []any{v.ClipID, v.MessageID, v.FilenameHash, v.TenantID, v.ChannelID, v.Filename, v.URL, v.ContentType, v.SizeBytes, v.Width, v.Height}
	}
	return nil
}

// buildUpsert renders one INSERT ... ON CONFLICT DO UPDATE for n rows.
func buildUpsert(tbl upsertTable, n int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(tbl.table)
	b.WriteString(" (")
	b.WriteString(strings.Join(tbl.columns, ", "))
	b.WriteString(") VALUES ")

	cols := len(tbl.columns)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := 0; j < cols; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(i*cols + j + 1))
		}
		b.WriteByte(')')
	}

	b.WriteString(" ON CONFLICT (")
	b.WriteString(strings.Join(tbl.conflict, ", "))
	b.WriteString(") DO UPDATE SET ")
	for i, c := range tbl.update {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c)
		b.WriteString(" = EXCLUDED.")
		b.WriteString(c)
	}
	b.WriteString(", updated_at = now()")
	return b.String()
}

// prepareRows drops invalid rows and collapses duplicate keys, keeping the
// last occurrence in the position of the first.
func prepareRows[T Row](rows []T) ([]T, int) {
	out := make([]T, 0, len(rows))
	index := make(map[string]int, len(rows))
	failed := 0
	for _, r := range rows {
		key, ok := rowKey(r)
		if !ok {
			failed++
			continue
		}
		if i, seen := index[key]; seen {
			out[i] = r
			continue
		}
		index[key] = len(out)
		out = append(out, r)
	}
	return out, failed
}

// chunkSize returns how many rows of tbl fit into one statement.
func chunkSize(tbl upsertTable) int {
	return maxBindParams / len(tbl.columns)
}

// BulkUpsert writes rows with one multi-row statement per parameter-limited
// chunk. Applying the same rows twice leaves the table unchanged.
func BulkUpsert[T Row](ctx context.Context, db DBTX, rows []T) (BulkResult, error) {
	valid, failed := prepareRows(rows)
	res := BulkResult{Failed: failed}
	if len(valid) == 0 {
		return res, nil
	}

	tbl := tableFor[T]()
	size := chunkSize(tbl)
	for start := 0; start < len(valid); start += size {
		end := min(start+size, len(valid))
		chunk := valid[start:end]
		args := make([]any, 0, len(chunk)*len(tbl.columns))
		for _, r := range chunk {
			args = append(args, rowValues(r)...)
		}
		tag, err := db.Exec(ctx, buildUpsert(tbl, len(chunk)), args...)
		if err != nil {
			return res, fmt.Errorf("bulk upsert %s: %w", tbl.table, err)
		}
		res.add(BulkResult{Succeeded: int(tag.RowsAffected())})
	}
	return res, nil
}

func (q *Queries) UpsertAuthors(ctx context.Context, rows []Author) (BulkResult, error) {
	return BulkUpsert(ctx, q.db, rows)
}

func (q *Queries) UpsertMessages(ctx context.Context, rows []Message) (BulkResult, error) {
	return BulkUpsert(ctx, q.db, rows)
}

func (q *Queries) UpsertClips(ctx context.Context, rows []Clip) (BulkResult, error) {
	return BulkUpsert(ctx, q.db, rows)
}
