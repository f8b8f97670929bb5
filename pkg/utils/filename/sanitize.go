// Package filename turns attachment names from chat messages into values that
// are safe to use on the local filesystem.
package filename

import (
	"mime"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxLen caps Sanitize output when maxLen is not positive.
const DefaultMaxLen = 120

// Sanitize reduces an attachment name to a slug of ASCII letters, digits,
// dots, dashes and underscores. Every other run of characters becomes one
// dash, so the result is usable as an os.CreateTemp prefix. The extension is
// kept when the slug is truncated to maxLen bytes.
func Sanitize(name string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	// Attachment names occasionally carry a client-side path.
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if name == "." || name == "/" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(name))
	dash := false
	for _, r := range name {
		if r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash {
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.Trim(b.String(), "-.")

	if len(s) > maxLen {
		ext := path.Ext(s)
		if len(ext) >= maxLen/2 {
			ext = ""
		}
		s = strings.TrimRight(s[:maxLen-len(ext)], "-.") + ext
	}
	return s
}

// Clip formats missing from the builtin mime table on minimal hosts.
var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
}

// ContentType guesses a MIME type from the extension of name, or returns ""
// when the extension is unknown.
func ContentType(name string) string {
	ext := strings.ToLower(path.Ext(strings.TrimSpace(name)))
	if ext == "" {
		return ""
	}
	if t, ok := videoTypes[ext]; ok {
		return t
	}
	t := mime.TypeByExtension(ext)
	if mt, _, err := mime.ParseMediaType(t); err == nil {
		return mt
	}
	return t
}
