package media

import (
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

// Format is an output container the service can produce
type Format struct {
	Name  string `json:"name"`
	Ext   string `json:"ext"` // with leading dot
	Audio bool   `json:"audio"`
}

var formats = map[string]Format{
	"mp3":  {Name: "mp3", Ext: ".mp3", Audio: true},
	"m4a":  {Name: "m4a", Ext: ".m4a", Audio: true},
	"opus": {Name: "opus", Ext: ".opus", Audio: true},
	"flac": {Name: "flac", Ext: ".flac", Audio: true},
	"wav":  {Name: "wav", Ext: ".wav", Audio: true},
	"mp4":  {Name: "mp4", Ext: ".mp4"},
	"mkv":  {Name: "mkv", Ext: ".mkv"},
	"webm": {Name: "webm", Ext: ".webm"},
}

var aliases = map[string]string{
	"audio": "mp3",
	"video": "mp4",
}

// Lookup resolves a format name or alias, case-insensitively
func Lookup(name string) (Format, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if target, ok := aliases[key]; ok {
		key = target
	}
	f, ok := formats[key]
	return f, ok
}

// Names returns the canonical format names, sorted
func Names() []string {
	names := make([]string, 0, len(formats))
	for name := range formats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Matches reports whether path already has this format's extension
func (f Format) Matches(path string) bool {
	return strings.EqualFold(filepath.Ext(path), f.Ext)
}

const maxNameRunes = 120

// nameTrim is stripped from both ends of a cleaned title
const nameTrim = " ._-"

// SafeName turns a downloaded file's base name into something safe to hand
// back in a Content-Disposition header. The extension is kept.
func SafeName(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	title := strings.TrimSuffix(base, ext)

	var b strings.Builder
	var prev rune
	for _, r := range title {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' ||
			r == '"' || r == '<' || r == '>' || r == '|':
			r = '_'
		case unicode.IsSpace(r):
			r = ' '
		case unicode.IsControl(r):
			continue
		}
		// runs of underscores collapse to one
		if r == '_' && prev == '_' {
			continue
		}
		b.WriteRune(r)
		prev = r
	}

	clean := strings.Join(strings.Fields(b.String()), " ")
	clean = strings.Trim(clean, nameTrim)
	if runes := []rune(clean); len(runes) > maxNameRunes {
		clean = strings.Trim(string(runes[:maxNameRunes]), nameTrim)
	}
	if clean == "" {
		clean = "download"
	}
	return clean + strings.ToLower(ext)
}
