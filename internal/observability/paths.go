package observability

import (
	"path/filepath"
	"strings"
)

// maxNameLen is the longest filename shown unabridged by PathFormatter.
const maxNameLen = 12

// PathFormatter renders file paths for log lines, relative to a root and optionally abbreviated:
//
//	to-convert/abra/cadabra/foobarwithalongname.mp4 -> a/cadabra/foob....mp4
//
// Every directory but the last is reduced to its first letter and long names keep four
// characters from each end.
type PathFormatter struct {
	root    string
	shorten bool
}

// NewPathFormatter creates a formatter. When shorten is false paths are returned unchanged.
func NewPathFormatter(root string, shorten bool) PathFormatter {
	return PathFormatter{root: filepath.Clean(root), shorten: shorten}
}

// Format returns the display form of path.
func (f PathFormatter) Format(path string) string {
	if !f.shorten {
		return path
	}

	rel := path
	if f.root != "" && f.root != "." {
		if r, err := filepath.Rel(f.root, path); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
	}

	var parts []string
	for _, p := range strings.Split(filepath.ToSlash(rel), "/") {
		if p != "" && p != "." {
			parts = append(parts, p)
		}
	}

	switch len(parts) {
	case 0:
		return path
	case 1:
		return ShortenName(parts[0])
	}

	dirs, name := parts[:len(parts)-1], parts[len(parts)-1]
	short := make([]string, 0, len(parts))
	for _, d := range dirs[:len(dirs)-1] {
		short = append(short, string([]rune(d)[:1]))
	}
	short = append(short, dirs[len(dirs)-1], ShortenName(name))
	return strings.Join(short, "/")
}

// ShortenName abbreviates names longer than twelve characters to first4...last4.
func ShortenName(name string) string {
	r := []rune(name)
	if len(r) > maxNameLen {
		return string(r[:4]) + "..." + string(r[len(r)-4:])
	}
	return name
}
