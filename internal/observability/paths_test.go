package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathFormatter_Format(t *testing.T) {
	tests := []struct {
		name    string
		root    string
		shorten bool
		path    string
		want    string
	}{
		{"nested long name", "./to-convert", true, "to-convert/abra/cadabra/foobarwithalongname.mp4", "a/cadabra/foob....mp4"},
		{"single short name", "./to-convert", true, "to-convert/clip.mkv", "clip.mkv"},
		{"single long name", "./to-convert", true, "to-convert/averyverylongname.mkv", "aver....mkv"},
		{"one directory", "./to-convert", true, "to-convert/shows/clip.mkv", "shows/clip.mkv"},
		{"outside root kept relative", "./to-convert", true, "optimized/shows/clip.mp4", "o/shows/clip.mp4"},
		{"disabled", "./to-convert", false, "to-convert/abra/cadabra/foobarwithalongname.mp4", "to-convert/abra/cadabra/foobarwithalongname.mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewPathFormatter(tt.root, tt.shorten)
			assert.Equal(t, tt.want, f.Format(tt.path))
		})
	}
}

func TestShortenName(t *testing.T) {
	assert.Equal(t, "twelve_chars", ShortenName("twelve_chars"))
	assert.Equal(t, "thir....mkv", ShortenName("thirteen_.mkv"))
	assert.Equal(t, "ääää...öööö", ShortenName("ääääxxxxxöööö"))
}
