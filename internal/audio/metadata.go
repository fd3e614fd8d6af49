package audio

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"
)

// DisplayName returns "Artist - Title" from the file's tags, falling back to
// the title alone or to the file name without its extension.
func DisplayName(path string) string {
	fallback := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	file, err := os.Open(path)
	if err != nil {
		return fallback
	}
	defer file.Close()

	meta, err := tag.ReadFrom(file)
	if err != nil {
		return fallback
	}

	title := strings.TrimSpace(meta.Title())
	artist := strings.TrimSpace(meta.Artist())
	switch {
	case title == "":
		return fallback
	case artist == "":
		return title
	default:
		return artist + " - " + title
	}
}
