package platform

import (
	"path/filepath"
	"strings"
)

// MediaClass selects which bot-API call carries a file.
type MediaClass int

const (
	MediaPhoto MediaClass = iota
	MediaVideo
	MediaVoice
	MediaDocument
)

func (c MediaClass) String() string {
	switch c {
	case MediaPhoto:
		return "photo"
	case MediaVideo:
		return "video"
	case MediaVoice:
		return "voice"
	default:
		return "document"
	}
}

var (
	photoExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true}
	videoExts = map[string]bool{".mp4": true, ".mov": true, ".mkv": true, ".avi": true, ".webm": true}
	voiceExts = map[string]bool{".oga": true, ".ogg": true}
)

// Classify picks the send call for a file by extension. Unknown extensions
// fall back to the generic document call, which every platform accepts.
func Classify(path string) MediaClass {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case photoExts[ext]:
		return MediaPhoto
	case videoExts[ext]:
		return MediaVideo
	case voiceExts[ext]:
		return MediaVoice
	default:
		return MediaDocument
	}
}

// AlbumEligible reports whether a file may ride in a media-group call.
// Album payloads accept only photos and videos; documents and voice notes
// are silently dropped by the caller before the call is built.
func AlbumEligible(c MediaClass) bool {
	return c == MediaPhoto || c == MediaVideo
}

// FilterAlbum returns the album-eligible subset of files in original order,
// capped at limit. Order is the caller's responsibility and is preserved.
func FilterAlbum(files []File, limit int) []File {
	if limit <= 0 {
		limit = 10
	}
	out := make([]File, 0, len(files))
	for _, f := range files {
		if !AlbumEligible(Classify(f.Path)) {
			continue
		}
		out = append(out, f)
		if len(out) >= limit {
			break
		}
	}
	return out
}
