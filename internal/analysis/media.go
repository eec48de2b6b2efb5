package analysis

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/franckalain/ukcal/internal/ml"
)

var videoExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".m4v": true, ".avi": true, ".webm": true, ".3gp": true,
}

var contentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".heic": "image/heic",
	".webp": "image/webp",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".m4v":  "video/x-m4v",
	".avi":  "video/x-msvideo",
	".webm": "video/webm",
	".3gp":  "video/3gpp",
}

// LocalPath strips a file:// scheme from a media URI
func LocalPath(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}

// MediaKindFor guesses the media kind from a URI's extension
func MediaKindFor(uri string) ml.MediaKind {
	if videoExtensions[strings.ToLower(filepath.Ext(LocalPath(uri)))] {
		return ml.MediaVideo
	}
	return ml.MediaImage
}

// ContentTypeFor returns the upload content type for a filename
func ContentTypeFor(filename string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// GenerateFilename builds the upload name of a capture
func GenerateFilename(kind ml.MediaKind, t time.Time) string {
	ext := ".jpg"
	if kind == ml.MediaVideo {
		ext = ".mp4"
	}
	return fmt.Sprintf("meal_%s_%d%s", kind, t.UnixMilli(), ext)
}
