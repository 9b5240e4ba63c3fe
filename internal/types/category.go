package types

import (
	"path/filepath"
	"strings"
)

// categories maps lowercased file extensions to reporting categories.
// Attached to records for reporting only; has no effect on cataloging
// correctness or dedup queries.
var categories = map[string]string{
	".jpg": "photos", ".jpeg": "photos", ".png": "photos", ".gif": "photos",
	".mp4": "videos", ".avi": "videos", ".mkv": "videos", ".mov": "videos",
	".mp3": "music", ".flac": "music", ".wav": "music", ".m4a": "music",
	".pdf": "documents", ".doc": "documents", ".docx": "documents", ".txt": "documents",
	".zip": "archives", ".rar": "archives", ".7z": "archives", ".tar": "archives",
	".iso": "disk_images", ".img": "disk_images", ".dmg": "disk_images",
}

// Categorize returns the reporting category for a file path, "other" when
// the extension is not mapped.
func Categorize(path string) string {
	if c, ok := categories[strings.ToLower(filepath.Ext(path))]; ok {
		return c
	}
	return "other"
}
