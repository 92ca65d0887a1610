// Package utils holds small shared helpers with no domain knowledge.
package utils

import (
	"path"
	"strings"
)

// ValidateObjectPath reports whether p is acceptable as an object-store key:
// relative, non-empty, no traversal, no NUL bytes. Keys always use forward
// slashes regardless of the client's platform.
func ValidateObjectPath(p string) bool {
	if p == "" || strings.ContainsAny(p, "\x00\\") {
		return false
	}
	if strings.HasPrefix(p, "/") {
		return false
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return false
	}
	return true
}

// NormalizeObjectPath cleans an object key: collapses duplicate slashes and
// dot segments and strips a leading slash. Callers still validate first;
// normalization never makes an invalid key valid.
func NormalizeObjectPath(p string) string {
	cleaned := path.Clean(p)
	return strings.TrimPrefix(cleaned, "/")
}

// FileExtension returns the lowercased extension of an object key including
// the dot, or the empty string.
func FileExtension(key string) string {
	return strings.ToLower(path.Ext(key))
}

// ContentTypeFor maps an object key's extension to a MIME type for the
// Content-Type response header hint.
func ContentTypeFor(key string) string {
	switch FileExtension(key) {
	case ".pdf":
		return "application/pdf"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mp3":
		return "audio/mpeg"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".svg":
		return "image/svg+xml"
	case ".txt", ".md":
		return "text/plain"
	case ".html":
		return "text/html"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
