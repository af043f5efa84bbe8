package util

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

var operationIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidOperationID reports whether id is safe to use as a directory name.
func ValidOperationID(id string) bool {
	return operationIDPattern.MatchString(id) && id != "." && id != ".."
}

// BuildArchiveKey constructs a normalized object key for a clone archive.
func BuildArchiveKey(prefix, operationID string, when time.Time, extension string) string {
	parts := []string{}
	if prefix != "" {
		parts = append(parts, strings.Trim(prefix, "/"))
	}
	parts = append(parts, "clones", operationID)
	name := fmt.Sprintf("%s_clone", when.UTC().Format("20060102T150405Z"))
	if extension != "" {
		name = name + "." + extension
	}
	parts = append(parts, name)
	return path.Join(parts...)
}

// BuildArchivePrefix builds the prefix for listing archives, optionally
// narrowed to one operation.
func BuildArchivePrefix(prefix, operationID string) string {
	parts := []string{}
	if prefix != "" {
		parts = append(parts, strings.Trim(prefix, "/"))
	}
	parts = append(parts, "clones")
	if operationID != "" {
		parts = append(parts, operationID)
	}
	return path.Join(parts...)
}
