// Package security provides validation, sanitization, and limits for
// uploaded files and stored messages.
package security

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/core"
)

// Limits applied to uploads and stored text.
const (
	// MaxFileNameLength is the maximum length for uploaded file names
	MaxFileNameLength = 255

	// MaxFileSize is the maximum accepted upload size (50MB)
	MaxFileSize = 50 << 20

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxColumnNameLength is the maximum length for a required-column name
	MaxColumnNameLength = 128

	// MaxColumns is the maximum number of required columns in upload metadata
	MaxColumns = 256
)

// validFileName matches a bare file name: no separators, no leading dot,
// alphanumerics plus spaces, hyphens, underscores, dots, and parentheses.
var validFileName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9 _\-\.\(\)]*$`)

// unsafeFileChars matches characters replaced by SanitizeFileName.
var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9 _\-\.\(\)]`)

// ValidateFileName validates an uploaded file name.
func ValidateFileName(name string) error {
	if name == "" {
		return core.ErrInvalidFileName
	}
	if len(name) > MaxFileNameLength {
		return core.ErrFileNameTooLong
	}
	if name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return core.ErrInvalidFileName
	}
	if !validFileName.MatchString(name) {
		return core.ErrInvalidFileName
	}
	return nil
}

// SanitizeFileName strips any path components and replaces unsafe
// characters so the result is safe to store on disk.
func SanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, `/`))
	name = unsafeFileChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, ".")
	if len(name) > MaxFileNameLength {
		ext := filepath.Ext(name)
		keep := MaxFileNameLength - len(ext)
		if keep < 1 {
			keep = 1
		}
		name = name[:keep] + ext
	}
	return name
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	// Truncate if too long
	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ValidateColumns validates a required-column list from upload metadata.
func ValidateColumns(cols []string) error {
	if len(cols) > MaxColumns {
		return core.ErrInvalidMetadata
	}
	for _, c := range cols {
		if c == "" || len(c) > MaxColumnNameLength {
			return core.ErrInvalidMetadata
		}
	}
	return nil
}

// ClampHistoryLimit ensures a history fetch limit is within bounds.
func ClampHistoryLimit(n int) int {
	const maxLimit = 100
	if n < 1 {
		return 10
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}
