package utils

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	apiKeyPattern = regexp.MustCompile(`^sk-[a-zA-Z0-9]{20,}$`)
	whitespaceRun = regexp.MustCompile(`\s+`)
)

// StringPtr returns a pointer to a string, or nil if empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Float64Ptr returns a pointer to f.
func Float64Ptr(f float64) *float64 {
	return &f
}

// ContainsString checks if a string slice contains a specific string.
func ContainsString(slice []string, item string) bool {
	for _, a := range slice {
		if a == item {
			return true
		}
	}
	return false
}

// RoundTo rounds f to the given number of decimal places, half away from zero.
func RoundTo(f float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Round(f*shift) / shift
}

// ValidAPIKeyFormat checks an OpenAI-style secret: "sk-" followed by at least 20 alphanumerics.
func ValidAPIKeyFormat(key string) bool {
	return apiKeyPattern.MatchString(key)
}

// UploadFileName builds the stored name for an upload: "<unix-ms>-<name>" with whitespace runs
// replaced by underscores. Any directory part of the client-supplied name is dropped.
func UploadFileName(unixMillis int64, original string) string {
	if i := strings.LastIndexAny(original, `/\`); i >= 0 {
		original = original[i+1:]
	}
	return strconv.FormatInt(unixMillis, 10) + "-" + whitespaceRun.ReplaceAllString(original, "_")
}

// FormatByteLimit renders a size limit for error messages: whole mebibytes as "MB", whole
// kibibytes as "KB", anything else in bytes.
func FormatByteLimit(n int64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return strconv.FormatInt(n>>20, 10) + " MB"
	case n >= 1<<10 && n%(1<<10) == 0:
		return strconv.FormatInt(n>>10, 10) + " KB"
	}
	return strconv.FormatInt(n, 10) + " bytes"
}

// ParseFlag reads a form flag. "true", "1", "yes" and "on" are true, case-insensitively.
func ParseFlag(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// ParseOptionalFloat parses s, returning nil for blank or malformed input.
func ParseOptionalFloat(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return Float64Ptr(f)
}
