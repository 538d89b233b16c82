package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	// MaxIDLength bounds session, stream, user and quality identifiers.
	MaxIDLength = 128

	// MaxBitrate is the highest rendition bitrate accepted (bits per second).
	MaxBitrate int64 = 200_000_000
)

// IDRegex matches identifiers: letters, digits and _ - . :
var IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// ValidateID checks a required identifier.
func ValidateID(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(value) > MaxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", field, MaxIDLength)
	}
	if !IDRegex.MatchString(value) {
		return fmt.Errorf("%s contains invalid characters (only letters, numbers, _, -, ., : allowed)", field)
	}
	return nil
}

// ValidateOptionalID is ValidateID that accepts the empty string.
func ValidateOptionalID(field, value string) error {
	if value == "" {
		return nil
	}
	return ValidateID(field, value)
}

// ValidateURL checks an absolute http(s) URL with a host.
func ValidateURL(urlStr string) error {
	if strings.TrimSpace(urlStr) == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme %q (must be http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateBitrate checks a rendition bitrate in bits per second.
func ValidateBitrate(bitrate int64) error {
	if bitrate <= 0 {
		return fmt.Errorf("bitrate must be > 0")
	}
	if bitrate > MaxBitrate {
		return fmt.Errorf("bitrate is too high (max %d bps)", MaxBitrate)
	}
	return nil
}
