package validation

import (
	"strings"
	"testing"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"simple", "video-1", false},
		{"uuid", "0b8f8a4e-6a43-4c77-9d1c-4a7e3e0b5b1a", false},
		{"namespaced", "vod:movie_01.v2", false},
		{"empty", "", true},
		{"space", "video 1", true},
		{"slash", "a/b", true},
		{"too long", strings.Repeat("a", MaxIDLength+1), true},
		{"max length", strings.Repeat("a", MaxIDLength), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID("video_id", tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateID() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !strings.Contains(err.Error(), "video_id") {
				t.Errorf("error %q does not name the field", err)
			}
		})
	}
}

func TestValidateOptionalID(t *testing.T) {
	if err := ValidateOptionalID("user_id", ""); err != nil {
		t.Errorf("empty optional id rejected: %v", err)
	}
	if err := ValidateOptionalID("user_id", "bad id"); err == nil {
		t.Error("invalid optional id accepted")
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"http", "http://origin:8000/media", false},
		{"https", "https://cdn.example.com", false},
		{"empty", "", true},
		{"ftp", "ftp://origin", true},
		{"no host", "http://", true},
		{"relative", "/media", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateBitrate(t *testing.T) {
	tests := []struct {
		bitrate int64
		wantErr bool
	}{
		{800_000, false},
		{MaxBitrate, false},
		{0, true},
		{-1, true},
		{MaxBitrate + 1, true},
	}

	for _, tt := range tests {
		err := ValidateBitrate(tt.bitrate)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateBitrate(%d) error = %v, wantErr %v", tt.bitrate, err, tt.wantErr)
		}
	}
}
