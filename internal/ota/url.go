package ota

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// FirmwareURL builds the image download URL:
//
//	https://{host}/api/v1/{token}/firmware?title={title}&version={version}
//
// Title and version only have spaces escaped, so every other character
// reaches the server unchanged.
func FirmwareURL(host, token, title, version string) (string, error) {
	if host == "" {
		return "", errors.New("ota: empty http host")
	}
	if token == "" {
		return "", errors.New("ota: empty device token")
	}
	raw := "https://" + host + "/api/v1/" + url.PathEscape(token) +
		"/firmware?title=" + escapeSpaces(title) + "&version=" + escapeSpaces(version)
	if _, err := url.Parse(raw); err != nil {
		return "", fmt.Errorf("ota: parse url: %w", err)
	}
	return raw, nil
}

func escapeSpaces(s string) string {
	return strings.ReplaceAll(s, " ", "%20")
}
