// Package util holds small shared helpers.
package util

import (
	"net/url"
	"strings"
)

// HideAPIKey obscures an API key for logging, showing only the first and
// last few characters.
func HideAPIKey(apiKey string) string {
	if len(apiKey) > 8 {
		return apiKey[:4] + "..." + apiKey[len(apiKey)-4:]
	} else if len(apiKey) > 4 {
		return apiKey[:2] + "..." + apiKey[len(apiKey)-2:]
	} else if len(apiKey) > 2 {
		return apiKey[:1] + "..." + apiKey[len(apiKey)-1:]
	}
	return apiKey
}

// sensitiveQueryParams are query keys whose values never reach the logs.
var sensitiveQueryParams = map[string]struct{}{
	"auth_token": {},
	"api_key":    {},
	"token":      {},
	"proof":      {},
}

// MaskSensitiveQuery masks sensitive query parameter values within the raw
// query string, leaving the rest untouched.
func MaskSensitiveQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	changed := false
	for i, part := range parts {
		if part == "" {
			continue
		}
		keyPart := part
		valuePart := ""
		if idx := strings.Index(part, "="); idx >= 0 {
			keyPart = part[:idx]
			valuePart = part[idx+1:]
		}
		decodedKey, errKey := url.QueryUnescape(keyPart)
		if errKey != nil {
			decodedKey = keyPart
		}
		if _, sensitive := sensitiveQueryParams[strings.ToLower(decodedKey)]; !sensitive {
			continue
		}
		if valuePart != "" {
			parts[i] = keyPart + "=" + url.QueryEscape(HideAPIKey(valuePart))
			changed = true
		}
	}
	if !changed {
		return raw
	}
	return strings.Join(parts, "&")
}
