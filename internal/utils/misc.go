package utils

import (
	"net/url"
	"strings"
)

// MaskURLCredentials replaces userinfo in an HTTP/FTP URL with ***:*** so
// credentials never reach persistence or logs. The mask is spliced in as-is;
// url.URL.String would percent-encode the asterisks.
func MaskURLCredentials(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	schemeEnd := strings.Index(raw, "://")
	if schemeEnd < 0 {
		return raw
	}
	rest := raw[schemeEnd+3:]
	at := strings.Index(rest, "@")
	if at < 0 {
		return raw
	}
	return raw[:schemeEnd+3] + "***:***@" + rest[at+1:]
}
