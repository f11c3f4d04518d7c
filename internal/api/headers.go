package api

import "strings"

// getHeaderCaseInsensitive retrieves a header value using case-insensitive key
// matching. Go's HTTP library canonicalizes header keys (X-GitHub-Delivery
// becomes X-Github-Delivery), which makes exact string matches fail.
func getHeaderCaseInsensitive(headers map[string]string, key string) (string, bool) {
	keyLower := strings.ToLower(key)
	for k, v := range headers {
		if strings.ToLower(k) == keyLower {
			return v, true
		}
	}
	return "", false
}
