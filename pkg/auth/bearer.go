package auth

import "strings"

// HeaderAuthorization is the HTTP header and gRPC metadata key that carries
// the session token.
const HeaderAuthorization = "authorization"

const bearerPrefix = "Bearer "

// ExtractBearerToken returns the token from an Authorization header value.
// The scheme is matched case-insensitively. It returns "" when the header
// is empty, uses another scheme or carries an empty token.
func ExtractBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) <= len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(header[len(bearerPrefix):])
}
