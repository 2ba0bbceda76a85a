package internal

import (
	"fmt"
	"net/http"
	"strings"
)

// AccessTokenFromRequest returns the bearer token of the request. Browsers cannot set headers
// on a websocket handshake, so the access_token query parameter is accepted as well.
func AccessTokenFromRequest(req *http.Request) (string, error) {
	ah := req.Header.Get("Authorization")
	if ah != "" {
		if !strings.HasPrefix(ah, "Bearer ") {
			return "", fmt.Errorf("Authorization header is not a bearer token")
		}
		return strings.TrimPrefix(ah, "Bearer "), nil
	}
	if token := req.URL.Query().Get("access_token"); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("missing Authorization header")
}
