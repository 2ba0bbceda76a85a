// Package auth verifies who is on the other end of a connection. It never issues credentials:
// tokens are minted by whatever login service the deployment already has, and only their
// signature and expiry are checked here.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/codehive/roomsync/internal"
	"github.com/codehive/roomsync/presence"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator establishes the identity behind an HTTP request, e.g a websocket handshake. An
// empty identity with a nil error means the request is allowed in unauthenticated.
type Authenticator interface {
	Authenticate(req *http.Request) (string, error)
}

// Anonymous lets every connection in without checking anything. Sessions are then whoever they
// register as.
type Anonymous struct{}

func (Anonymous) Authenticate(req *http.Request) (string, error) {
	return "", nil
}

// JWT verifies HMAC signed bearer tokens. The identity is the token's subject.
type JWT struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWT returns a verifier for tokens signed with secret. If issuer is not empty, tokens must
// carry it.
func NewJWT(secret, issuer string) *JWT {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWT{
		secret: []byte(secret),
		parser: jwt.NewParser(opts...),
	}
}

// Verify returns the identity of a valid token.
func (j *JWT) Verify(tokenStr string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := j.parser.ParseWithClaims(tokenStr, &claims, func(token *jwt.Token) (interface{}, error) {
		return j.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// Authenticate requires a valid token on every request.
func (j *JWT) Authenticate(req *http.Request) (string, error) {
	token, err := internal.AccessTokenFromRequest(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnauthenticated, err)
	}
	identity, err := j.Verify(token)
	if err != nil {
		logger.Debug().Err(err).Str("remote", req.RemoteAddr).Msg("rejected token")
		return "", err
	}
	return identity, nil
}

// Identify binds a session to the identity its token was issued for. A register event may name
// that identity again but never another one.
func (j *JWT) Identify(verified, claimed string) (string, error) {
	if verified == "" {
		return "", presence.ErrNotRegistered
	}
	if claimed != "" && claimed != verified {
		return "", presence.ErrIdentityMismatch
	}
	return verified, nil
}
