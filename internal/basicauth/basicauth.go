// Package basicauth encodes and decodes HTTP Basic-Auth header values.
//
// Decoding is deliberately lenient about formatting (scheme case, padding,
// surrounding whitespace) because the values usually arrive tunneled inside
// a JSON body written by hand rather than by an HTTP client.
package basicauth

import (
	"encoding/base64"
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	ErrMissingHeader     = errors.New("missing authorization header")
	ErrUnsupportedScheme = errors.New("unsupported authorization scheme")
	ErrMalformed         = errors.New("malformed basic authorization header")
)

const scheme = "Basic"

// Credentials is a decoded username/password pair.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Masked returns the credentials with the password replaced by asterisks of
// the same length, for logging.
func (c Credentials) Masked() Credentials {
	return Credentials{
		Username: c.Username,
		Password: strings.Repeat("*", utf8.RuneCountInString(c.Password)),
	}
}

// Encode builds an Authorization header value for the given user and password.
func Encode(username, password string) string {
	return scheme + " " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

// Parse decodes an Authorization header value of the form "Basic <base64>".
func Parse(header string) (Credentials, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Credentials{}, ErrMissingHeader
	}

	name, encoded, _ := strings.Cut(header, " ")
	if !strings.EqualFold(name, scheme) {
		return Credentials{}, ErrUnsupportedScheme
	}

	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return Credentials{}, ErrMalformed
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// Hand-written headers often drop the padding.
		decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if err != nil {
			return Credentials{}, ErrMalformed
		}
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return Credentials{}, ErrMalformed
	}

	return Credentials{Username: username, Password: password}, nil
}
