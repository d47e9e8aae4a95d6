package basicauth

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	// The header the sample sender uses.
	assert.Equal(t, "Basic bXlfdXNlcm5hbWU6bXlfcGFzc3dvcmQ=", Encode("my_username", "my_password"))
}

func TestParse(t *testing.T) {
	t.Run("success - valid basic auth header", func(t *testing.T) {
		creds, err := Parse(Encode("admin", "password123"))

		require.NoError(t, err)
		assert.Equal(t, "admin", creds.Username)
		assert.Equal(t, "password123", creds.Password)
	})

	t.Run("success - credentials with colon in password", func(t *testing.T) {
		creds, err := Parse("Basic " + base64.StdEncoding.EncodeToString([]byte("user:pass:word")))

		require.NoError(t, err)
		assert.Equal(t, "user", creds.Username)
		assert.Equal(t, "pass:word", creds.Password)
	})

	t.Run("success - lowercase scheme and extra whitespace", func(t *testing.T) {
		creds, err := Parse("  basic   " + base64.StdEncoding.EncodeToString([]byte("a:b")) + " ")

		require.NoError(t, err)
		assert.Equal(t, Credentials{Username: "a", Password: "b"}, creds)
	})

	t.Run("success - unpadded base64", func(t *testing.T) {
		creds, err := Parse("Basic " + base64.RawStdEncoding.EncodeToString([]byte("ab:c")))

		require.NoError(t, err)
		assert.Equal(t, Credentials{Username: "ab", Password: "c"}, creds)
	})

	t.Run("success - empty password", func(t *testing.T) {
		creds, err := Parse(Encode("solo", ""))

		require.NoError(t, err)
		assert.Equal(t, "solo", creds.Username)
		assert.Empty(t, creds.Password)
	})

	t.Run("error - missing authorization header", func(t *testing.T) {
		creds, err := Parse("")

		assert.ErrorIs(t, err, ErrMissingHeader)
		assert.Empty(t, creds)
	})

	t.Run("error - unsupported scheme", func(t *testing.T) {
		_, err := Parse("Bearer token123")

		assert.ErrorIs(t, err, ErrUnsupportedScheme)
	})

	t.Run("error - invalid base64", func(t *testing.T) {
		_, err := Parse("Basic invalid_base64!")

		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("error - missing credentials", func(t *testing.T) {
		_, err := Parse("Basic ")

		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("error - no colon separator", func(t *testing.T) {
		_, err := Parse("Basic " + base64.StdEncoding.EncodeToString([]byte("adminpassword")))

		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestCredentials_Masked(t *testing.T) {
	masked := Credentials{Username: "admin", Password: "secret"}.Masked()

	assert.Equal(t, "admin", masked.Username)
	assert.Equal(t, "******", masked.Password)

	masked = Credentials{Username: "jürgen", Password: "pässwörd"}.Masked()
	assert.Equal(t, "********", masked.Password, "one asterisk per character")
}

func BenchmarkParse(b *testing.B) {
	header := Encode("admin", "password123")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Parse(header)
	}
}
