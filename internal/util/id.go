package util

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// crockford is the Crockford base32 alphabet: no I, L, O or U.
const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// NewID returns a short hex ID for request and job identifiers.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewEntityID returns a UUID for persisted rows.
func NewEntityID() string {
	return uuid.NewString()
}

// NewToken returns 32 random bytes, base64url encoded. Tokens are bearer
// secrets and carry no relation to entity IDs.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewVerificationCode returns n Crockford base32 characters.
func NewVerificationCode(n int) (string, error) {
	if n <= 0 {
		n = 10
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate verification code: %w", err)
	}
	out := make([]byte, n)
	for i, v := range b {
		out[i] = crockford[int(v)%len(crockford)]
	}
	return string(out), nil
}

// NormalizeVerificationCode upper-cases a user-typed code and maps the
// ambiguous letters onto their digits.
func NormalizeVerificationCode(code string) string {
	out := make([]byte, 0, len(code))
	for i := 0; i < len(code); i++ {
		c := code[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		switch c {
		case 'O':
			c = '0'
		case 'I', 'L':
			c = '1'
		case '-', ' ':
			continue
		}
		out = append(out, c)
	}
	return string(out)
}
