// Package cursor encodes pagination positions into opaque, tamper-evident
// tokens.
//
// A token carries the index revision it was minted against, the ordinal of
// the next item to yield, and a truncated HMAC-SHA256 tag. Tokens from a
// different secret, a different scope (for example a different search
// query) or tokens that were altered fail to decode with
// toolerr.ErrInvalidCursor.
package cursor

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/jonwraymond/toolhub/toolerr"
)

const (
	tokenVersion = 1
	tagLen       = 16
	// SecretLen is the size of generated secrets.
	SecretLen = 32
)

// Codec mints and verifies cursor tokens.
type Codec struct {
	secret []byte
	scope  string
}

// NewCodec returns a codec keyed by secret. An empty secret is replaced by
// random bytes, which makes tokens valid only for the lifetime of the
// process.
func NewCodec(secret []byte) *Codec {
	if len(secret) == 0 {
		secret = make([]byte, SecretLen)
		if _, err := rand.Read(secret); err != nil {
			panic(fmt.Sprintf("cursor: read random secret: %v", err))
		}
	}
	return &Codec{secret: append([]byte(nil), secret...)}
}

// Scoped returns a codec sharing c's secret whose tags also bind scope.
// Tokens minted by one scope never decode under another.
func (c *Codec) Scoped(scope string) *Codec {
	return &Codec{secret: c.secret, scope: scope}
}

// Encode returns the token for (revision, ordinal). It is deterministic.
func (c *Codec) Encode(revision, ordinal uint64) string {
	buf := make([]byte, 0, 1+2*binary.MaxVarintLen64+tagLen)
	buf = append(buf, tokenVersion)
	buf = binary.AppendUvarint(buf, revision)
	buf = binary.AppendUvarint(buf, ordinal)
	buf = append(buf, c.tag(buf)...)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Decode verifies token and returns its revision and ordinal.
func (c *Codec) Decode(token string) (revision, ordinal uint64, err error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, 0, toolerr.New(toolerr.KindInvalidCursor, "empty cursor")
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, 0, toolerr.New(toolerr.KindInvalidCursor, "malformed cursor")
	}
	if len(raw) < 1+2+tagLen || raw[0] != tokenVersion {
		return 0, 0, toolerr.New(toolerr.KindInvalidCursor, "malformed cursor")
	}

	body := raw[:len(raw)-tagLen]
	if !hmac.Equal(raw[len(raw)-tagLen:], c.tag(body)) {
		return 0, 0, toolerr.New(toolerr.KindInvalidCursor, "cursor integrity check failed")
	}

	rest := body[1:]
	revision, n := binary.Uvarint(rest)
	if n <= 0 {
		return 0, 0, toolerr.New(toolerr.KindInvalidCursor, "malformed cursor")
	}
	rest = rest[n:]
	ordinal, n = binary.Uvarint(rest)
	if n <= 0 || n != len(rest) {
		return 0, 0, toolerr.New(toolerr.KindInvalidCursor, "malformed cursor")
	}
	return revision, ordinal, nil
}

func (c *Codec) tag(body []byte) []byte {
	mac := hmac.New(sha256.New, c.secret)
	var n [binary.MaxVarintLen64]byte
	mac.Write(n[:binary.PutUvarint(n[:], uint64(len(c.scope)))])
	mac.Write([]byte(c.scope))
	mac.Write(body)
	return mac.Sum(nil)[:tagLen]
}
