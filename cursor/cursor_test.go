package cursor

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/jonwraymond/toolhub/toolerr"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := NewCodec([]byte("secret"))
	cases := [][2]uint64{{0, 0}, {1, 1}, {42, 7}, {1 << 40, 1 << 33}, {^uint64(0), ^uint64(0)}}
	for _, tc := range cases {
		token := c.Encode(tc[0], tc[1])
		rev, ord, err := c.Decode(token)
		if err != nil {
			t.Fatalf("Decode(%q) failed: %v", token, err)
		}
		if rev != tc[0] || ord != tc[1] {
			t.Fatalf("round trip = (%d, %d), want (%d, %d)", rev, ord, tc[0], tc[1])
		}
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	c := NewCodec([]byte("secret"))
	if c.Encode(9, 3) != c.Encode(9, 3) {
		t.Fatal("expected identical tokens for identical inputs")
	}
	if c.Encode(9, 3) == c.Encode(9, 4) {
		t.Fatal("expected distinct tokens for distinct ordinals")
	}
}

func TestDecodeRejectsForeignSecret(t *testing.T) {
	a := NewCodec([]byte("alpha"))
	b := NewCodec([]byte("beta"))
	_, _, err := b.Decode(a.Encode(3, 1))
	if !errors.Is(err, toolerr.ErrInvalidCursor) {
		t.Fatalf("expected invalid cursor, got %v", err)
	}
}

func TestDecodeRejectsOtherScope(t *testing.T) {
	c := NewCodec([]byte("secret"))
	list := c.Scoped("list")
	search := c.Scoped("search\x00git")
	token := list.Encode(5, 2)

	if _, _, err := search.Decode(token); !errors.Is(err, toolerr.ErrInvalidCursor) {
		t.Fatalf("expected invalid cursor across scopes, got %v", err)
	}
	if _, _, err := list.Decode(token); err != nil {
		t.Fatalf("same scope decode failed: %v", err)
	}
}

func TestDecodeRejectsTampering(t *testing.T) {
	c := NewCodec([]byte("secret"))
	raw, err := base64.RawURLEncoding.DecodeString(c.Encode(10, 4))
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	raw[1] ^= 0x01
	tampered := base64.RawURLEncoding.EncodeToString(raw)
	if _, _, err := c.Decode(tampered); !errors.Is(err, toolerr.ErrInvalidCursor) {
		t.Fatalf("expected invalid cursor for tampered token, got %v", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	c := NewCodec(nil)
	for _, token := range []string{"", "   ", "!!!", "AAAA", base64.RawURLEncoding.EncodeToString(make([]byte, 40))} {
		if _, _, err := c.Decode(token); !errors.Is(err, toolerr.ErrInvalidCursor) {
			t.Fatalf("Decode(%q) = %v, want invalid cursor", token, err)
		}
	}
}

func TestRandomSecretsDiffer(t *testing.T) {
	a := NewCodec(nil)
	b := NewCodec(nil)
	if _, _, err := b.Decode(a.Encode(1, 1)); err == nil {
		t.Fatal("expected tokens from a different random secret to fail")
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": ResumeByKey, "resume": ResumeByKey, "REJECT": Reject} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParsePolicy("sometimes"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
	if Reject.String() != "reject" {
		t.Fatalf("unexpected String %q", Reject.String())
	}
}
