// Package codec turns JSON values into opaque, URL-safe strings suitable for
// cookie storage and back again.
//
// A sealed value is the unpadded base64url encoding of
//
//	version (1 byte) || key id (4 bytes) || nonce (12 bytes) || AES-256-GCM ciphertext
//
// The version byte and key id are bound into the GCM additional data, so a
// value cannot be replayed under a different header.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kinderboard/relay/internal/util"
	"github.com/kinderboard/relay/key"
)

const (
	formatVersion byte = 1
	headerLen          = 1 + key.IDSize
	gcmTagSize         = 16
	minSealedLen       = headerLen + util.GCMNonceSize + gcmTagSize
)

var (
	// ErrMalformed means the input is not a value this codec produced:
	// bad base64, truncated, an unknown format version, or non-JSON plaintext.
	ErrMalformed = errors.New("codec: malformed value")
	// ErrUnknownKey means the value was sealed by a key no longer in the ring.
	ErrUnknownKey = errors.New("codec: unknown key")
	// ErrAuthentication means the ciphertext failed integrity checks.
	ErrAuthentication = errors.New("codec: authentication failed")
)

// IsDecodeError reports whether err came from decoding a foreign, stale or
// tampered value, as opposed to an internal failure.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnknownKey) || errors.Is(err, ErrAuthentication)
}

// Codec seals and opens values with the keys in a key.Ring.
type Codec struct {
	ring *key.Ring
}

// New returns a Codec that seals with ring's current key and opens with any
// key in the ring.
func New(ring *key.Ring) *Codec {
	return &Codec{ring: ring}
}

// NewFromSecrets derives a ring from the current secret and any previous
// secrets and returns a Codec over it.
func NewFromSecrets(current []byte, previous ...[]byte) (*Codec, error) {
	cur, err := key.Derive(current)
	if err != nil {
		return nil, fmt.Errorf("current secret: %w", err)
	}
	var prev []*key.Key
	for i, p := range previous {
		k, err := key.Derive(p)
		if err != nil {
			return nil, fmt.Errorf("previous secret %d: %w", i, err)
		}
		prev = append(prev, k)
	}
	return New(key.NewRing(cur, prev...)), nil
}

// Ring exposes the key ring, e.g. for rotation on secret reload.
func (c *Codec) Ring() *key.Ring {
	return c.ring
}

// Encrypt marshals v to JSON and seals it.
func (c *Codec) Encrypt(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("codec: marshaling value: %w", err)
	}
	defer util.WipeBytes(data)
	return c.seal(data)
}

func (c *Codec) seal(data []byte) (string, error) {
	k := c.ring.Current()
	header := makeHeader(k.ID())
	out := make([]byte, 0, minSealedLen+len(data))
	out = append(out, header...)
	out, err := k.Seal(out, data, header)
	if err != nil {
		return "", fmt.Errorf("codec: sealing value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decrypt opens s and unmarshals the JSON plaintext into v. Input that was
// percent-encoded, once or more, is accepted.
func (c *Codec) Decrypt(s string, v any) error {
	plain, err := c.open(s)
	if err != nil {
		return err
	}
	defer util.WipeBytes(plain)
	// Numbers stay json.Number so integers beyond 2^53 survive a re-seal.
	dec := json.NewDecoder(bytes.NewReader(plain))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after JSON value", ErrMalformed)
	}
	return nil
}

// DecryptValue opens s into a generic JSON value (map[string]any, []any,
// string, json.Number, bool or nil).
func (c *Codec) DecryptValue(s string) (any, error) {
	var v any
	if err := c.Decrypt(s, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Codec) open(s string) ([]byte, error) {
	s = util.UnescapeRepeated(strings.TrimSpace(s))
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if len(raw) < minSealedLen {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrMalformed, len(raw))
	}
	if raw[0] != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, raw[0])
	}
	var id key.ID
	copy(id[:], raw[1:headerLen])
	k, ok := c.ring.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}
	plain, err := k.Open(raw[headerLen:], makeHeader(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	return plain, nil
}

func makeHeader(id key.ID) []byte {
	h := make([]byte, headerLen)
	h[0] = formatVersion
	copy(h[1:], id[:])
	return h
}
