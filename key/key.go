// Package key derives the relay's cookie encryption keys from server
// secrets and keeps them sealed in memory between uses.
package key

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/kinderboard/relay/internal/util"
)

// MinSecretLen is the shortest server secret accepted for key derivation.
const MinSecretLen = 32

var (
	// ErrWeakSecret is returned when a secret is shorter than MinSecretLen.
	ErrWeakSecret = fmt.Errorf("secret must be at least %d bytes", MinSecretLen)
	// ErrEmptySecret is returned for blank secrets.
	ErrEmptySecret = errors.New("secret is empty")
)

var (
	derivationSalt  = []byte("kinderboard-relay")
	encryptionInfo  = []byte("cookie-codec:v1:aes256gcm")
	fingerprintInfo = []byte("cookie-codec:v1:key-id")
)

// IDSize is the length of a key fingerprint on the wire.
const IDSize = 4

// ID is a short fingerprint identifying which key sealed a value.
type ID [IDSize]byte

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Encrypter seals plaintext under a key it can identify.
type Encrypter interface {
	ID() ID
	Seal(dst, plainText, aad []byte) ([]byte, error)
}

// Decrypter opens values sealed by the matching Encrypter.
type Decrypter interface {
	ID() ID
	Open(sealed, aad []byte) ([]byte, error)
}

// Key is an AES-256-GCM key derived from a server secret. The raw key bytes
// are held in a memguard enclave and only decrypted for the duration of a
// single Seal or Open call.
type Key struct {
	id      ID
	enclave *memguard.Enclave
}

var (
	_ Encrypter = (*Key)(nil)
	_ Decrypter = (*Key)(nil)
)

// Derive turns a server secret into a Key. The same secret always yields
// the same key and ID, so every relay instance sharing a secret can read
// every other instance's cookies.
func Derive(secret []byte) (*Key, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	if len(secret) < MinSecretLen {
		return nil, ErrWeakSecret
	}
	raw, err := util.HKDF(secret, derivationSalt, encryptionInfo, util.AESKeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving encryption key: %w", err)
	}
	fp, err := util.HKDF(secret, derivationSalt, fingerprintInfo, IDSize)
	if err != nil {
		util.WipeBytes(raw)
		return nil, fmt.Errorf("deriving key id: %w", err)
	}
	var id ID
	copy(id[:], fp)
	return &Key{id: id, enclave: memguard.NewEnclave(raw)}, nil
}

func (k *Key) ID() ID {
	return k.id
}

func (k *Key) Seal(dst, plainText, aad []byte) ([]byte, error) {
	buf, err := k.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()

	gcm, err := util.NewGCM(buf.Bytes())
	if err != nil {
		return nil, err
	}
	return util.SealAppend(dst, gcm, plainText, aad)
}

func (k *Key) Open(sealed, aad []byte) ([]byte, error) {
	buf, err := k.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()

	gcm, err := util.NewGCM(buf.Bytes())
	if err != nil {
		return nil, err
	}
	return util.Open(gcm, sealed, aad)
}

// DecodeSecret parses a configured secret. Base64 (standard or URL
// alphabet, padded or not) is decoded; anything else is used verbatim.
func DecodeSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptySecret
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil && len(b) >= MinSecretLen {
			return b, nil
		}
	}
	return []byte(s), nil
}

// NewSecret returns a fresh random secret encoded for configuration files.
func NewSecret() (string, error) {
	b, err := util.RandomBytes(MinSecretLen)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
