package rp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// Token layout: base64url(salt || nonce || ciphertext). The plaintext is a
// JSON envelope carrying issue time and TTL so expiry is authenticated
// along with the payload.
const (
	sealSaltLen   = 16
	sealNonceLen  = 12
	sealKeyLen    = 32
	sealKDFRounds = 100_000
	sealVersion   = 1
)

// overridable in tests
var sealNow = time.Now

type sealEnvelope struct {
	Version  int             `json:"v"`
	IssuedAt int64           `json:"iat"`
	TTL      int64           `json:"ttl"`
	Data     json.RawMessage `json:"data"`
}

// Seal serializes payload with authenticated encryption under a key derived
// from password. ttl zero means the codec enforces no expiry; the cookie's
// own max-age governs instead.
func Seal(payload any, password string, ttl time.Duration) (string, error) {
	if len(password) < minCookiePasswordLen {
		return "", &SealingError{Reason: fmt.Sprintf("password must be at least %d characters", minCookiePasswordLen)}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", &SealingError{Reason: "encode payload", Err: err}
	}
	envelope, err := json.Marshal(sealEnvelope{
		Version:  sealVersion,
		IssuedAt: sealNow().Unix(),
		TTL:      int64(ttl / time.Second),
		Data:     data,
	})
	if err != nil {
		return "", &SealingError{Reason: "encode envelope", Err: err}
	}

	salt := make([]byte, sealSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", &SealingError{Reason: "generate salt", Err: err}
	}

	gcm, err := newSealCipher(password, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, sealNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", &SealingError{Reason: "generate nonce", Err: err}
	}

	out := make([]byte, 0, sealSaltLen+sealNonceLen+len(envelope)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, envelope, nil)

	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Unseal reverses Seal into out. It fails with a SealingError when the token
// is malformed, the authentication tag does not verify, or the declared TTL
// has elapsed. It never returns a mutated payload.
func Unseal(token, password string, out any) error {
	if len(password) < minCookiePasswordLen {
		return &SealingError{Reason: fmt.Sprintf("password must be at least %d characters", minCookiePasswordLen)}
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return &SealingError{Reason: "decode token", Err: err}
	}
	if len(raw) < sealSaltLen+sealNonceLen+1 {
		return &SealingError{Reason: "token too short"}
	}

	salt := raw[:sealSaltLen]
	nonce := raw[sealSaltLen : sealSaltLen+sealNonceLen]
	ciphertext := raw[sealSaltLen+sealNonceLen:]

	gcm, err := newSealCipher(password, salt)
	if err != nil {
		return err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return &SealingError{Reason: "integrity check failed", Err: err}
	}

	var envelope sealEnvelope
	if err := json.Unmarshal(plaintext, &envelope); err != nil {
		return &SealingError{Reason: "decode envelope", Err: err}
	}
	if envelope.Version != sealVersion {
		return &SealingError{Reason: fmt.Sprintf("unsupported version %d", envelope.Version)}
	}
	if envelope.TTL > 0 {
		expires := time.Unix(envelope.IssuedAt, 0).Add(time.Duration(envelope.TTL) * time.Second)
		if sealNow().After(expires) {
			return &SealingError{Reason: "token expired"}
		}
	}

	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return &SealingError{Reason: "decode payload", Err: err}
	}
	return nil
}

func newSealCipher(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, sealKDFRounds, sealKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &SealingError{Reason: "init cipher", Err: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &SealingError{Reason: "init cipher", Err: err}
	}
	return gcm, nil
}
