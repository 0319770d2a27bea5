// Package crypt provides an object crypt engine for encrypted columns. Values
// are serialized as JSON and sealed with AES-256-GCM under a key derived
// from a passphrase with Argon2id.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

// KeyParam is the Initialize parameter holding the passphrase.
const KeyParam = "CryptoKey"

// Argon2id parameters. The salt is fixed so that the same passphrase always
// derives the same key.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	keyLen       = 32
)

var argonSalt = []byte("litedb.crypt.v1")

var (
	ErrNotInitialized = errors.New("Crypt engine is not initialized.")
	ErrInvalidKey     = errors.New("invalid crypto key")
	ErrEmptyValue     = errors.New("the value to be decrypted is empty")
)

// AESEngine implements sqlite.ObjectCryptEngine. It is safe for concurrent
// use once initialized.
type AESEngine struct {
	mu   sync.RWMutex
	aead cipher.AEAD
}

// NewAESEngine returns an engine keyed by passphrase. An empty passphrase
// returns an engine that must be initialized before use.
func NewAESEngine(passphrase string) (*AESEngine, error) {
	e := &AESEngine{}
	if passphrase == "" {
		return e, nil
	}
	if err := e.setKey(passphrase); err != nil {
		return nil, err
	}
	return e, nil
}

// Initialize sets the key from params[KeyParam].
func (e *AESEngine) Initialize(params map[string]any) error {
	raw, ok := params[KeyParam]
	if !ok {
		return errors.Wrapf(ErrInvalidKey, "missing %q parameter", KeyParam)
	}
	key, ok := raw.(string)
	if !ok {
		return errors.Wrapf(ErrInvalidKey, "%q must be a string, got %T", KeyParam, raw)
	}
	return e.setKey(key)
}

func (e *AESEngine) setKey(passphrase string) error {
	if strings.TrimSpace(passphrase) == "" {
		return errors.Wrap(ErrInvalidKey, "the key must not be blank")
	}
	if strings.TrimSpace(passphrase) != passphrase {
		return errors.Wrap(ErrInvalidKey, "the key must not start or end with whitespace")
	}
	key := argon2.IDKey([]byte(passphrase), argonSalt, argonTime, argonMemory, argonThreads, keyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return errors.Wrap(err, "failed to create cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return errors.Wrap(err, "failed to create GCM")
	}
	e.mu.Lock()
	e.aead = aead
	e.mu.Unlock()
	return nil
}

func (e *AESEngine) gcm() (cipher.AEAD, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.aead == nil {
		return nil, ErrNotInitialized
	}
	return e.aead, nil
}

// EncryptObject marshals value to JSON and returns base64(nonce||sealed).
func (e *AESEngine) EncryptObject(value any) (string, error) {
	aead, err := e.gcm()
	if err != nil {
		return "", err
	}
	plain, err := json.Marshal(value)
	if err != nil {
		return "", errors.Wrapf(err, "failed to serialize %T", value)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "failed to generate nonce")
	}
	sealed := aead.Seal(nonce, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptObject reverses EncryptObject into out, which must be a non-nil
// pointer. A blank input fails with failOnEmpty and is otherwise a no-op.
func (e *AESEngine) DecryptObject(encrypted string, out any, failOnEmpty bool) error {
	aead, err := e.gcm()
	if err != nil {
		return err
	}
	if rv := reflect.ValueOf(out); rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("decrypt target must be a non-nil pointer, got %T", out)
	}
	if strings.TrimSpace(encrypted) == "" {
		if failOnEmpty {
			return ErrEmptyValue
		}
		return nil
	}
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encrypted))
	if err != nil {
		return errors.Wrap(err, "failed to decode encrypted value")
	}
	if len(sealed) < aead.NonceSize() {
		return errors.New("encrypted value is too short")
	}
	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return errors.Wrap(err, "failed to decrypt value")
	}
	if err := json.Unmarshal(plain, out); err != nil {
		return errors.Wrapf(err, "failed to deserialize into %T", out)
	}
	return nil
}
