package sqlite

import "strings"

// ObjectCryptEngine serializes and encrypts values for Encrypted columns and
// reverses the operation.
type ObjectCryptEngine interface {
	// EncryptObject serializes value and returns the encrypted text.
	EncryptObject(value any) (string, error)
	// DecryptObject decrypts encrypted and deserializes it into out, which
	// must be a non-nil pointer. With failOnEmpty a blank input is an error,
	// otherwise out is left untouched.
	DecryptObject(encrypted string, out any, failOnEmpty bool) error
	// Initialize configures the engine, typically with a key.
	Initialize(params map[string]any) error
}

// DbNullHandling selects what typed and decrypted reads do on NULL.
type DbNullHandling int

const (
	// DbNullThrow fails the read with a DbNull error.
	DbNullThrow DbNullHandling = iota
	// DbNullReturnDefault returns the zero value.
	DbNullReturnDefault
)

func noCryptEngineError(on string) *Error {
	return NewCryptError(ErrNoCryptEngine, nil, "Cryptography has not been enabled on this SQLite %s.", on)
}

// decryptAs decrypts s into a new T.
func decryptAs[T any](e ObjectCryptEngine, s string) (T, error) {
	var out T
	if strings.TrimSpace(s) == "" {
		return out, NewCryptError(ErrDecrypt, nil, "The column value to be decrypted is empty.")
	}
	if err := e.DecryptObject(s, &out, true); err != nil {
		return out, NewCryptError(ErrDecrypt, err, "failed to decrypt value")
	}
	return out, nil
}
