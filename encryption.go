package roomsync

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// EncryptionNonceSize is the nonce size for AES-GCM
	EncryptionNonceSize = 12
	// EncryptionSaltSize is the salt size for key derivation
	EncryptionSaltSize = 32
	// EncryptionKeySize is the AES-256 key size
	EncryptionKeySize = 32
	// PBKDF2Iterations is the number of iterations for key derivation
	PBKDF2Iterations = 100000
)

// EncryptionConfig configures encryption of materialized attachments.
type EncryptionConfig struct {
	// Enabled turns on encryption for attachment files
	Enabled bool `yaml:"enabled"`
	// Key is the encryption key (must be 32 bytes for AES-256)
	// If empty, KeyPassword is used to derive a key
	Key []byte `yaml:"key,omitempty"`
	// KeyPassword is used to derive the encryption key via PBKDF2
	KeyPassword string `yaml:"key_password,omitempty"`
}

// Encryptor provides encryption/decryption for attachment blobs.
type Encryptor struct {
	gcm      cipher.AEAD
	salt     []byte
	password string
}

// NewEncryptor creates a new encryptor from a key or password. Returns
// (nil, nil) when encryption is disabled.
func NewEncryptor(cfg EncryptionConfig) (*Encryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var key []byte
	var salt []byte
	var password string

	if len(cfg.Key) > 0 {
		if len(cfg.Key) != EncryptionKeySize {
			return nil, errors.New("encryption key must be 32 bytes for AES-256")
		}
		key = cfg.Key
	} else if cfg.KeyPassword != "" {
		salt = make([]byte, EncryptionSaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		key = pbkdf2.Key([]byte(cfg.KeyPassword), salt, PBKDF2Iterations, EncryptionKeySize, sha256.New)
		password = cfg.KeyPassword
	} else {
		return nil, errors.New("encryption enabled but no key or password provided")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Encryptor{gcm: gcm, salt: salt, password: password}, nil
}

// newEncryptorWithSalt derives a decryption-side encryptor from a
// password and a salt read from a blob header.
func newEncryptorWithSalt(password string, salt []byte) (*Encryptor, error) {
	if len(salt) != EncryptionSaltSize {
		return nil, errors.New("invalid salt size")
	}

	key := pbkdf2.Key([]byte(password), salt, PBKDF2Iterations, EncryptionKeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Encryptor{gcm: gcm, salt: salt, password: password}, nil
}

// Salt returns the salt used for key derivation, nil for raw-key mode.
func (e *Encryptor) Salt() []byte {
	return e.salt
}

// Encrypt encrypts plaintext and returns ciphertext with prepended nonce.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, EncryptionNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	// Prepend nonce to ciphertext
	ciphertext := e.gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// Decrypt decrypts ciphertext (with prepended nonce) and returns plaintext.
func (e *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < EncryptionNonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:EncryptionNonceSize]
	ciphertext = ciphertext[EncryptionNonceSize:]

	plaintext, err := e.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, err
	}

	return plaintext, nil
}

// magicEncrypted marks encrypted attachment blobs.
var magicEncrypted = [4]byte{'R', 'E', 'N', 'C'}

// encryptedHeaderSize is magic + version + salt.
const encryptedHeaderSize = 4 + 1 + EncryptionSaltSize

// SealBlob encrypts an attachment payload into a self-describing blob:
// a header carrying the key-derivation salt, then nonce+ciphertext.
func (e *Encryptor) SealBlob(plaintext []byte) ([]byte, error) {
	ciphertext, err := e.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, encryptedHeaderSize, encryptedHeaderSize+len(ciphertext))
	copy(buf[0:4], magicEncrypted[:])
	buf[4] = 1
	copy(buf[5:], e.salt)
	return append(buf, ciphertext...), nil
}

// OpenBlob decrypts a blob produced by SealBlob. In password mode the
// key is re-derived from the salt stored in the blob header, so blobs
// written by another device with the same password remain readable.
func (e *Encryptor) OpenBlob(blob []byte) ([]byte, error) {
	if len(blob) < encryptedHeaderSize {
		return nil, errors.New("encrypted blob too short")
	}
	if !bytes.Equal(blob[0:4], magicEncrypted[:]) {
		return nil, errors.New("not an encrypted blob")
	}

	salt := blob[5:encryptedHeaderSize]
	ciphertext := blob[encryptedHeaderSize:]

	dec := e
	if e.password != "" && !bytes.Equal(salt, e.salt) {
		var err error
		dec, err = newEncryptorWithSalt(e.password, salt)
		if err != nil {
			return nil, err
		}
	}
	return dec.Decrypt(ciphertext)
}

// IsEncryptedBlob reports whether data begins with the encrypted-blob
// header.
func IsEncryptedBlob(data []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[0:4], magicEncrypted[:])
}
