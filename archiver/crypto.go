package archiver

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize      = 16
	ivSize        = 12
	reservedSize  = 4
	keySize       = 32
	pbkdf2Rounds  = 100000
	gcmTagSize    = 16
)

// encryptEnvelope implements the on-disk archive encryption format:
// a 32-byte clear header (16-byte salt, 12-byte IV, 4 reserved
// bytes) followed by the AES-256-GCM ciphertext (which already carries its
// own 16-byte auth tag as the trailing bytes of Seal's output). The key is
// PBKDF2(password, salt, 100000, 32, sha256), derived fresh per file so two
// files never share a key even with the same password.
func encryptEnvelope(password string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("archiver: generate salt: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("archiver: generate iv: %w", err)
	}

	key := pbkdf2.Key([]byte(password), salt, pbkdf2Rounds, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("archiver: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("archiver: new gcm: %w", err)
	}

	out := make([]byte, 0, saltSize+ivSize+reservedSize+len(plaintext)+gcmTagSize)
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, make([]byte, reservedSize)...)
	out = gcm.Seal(out, iv, plaintext, nil)
	return out, nil
}

// decryptEnvelope reverses encryptEnvelope, used by the debug/restore path
// and by tests verifying round-trip correctness.
func decryptEnvelope(password string, data []byte) ([]byte, error) {
	headerSize := saltSize + ivSize + reservedSize
	if len(data) < headerSize+gcmTagSize {
		return nil, fmt.Errorf("archiver: envelope too short")
	}
	salt := data[:saltSize]
	iv := data[saltSize : saltSize+ivSize]
	ciphertext := data[headerSize:]

	key := pbkdf2.Key([]byte(password), salt, pbkdf2Rounds, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("archiver: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("archiver: new gcm: %w", err)
	}
	return gcm.Open(nil, iv, ciphertext, nil)
}

// DecryptArchiveFile reverses the archive encryption for one on-disk file
// and, when the file name carries a .gz segment, gunzips the result. The
// returned bytes are the original one-record-per-line payload.
func DecryptArchiveFile(password, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("archiver: read %s: %w", path, err)
	}
	if strings.HasSuffix(path, ".enc") {
		if data, err = decryptEnvelope(password, data); err != nil {
			return nil, fmt.Errorf("archiver: decrypt %s: %w", path, err)
		}
	}
	if strings.Contains(path, ".gz") {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("archiver: gunzip %s: %w", path, err)
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("archiver: gunzip %s: %w", path, err)
		}
	}
	return data, nil
}
