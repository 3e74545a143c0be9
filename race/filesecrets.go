package race

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// SecretStoreEnvVar names the environment variable the CLI reads to
// locate an optional secrets store, per spec.md §6 "Environment: a
// single variable names the location of an optional secrets store". If
// unset, the Runtime falls back to EnvSecretStore.
const SecretStoreEnvVar = "RACE_SECRET_STORE"

// SecretStorePassphraseEnvVar names the passphrase used to derive the
// FileSecretStore's decryption key.
const SecretStorePassphraseEnvVar = "RACE_SECRET_STORE_PASSPHRASE"

// FileSecretStore resolves secret names against an AES-256-GCM
// encrypted file: a name-to-value map, YAML-encoded, then sealed as a
// single blob with a nonce prepended.
type FileSecretStore struct {
	values map[string]string
}

// NewFileSecretStore reads path, decrypts it with a key derived from
// passphrase via SHA-256, and parses the resulting plaintext as a YAML
// map of secret name to value.
func NewFileSecretStore(path, passphrase string) (*FileSecretStore, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("race: secret store passphrase must not be empty")
	}

	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("race: failed to read secret store %s: %w", path, err)
	}

	plaintext, err := decryptWithPassphrase(ciphertext, passphrase)
	if err != nil {
		return nil, fmt.Errorf("race: failed to decrypt secret store %s: %w", path, err)
	}

	var values map[string]string
	if err := yaml.Unmarshal(plaintext, &values); err != nil {
		return nil, fmt.Errorf("race: secret store %s did not decrypt to a valid name/value map: %w", path, err)
	}

	return &FileSecretStore{values: values}, nil
}

// Resolve implements SecretStore.
func (f *FileSecretStore) Resolve(name string) (string, error) {
	val, ok := f.values[name]
	if !ok {
		return "", fmt.Errorf("race: secret %q not present in file secret store", name)
	}
	return val, nil
}

// EncryptSecretFile is the FileSecretStore's write path: it YAML-encodes
// values and seals them with a passphrase-derived AES-256-GCM key, for
// tooling that provisions a secret store file.
func EncryptSecretFile(values map[string]string, passphrase string) ([]byte, error) {
	plaintext, err := yaml.Marshal(values)
	if err != nil {
		return nil, err
	}
	return encryptWithPassphrase(plaintext, passphrase)
}

func deriveKey(passphrase string) []byte {
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:]
}

func encryptWithPassphrase(plaintext []byte, passphrase string) ([]byte, error) {
	block, err := aes.NewCipher(deriveKey(passphrase))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithPassphrase(ciphertext []byte, passphrase string) ([]byte, error) {
	block, err := aes.NewCipher(deriveKey(passphrase))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
