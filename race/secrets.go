package race

import (
	"fmt"
	"os"
	"strings"
)

// SecretPrefix marks a configuration value that must be resolved
// through a SecretStore rather than used literally (spec.md §6
// "confidential-values store", prefix `??`).
const SecretPrefix = "??"

// SecretStore resolves a symbolic secret name to its value. The core
// ships EnvSecretStore and the encrypted-file FileSecretStore; vault-
// backed stores are an application-layer concern.
type SecretStore interface {
	Resolve(name string) (string, error)
}

// IsSecretRef reports whether a raw configuration value is a `??`-
// prefixed secret reference, and returns the bare name if so.
func IsSecretRef(raw string) (name string, ok bool) {
	if !strings.HasPrefix(raw, SecretPrefix) {
		return "", false
	}
	return strings.TrimPrefix(raw, SecretPrefix), true
}

// EnvSecretStore resolves RACE_SECRET_<UPPERCASED_NAME> from the
// process environment. It is the SecretStore a Runtime uses when none
// is configured.
type EnvSecretStore struct{}

// Resolve implements SecretStore.
func (EnvSecretStore) Resolve(name string) (string, error) {
	key := "RACE_SECRET_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	val, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("race: secret %q not found (expected environment variable %s)", name, key)
	}
	return val, nil
}
