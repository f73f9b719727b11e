package job

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const keyBits = 2048

// GenerateKeyPair creates the per-job RSA key pair used for SSH fanout
// between a job's worker containers. The keys are written under the
// manager's key root in a directory named for the job; the directory
// path is returned for mounting into the containers.
func (m *Manager) GenerateKeyPair(jobID string) (string, error) {
	dir := filepath.Join(m.keyRoot, jobID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create key directory: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return "", fmt.Errorf("failed to generate RSA key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(filepath.Join(dir, "id_rsa"), privPEM, 0600); err != nil {
		return "", fmt.Errorf("failed to write private key: %w", err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubBytes,
	})
	if err := os.WriteFile(filepath.Join(dir, "id_rsa.pub"), pubPEM, 0644); err != nil {
		return "", fmt.Errorf("failed to write public key: %w", err)
	}

	return dir, nil
}

// RemoveKeyPair deletes a job's key directory. Missing directories are
// not an error; terminal transitions may race.
func (m *Manager) RemoveKeyPair(jobID string) error {
	dir := filepath.Join(m.keyRoot, jobID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove key directory %s: %w", dir, err)
	}
	return nil
}
