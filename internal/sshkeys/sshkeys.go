// Package sshkeys generates and inspects the private keys handed to ssh as
// key_file for tunnel endpoints.
package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

const (
	PrivateKeyFile = "aicli_ed25519"
	PublicKeyFile  = "aicli_ed25519.pub"

	keyComment = "aicli-tunnel"
)

// KeyInfo describes a private key file on disk.
type KeyInfo struct {
	Path        string `json:"path"`
	Type        string `json:"type,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Encrypted   bool   `json:"encrypted"`
}

// GenerateKeyPair generates an ED25519 key pair and returns the public key in
// authorized_keys format and the private key as an OpenSSH PEM block, which
// is the format the ssh binary reads through -i.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, keyComment)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	privateKeyPEM = pem.EncodeToMemory(block)

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	publicKey = ssh.MarshalAuthorizedKey(sshPub)

	return publicKey, privateKeyPEM, nil
}

// SaveKeyPair writes the key pair into dir and returns the private key path.
// The directory is created with 0700, the private key written with 0600 and
// the public key with 0644. Existing files are never overwritten.
func SaveKeyPair(dir string, privateKey, publicKey []byte) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create key directory: %w", err)
	}
	if KeyPairExists(dir) {
		return "", fmt.Errorf("key pair already exists in %s", dir)
	}

	privPath := filepath.Join(dir, PrivateKeyFile)
	if err := os.WriteFile(privPath, privateKey, 0600); err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}

	pubPath := filepath.Join(dir, PublicKeyFile)
	if err := os.WriteFile(pubPath, publicKey, 0644); err != nil {
		return "", fmt.Errorf("write public key: %w", err)
	}

	log.Printf("SSH key pair saved to %s", dir)
	return privPath, nil
}

// KeyPairExists reports whether either key file is already present in dir.
func KeyPairExists(dir string) bool {
	for _, name := range []string{PrivateKeyFile, PublicKeyFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// InspectKeyFile reads a private key and reports its type and SHA256
// fingerprint. Passphrase-protected keys are reported as Encrypted; their
// fingerprint is only available when the file embeds the public half.
func InspectKeyFile(path string) (KeyInfo, error) {
	info := KeyInfo{Path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		return info, fmt.Errorf("read key file: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			info.Encrypted = true
			if missing.PublicKey != nil {
				info.Type = missing.PublicKey.Type()
				info.Fingerprint = ssh.FingerprintSHA256(missing.PublicKey)
			}
			return info, nil
		}
		return info, fmt.Errorf("parse private key %s: %w", path, err)
	}

	info.Type = signer.PublicKey().Type()
	info.Fingerprint = ssh.FingerprintSHA256(signer.PublicKey())
	return info, nil
}
