// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

package keystore

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

const rsaBits = 3072

// GenerateKeyPair creates a new key pair of the given type ("ed25519" or
// "rsa") and returns the public key in authorized_keys format and the
// private key as a passphrase-encrypted PEM block in the OpenSSH format.
func GenerateKeyPair(keyType, comment, passphrase string) (publicKey string, privatePEM []byte, err error) {
	var priv crypto.PrivateKey
	var pub crypto.PublicKey

	switch strings.ToLower(keyType) {
	case "", "ed25519":
		p, k, genErr := ed25519.GenerateKey(rand.Reader)
		if genErr != nil {
			return "", nil, fmt.Errorf("failed to generate ed25519 key pair: %w", genErr)
		}
		priv, pub = k, p
	case "rsa":
		k, genErr := rsa.GenerateKey(rand.Reader, rsaBits)
		if genErr != nil {
			return "", nil, fmt.Errorf("failed to generate rsa key pair: %w", genErr)
		}
		priv, pub = k, k.Public()
	default:
		return "", nil, fmt.Errorf("unsupported key type %q (want ed25519 or rsa)", keyType)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	publicKey = fmt.Sprintf("%s %s", strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))), comment)

	var pemBlock *pem.Block
	if passphrase == "" {
		pemBlock, err = ssh.MarshalPrivateKey(priv, comment)
	} else {
		pemBlock, err = ssh.MarshalPrivateKeyWithPassphrase(priv, comment, []byte(passphrase))
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return publicKey, pem.EncodeToMemory(pemBlock), nil
}
