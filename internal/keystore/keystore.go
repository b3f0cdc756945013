// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

// package keystore owns the per-user application key pair: lazy generation,
// sealing for at-rest storage, scoped unsealing for a single connection
// attempt, and propagation of new public keys to the identity provider.
package keystore

import (
	"errors"
	"fmt"

	"github.com/gatehouse/gatehouse/internal/db"
	"github.com/gatehouse/gatehouse/internal/logging"
	"github.com/gatehouse/gatehouse/internal/model"
	"github.com/gatehouse/gatehouse/internal/security"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

const keyComment = "gatehouse generated key pair"

// Propagator installs or removes a named public key on the identity
// provider so that key-based auth succeeds on the next attempt. It is an
// external collaborator; a nil Propagator skips the side effect.
type Propagator interface {
	InstallKey(userID int64, name, publicKey string) error
	RemoveKey(userID int64, name string) error
}

// KeyStore generates, stores, and opens per-user key material.
type KeyStore struct {
	store      db.Store
	sealer     *security.Sealer
	keyType    string
	propagator Propagator
}

// New builds a KeyStore. keyType is "ed25519" or "rsa"; propagator may be
// nil when no identity provider is wired.
func New(store db.Store, sealer *security.Sealer, keyType string, propagator Propagator) *KeyStore {
	if keyType == "" {
		keyType = "ed25519"
	}
	return &KeyStore{store: store, sealer: sealer, keyType: keyType, propagator: propagator}
}

// GetOrCreate returns the user's key material, generating and persisting a
// fresh pair on first call. Generation failure leaves no record behind.
func (ks *KeyStore) GetOrCreate(userID int64) (*model.KeyMaterial, error) {
	km, err := ks.store.GetKeyMaterial(userID)
	if err != nil {
		return nil, fmt.Errorf("load key material: %w", err)
	}
	if km != nil {
		return km, nil
	}
	return ks.create(userID)
}

func (ks *KeyStore) create(userID int64) (*model.KeyMaterial, error) {
	passphrase := uuid.NewString()
	publicKey, privatePEM, err := GenerateKeyPair(ks.keyType, keyComment, passphrase)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	// The plaintext PEM lives only until it is sealed.
	privSecret := security.Secret(privatePEM)
	defer privSecret.Zero()
	passSecret := security.FromString(passphrase)
	defer passSecret.Zero()

	privEnc, err := ks.sealer.Seal(privSecret)
	if err != nil {
		return nil, fmt.Errorf("seal private key: %w", err)
	}
	passEnc, err := ks.sealer.Seal(passSecret)
	if err != nil {
		return nil, fmt.Errorf("seal passphrase: %w", err)
	}

	km := &model.KeyMaterial{
		UserID:        userID,
		PublicKey:     publicKey,
		PrivateKeyEnc: privEnc,
		PassphraseEnc: passEnc,
		KeyType:       ks.keyType,
	}
	id, err := ks.store.SaveKeyMaterial(km)
	if err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			// Lost a create race; the winner's record is authoritative.
			return ks.store.GetKeyMaterial(userID)
		}
		return nil, fmt.Errorf("store key material: %w", err)
	}
	km.ID = id

	ks.propagate(km)
	logging.Infof("created %s application key for user %d", ks.keyType, userID)
	return km, nil
}

// Rotate replaces the user's key pair with a freshly generated one and asks
// the propagator to swap the installed public key.
func (ks *KeyStore) Rotate(userID int64) (*model.KeyMaterial, error) {
	old, err := ks.store.GetKeyMaterial(userID)
	if err != nil {
		return nil, fmt.Errorf("load key material: %w", err)
	}

	passphrase := uuid.NewString()
	publicKey, privatePEM, err := GenerateKeyPair(ks.keyType, keyComment, passphrase)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	privSecret := security.Secret(privatePEM)
	defer privSecret.Zero()
	passSecret := security.FromString(passphrase)
	defer passSecret.Zero()

	privEnc, err := ks.sealer.Seal(privSecret)
	if err != nil {
		return nil, fmt.Errorf("seal private key: %w", err)
	}
	passEnc, err := ks.sealer.Seal(passSecret)
	if err != nil {
		return nil, fmt.Errorf("seal passphrase: %w", err)
	}

	km := &model.KeyMaterial{
		UserID:        userID,
		PublicKey:     publicKey,
		PrivateKeyEnc: privEnc,
		PassphraseEnc: passEnc,
		KeyType:       ks.keyType,
	}
	id, err := ks.store.ReplaceKeyMaterial(km)
	if err != nil {
		return nil, fmt.Errorf("replace key material: %w", err)
	}
	km.ID = id

	if old != nil && ks.propagator != nil {
		if err := ks.propagator.RemoveKey(userID, old.KeyName()); err != nil {
			logging.Warnf("remove old public key for user %d: %v", userID, err)
		}
	}
	ks.propagate(km)
	logging.Infof("rotated application key for user %d", userID)
	return km, nil
}

func (ks *KeyStore) propagate(km *model.KeyMaterial) {
	if ks.propagator == nil {
		return
	}
	if err := ks.propagator.InstallKey(km.UserID, km.KeyName(), km.PublicKey); err != nil {
		// Key-based auth will fail until the operator re-propagates; the
		// record itself is good, so this is not fatal.
		logging.Warnf("propagate public key for user %d: %v", km.UserID, err)
	}
}

// Signer unseals the private key and builds an SSH signer for one
// connection attempt. Passphrase precedence: explicit argument, then the
// stored passphrase, then none. All decrypted material is zeroed before
// returning.
func (ks *KeyStore) Signer(km *model.KeyMaterial, explicitPassphrase string) (ssh.Signer, error) {
	privPEM, err := ks.sealer.Open(km.PrivateKeyEnc)
	if err != nil {
		return nil, fmt.Errorf("unseal private key: %w", err)
	}
	defer privPEM.Zero()

	passphrase := security.FromString(explicitPassphrase)
	if len(passphrase) == 0 {
		stored, err := ks.sealer.Open(km.PassphraseEnc)
		if err != nil {
			return nil, fmt.Errorf("unseal passphrase: %w", err)
		}
		passphrase = stored
	}
	defer passphrase.Zero()

	var signer ssh.Signer
	if len(passphrase) == 0 {
		signer, err = ssh.ParsePrivateKey(privPEM)
	} else {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(privPEM, passphrase)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
