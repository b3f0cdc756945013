// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

package inventory

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gatehouse/gatehouse/internal/logging"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const authorizedKeysPath = ".ssh/authorized_keys"

// KeyInstaller propagates application public keys to the identity host's
// authorized_keys file over SFTP. Lines it manages carry the key's name as
// the comment field; everything else in the file is left untouched.
type KeyInstaller struct {
	Addr    string
	User    string
	Signer  ssh.Signer
	Timeout time.Duration
}

// NewKeyInstaller builds an installer from an admin private key file.
func NewKeyInstaller(addr, user, keyPath string, timeout time.Duration) (*KeyInstaller, error) {
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read admin key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse admin key: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KeyInstaller{Addr: addr, User: user, Signer: signer, Timeout: timeout}, nil
}

// InstallKey adds or replaces the named public key on the identity host.
func (k *KeyInstaller) InstallKey(userID int64, name, publicKey string) error {
	return k.rewrite(func(existing []byte) []byte {
		return MergeAuthorizedKey(existing, name, publicKey)
	})
}

// RemoveKey drops the named public key from the identity host.
func (k *KeyInstaller) RemoveKey(userID int64, name string) error {
	return k.rewrite(func(existing []byte) []byte {
		return StripAuthorizedKey(existing, name)
	})
}

func (k *KeyInstaller) rewrite(transform func([]byte) []byte) error {
	client, sc, err := k.connect()
	if err != nil {
		return err
	}
	defer func() {
		_ = sc.Close()
		_ = client.Close()
	}()

	existing, err := readAuthorizedKeys(sc)
	if err != nil {
		return err
	}
	return deployAuthorizedKeys(sc, transform(existing))
}

func (k *KeyInstaller) connect() (*ssh.Client, *sftp.Client, error) {
	addr := k.Addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	cfg := &ssh.ClientConfig{
		User: k.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(k.Signer)},
		// Same trade-off as the console path: targets are short-lived and
		// carry no stable identity to pin.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         k.Timeout,
	}
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to identity host %s: %w", addr, err)
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("open sftp channel: %w", err)
	}
	return client, sc, nil
}

func readAuthorizedKeys(sc *sftp.Client) ([]byte, error) {
	f, err := sc.Open(authorizedKeysPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open remote %s: %w", authorizedKeysPath, err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read remote %s: %w", authorizedKeysPath, err)
	}
	return content, nil
}

// deployAuthorizedKeys uploads the new content next to the target file and
// renames it into place. Pure SFTP so it works with restricted keys
// (command="internal-sftp").
func deployAuthorizedKeys(sc *sftp.Client, content []byte) error {
	sshDir := path.Dir(authorizedKeysPath)
	_ = sc.Mkdir(sshDir) // already existing is fine
	if err := sc.Chmod(sshDir, 0700); err != nil {
		return fmt.Errorf("chmod %s: %w", sshDir, err)
	}

	tmpPath := path.Join(sshDir, fmt.Sprintf("authorized_keys.gatehouse.%d", time.Now().UnixNano()))
	f, err := sc.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		_ = sc.Remove(tmpPath)
		return fmt.Errorf("write temporary file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = sc.Remove(tmpPath)
		return fmt.Errorf("flush temporary file: %w", err)
	}
	if err := sc.Chmod(tmpPath, 0600); err != nil {
		_ = sc.Remove(tmpPath)
		return fmt.Errorf("chmod temporary file: %w", err)
	}
	if err := sc.Rename(tmpPath, authorizedKeysPath); err != nil {
		_ = sc.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	logging.Debugf("deployed %s (%d bytes)", authorizedKeysPath, len(content))
	return nil
}

// MergeAuthorizedKey returns the file content with the named key present
// exactly once. The key line is rewritten so its comment field is the name,
// which is how managed lines are found again later.
func MergeAuthorizedKey(existing []byte, name, publicKey string) []byte {
	lines := keptLines(existing, name)
	fields := strings.Fields(publicKey)
	if len(fields) >= 2 {
		publicKey = fields[0] + " " + fields[1] + " " + name
	}
	lines = append(lines, publicKey)
	return []byte(strings.Join(lines, "\n") + "\n")
}

// StripAuthorizedKey returns the file content without the named key.
func StripAuthorizedKey(existing []byte, name string) []byte {
	lines := keptLines(existing, name)
	if len(lines) == 0 {
		return nil
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// keptLines returns every non-empty line whose comment field is not the
// managed name.
func keptLines(existing []byte, name string) []string {
	var out []string
	for _, line := range strings.Split(string(bytes.TrimSpace(existing)), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[2] == name {
			continue
		}
		out = append(out, line)
	}
	return out
}
