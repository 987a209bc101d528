package shellsession

import (
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// loadSigner reads and parses a private key file into an ssh.Signer.
func loadSigner(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}
	return signer, nil
}
