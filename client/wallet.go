package client

import (
	"fmt"
	"os"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"TrustLinks/internal/identity"
)

// Wallet holds the secret key an identity signs attestations with.
type Wallet struct {
	secretKey string      // secretKey is the hex secp256k1 secret key
	id        identity.ID // id is the matching public identity
}

// NewWallet generates a fresh identity.
func NewWallet() *Wallet {
	w, err := WalletFromKey(nostr.GeneratePrivateKey())
	if err != nil {
		panic(fmt.Sprintf("generated key rejected: %v", err))
	}

	return w
}

// WalletFromKey accepts a hex secret key or an nsec.
func WalletFromKey(key string) (*Wallet, error) {
	key = strings.TrimSpace(key)

	if strings.HasPrefix(key, "nsec1") {
		prefix, value, err := nip19.Decode(key)
		if err != nil || prefix != "nsec" {
			return nil, fmt.Errorf("invalid nsec")
		}

		key = value.(string)
	}

	pk, err := nostr.GetPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("derive public key:\n%w", err)
	}

	id, err := identity.FromHex(pk)
	if err != nil {
		return nil, err
	}

	return &Wallet{secretKey: key, id: id}, nil
}

// LoadWallet reads a secret key file written by Save.
func LoadWallet(path string) (*Wallet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	return WalletFromKey(string(data))
}

// Save writes the secret key to path, readable by the owner only.
func (w *Wallet) Save(path string) error {
	if err := os.WriteFile(path, []byte(w.secretKey+"\n"), 0o600); err != nil {
		return fmt.Errorf("write key file:\n%w", err)
	}

	return nil
}

// ID returns the public identity.
func (w *Wallet) ID() identity.ID {
	return w.id
}

// SecretKey returns the hex secret key.
func (w *Wallet) SecretKey() string {
	return w.secretKey
}

// Nsec returns the NIP-19 form of the secret key.
func (w *Wallet) Nsec() string {
	nsec, _ := nip19.EncodePrivateKey(w.secretKey)
	return nsec
}
