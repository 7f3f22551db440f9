// Package credstore loads follower (and leader) account descriptors from
// an encrypted JSON credential file, decrypting secrets through the
// versioned key manager.
//
// Grounded on load_api_keys_from_file in
// _examples/original_source/utils/helpers.py (status/copy_trade_enabled
// filtering, drop-on-decrypt-failure, missing-file => empty list) and on
// the versioned AES-GCM KeyManager in
// _examples/monjeychiang-DES-V2/.../pkg/crypto/key_manager.go, kept
// largely as-is under pkg/crypto since it is exchange- and
// domain-agnostic infrastructure.
package credstore

import (
	"encoding/json"
	"log"
	"os"
	"strings"

	"copycore/internal/model"
	"copycore/pkg/crypto"
)

// rawEntry is one user/exchange record nested under the on-disk
// credential store's user_id -> exchange_id keying (spec §6).
type rawEntry struct {
	APIKeyEncrypted        string `json:"api_key"`
	APISecretEncrypted     string `json:"api_secret"`
	APIPassphraseEncrypted string `json:"api_passphrase"`
	Status                 string `json:"status"`
	CopyTradeEnabled       bool   `json:"copy_trade_enabled"`
}

// Store reads and decrypts account descriptors from a credential file.
type Store struct {
	path string
	keys *crypto.KeyManager
}

// New builds a Store reading from path and decrypting with keys.
func New(path string, keys *crypto.KeyManager) *Store {
	return &Store{path: path, keys: keys}
}

// LoadAll reads every "active" entry from the credential file, decrypting
// secrets. Entries that fail decryption are dropped with a logged error.
// A missing file yields an empty list, not an error.
func (s *Store) LoadAll() ([]model.Account, error) {
	return s.load(false)
}

// LoadCopyEnabled is LoadAll further filtered to copy_trade_enabled ==
// true — the set the replication engine and reconciliation loop actually
// fan out to.
func (s *Store) LoadCopyEnabled() ([]model.Account, error) {
	return s.load(true)
}

func (s *Store) load(onlyCopyEnabled bool) ([]model.Account, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var raw map[string]map[string]rawEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	out := make([]model.Account, 0, len(raw))
	for userID, exchanges := range raw {
		for exchangeID, e := range exchanges {
			if e.Status != "active" {
				continue
			}
			if onlyCopyEnabled && !e.CopyTradeEnabled {
				continue
			}

			apiKey, err := s.keys.Decrypt(e.APIKeyEncrypted)
			if err != nil {
				log.Printf("❌ credstore: dropping %s/%s, api_key decrypt failed: %v", userID, exchangeID, err)
				continue
			}
			apiSecret, err := s.keys.Decrypt(e.APISecretEncrypted)
			if err != nil {
				log.Printf("❌ credstore: dropping %s/%s, api_secret decrypt failed: %v", userID, exchangeID, err)
				continue
			}
			var passphrase string
			if e.APIPassphraseEncrypted != "" {
				passphrase, err = s.keys.Decrypt(e.APIPassphraseEncrypted)
				if err != nil {
					log.Printf("❌ credstore: dropping %s/%s, api_passphrase decrypt failed: %v", userID, exchangeID, err)
					continue
				}
			}

			out = append(out, model.Account{
				UserID:        userID,
				ExchangeID:    strings.ToLower(exchangeID),
				APIKey:        apiKey,
				APISecret:     apiSecret,
				APIPassphrase: passphrase,
				CopyEnabled:   e.CopyTradeEnabled,
			})
		}
	}
	return out, nil
}
