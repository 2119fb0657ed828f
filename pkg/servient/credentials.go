package servient

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/juju/fslock"
	"github.com/sirupsen/logrus"
)

// CredentialStore is the Servient-level "thing-title → credentials" store
// (§3 Servient fields, §5 Shared Resources). It is mutated by merging
// (AddCredentials) and read as a per-title snapshot, grounded on wotpy's
// Servient._credential_store / add_credentials / retrieve_credentials.
//
// When a file path is set, every mutation is persisted as JSON under an
// fslock, so several servient processes sharing a home folder (e.g. a
// restarted instance picking up credentials an operator just deployed)
// never interleave a read and a write on the same file.
type CredentialStore struct {
	mu       sync.Mutex
	byTitle  map[string]map[string]interface{}
	filePath string
}

func newCredentialStore() *CredentialStore {
	return &CredentialStore{byTitle: map[string]map[string]interface{}{}}
}

// loadCredentialStore reads filePath if it exists and returns a store
// backed by it; a missing file is not an error, matching
// servientconfig.LoadConfig's "missing file, defaults stand" behavior.
func loadCredentialStore(filePath string) (*CredentialStore, error) {
	store := newCredentialStore()
	store.filePath = filePath

	unlock, err := lockCredentialFile(filePath)
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return store, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return store, nil
	}
	if err := json.Unmarshal(data, &store.byTitle); err != nil {
		return nil, err
	}
	return store, nil
}

// lockCredentialFile takes an exclusive, cross-process file lock guarding
// filePath, returning a function that releases it.
func lockCredentialFile(filePath string) (unlock func(), err error) {
	lock, err := fslock.NewLock(filepath.Dir(filePath), filepath.Base(filePath)+".lock", fslock.Defaults())
	if err != nil {
		return nil, err
	}
	if err := lock.Lock("wotgo credential store"); err != nil {
		return nil, err
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			logrus.Warnf("servient: credential store unlock failed: %s", err)
		}
	}, nil
}

// Add merges credentials into the entry for thingTitle, overwriting keys
// present in credentials while preserving the rest — the same dict.update
// semantics as wotpy's add_credentials.
func (c *CredentialStore) Add(thingTitle string, credentials map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.byTitle[thingTitle]
	if !ok {
		existing = map[string]interface{}{}
		c.byTitle[thingTitle] = existing
	}
	for k, v := range credentials {
		existing[k] = v
	}
	return c.persistLocked()
}

// Snapshot returns a copy of the credentials stored for thingTitle, or nil
// if none have been added yet.
func (c *CredentialStore) Snapshot(thingTitle string) map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.byTitle[thingTitle]
	if !ok {
		return nil
	}
	out := make(map[string]interface{}, len(existing))
	for k, v := range existing {
		out[k] = v
	}
	return out
}

func (c *CredentialStore) persistLocked() error {
	if c.filePath == "" {
		return nil
	}
	unlock, err := lockCredentialFile(c.filePath)
	if err != nil {
		return err
	}
	defer unlock()

	data, err := json.MarshalIndent(c.byTitle, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.filePath, data, 0600)
}
