package vpn

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/systemvpn/common"
)

// SavedProfile is a profile persisted by ProfileStore.
type SavedProfile struct {
	Profile  *Profile  `yaml:"profile"`
	Created  time.Time `yaml:"created"`
	LastUsed time.Time `yaml:"last_used,omitempty"`
}

// ProfileStore persists built profiles so they can be reconnected without
// re-entering their configuration. Secrets stay in the credential store;
// only references are written here.
type ProfileStore struct {
	mu       sync.RWMutex
	profiles []*SavedProfile
	path     string
}

// NewProfileStore opens the store at dir/ProfilesFileName, creating dir.
func NewProfileStore(dir string) (*ProfileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	ps := &ProfileStore{
		profiles: make([]*SavedProfile, 0),
		path:     filepath.Join(dir, common.ProfilesFileName),
	}
	if err := ps.Load(); err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}
	return ps, nil
}

// Path returns the profiles file location.
func (ps *ProfileStore) Path() string {
	return ps.path
}

// Load re-reads the profiles file. A missing file is an empty store.
func (ps *ProfileStore) Load() error {
	data, err := os.ReadFile(ps.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read profiles file: %w", err)
	}

	var profiles []*SavedProfile
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return fmt.Errorf("failed to parse profiles file: %w", err)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.profiles = profiles[:0:0]
	for _, sp := range profiles {
		if sp != nil && sp.Profile != nil {
			ps.profiles = append(ps.profiles, sp)
		}
	}
	return nil
}

func (ps *ProfileStore) saveLocked() error {
	data, err := yaml.Marshal(&ps.profiles)
	if err != nil {
		return fmt.Errorf("failed to serialize profiles: %w", err)
	}

	if err := os.WriteFile(ps.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write profiles file: %w", err)
	}
	return nil
}

func (ps *ProfileStore) indexLocked(id string) int {
	for i, sp := range ps.profiles {
		if sp.Profile.ID == id {
			return i
		}
	}
	return -1
}

// Put saves p, replacing a stored profile with the same ID.
func (ps *ProfileStore) Put(p *Profile) error {
	if p == nil || p.ID == "" {
		return invalid(CodeMissingField, "id", "profile has no id")
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if i := ps.indexLocked(p.ID); i >= 0 {
		ps.profiles[i].Profile = p.Clone()
	} else {
		ps.profiles = append(ps.profiles, &SavedProfile{Profile: p.Clone(), Created: time.Now()})
	}
	return ps.saveLocked()
}

// Remove deletes a profile by ID.
func (ps *ProfileStore) Remove(id string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	i := ps.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", common.ErrProfileNotFound, id)
	}
	ps.profiles = append(ps.profiles[:i], ps.profiles[i+1:]...)
	return ps.saveLocked()
}

// Get returns a copy of the profile with the given ID.
func (ps *ProfileStore) Get(id string) (*Profile, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	if i := ps.indexLocked(id); i >= 0 {
		return ps.profiles[i].Profile.Clone(), nil
	}
	return nil, fmt.Errorf("%w: %s", common.ErrProfileNotFound, id)
}

// GetByName returns the first profile with the given display name.
func (ps *ProfileStore) GetByName(name string) (*Profile, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	for _, sp := range ps.profiles {
		if sp.Profile.Name == name {
			return sp.Profile.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", common.ErrProfileNotFound, name)
}

// Lookup resolves a profile by ID, falling back to its name.
func (ps *ProfileStore) Lookup(key string) (*Profile, error) {
	if p, err := ps.Get(key); err == nil {
		return p, nil
	}
	return ps.GetByName(key)
}

// List returns copies of all saved profiles in insertion order.
func (ps *ProfileStore) List() []SavedProfile {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	out := make([]SavedProfile, 0, len(ps.profiles))
	for _, sp := range ps.profiles {
		c := *sp
		c.Profile = sp.Profile.Clone()
		out = append(out, c)
	}
	return out
}

// MarkUsed records the last use time of a profile.
func (ps *ProfileStore) MarkUsed(id string, at time.Time) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	i := ps.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", common.ErrProfileNotFound, id)
	}
	ps.profiles[i].LastUsed = at
	return ps.saveLocked()
}
