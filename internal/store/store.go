// Package store provides a BoltDB-backed record store for uploaded
// packages and server settings.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var (
	packagesBucket = []byte("packages")
	settingsBucket = []byte("settings")
)

// SettingBaseFolder is the directory uploaded package files are written to.
const SettingBaseFolder = "base_folder"

// DefaultBaseFolder is used until base_folder is set.
const DefaultBaseFolder = "files"

var (
	// ErrNotFound is returned when a package does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnknownSetting is returned by PutSetting for an unrecognised key.
	ErrUnknownSetting = errors.New("unknown setting")
)

var defaultSettings = map[string]string{
	SettingBaseFolder: DefaultBaseFolder,
}

// PackageRecord is an uploaded package.
type PackageRecord struct {
	Name        string     `msgpack:"name" json:"name"`
	File        string     `msgpack:"file" json:"file"`
	Size        int64      `msgpack:"size" json:"size"`
	UploadedAt  time.Time  `msgpack:"uploaded_at" json:"uploaded_at"`
	Installed   bool       `msgpack:"installed" json:"installed"`
	InstalledAt *time.Time `msgpack:"installed_at,omitempty" json:"installed_at,omitempty"`
}

// Store wraps a bbolt database.
type Store struct {
	db  *bolt.DB
	mu  sync.RWMutex
	log zerolog.Logger
}

// New opens or creates a BoltDB file at the given path.
func New(path string, log zerolog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{packagesBucket, settingsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, log: log.With().Str("component", "store").Logger()}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// SavePackage records an upload. Uploading an existing name replaces the
// record and clears its installed state.
func (s *Store) SavePackage(name, file string, size int64) (PackageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := PackageRecord{
		Name:       name,
		File:       file,
		Size:       size,
		UploadedAt: time.Now().UTC(),
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(packagesBucket)
		replaced := b.Get([]byte(name)) != nil

		data, err := msgpack.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshaling package record: %w", err)
		}
		if err := b.Put([]byte(name), data); err != nil {
			return err
		}

		s.log.Info().
			Str("package", name).
			Int64("size", size).
			Bool("replaced", replaced).
			Msg("Package saved")
		return nil
	})
	if err != nil {
		return PackageRecord{}, err
	}
	return record, nil
}

// GetPackage returns the named package or ErrNotFound.
func (s *Store) GetPackage(name string) (PackageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var record PackageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(packagesBucket).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("package %s: %w", name, ErrNotFound)
		}
		if err := msgpack.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("unmarshaling package %s: %w", name, err)
		}
		return nil
	})
	return record, err
}

// ListPackages returns every package ordered by name.
func (s *Store) ListPackages() ([]PackageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := []PackageRecord{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(packagesBucket).ForEach(func(k, v []byte) error {
			var record PackageRecord
			if err := msgpack.Unmarshal(v, &record); err != nil {
				s.log.Warn().Err(err).Str("key", string(k)).Msg("Skipping corrupt record")
				return nil
			}
			records = append(records, record)
			return nil
		})
	})
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, err
}

// MarkInstalled flags the named package as installed.
func (s *Store) MarkInstalled(name string) (PackageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var record PackageRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(packagesBucket)
		key := []byte(name)

		existing := b.Get(key)
		if existing == nil {
			return fmt.Errorf("package %s: %w", name, ErrNotFound)
		}
		if err := msgpack.Unmarshal(existing, &record); err != nil {
			return fmt.Errorf("unmarshaling package %s: %w", name, err)
		}

		now := time.Now().UTC()
		record.Installed = true
		record.InstalledAt = &now

		data, err := msgpack.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshaling package record: %w", err)
		}

		s.log.Info().Str("package", name).Msg("Package marked installed")
		return b.Put(key, data)
	})
	return record, err
}

// DeletePackage removes the named package and returns its last record.
func (s *Store) DeletePackage(name string) (PackageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var record PackageRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(packagesBucket)
		key := []byte(name)

		existing := b.Get(key)
		if existing == nil {
			return fmt.Errorf("package %s: %w", name, ErrNotFound)
		}
		if err := msgpack.Unmarshal(existing, &record); err != nil {
			s.log.Warn().Err(err).Str("package", name).Msg("Deleting corrupt record")
		}

		s.log.Info().Str("package", name).Msg("Package deleted")
		return b.Delete(key)
	})
	return record, err
}

// GetSettings returns every setting, with defaults for unset keys.
func (s *Store) GetSettings() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	settings := make(map[string]string, len(defaultSettings))
	for k, v := range defaultSettings {
		settings[k] = v
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).ForEach(func(k, v []byte) error {
			var value string
			if err := msgpack.Unmarshal(v, &value); err != nil {
				s.log.Warn().Err(err).Str("key", string(k)).Msg("Skipping corrupt setting")
				return nil
			}
			settings[string(k)] = value
			return nil
		})
	})
	return settings, err
}

// Setting returns a single setting or its default.
func (s *Store) Setting(key string) (string, error) {
	settings, err := s.GetSettings()
	if err != nil {
		return "", err
	}
	value, ok := settings[key]
	if !ok {
		return "", fmt.Errorf("setting %s: %w", key, ErrUnknownSetting)
	}
	return value, nil
}

// PutSetting stores a known setting. An empty value restores the default.
func (s *Store) PutSetting(key, value string) error {
	if _, ok := defaultSettings[key]; !ok {
		return fmt.Errorf("setting %s: %w", key, ErrUnknownSetting)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(settingsBucket)
		if value == "" {
			s.log.Info().Str("setting", key).Msg("Setting reset to default")
			return b.Delete([]byte(key))
		}

		data, err := msgpack.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshaling setting %s: %w", key, err)
		}

		s.log.Info().Str("setting", key).Str("value", value).Msg("Setting updated")
		return b.Put([]byte(key), data)
	})
}
