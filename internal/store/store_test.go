package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testStore(t *testing.T) (*Store, func()) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := New(dbPath, testLogger())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s, func() {
		s.Close()
		os.Remove(dbPath)
	}
}

func TestStore_SaveAndGetPackage(t *testing.T) {
	s, cleanup := testStore(t)
	defer cleanup()

	before := time.Now().Add(-time.Second)
	saved, err := s.SavePackage("nginx", "files/nginx.tar", 2048)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := s.GetPackage("nginx")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	if got.Name != "nginx" {
		t.Errorf("Name: got %s, want nginx", got.Name)
	}
	if got.File != "files/nginx.tar" {
		t.Errorf("File: got %s, want files/nginx.tar", got.File)
	}
	if got.Size != 2048 {
		t.Errorf("Size: got %d, want 2048", got.Size)
	}
	if !got.UploadedAt.Equal(saved.UploadedAt) {
		t.Errorf("UploadedAt: got %v, want %v", got.UploadedAt, saved.UploadedAt)
	}
	if got.UploadedAt.Before(before) {
		t.Errorf("UploadedAt %v is before the save", got.UploadedAt)
	}
	if got.Installed || got.InstalledAt != nil {
		t.Error("new package should not be installed")
	}
}

func TestStore_GetMissingPackage(t *testing.T) {
	s, cleanup := testStore(t)
	defer cleanup()

	_, err := s.GetPackage("ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ListPackagesSorted(t *testing.T) {
	s, cleanup := testStore(t)
	defer cleanup()

	records, err := s.ListPackages()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if records == nil || len(records) != 0 {
		t.Fatalf("expected empty non-nil list, got %v", records)
	}

	for _, name := range []string{"redis", "api", "nginx"} {
		if _, err := s.SavePackage(name, "files/"+name, 1); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}

	records, err = s.ListPackages()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	want := []string{"api", "nginx", "redis"}
	if len(records) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(records))
	}
	for i, r := range records {
		if r.Name != want[i] {
			t.Errorf("record %d: got %s, want %s", i, r.Name, want[i])
		}
	}
}

func TestStore_MarkInstalled(t *testing.T) {
	s, cleanup := testStore(t)
	defer cleanup()

	if _, err := s.SavePackage("nginx", "files/nginx.tar", 10); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	record, err := s.MarkInstalled("nginx")
	if err != nil {
		t.Fatalf("mark installed failed: %v", err)
	}
	if !record.Installed || record.InstalledAt == nil {
		t.Fatal("returned record not marked installed")
	}

	got, _ := s.GetPackage("nginx")
	if !got.Installed {
		t.Error("stored record not marked installed")
	}
	if got.InstalledAt == nil {
		t.Error("InstalledAt not set")
	}
}

func TestStore_MarkInstalledMissing(t *testing.T) {
	s, cleanup := testStore(t)
	defer cleanup()

	if _, err := s.MarkInstalled("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ReuploadClearsInstalled(t *testing.T) {
	s, cleanup := testStore(t)
	defer cleanup()

	s.SavePackage("nginx", "files/nginx.tar", 10)
	s.MarkInstalled("nginx")
	s.SavePackage("nginx", "files/nginx.tar", 20)

	got, err := s.GetPackage("nginx")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Installed {
		t.Error("re-upload should clear installed state")
	}
	if got.Size != 20 {
		t.Errorf("Size: got %d, want 20", got.Size)
	}
}

func TestStore_DeletePackage(t *testing.T) {
	s, cleanup := testStore(t)
	defer cleanup()

	s.SavePackage("nginx", "files/nginx.tar", 10)

	record, err := s.DeletePackage("nginx")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if record.File != "files/nginx.tar" {
		t.Errorf("File: got %s, want files/nginx.tar", record.File)
	}

	if _, err := s.GetPackage("nginx"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := s.DeletePackage("nginx"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestStore_SettingsDefaults(t *testing.T) {
	s, cleanup := testStore(t)
	defer cleanup()

	settings, err := s.GetSettings()
	if err != nil {
		t.Fatalf("get settings failed: %v", err)
	}
	if settings[SettingBaseFolder] != DefaultBaseFolder {
		t.Errorf("base_folder: got %q, want %q", settings[SettingBaseFolder], DefaultBaseFolder)
	}
}

func TestStore_PutSetting(t *testing.T) {
	s, cleanup := testStore(t)
	defer cleanup()

	if err := s.PutSetting(SettingBaseFolder, "/srv/packages"); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	value, err := s.Setting(SettingBaseFolder)
	if err != nil {
		t.Fatalf("setting failed: %v", err)
	}
	if value != "/srv/packages" {
		t.Errorf("base_folder: got %q, want /srv/packages", value)
	}

	// Empty value restores the default
	if err := s.PutSetting(SettingBaseFolder, ""); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	value, _ = s.Setting(SettingBaseFolder)
	if value != DefaultBaseFolder {
		t.Errorf("base_folder after reset: got %q, want %q", value, DefaultBaseFolder)
	}
}

func TestStore_PutUnknownSetting(t *testing.T) {
	s, cleanup := testStore(t)
	defer cleanup()

	if err := s.PutSetting("color", "blue"); !errors.Is(err, ErrUnknownSetting) {
		t.Errorf("expected ErrUnknownSetting, got %v", err)
	}
	if _, err := s.Setting("color"); !errors.Is(err, ErrUnknownSetting) {
		t.Errorf("expected ErrUnknownSetting, got %v", err)
	}
}

func TestStore_SkipsCorruptRecords(t *testing.T) {
	s, cleanup := testStore(t)
	defer cleanup()

	s.SavePackage("good", "files/good", 1)

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(packagesBucket).Put([]byte("bad"), []byte{0xc1})
	})
	if err != nil {
		t.Fatalf("seeding corrupt record: %v", err)
	}

	records, err := s.ListPackages()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 1 || records[0].Name != "good" {
		t.Errorf("expected only the good record, got %v", records)
	}
}

func TestStore_Persistence(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "persist.db")

	s1, err := New(dbPath, testLogger())
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	s1.SavePackage("nginx", "files/nginx.tar", 10)
	s1.PutSetting(SettingBaseFolder, "/data")
	s1.Close()

	s2, err := New(dbPath, testLogger())
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	defer s2.Close()

	if _, err := s2.GetPackage("nginx"); err != nil {
		t.Errorf("package lost after reopen: %v", err)
	}
	if v, _ := s2.Setting(SettingBaseFolder); v != "/data" {
		t.Errorf("base_folder after reopen: got %q, want /data", v)
	}
}
