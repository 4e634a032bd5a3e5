package registry

import (
	"os"
	"path/filepath"
	"testing"

	rfs "github.com/saamiyaaqeel/rime/internal/platform/filesystem"
)

func TestRescanDiscoversCreatedDevice(t *testing.T) {
	base := t.TempDir()

	reg := New(base, nil)
	if err := reg.Rescan(); err != nil {
		t.Fatalf("initial Rescan: %v", err)
	}
	if len(reg.All()) != 0 {
		t.Fatalf("want an empty registry before any device exists, got %v", reg.All())
	}

	if _, err := reg.CreateSubsetFilesystem("dev1", rfs.KindAndroidLoose, nil); err != nil {
		t.Fatalf("CreateSubsetFilesystem: %v", err)
	}

	if err := reg.Rescan(); err != nil {
		t.Fatalf("Rescan after create: %v", err)
	}
	fsys, ok := reg.Get("dev1")
	if !ok {
		t.Fatal("want dev1 registered after Rescan")
	}
	if fsys.Kind() != rfs.KindAndroidLoose {
		t.Errorf("want KindAndroidLoose, got %s", fsys.Kind())
	}
	if !fsys.IsLocked() {
		t.Error("want a freshly created subset filesystem to be locked")
	}
}

func TestCreateSubsetFilesystemRejectsInvalidID(t *testing.T) {
	reg := New(t.TempDir(), nil)
	if _, err := reg.CreateSubsetFilesystem("bad id!", rfs.KindAndroidLoose, nil); err == nil {
		t.Fatal("want an error for an invalid device id")
	}
}

func TestCreateSubsetFilesystemRejectsCollision(t *testing.T) {
	reg := New(t.TempDir(), nil)
	if _, err := reg.CreateSubsetFilesystem("dev1", rfs.KindAndroidLoose, nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := reg.CreateSubsetFilesystem("dev1", rfs.KindAndroidLoose, nil); err == nil {
		t.Fatal("want an error creating a device id that already exists")
	}
}

func TestCreateSubsetFilesystemRejectsUnsupportedKind(t *testing.T) {
	reg := New(t.TempDir(), nil)
	if _, err := reg.CreateSubsetFilesystem("dev1", rfs.KindAndroidZip, nil); err == nil {
		t.Fatal("want an error creating a fresh filesystem of a disclosure-only kind")
	}
}

func TestDeleteRemovesBackingStorageAndRegistration(t *testing.T) {
	base := t.TempDir()
	reg := New(base, nil)
	if _, err := reg.CreateSubsetFilesystem("dev1", rfs.KindAndroidLoose, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := reg.Delete("dev1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := reg.Get("dev1"); ok {
		t.Fatal("want dev1 gone from the registry after Delete")
	}
	if _, err := os.Stat(filepath.Join(base, "dev1")); !os.IsNotExist(err) {
		t.Error("want the device's backing directory removed from disk")
	}
}

func TestDeleteUnknownDeviceFails(t *testing.T) {
	reg := New(t.TempDir(), nil)
	if err := reg.Delete("missing"); err == nil {
		t.Fatal("want an error deleting an unregistered device id")
	}
}
