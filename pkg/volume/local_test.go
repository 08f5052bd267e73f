package volume

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewLocalDriver(t *testing.T) {
	tmpDir := filepath.Join(t.TempDir(), "burrow")

	driver, err := NewLocalDriver(tmpDir)
	if err != nil {
		t.Fatalf("NewLocalDriver() error = %v", err)
	}

	if driver.BasePath() != tmpDir {
		t.Errorf("BasePath() = %v, want %v", driver.BasePath(), tmpDir)
	}

	if _, err := os.Stat(tmpDir); os.IsNotExist(err) {
		t.Error("Base directory was not created")
	}
}

func TestLocalDriver_Create(t *testing.T) {
	driver, _ := NewLocalDriver(t.TempDir())

	dirs, err := driver.Create("proj", "node1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	want := driver.Path("proj", "node1")
	if dirs != want {
		t.Errorf("Create() = %+v, want %+v", dirs, want)
	}

	for _, dir := range []string{dirs.Logs, dirs.Data} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("directory %s was not created: %v", dir, err)
		}
		if info.Mode().Perm() != 0777 {
			t.Errorf("%s mode = %v, want 0777", dir, info.Mode().Perm())
		}
	}
}

func TestLocalDriver_CreateClearsLeftovers(t *testing.T) {
	driver, _ := NewLocalDriver(t.TempDir())

	dirs, _ := driver.Create("proj", "node1")
	stale := filepath.Join(dirs.Logs, "server.log")
	if err := os.WriteFile(stale, []byte("old run"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := driver.Create("proj", "node1"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale log from a previous run survived Create()")
	}
}

func TestLocalDriver_Delete(t *testing.T) {
	driver, _ := NewLocalDriver(t.TempDir())

	dirs, _ := driver.Create("proj", "node1")

	if err := driver.Delete("proj", "node1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(dirs.Root); !os.IsNotExist(err) {
		t.Error("instance directory still exists after Delete()")
	}

	// Deleting twice is fine
	if err := driver.Delete("proj", "node1"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestLocalDriver_DeleteProject(t *testing.T) {
	driver, _ := NewLocalDriver(t.TempDir())

	driver.Create("proj", "node1")
	driver.Create("proj", "node2")

	if err := driver.DeleteProject("proj"); err != nil {
		t.Fatalf("DeleteProject() error = %v", err)
	}
	if _, err := os.Stat(driver.ProjectPath("proj")); !os.IsNotExist(err) {
		t.Error("project directory still exists")
	}
}

func TestLocalDriver_RejectsEscapingNames(t *testing.T) {
	driver, _ := NewLocalDriver(t.TempDir())

	tests := []struct {
		project string
		name    string
	}{
		{"proj", ""},
		{"proj", ".."},
		{"proj", "a/b"},
		{"..", "node1"},
	}

	for _, tt := range tests {
		if _, err := driver.Create(tt.project, tt.name); err == nil {
			t.Errorf("Create(%q, %q) succeeded, want error", tt.project, tt.name)
		}
	}
}
