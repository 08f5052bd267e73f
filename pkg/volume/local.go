package volume

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDataPath is the base directory for cluster working directories
	DefaultDataPath = "/var/lib/burrow"

	logsDir = "logs"
	dataDir = "data"
)

// Dirs are the host directories of one instance or service node
type Dirs struct {
	// Root holds descriptors and the instance's own files
	Root string
	// Logs is bind mounted as the container's log directory
	Logs string
	// Data is bind mounted as the container's data directory
	Data string
}

// LocalDriver lays out per-project, per-instance directories under a base path:
//
//	<base>/<project>/<instance>/{logs,data}
type LocalDriver struct {
	basePath string
}

// NewLocalDriver creates a new local driver, creating the base directory
func NewLocalDriver(basePath string) (*LocalDriver, error) {
	if basePath == "" {
		basePath = DefaultDataPath
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return &LocalDriver{
		basePath: basePath,
	}, nil
}

// BasePath returns the directory every project lives under
func (d *LocalDriver) BasePath() string {
	return d.basePath
}

// ProjectPath returns the directory holding all instances of a project
func (d *LocalDriver) ProjectPath(project string) string {
	return filepath.Join(d.basePath, project)
}

// Path returns the directories of an instance without creating them
func (d *LocalDriver) Path(project, name string) Dirs {
	root := filepath.Join(d.ProjectPath(project), name)
	return Dirs{
		Root: root,
		Logs: filepath.Join(root, logsDir),
		Data: filepath.Join(root, dataDir),
	}
}

// Create creates the directories of an instance. Leftovers from a previous
// run with the same name are removed first.
func (d *LocalDriver) Create(project, name string) (Dirs, error) {
	if err := validName(project); err != nil {
		return Dirs{}, err
	}
	if err := validName(name); err != nil {
		return Dirs{}, err
	}

	dirs := d.Path(project, name)
	if err := os.RemoveAll(dirs.Root); err != nil {
		return Dirs{}, fmt.Errorf("failed to clear instance directory: %w", err)
	}

	for _, dir := range []string{dirs.Logs, dirs.Data} {
		// Containers may run as a non-root user and must be able to write here
		if err := os.MkdirAll(dir, 0777); err != nil {
			return Dirs{}, fmt.Errorf("failed to create instance directory: %w", err)
		}
		if err := os.Chmod(dir, 0777); err != nil {
			return Dirs{}, fmt.Errorf("failed to open up instance directory: %w", err)
		}
	}

	return dirs, nil
}

// Delete removes the directories of an instance
func (d *LocalDriver) Delete(project, name string) error {
	root := d.Path(project, name).Root

	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}

	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("failed to delete instance directory: %w", err)
	}

	return nil
}

// DeleteProject removes the project directory and everything under it
func (d *LocalDriver) DeleteProject(project string) error {
	if err := validName(project); err != nil {
		return err
	}
	if err := os.RemoveAll(d.ProjectPath(project)); err != nil {
		return fmt.Errorf("failed to delete project directory: %w", err)
	}
	return nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return fmt.Errorf("invalid directory name %q", name)
	}
	return nil
}
