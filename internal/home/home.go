package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the storybook home directory.
	DefaultDirName = ".storybook"

	// AssetsDirName is the subdirectory for generated book assets.
	AssetsDirName = "assets"

	// CheckpointsDirName is the subdirectory for job checkpoints.
	CheckpointsDirName = "checkpoints"

	// DefraDirName is the subdirectory mounted into the DefraDB container.
	DefraDirName = "defradb"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
)

// Dir represents the storybook home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.storybook).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// AssetsPath returns the directory generated images and PDFs are written to.
func (d *Dir) AssetsPath() string {
	return filepath.Join(d.path, AssetsDirName)
}

// CheckpointsPath returns the directory job checkpoints are written to.
func (d *Dir) CheckpointsPath() string {
	return filepath.Join(d.path, CheckpointsDirName)
}

// DefraPath returns the DefraDB data directory.
func (d *Dir) DefraPath() string {
	return filepath.Join(d.path, DefraDirName)
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// BookAssetsDir returns the asset directory for one book job.
func (d *Dir) BookAssetsDir(jobID string) string {
	return filepath.Join(d.AssetsPath(), jobID)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	for _, dir := range []string{d.AssetsPath(), d.CheckpointsPath(), d.DefraPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
