package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/tallyhq/tally/internal/utils"
)

const (
	metadataDir = ".data"
	logsDir     = "logs"
	lockFile    = "tally.lock"
	dbFile      = "tally.db"
)

var ErrWorkspaceLocked = errors.New("workspace locked by another tally agent")

// Workspace is the agent's on-disk data directory. A flock on
// .data/tally.lock keeps two agents from sharing one queue database.
type Workspace struct {
	Owner       string
	Root        string
	MetadataDir string
	LogsDir     string
	DBPath      string

	flock *flock.Flock
}

func NewWorkspace(rootDir string, owner string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", rootDir, err)
	}

	metadata := filepath.Join(root, metadataDir)
	return &Workspace{
		Owner:       owner,
		Root:        root,
		MetadataDir: metadata,
		LogsDir:     filepath.Join(root, logsDir),
		DBPath:      filepath.Join(metadata, dbFile),
		flock:       flock.New(filepath.Join(metadata, lockFile)),
	}, nil
}

func (w *Workspace) Lock() error {
	if err := utils.EnsureDir(w.MetadataDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.MetadataDir, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}

	return nil
}

func (w *Workspace) Unlock() error {
	// don't delete a lock file some other process holds
	if !w.flock.Locked() {
		return nil
	}

	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}

	return os.Remove(w.flock.Path())
}

// Setup locks the workspace and creates its directory layout.
func (w *Workspace) Setup() error {
	if err := w.Lock(); err != nil {
		return err
	}

	slog.Info("workspace", "root", w.Root, "owner", w.Owner)

	for _, dir := range []string{w.Root, w.MetadataDir, w.LogsDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
