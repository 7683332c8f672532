// Package power holds the node's restart and sleep primitives and the two
// sleep policies the cycle controller can run under.
package power

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"chimney-node/internal/store"
)

// BootImageEnv is set in the environment of a process started from the
// committed image. A process that finds it naming the committed image does
// not redirect again.
const BootImageEnv = "CHIMNEY_NODE_BOOT_IMAGE"

// BootRecords reads the committed boot selection.
type BootRecords interface {
	GetBootRecord() (*store.BootRecord, error)
}

// ExecRestarter restarts the node by replacing the process image with the
// committed firmware image, or with the current executable when nothing was
// committed.
type ExecRestarter struct {
	records BootRecords
	logger  *slog.Logger

	exec       func(path string, argv, env []string) error
	executable func() (string, error)
}

func NewExecRestarter(records BootRecords, logger *slog.Logger) *ExecRestarter {
	return &ExecRestarter{
		records:    records,
		logger:     logger.With("component", "power"),
		exec:       unix.Exec,
		executable: os.Executable,
	}
}

// Restart does not return on success.
func (r *ExecRestarter) Restart() error {
	path, err := r.imagePath()
	if err != nil {
		return err
	}
	if err := os.Chmod(path, 0o755); err != nil {
		return fmt.Errorf("make image executable: %w", err)
	}
	r.logger.Info("restarting", "image", path)
	return r.execImage(path)
}

// BootCommitted hands the process over to the committed image when the
// running executable is not that image, which is the case whenever a
// supervisor starts the originally installed binary after an update. It
// does not return on success; it returns nil without exec when there is
// nothing to switch to.
func (r *ExecRestarter) BootCommitted() error {
	rec, err := r.records.GetBootRecord()
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read boot record: %w", err)
	}
	if rec.Path == "" {
		return nil
	}
	self, err := r.executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	if samePath(self, rec.Path) {
		return nil
	}
	if os.Getenv(BootImageEnv) == rec.Path {
		r.logger.Warn("already redirected to committed image, staying on running executable",
			"image", rec.Path, "executable", self)
		return nil
	}
	if _, err := os.Stat(rec.Path); err != nil {
		r.logger.Warn("committed image missing, staying on running executable", "image", rec.Path, "err", err)
		return nil
	}
	if err := os.Chmod(rec.Path, 0o755); err != nil {
		return fmt.Errorf("make image executable: %w", err)
	}
	r.logger.Info("switching to committed image", "image", rec.Path, "version", rec.Version, "slot", rec.Slot)
	return r.execImage(rec.Path)
}

// execImage replaces the process. Open descriptors, the store's lock
// included, are close-on-exec.
func (r *ExecRestarter) execImage(path string) error {
	argv := append([]string{path}, os.Args[1:]...)
	env := append(os.Environ(), BootImageEnv+"="+path)
	if err := r.exec(path, argv, env); err != nil {
		return fmt.Errorf("exec %s: %w", path, err)
	}
	return nil
}

func samePath(a, b string) bool {
	if ra, err := filepath.EvalSymlinks(a); err == nil {
		a = ra
	}
	if rb, err := filepath.EvalSymlinks(b); err == nil {
		b = rb
	}
	return filepath.Clean(a) == filepath.Clean(b)
}

func (r *ExecRestarter) imagePath() (string, error) {
	rec, err := r.records.GetBootRecord()
	switch {
	case err == nil && rec.Path != "":
		return rec.Path, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("read boot record: %w", err)
	}
	path, err := r.executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	return path, nil
}
