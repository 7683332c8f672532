// Package firmware stores downloaded update images in two alternating slots
// and selects the slot to boot next through a persisted boot record.
package firmware

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"chimney-node/internal/ota"
	"chimney-node/internal/store"
)

var (
	// ErrNoSpace means the slot filesystem cannot hold the image.
	ErrNoSpace = errors.New("firmware: not enough space")
	// ErrNotReserved is returned by Write and Commit without a reservation.
	ErrNotReserved = errors.New("firmware: no image reserved")
	// ErrOverflow means more bytes were written than reserved.
	ErrOverflow = errors.New("firmware: write exceeds reserved size")
)

const (
	SlotA = "a"
	SlotB = "b"
)

// BootRecords persists the boot selection.
type BootRecords interface {
	SaveBootRecord(rec *store.BootRecord) error
	GetBootRecord() (*store.BootRecord, error)
}

// SlotStorage implements ota.Storage on a directory holding slot-a.img and
// slot-b.img. A new image is staged next to the inactive slot and renamed
// into place on Commit, after which the boot record points at it.
type SlotStorage struct {
	dir     string
	records BootRecords
	logger  *slog.Logger
	// headroom is kept free on the filesystem beyond the image size.
	headroom uint64

	statfs func(path string, st *unix.Statfs_t) error
	now    func() time.Time

	staging  *os.File
	slot     string
	reserved int64
	written  int64
}

// NewSlotStorage creates dir if needed.
func NewSlotStorage(dir string, records BootRecords, headroom uint64, logger *slog.Logger) (*SlotStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create slot dir: %w", err)
	}
	return &SlotStorage{
		dir:      dir,
		records:  records,
		logger:   logger.With("component", "firmware"),
		headroom: headroom,
		statfs:   unix.Statfs,
		now:      time.Now,
	}, nil
}

// SlotPath returns the image path of slot.
func (s *SlotStorage) SlotPath(slot string) string {
	return filepath.Join(s.dir, "slot-"+slot+".img")
}

// ActiveSlot returns the slot named by the boot record, or "" when no image
// has been committed yet.
func (s *SlotStorage) ActiveSlot() (string, error) {
	rec, err := s.records.GetBootRecord()
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return rec.Slot, nil
}

// Reserve starts a new image of size bytes in the inactive slot. A previous
// uncommitted image is discarded.
func (s *SlotStorage) Reserve(size int64) error {
	if size <= 0 {
		return fmt.Errorf("firmware: invalid size %d", size)
	}
	if s.staging != nil {
		s.logger.Warn("discarding unfinished image", "slot", s.slot)
		s.Abort()
	}

	active, err := s.ActiveSlot()
	if err != nil {
		return fmt.Errorf("read boot record: %w", err)
	}
	slot := SlotB
	if active == SlotB {
		slot = SlotA
	}

	var st unix.Statfs_t
	if err := s.statfs(s.dir, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", s.dir, err)
	}
	free := uint64(st.Bavail) * uint64(st.Bsize)
	// The old image in the target slot is replaced, so its space counts too.
	if fi, err := os.Stat(s.SlotPath(slot)); err == nil {
		free += uint64(fi.Size())
	}
	if free < uint64(size)+s.headroom {
		return fmt.Errorf("%w: need %d, have %d", ErrNoSpace, uint64(size)+s.headroom, free)
	}

	f, err := os.OpenFile(s.stagingPath(slot), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	if err := preallocate(f, size); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("%w: %v", ErrNoSpace, err)
	}

	s.staging = f
	s.slot = slot
	s.reserved = size
	s.written = 0
	s.logger.Info("image reserved", "slot", slot, "bytes", size)
	return nil
}

// Write appends p to the reserved image.
func (s *SlotStorage) Write(p []byte) (int, error) {
	if s.staging == nil {
		return 0, ErrNotReserved
	}
	if s.written+int64(len(p)) > s.reserved {
		return 0, ErrOverflow
	}
	n, err := s.staging.Write(p)
	s.written += int64(n)
	return n, err
}

// Commit syncs the image, moves it into its slot and records it as the next
// boot image. The rename and the boot record update are each atomic; a crash
// between them leaves the previous image selected.
func (s *SlotStorage) Commit(info ota.ImageInfo) error {
	if s.staging == nil {
		return ErrNotReserved
	}
	if s.written != s.reserved || info.Size != s.written {
		return fmt.Errorf("firmware: image size %d, reserved %d, written %d", info.Size, s.reserved, s.written)
	}

	f := s.staging
	if err := f.Sync(); err != nil {
		s.Abort()
		return fmt.Errorf("sync image: %w", err)
	}
	if err := f.Close(); err != nil {
		s.staging = nil
		os.Remove(f.Name())
		return fmt.Errorf("close image: %w", err)
	}
	s.staging = nil

	target := s.SlotPath(s.slot)
	if err := os.Rename(f.Name(), target); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("install image: %w", err)
	}
	if err := syncDir(s.dir); err != nil {
		return err
	}

	rec := &store.BootRecord{
		Slot:        s.slot,
		Path:        target,
		Title:       info.Title,
		Version:     info.Version,
		Size:        info.Size,
		SHA256:      info.SHA256,
		CommittedAt: s.now(),
	}
	if err := s.records.SaveBootRecord(rec); err != nil {
		return fmt.Errorf("save boot record: %w", err)
	}
	s.logger.Info("image committed", "slot", s.slot, "version", info.Version, "sha256", info.SHA256)
	return nil
}

// Abort discards the reserved image. It is a no-op without a reservation.
func (s *SlotStorage) Abort() error {
	if s.staging == nil {
		return nil
	}
	name := s.staging.Name()
	s.staging.Close()
	s.staging = nil
	s.reserved, s.written = 0, 0
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove staging file: %w", err)
	}
	return nil
}

func (s *SlotStorage) stagingPath(slot string) string {
	return s.SlotPath(slot) + ".part"
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open slot dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync slot dir: %w", err)
	}
	return nil
}
