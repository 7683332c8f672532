package ota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"chimney-node/internal/device"
	"chimney-node/internal/mqtt"
)

// Reporter publishes fw_state transitions. Reports are best effort.
type Reporter interface {
	ReportState(ctx context.Context, state mqtt.FirmwareState, reason string) error
}

// ImageInfo describes a fully written image handed to Storage.Commit.
type ImageInfo struct {
	Manifest
	Size   int64
	SHA256 string
}

// Storage is the update image area. Reserve starts a new image of the given
// size; Write appends to it; Commit makes it the next boot image atomically;
// Abort discards it.
type Storage interface {
	Reserve(size int64) error
	Write(p []byte) (int, error)
	Commit(info ImageInfo) error
	Abort() error
}

// Restarter restarts the device into the committed image. On success it
// does not return.
type Restarter interface {
	Restart() error
}

// TransferProgress tracks the streamed image against its declared size.
type TransferProgress struct {
	Expected int64
	Written  int64
}

// Complete reports whether exactly the declared number of bytes was written.
func (p TransferProgress) Complete() bool {
	return p.Expected > 0 && p.Written == p.Expected
}

// Config configures the updater.
type Config struct {
	HTTPHost string
	// ReadTimeout aborts the download when no bytes arrive for this long.
	ReadTimeout time.Duration
	BufferSize  int
}

const (
	DefaultReadTimeout = 30 * time.Second
	defaultBufferSize  = 4096
)

// Updater runs the pull-update protocol for one manifest.
type Updater struct {
	cfg       Config
	identity  device.Identity
	reporter  Reporter
	fetcher   Fetcher
	storage   Storage
	restarter Restarter
	logger    *slog.Logger
}

func NewUpdater(cfg Config, id device.Identity, reporter Reporter, fetcher Fetcher,
	storage Storage, restarter Restarter, logger *slog.Logger) *Updater {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	return &Updater{
		cfg:       cfg,
		identity:  id,
		reporter:  reporter,
		fetcher:   fetcher,
		storage:   storage,
		restarter: restarter,
		logger:    logger.With("component", "ota"),
	}
}

// Run downloads, writes and commits the image named by m, then restarts.
// Every failure is reported as FAILED with its reason and returned as an
// *UpdateError; the caller continues the cycle. A nil return means the
// restart primitive returned without error, which only happens with test
// doubles.
func (u *Updater) Run(ctx context.Context, m Manifest) error {
	u.logger.Info("firmware update starting",
		"running", u.identity.FirmwareVersion, "target", m.Version, "title", m.Title)
	u.report(ctx, mqtt.StateDownloading, "")

	url, err := FirmwareURL(u.cfg.HTTPHost, u.identity.Token, m.Title, m.Version)
	if err != nil {
		return u.fail(ctx, URLError, ReasonURL, err)
	}
	u.logger.Debug("firmware url resolved", "host", u.cfg.HTTPHost)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	img, err := u.fetcher.Open(streamCtx, url)
	if err != nil {
		reason := ReasonGet
		if errors.Is(err, ErrBeginFailed) {
			reason = ReasonBegin
		}
		return u.fail(ctx, StreamOpenFailed, reason, err)
	}
	defer img.Body.Close()

	if img.ContentLength <= 0 {
		return u.fail(ctx, BadContentLength, ReasonContentLength,
			fmt.Errorf("declared length %d", img.ContentLength))
	}
	u.logger.Info("firmware size", "bytes", img.ContentLength)

	if err := u.storage.Reserve(img.ContentLength); err != nil {
		return u.fail(ctx, StorageFull, ReasonNoSpace, err)
	}
	u.report(ctx, mqtt.StateDownloaded, "")

	progress, sum, err := u.transfer(img, cancel)
	if err != nil || !progress.Complete() {
		if aerr := u.storage.Abort(); aerr != nil {
			u.logger.Warn("abort update storage", "err", aerr)
		}
		if err == nil {
			err = fmt.Errorf("wrote %d of %d bytes", progress.Written, progress.Expected)
		}
		return u.fail(ctx, IncompleteWrite, ReasonIncomplete, err)
	}
	u.logger.Info("firmware written", "bytes", progress.Written, "sha256", sum)

	u.report(ctx, mqtt.StateUpdating, "")

	info := ImageInfo{Manifest: m, Size: progress.Written, SHA256: sum}
	if err := u.storage.Commit(info); err != nil {
		return u.fail(ctx, FinalizeFailed, ReasonFinalize, err)
	}

	u.logger.Info("update committed, restarting", "version", m.Version)
	if err := u.restarter.Restart(); err != nil {
		return fmt.Errorf("ota: restart: %w", err)
	}
	return nil
}

// transfer copies the image body into storage. It never writes past the
// declared size and gives up when the body stalls for ReadTimeout.
func (u *Updater) transfer(img *Image, cancel context.CancelFunc) (TransferProgress, string, error) {
	progress := TransferProgress{Expected: img.ContentLength}
	hash := sha256.New()
	buf := make([]byte, u.cfg.BufferSize)

	var stalled atomic.Bool
	watchdog := time.AfterFunc(u.cfg.ReadTimeout, func() {
		stalled.Store(true)
		cancel()
		img.Body.Close()
	})
	defer watchdog.Stop()

	for {
		n, rerr := img.Body.Read(buf)
		if n > 0 {
			watchdog.Reset(u.cfg.ReadTimeout)
			if progress.Written+int64(n) > progress.Expected {
				progress.Written += int64(n)
				return progress, "", fmt.Errorf("stream exceeds declared length %d", progress.Expected)
			}
			w, werr := u.storage.Write(buf[:n])
			progress.Written += int64(w)
			hash.Write(buf[:w])
			if werr != nil {
				return progress, "", fmt.Errorf("write image: %w", werr)
			}
			if w < n {
				return progress, "", io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if stalled.Load() {
				return progress, "", ErrStalled
			}
			return progress, "", fmt.Errorf("read image: %w", rerr)
		}
	}
	return progress, hex.EncodeToString(hash.Sum(nil)), nil
}

func (u *Updater) report(ctx context.Context, state mqtt.FirmwareState, reason string) {
	if err := u.reporter.ReportState(ctx, state, reason); err != nil {
		u.logger.Warn("fw_state report failed", "state", state, "err", err)
	}
}

func (u *Updater) fail(ctx context.Context, kind ErrorKind, reason string, err error) error {
	u.logger.Error("firmware update failed", "reason", reason, "err", err)
	u.report(ctx, mqtt.StateFailed, reason)
	return &UpdateError{Kind: kind, Reason: reason, Err: err}
}
