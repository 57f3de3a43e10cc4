package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	cleaner "github.com/ideamans/go-backup-cleaner"
)

// LocalConfig configures a [LocalStore].
type LocalConfig struct {
	// RootDir receives the snapshots. It is created if missing.
	RootDir string

	// FreeSpaceThreshold triggers a cleanup of old snapshots when the free space under RootDir drops below it (bytes).
	// Zero disables the cleanup.
	FreeSpaceThreshold uint64

	// TargetFreeSpace is the free space to reach when cleaning up (bytes).
	// It must be greater than FreeSpaceThreshold.
	TargetFreeSpace uint64

	// Cleaning is passed on to the cleaner. A nil DiskInfo uses the actual disk.
	Cleaning cleaner.CleaningConfig
}

// LocalStore saves snapshots to a directory, and removes the oldest ones when the disk fills up.
type LocalStore struct {
	config LocalConfig
	mx     sync.Mutex // serializes cleanups
}

// NewLocalStore validates config, and creates the root directory.
func NewLocalStore(config LocalConfig) (*LocalStore, error) {
	if err := validateLocalConfig(config); err != nil {
		return nil, err
	}
	if config.Cleaning.DiskInfo == nil {
		config.Cleaning.DiskInfo = &cleaner.DefaultDiskInfoProvider{}
	}

	if err := os.MkdirAll(config.RootDir, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}

	return &LocalStore{config: config}, nil
}

func validateLocalConfig(config LocalConfig) error {
	if config.RootDir == "" {
		return fmt.Errorf("%w: root directory is required", ErrInvalidConfig)
	}
	if config.FreeSpaceThreshold == 0 {
		return nil
	}
	if config.TargetFreeSpace <= config.FreeSpaceThreshold {
		return fmt.Errorf("%w: target free space must be greater than threshold", ErrInvalidConfig)
	}
	return nil
}

// Save copies localPath to name under the root directory.
// The copy is written to a temporary file first, and renamed once synced, so a partial snapshot is never visible.
func (s *LocalStore) Save(ctx context.Context, localPath, name string) error {
	if localPath == "" || name == "" {
		return fmt.Errorf("%w: empty file path", ErrInvalidConfig)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dest := filepath.Join(s.config.RootDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}

	if err := copyFile(localPath, dest); err != nil {
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}

	if s.config.FreeSpaceThreshold > 0 {
		s.clean()
	}
	return nil
}

// Close is a no-op, present to satisfy [Store].
func (s *LocalStore) Close() error { return nil }

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(tmp)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

// clean removes old snapshots if free space is below the threshold.
// Failures are logged: the snapshot itself was saved.
func (s *LocalStore) clean() {
	s.mx.Lock()
	defer s.mx.Unlock()

	cfg := s.config.Cleaning
	usage, err := cfg.DiskInfo.GetDiskUsage(s.config.RootDir)
	if err != nil {
		log.Warn("cannot read disk usage", "dir", s.config.RootDir, "error", err)
		return
	}
	if usage.Free >= s.config.FreeSpaceThreshold || usage.Total == 0 {
		return
	}

	if cfg.MaxUsagePercent == nil {
		var used uint64
		if s.config.TargetFreeSpace < usage.Total {
			used = usage.Total - s.config.TargetFreeSpace
		}
		pct := float64(used) / float64(usage.Total) * 100
		cfg.MaxUsagePercent = &pct
	}

	log.Info("free space below threshold, removing old snapshots", "dir", s.config.RootDir, "free", usage.Free, "threshold", s.config.FreeSpaceThreshold)
	if _, err := cleaner.CleanBackup(s.config.RootDir, cfg); err != nil {
		log.Warn("cleanup failed", "dir", s.config.RootDir, "error", err)
	}
}
