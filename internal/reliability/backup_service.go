// Package reliability keeps the fleet's databases recoverable: cloud backups
// and periodic integrity maintenance.
package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	backupPrefix      = "fleet-backup-"
	backupSuffix      = ".tar.gz"
	backupStampLayout = "2006-01-02-150405"
	metadataFilename  = "backup-metadata.json"

	// MinBackupsToKeep survive rotation regardless of age
	MinBackupsToKeep = 3
)

// Snapshotter produces a consistent copy of one database
type Snapshotter interface {
	Name() string
	SnapshotTo(ctx context.Context, path string) error
}

// BackupMetadata is stored alongside the snapshots in every archive
type BackupMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Version   string             `json:"version"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes one snapshot inside an archive
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo describes an archive in the object store
type BackupInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}

// BackupService snapshots databases into a tar.gz and ships it to an ObjectStore
type BackupService struct {
	store      ObjectStore
	databases  []Snapshotter
	stagingDir string
	now        func() time.Time
	log        zerolog.Logger
}

// NewBackupService creates a backup service staging archives under dataDir
func NewBackupService(store ObjectStore, databases []Snapshotter, dataDir string, log zerolog.Logger) *BackupService {
	return &BackupService{
		store:      store,
		databases:  databases,
		stagingDir: filepath.Join(dataDir, "backup-staging"),
		now:        time.Now,
		log:        log.With().Str("service", "cloud_backup").Logger(),
	}
}

// CreateAndUpload snapshots every database and uploads the archive
func (s *BackupService) CreateAndUpload(ctx context.Context) (BackupInfo, error) {
	start := time.Now()
	stamp := s.now().UTC()

	if err := os.MkdirAll(s.stagingDir, 0755); err != nil {
		return BackupInfo{}, fmt.Errorf("failed to create staging directory: %w", err)
	}
	runDir, err := os.MkdirTemp(s.stagingDir, "run-")
	if err != nil {
		return BackupInfo{}, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(runDir)

	metadata := BackupMetadata{
		Timestamp: stamp,
		Version:   "1",
		Databases: make([]DatabaseMetadata, 0, len(s.databases)),
	}
	files := make([]string, 0, len(s.databases)+1)

	for _, db := range s.databases {
		filename := db.Name() + ".db"
		path := filepath.Join(runDir, filename)
		if err := db.SnapshotTo(ctx, path); err != nil {
			return BackupInfo{}, fmt.Errorf("failed to back up %s: %w", db.Name(), err)
		}

		info, err := os.Stat(path)
		if err != nil {
			return BackupInfo{}, fmt.Errorf("failed to stat %s snapshot: %w", db.Name(), err)
		}
		checksum, err := fileChecksum(path)
		if err != nil {
			return BackupInfo{}, fmt.Errorf("failed to checksum %s snapshot: %w", db.Name(), err)
		}

		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      db.Name(),
			Filename:  filename,
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
		files = append(files, filename)
	}

	if err := writeMetadata(filepath.Join(runDir, metadataFilename), metadata); err != nil {
		return BackupInfo{}, fmt.Errorf("failed to write metadata: %w", err)
	}
	files = append(files, metadataFilename)

	key := backupPrefix + stamp.Format(backupStampLayout) + backupSuffix
	archivePath := filepath.Join(runDir, key)
	if err := createArchive(archivePath, runDir, files); err != nil {
		return BackupInfo{}, fmt.Errorf("failed to create archive: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return BackupInfo{}, fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()
	stat, err := archive.Stat()
	if err != nil {
		return BackupInfo{}, fmt.Errorf("failed to stat archive: %w", err)
	}

	if err := s.store.Upload(ctx, key, archive); err != nil {
		return BackupInfo{}, err
	}

	s.log.Info().
		Str("key", key).
		Int64("size_bytes", stat.Size()).
		Dur("duration_ms", time.Since(start)).
		Msg("Cloud backup uploaded")

	return BackupInfo{Key: key, Timestamp: stamp, SizeBytes: stat.Size()}, nil
}

// List returns stored archives, newest first. Objects that do not follow the
// archive naming are ignored.
func (s *BackupService) List(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, backupPrefix)
	if err != nil {
		return nil, err
	}

	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		stamp, ok := parseBackupKey(obj.Key)
		if !ok {
			s.log.Debug().Str("key", obj.Key).Msg("Skipping foreign object")
			continue
		}
		backups = append(backups, BackupInfo{Key: obj.Key, Timestamp: stamp, SizeBytes: obj.SizeBytes})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// Rotate deletes archives older than retentionDays while always keeping the
// newest MinBackupsToKeep. A non-positive retention keeps everything.
// Returns the number of archives deleted.
func (s *BackupService) Rotate(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	backups, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(backups) <= MinBackupsToKeep {
		return 0, nil
	}

	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)
	deleted := 0
	for _, b := range backups[MinBackupsToKeep:] {
		if !b.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, b.Key); err != nil {
			s.log.Error().Err(err).Str("key", b.Key).Msg("Failed to delete old backup")
			continue
		}
		deleted++
	}

	s.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(backups)-deleted).
		Msg("Cloud backup rotation completed")
	return deleted, nil
}

func parseBackupKey(key string) (time.Time, bool) {
	if !strings.HasPrefix(key, backupPrefix) || !strings.HasSuffix(key, backupSuffix) {
		return time.Time{}, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(key, backupPrefix), backupSuffix)
	stamp, err := time.Parse(backupStampLayout, raw)
	if err != nil {
		return time.Time{}, false
	}
	return stamp, true
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

func writeMetadata(path string, metadata BackupMetadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(metadata)
}

func createArchive(archivePath, sourceDir string, files []string) (err error) {
	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for _, name := range files {
		if err := addFileToArchive(tw, filepath.Join(sourceDir, name), name); err != nil {
			return fmt.Errorf("failed to add %s: %w", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func addFileToArchive(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	if err := tw.WriteHeader(&tar.Header{
		Name:    name,
		Size:    info.Size(),
		Mode:    int64(info.Mode().Perm()),
		ModTime: info.ModTime(),
	}); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
