package embedvault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/embedvault/blobstore"
	"github.com/hupe1980/embedvault/codec"
	"github.com/hupe1980/embedvault/index"
	"github.com/hupe1980/embedvault/resource"
	"github.com/hupe1980/embedvault/store"
	"github.com/hupe1980/embedvault/versionlog"
)

// BackupManifestName is the object written last by Backup. A backup without
// it is incomplete.
const BackupManifestName = "BACKUP.json"

// ErrRestoreTarget is returned when Restore would overwrite an existing vault.
var ErrRestoreTarget = errors.New("embedvault: restore target already holds a vault")

// BackupObject is one uploaded file.
type BackupObject struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// BackupManifest describes a completed backup.
type BackupManifest struct {
	CreatedAt    time.Time      `json:"created_at"`
	Version      uint64         `json:"version"`
	LastSeq      uint64         `json:"last_seq"`
	Dimension    int            `json:"dimension"`
	Metric       string         `json:"metric"`
	Entries      int            `json:"entries"`
	IndexBuildID string         `json:"index_build_id,omitempty"`
	Objects      []BackupObject `json:"objects"`
}

// Bytes returns the total size of all objects.
func (m *BackupManifest) Bytes() int64 {
	var n int64
	for _, o := range m.Objects {
		n += o.Size
	}
	return n
}

type upload struct {
	name string
	path string // local file; empty for data
	data []byte
	size int64
}

// Backup copies a consistent point-in-time image of the vault to dst: the
// data file prefix and manifest, the update log prefix, and the files of the
// servable index. Writes continue while the backup runs.
func (v *Vault) Backup(ctx context.Context, dst blobstore.Store) (*BackupManifest, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	m, err := v.backup(ctx, dst)
	objects := 0
	var size int64
	if m != nil {
		objects, size = len(m.Objects), m.Bytes()
	}
	v.logger.LogBackup(ctx, "backup", objects, size, err)
	return m, err
}

func (v *Vault) backup(ctx context.Context, dst blobstore.Store) (*BackupManifest, error) {
	// The store is captured before the log: every payload the log references
	// is then either in the exported prefix or rewritten by reconcile on open.
	sx, err := v.st.Export()
	if err != nil {
		return nil, translateError(err)
	}
	lx, err := v.log.Export()
	if err != nil {
		return nil, translateError(err)
	}

	m := &BackupManifest{
		CreatedAt: v.opts.now().UTC(),
		Version:   v.log.CurrentVersion(),
		LastSeq:   v.log.LastSeq(),
		Dimension: int(v.dim.Load()),
		Metric:    v.opts.metric.String(),
		Entries:   v.st.Len(),
	}

	uploads := []upload{
		{name: store.DataFileName, path: sx.DataPath, size: sx.DataLength},
		{name: store.ManifestFileName, data: sx.Manifest, size: int64(len(sx.Manifest))},
		{name: versionlog.FileName, path: lx.Path, size: lx.Length},
	}

	if d := v.idx.Current(DefaultTable); d != nil {
		m.IndexBuildID = d.BuildID
		descPath, artPath := v.idx.Descriptors().Files(d)
		prefix := path.Join(IndexDirName, DefaultTable)
		for _, p := range []string{descPath, artPath} {
			fi, err := v.opts.fs.Stat(p)
			if err != nil {
				return nil, err
			}
			uploads = append(uploads, upload{name: path.Join(prefix, filepath.Base(p)), path: p, size: fi.Size()})
		}
		current := []byte(d.BuildID + "\n")
		uploads = append(uploads, upload{name: path.Join(prefix, index.CurrentFileName), data: current, size: int64(len(current))})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.opts.backupConcurrency)
	for _, u := range uploads {
		g.Go(func() error {
			return v.upload(gctx, dst, u)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("backup: %w", err)
	}

	for _, u := range uploads {
		m.Objects = append(m.Objects, BackupObject{Name: u.name, Size: u.size})
	}
	data, err := codec.Encode(v.opts.codec, m)
	if err != nil {
		return nil, err
	}
	if err := dst.Put(ctx, BackupManifestName, bytes.NewReader(data), int64(len(data))); err != nil {
		return nil, fmt.Errorf("backup: %s: %w", BackupManifestName, err)
	}
	return m, nil
}

func (v *Vault) upload(ctx context.Context, dst blobstore.Store, u upload) error {
	var r io.Reader
	if u.path == "" {
		r = bytes.NewReader(u.data)
	} else {
		f, err := v.opts.fs.OpenFile(u.path, os.O_RDONLY, 0)
		if err != nil {
			return err
		}
		defer f.Close()
		r = io.NewSectionReader(f, 0, u.size)
	}
	if err := dst.Put(ctx, u.name, resource.NewReader(ctx, r, v.opts.resources), u.size); err != nil {
		return fmt.Errorf("%s: %w", u.name, err)
	}
	return nil
}

// Restore downloads the backup in src into dir, which must not hold a vault.
// Open the directory afterwards; the update log is authoritative and
// reconciles the store on open. Only the filesystem, codec, resource,
// concurrency and logger options are used.
func Restore(ctx context.Context, src blobstore.Store, dir string, optFns ...Option) (*BackupManifest, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	m, err := restore(ctx, src, dir, opts)
	objects := 0
	var size int64
	if m != nil {
		objects, size = len(m.Objects), m.Bytes()
	}
	opts.logger.LogBackup(ctx, "restore", objects, size, err)
	return m, err
}

func restore(ctx context.Context, src blobstore.Store, dir string, opts options) (*BackupManifest, error) {
	rc, err := src.Get(ctx, BackupManifestName)
	if err != nil {
		return nil, fmt.Errorf("restore: %s: %w", BackupManifestName, err)
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return nil, err
	}
	var m BackupManifest
	if err := codec.Decode(opts.codec, data, &m); err != nil {
		return nil, err
	}

	for _, name := range []string{store.DataFileName, versionlog.FileName} {
		if _, err := opts.fs.Stat(filepath.Join(dir, name)); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrRestoreTarget, dir)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.backupConcurrency)
	for _, o := range m.Objects {
		target, err := restorePath(dir, o.Name)
		if err != nil {
			return nil, err
		}
		g.Go(func() error {
			return download(gctx, src, o, target, opts)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	return &m, nil
}

// restorePath maps an object name to a path under dir.
func restorePath(dir, name string) (string, error) {
	clean := path.Clean(name)
	if name == "" || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: invalid object name %q", ErrDataCorruption, name)
	}
	return filepath.Join(dir, filepath.FromSlash(clean)), nil
}

func download(ctx context.Context, src blobstore.Store, o BackupObject, target string, opts options) (err error) {
	if err := opts.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := src.Get(ctx, o.Name)
	if err != nil {
		return fmt.Errorf("%s: %w", o.Name, err)
	}
	defer rc.Close()

	tmp := target + ".restore"
	f, err := opts.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = opts.fs.Remove(tmp)
		}
	}()

	n, err := io.Copy(resource.NewWriter(ctx, f, opts.resources), rc)
	if err != nil {
		return fmt.Errorf("%s: %w", o.Name, err)
	}
	if n != o.Size {
		return fmt.Errorf("%w: %s has %d bytes, want %d", ErrDataCorruption, o.Name, n, o.Size)
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return opts.fs.Rename(tmp, target)
}
