package index

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/hupe1980/embedvault/codec"
	"github.com/hupe1980/embedvault/distance"
	"github.com/hupe1980/embedvault/internal/fs"
)

// CurrentFileName names the pointer file holding the live build id.
const CurrentFileName = "CURRENT"

// Descriptor is the persisted record of one index build.
type Descriptor struct {
	Table      string    `json:"table"`
	IndexName  string    `json:"index_name"`
	Algorithm  string    `json:"algorithm"`
	Columns    []string  `json:"columns"`
	Partitions int       `json:"partitions"`
	SubVectors int       `json:"sub_vectors"`
	BitWidth   int       `json:"bit_width"`
	Metric     string    `json:"metric"`
	Dimension  int       `json:"dimension"`
	CreatedAt  time.Time `json:"created_at"`
	RowCount   int       `json:"row_count"`
	BuildID    string    `json:"build_id"`
	Artifact   string    `json:"artifact"`
}

// Params returns the build parameters recorded in d.
func (d *Descriptor) Params() (BuildParams, error) {
	m, err := distance.ParseMetric(d.Metric)
	if err != nil {
		return BuildParams{}, err
	}
	return BuildParams{
		Partitions: d.Partitions,
		SubVectors: d.SubVectors,
		BitWidth:   d.BitWidth,
		Metric:     m,
	}, nil
}

// Drift is the relative difference between rows and the indexed row count.
func (d *Descriptor) Drift(rows int) float64 {
	base := max(d.RowCount, 1)
	diff := rows - d.RowCount
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) / float64(base)
}

// DescriptorStore persists descriptors under <root>/<table>/.
type DescriptorStore struct {
	root  string
	fs    fs.FileSystem
	codec codec.Codec
}

// NewDescriptorStore returns a store rooted at root.
func NewDescriptorStore(root string, fsys fs.FileSystem, c codec.Codec) *DescriptorStore {
	if fsys == nil {
		fsys = fs.Default
	}
	if c == nil {
		c = codec.Default
	}
	return &DescriptorStore{root: root, fs: fsys, codec: c}
}

// TableDir returns the directory holding a table's descriptors and artifacts.
func (s *DescriptorStore) TableDir(table string) string {
	return filepath.Join(s.root, table)
}

func (s *DescriptorStore) descriptorPath(table, buildID string) string {
	return filepath.Join(s.TableDir(table), buildID+".json")
}

// Files returns the descriptor and artifact paths of d.
func (s *DescriptorStore) Files(d *Descriptor) (descriptor, artifact string) {
	return s.descriptorPath(d.Table, d.BuildID), filepath.Join(s.TableDir(d.Table), d.Artifact)
}

// Save writes d as a new descriptor file and then points CURRENT at it.
// Existing descriptor files are never rewritten.
func (s *DescriptorStore) Save(d *Descriptor) error {
	if d.Table == "" || d.BuildID == "" {
		return fmt.Errorf("index: descriptor needs table and build id")
	}
	dir := s.TableDir(d.Table)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := s.descriptorPath(d.Table, d.BuildID)
	if _, err := s.fs.Stat(path); err == nil {
		return fmt.Errorf("index: descriptor %s already exists", d.BuildID)
	}

	data, err := codec.Encode(s.codec, d)
	if err != nil {
		return err
	}
	if err := fs.WriteFileAtomic(s.fs, path, data, 0o644); err != nil {
		return err
	}
	if err := fs.WriteFileAtomic(s.fs, filepath.Join(dir, CurrentFileName), []byte(d.BuildID+"\n"), 0o644); err != nil {
		// Nothing references the descriptor; leaving it would orphan it.
		_ = s.fs.Remove(path)
		return err
	}
	return nil
}

// Current loads the descriptor CURRENT points at.
func (s *DescriptorStore) Current(table string) (*Descriptor, error) {
	b, err := s.fs.ReadFile(filepath.Join(s.TableDir(table), CurrentFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoDescriptor
		}
		return nil, err
	}
	id := strings.TrimSpace(string(b))
	if id == "" {
		return nil, ErrNoDescriptor
	}
	return s.Load(table, id)
}

// Load reads a specific build's descriptor.
func (s *DescriptorStore) Load(table, buildID string) (*Descriptor, error) {
	b, err := s.fs.ReadFile(s.descriptorPath(table, buildID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoDescriptor
		}
		return nil, err
	}
	var d Descriptor
	if err := codec.Decode(s.codec, b, &d); err != nil {
		return nil, err
	}
	if d.BuildID != buildID || d.Table != table {
		return nil, fmt.Errorf("%w: descriptor %s does not match its path", codec.ErrSerialization, buildID)
	}
	return &d, nil
}

// List returns all readable descriptors of a table, oldest first.
func (s *DescriptorStore) List(table string) ([]*Descriptor, error) {
	entries, err := s.fs.ReadDir(s.TableDir(table))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Descriptor
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		d, err := s.Load(table, strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b *Descriptor) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.BuildID, b.BuildID)
	})
	return out, nil
}

// Remove deletes a superseded build's descriptor and artifact.
func (s *DescriptorStore) Remove(d *Descriptor) error {
	dir := s.TableDir(d.Table)
	var errs []error
	if d.Artifact != "" {
		if err := s.fs.Remove(filepath.Join(dir, d.Artifact)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.fs.Remove(s.descriptorPath(d.Table, d.BuildID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
