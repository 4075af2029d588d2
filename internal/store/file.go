package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var versionFile = regexp.MustCompile(`^v(\d+)\.yaml$`)

// FileStore keeps one YAML file per version under <dir>/<scenario>/vN.yaml.
type FileStore struct {
	dir    string
	logger *logrus.Logger
	mutex  sync.Mutex
}

func NewFileStore(dir string, logger *logrus.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store needs a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) Load(ctx context.Context, name string, version int) (*Snapshot, error) {
	if version == 0 {
		versions, err := s.Versions(ctx, name)
		if err != nil {
			return nil, err
		}
		if len(versions) == 0 {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		version = versions[len(versions)-1]
	}

	data, err := os.ReadFile(s.path(name, version))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s v%d: %w", name, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s v%d: %w", name, version, err)
	}
	return &snap, nil
}

func (s *FileStore) Save(ctx context.Context, snap *Snapshot) (int, error) {
	if snap.Scenario == "" {
		return 0, fmt.Errorf("snapshot has no scenario name")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	versions, err := s.Versions(ctx, snap.Scenario)
	if err != nil {
		return 0, err
	}
	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1] + 1
	}

	out := *snap
	out.Version = next
	data, err := yaml.Marshal(&out)
	if err != nil {
		return 0, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(s.dir, snap.Scenario), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	// O_EXCL so two processes sharing the directory never overwrite a version
	f, err := os.OpenFile(s.path(snap.Scenario, next), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to create snapshot file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to write snapshot: %w", err)
	}

	snap.Version = next
	s.logger.Debugf("Store: saved %s v%d (%s)", snap.Scenario, next, snap.Kind)
	return next, nil
}

func (s *FileStore) Versions(ctx context.Context, name string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list versions of %s: %w", name, err)
	}

	var versions []int
	for _, e := range entries {
		m := versionFile.FindStringSubmatch(e.Name())
		if m == nil || e.IsDir() {
			continue
		}
		v, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions, nil
}

func (s *FileStore) Close(ctx context.Context) error {
	return nil
}

func (s *FileStore) path(name string, version int) string {
	return filepath.Join(s.dir, name, fmt.Sprintf("v%d.yaml", version))
}
