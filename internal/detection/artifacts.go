package detection

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ArtifactStore keeps the regions sent for recognition on disk, bucketed
// by hour: <dir>/ocr/YYYY/MM/DD/HH/ocr_frame_<unix>_<micro>.jpg
type ArtifactStore struct {
	dir string
}

// NewArtifactStore creates a store rooted at dir. An empty dir disables it.
func NewArtifactStore(dir string) *ArtifactStore {
	if dir == "" {
		return nil
	}
	return &ArtifactStore{dir: dir}
}

// Path returns where an artifact captured at t is written
func (s *ArtifactStore) Path(t time.Time) string {
	t = t.UTC()
	name := fmt.Sprintf("ocr_frame_%d_%06d.jpg", t.Unix(), t.Nanosecond()/1000)
	return filepath.Join(s.dir, "ocr",
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", int(t.Month())),
		fmt.Sprintf("%02d", t.Day()),
		fmt.Sprintf("%02d", t.Hour()),
		name)
}

// Save writes data and returns its path. A nil store saves nothing.
func (s *ArtifactStore) Save(data []byte, t time.Time) (string, error) {
	if s == nil {
		return "", nil
	}
	path := s.Path(t)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return path, nil
}
