package version

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// TimeLayout is the sidecar timestamp format: UTC with milliseconds.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Sidecar formats.
const (
	SidecarJSON = "json"
	SidecarYAML = "yaml"
)

// ParentRef points at one upstream artifact version.
type ParentRef struct {
	Alias     string `json:"alias,omitempty" yaml:"alias,omitempty"`
	Path      string `json:"path" yaml:"path"`
	VersionID string `json:"version_id" yaml:"version_id"`
}

// Sidecar is the metadata stored next to every artifact state.
type Sidecar struct {
	Path        string         `json:"path"`
	Format      string         `json:"format"`
	CreatedAt   time.Time      `json:"-"`
	SizeBytes   int64          `json:"size_bytes"`
	ContentHash string         `json:"content_hash"`
	CodeHash    string         `json:"code_hash,omitempty"`
	FileHash    string         `json:"file_hash,omitempty"`
	CodeLabel   string         `json:"code_label,omitempty"`
	VersionID   string         `json:"version_id,omitempty"`
	Parents     []ParentRef    `json:"parents"`
	Attrs       map[string]any `json:"attrs"`
	PrimaryKey  []string       `json:"primary_key,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
}

func (s Sidecar) MarshalJSON() ([]byte, error) {
	type plain Sidecar
	if s.Parents == nil {
		s.Parents = []ParentRef{}
	}
	if s.Attrs == nil {
		s.Attrs = map[string]any{}
	}
	return json.Marshal(struct {
		plain
		CreatedAt string `json:"created_at"`
	}{plain(s), s.CreatedAt.UTC().Format(TimeLayout)})
}

func (s *Sidecar) UnmarshalJSON(b []byte) error {
	type plain Sidecar
	aux := struct {
		*plain
		CreatedAt string `json:"created_at"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if aux.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, aux.CreatedAt)
		if err != nil {
			return fmt.Errorf("sidecar created_at: %w", err)
		}
		s.CreatedAt = t.UTC()
	}
	return nil
}

// encodeSidecar renders s in the given format. YAML goes through the JSON
// form so both formats share one field set.
func encodeSidecar(s *Sidecar, format string) ([]byte, error) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	if format != SidecarYAML {
		return append(b, '\n'), nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return yaml.Marshal(m)
}

func decodeSidecar(b []byte, format string) (*Sidecar, error) {
	if format == SidecarYAML {
		var m map[string]any
		if err := yaml.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		var err error
		if b, err = json.Marshal(m); err != nil {
			return nil, err
		}
	}
	var s Sidecar
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// readSidecarFile reads a sidecar, inferring the format from the extension.
func readSidecarFile(path string) (*Sidecar, error) {
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	format := SidecarJSON
	if filepath.Ext(path) == ".yaml" {
		format = SidecarYAML
	}
	s, err := decodeSidecar(b, format)
	if err != nil {
		return nil, fmt.Errorf("decode sidecar %s: %w", path, err)
	}
	return s, nil
}

// writeFileAtomic writes b to a temp file next to path and renames it over
// path.
func writeFileAtomic(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

const parentsFile = "parents.json"

// decodeParents parses a parents descriptor. Any decode failure is
// ErrParentsMalformed.
func decodeParents(b []byte) ([]ParentRef, error) {
	var refs []ParentRef
	if err := json.Unmarshal(b, &refs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParentsMalformed, err)
	}
	for i, r := range refs {
		if r.Path == "" || r.VersionID == "" {
			return nil, fmt.Errorf("%w: entry %d lacks path or version_id", ErrParentsMalformed, i)
		}
	}
	return refs, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
