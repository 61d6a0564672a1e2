// Package snapshot defines the persisted form of an environment snapshot,
// its checksum and JSON codec, and the stores that hold snapshots
// independently of the environments they were captured from.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	"sandboxctl/internal/api"
)

// ResourceUsage is the last usage sample captured with a snapshot.
type ResourceUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
}

// Snapshot is a point-in-time capture of an environment.
type Snapshot struct {
	ID             string            `json:"snapshot_id"`
	EnvID          string            `json:"env_id"`
	Path           string            `json:"path"`
	Backend        string            `json:"backend"`
	Status         string            `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	Config         map[string]string `json:"config"`
	ResourceUsage  ResourceUsage     `json:"resource_usage"`
	AllocatedPorts []int             `json:"allocated_ports"`
	Packages       []string          `json:"packages"`
	BackendPayload json.RawMessage   `json:"backend_payload,omitempty"`
	Checksum       string            `json:"checksum,omitempty"`
}

// hashable is the checksum input. Times and payloads are normalised so the
// checksum survives a JSON round trip.
type hashable struct {
	ID             string
	EnvID          string
	Path           string
	Backend        string
	Status         string
	CreatedAt      int64
	Config         map[string]string
	CPUPercent     float64
	MemoryMB       float64
	AllocatedPorts []int
	Packages       []string
	Payload        string
}

// ComputeChecksum hashes every field except Checksum.
func (s *Snapshot) ComputeChecksum() (string, error) {
	payload, err := compactPayload(s.BackendPayload)
	if err != nil {
		return "", err
	}
	h, err := hashstructure.Hash(hashable{
		ID:             s.ID,
		EnvID:          s.EnvID,
		Path:           s.Path,
		Backend:        s.Backend,
		Status:         s.Status,
		CreatedAt:      s.CreatedAt.UnixNano(),
		Config:         s.Config,
		CPUPercent:     s.ResourceUsage.CPUPercent,
		MemoryMB:       s.ResourceUsage.MemoryMB,
		AllocatedPorts: s.AllocatedPorts,
		Packages:       s.Packages,
		Payload:        payload,
	}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("failed to hash snapshot %s: %w", s.ID, err)
	}
	return strconv.FormatUint(h, 16), nil
}

// Seal stores the current checksum on the snapshot.
func (s *Snapshot) Seal() error {
	sum, err := s.ComputeChecksum()
	if err != nil {
		return err
	}
	s.Checksum = sum
	return nil
}

func compactPayload(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", fmt.Errorf("invalid backend payload: %w", err)
	}
	return buf.String(), nil
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	if s.Config != nil {
		c.Config = make(map[string]string, len(s.Config))
		for k, v := range s.Config {
			c.Config[k] = v
		}
	}
	c.AllocatedPorts = append([]int(nil), s.AllocatedPorts...)
	c.Packages = append([]string(nil), s.Packages...)
	c.BackendPayload = append(json.RawMessage(nil), s.BackendPayload...)
	return &c
}

// Validate checks the required fields and, when present, the checksum.
func (s *Snapshot) Validate() error {
	missing := []string{}
	if s.ID == "" {
		missing = append(missing, "snapshot_id")
	}
	if s.EnvID == "" {
		missing = append(missing, "env_id")
	}
	if s.Path == "" {
		missing = append(missing, "path")
	}
	if s.Status == "" {
		missing = append(missing, "status")
	}
	if s.CreatedAt.IsZero() {
		missing = append(missing, "created_at")
	}
	if len(missing) > 0 {
		return api.NewIntegrityError("snapshot.validate", "snapshot record missing required fields: %v", missing)
	}

	if s.Checksum != "" {
		sum, err := s.ComputeChecksum()
		if err != nil {
			return api.NewIntegrityError("snapshot.validate", "%v", err)
		}
		if sum != s.Checksum {
			return api.NewIntegrityError("snapshot.validate", "checksum mismatch for snapshot %s: recorded %s, computed %s", s.ID, s.Checksum, sum)
		}
	}
	return nil
}

// Encode writes the snapshot as indented JSON.
func Encode(w io.Writer, s *Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// Decode reads and validates a snapshot record. Unknown fields are ignored;
// a record that fails validation is rejected whole.
func Decode(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, api.NewIntegrityError("snapshot.decode", "malformed snapshot record: %v", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// WriteFile exports a snapshot to path, creating parent directories.
func WriteFile(path string, s *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	var buf bytes.Buffer
	if err := Encode(&buf, s); err != nil {
		return fmt.Errorf("failed to encode snapshot %s: %w", s.ID, err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ReadFile imports a snapshot record from path.
func ReadFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}
