package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandboxctl/internal/api"
)

func sample(id string, created time.Time) *Snapshot {
	return &Snapshot{
		ID:             id,
		EnvID:          "env-1",
		Path:           "/tmp/env-1",
		Backend:        "filesystem",
		Status:         "active",
		CreatedAt:      created,
		Config:         map[string]string{"python": "3.12"},
		ResourceUsage:  ResourceUsage{CPUPercent: 12.5, MemoryMB: 256},
		AllocatedPorts: []int{40001, 40002},
		Packages:       []string{"requests==2.31.0"},
		BackendPayload: json.RawMessage(`{"files": ["a.txt"]}`),
	}
}

func TestSnapshot_EncodeDecodeRoundTrip(t *testing.T) {
	s := sample("snap-1", time.Now())
	require.NoError(t, s.Seal())

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, s))
	assert.Contains(t, buf.String(), `"snapshot_id": "snap-1"`)
	assert.Contains(t, buf.String(), `"allocated_ports"`)

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, s.EnvID, got.EnvID)
	assert.Equal(t, s.Config, got.Config)
	assert.Equal(t, s.AllocatedPorts, got.AllocatedPorts)
	assert.Equal(t, s.Packages, got.Packages)
	assert.JSONEq(t, string(s.BackendPayload), string(got.BackendPayload))
	assert.Equal(t, s.Checksum, got.Checksum)
}

func TestDecode_RejectsMalformedRecords(t *testing.T) {
	valid := sample("snap-1", time.Now())
	require.NoError(t, valid.Seal())

	tests := []struct {
		name   string
		mutate func(s *Snapshot)
		raw    string
	}{
		{name: "missing snapshot id", mutate: func(s *Snapshot) { s.ID = "" }},
		{name: "missing env id", mutate: func(s *Snapshot) { s.EnvID = "" }},
		{name: "missing path", mutate: func(s *Snapshot) { s.Path = "" }},
		{name: "missing status", mutate: func(s *Snapshot) { s.Status = "" }},
		{name: "missing created_at", mutate: func(s *Snapshot) { s.CreatedAt = time.Time{} }},
		{name: "tampered config", mutate: func(s *Snapshot) { s.Config["python"] = "2.7" }},
		{name: "tampered ports", mutate: func(s *Snapshot) { s.AllocatedPorts = []int{1} }},
		{name: "not json", raw: "{not json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var input string
			if tt.raw != "" {
				input = tt.raw
			} else {
				s := valid.Clone()
				tt.mutate(s)
				var buf bytes.Buffer
				require.NoError(t, Encode(&buf, s))
				input = buf.String()
			}

			got, err := Decode(strings.NewReader(input))
			require.Error(t, err)
			assert.Nil(t, got)
			assert.True(t, api.IsKind(err, api.KindIntegrity))
		})
	}
}

func TestDecode_AcceptsRecordWithoutChecksum(t *testing.T) {
	s := sample("snap-1", time.Now())
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, s))
	_, err := Decode(&buf)
	assert.NoError(t, err)
}

func TestChecksum_IgnoresPayloadFormatting(t *testing.T) {
	a := sample("snap-1", time.Unix(100, 5))
	b := a.Clone()
	b.BackendPayload = json.RawMessage("{\n  \"files\": [\n    \"a.txt\"\n  ]\n}")

	sa, err := a.ComputeChecksum()
	require.NoError(t, err)
	sb, err := b.ComputeChecksum()
	require.NoError(t, err)
	assert.Equal(t, sa, sb)
}

func TestWriteReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exports", "snap.json")
	s := sample("snap-1", time.Now())
	require.NoError(t, s.Seal())
	require.NoError(t, WriteFile(path, s))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestSnapshot_RoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("decode(encode(s)) preserves env id, config and ports", prop.ForAll(
		func(envID, value string, ports []int, nanos int64) bool {
			s := &Snapshot{
				ID:             "snap-" + envID,
				EnvID:          envID,
				Path:           "/envs/" + envID,
				Backend:        "runtime",
				Status:         "inactive",
				CreatedAt:      time.Unix(0, nanos),
				Config:         map[string]string{"key": value},
				AllocatedPorts: ports,
			}
			if err := s.Seal(); err != nil {
				return false
			}
			var buf bytes.Buffer
			if err := Encode(&buf, s); err != nil {
				return false
			}
			got, err := Decode(&buf)
			if err != nil {
				return false
			}
			if got.EnvID != s.EnvID || got.Config["key"] != value || len(got.AllocatedPorts) != len(ports) {
				return false
			}
			for i := range ports {
				if got.AllocatedPorts[i] != ports[i] {
					return false
				}
			}
			return true
		},
		gen.Identifier(),
		gen.AlphaString(),
		gen.SliceOf(gen.IntRange(1024, 65535)),
		gen.Int64Range(1, 4_000_000_000_000_000_000),
	))

	properties.TestingRun(t)
}

func testStores(t *testing.T) map[string]Store {
	sqlite, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStores(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now()

			second := sample("snap-b", base.Add(time.Second))
			first := sample("snap-a", base)
			require.NoError(t, second.Seal())
			require.NoError(t, first.Seal())
			require.NoError(t, store.Save(ctx, second))
			require.NoError(t, store.Save(ctx, first))

			got, err := store.Get(ctx, "snap-a")
			require.NoError(t, err)
			assert.Equal(t, first.Config, got.Config)
			assert.Equal(t, first.AllocatedPorts, got.AllocatedPorts)

			got.Config["python"] = "mutated"
			again, err := store.Get(ctx, "snap-a")
			require.NoError(t, err)
			assert.Equal(t, "3.12", again.Config["python"])

			list, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "snap-a", list[0].ID)
			assert.Equal(t, "snap-b", list[1].ID)

			first.Status = "inactive"
			require.NoError(t, first.Seal())
			require.NoError(t, store.Save(ctx, first))
			got, err = store.Get(ctx, "snap-a")
			require.NoError(t, err)
			assert.Equal(t, "inactive", got.Status)

			require.NoError(t, store.Delete(ctx, "snap-a"))
			_, err = store.Get(ctx, "snap-a")
			assert.ErrorIs(t, err, ErrSnapshotNotFound)
			assert.ErrorIs(t, store.Delete(ctx, "snap-a"), ErrSnapshotNotFound)
		})
	}
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.Save(ctx, sample("old", now.Add(-2*time.Hour))))
	require.NoError(t, store.Save(ctx, sample("new", now.Add(-time.Minute))))

	removed, err := Prune(ctx, store, time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, removed)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "new", list[0].ID)
}
