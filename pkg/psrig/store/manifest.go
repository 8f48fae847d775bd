package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nik9play/psrig/pkg/psrig/protocol"
)

// Manifest describes one run: what was captured under which light, where it went,
// and the light matrix a photometric stereo solver needs
type Manifest struct {
	RunID      string          `yaml:"run_id"`
	Kind       ImageKind       `yaml:"kind"`
	Mode       string          `yaml:"mode"`
	Status     string          `yaml:"status"`
	Error      string          `yaml:"error,omitempty"`
	Warning    string          `yaml:"warning,omitempty"`
	StartedAt  time.Time       `yaml:"started_at"`
	FinishedAt time.Time       `yaml:"finished_at"`
	Lights     []ManifestLight `yaml:"lights"`

	// LightMatrix holds one direction per saved frame, in file order
	LightMatrix [][]float64 `yaml:"light_matrix"`
}

// ManifestLight is the record of a single light
type ManifestLight struct {
	Light     string    `yaml:"light"`
	Outcome   string    `yaml:"outcome"`
	File      string    `yaml:"file,omitempty"`
	Reason    string    `yaml:"reason,omitempty"`
	Direction []float64 `yaml:"direction,flow"`
}

// SavedFrame is the outcome of persisting one captured frame
type SavedFrame struct {
	Light protocol.LightID
	Path  string
	Err   error
}

// BuildManifest merges a session result with the files written for it
func BuildManifest(run RunInfo, res *protocol.SessionResult, saved []SavedFrame) Manifest {
	m := Manifest{
		RunID:      run.ID,
		Kind:       run.Kind,
		Mode:       res.Mode.String(),
		Status:     res.Status.String(),
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	}

	if res.Err != nil {
		m.Error = res.Err.Error()
	}
	if res.HasWarning() {
		names := make([]string, len(res.MissingDone))
		for i, l := range res.MissingDone {
			names[i] = l.String()
		}
		m.Warning = "device did not confirm completion of " + strings.Join(names, ", ")
	}

	files := make(map[protocol.LightID]SavedFrame, len(saved))
	for _, s := range saved {
		files[s.Light] = s
	}

	for _, l := range res.Lights {
		entry := ManifestLight{
			Light:   l.Light.String(),
			Outcome: l.Outcome.String(),
		}

		if d, ok := LightDirection(l.Light); ok {
			entry.Direction = d[:]
		}

		if l.Reason != nil {
			entry.Reason = l.Reason.Error()
		}

		if s, ok := files[l.Light]; ok {
			if s.Err != nil {
				entry.Reason = fmt.Sprintf("not saved: %v", s.Err)
			} else {
				entry.File = filepath.Base(s.Path)
				m.LightMatrix = append(m.LightMatrix, entry.Direction)
			}
		}

		m.Lights = append(m.Lights, entry)
	}

	return m
}

// WriteManifest writes <kind>_<run id>.yaml next to the frames
func (fs *FileStore) WriteManifest(m Manifest) (string, error) {
	var buf bytes.Buffer

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	if err := enc.Encode(m); err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}

	path := filepath.Join(fs.dir, fmt.Sprintf("%s_%s.yaml", m.Kind, m.RunID))
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}

	fs.logger.Debugw("Wrote run manifest", "path", path)

	return path, nil
}

// ReadManifest loads a manifest written by WriteManifest
func ReadManifest(path string) (Manifest, error) {
	var m Manifest

	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}

	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse manifest: %w", err)
	}

	return m, nil
}
