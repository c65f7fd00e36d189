// Package archive keeps a copy of each sealed utterance on disk.
package archive

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/chriscow/voice-session-go/pkg/encoder"
)

// Archive writes utterances as <dir>/<utterance id>.<ext>.
type Archive struct {
	fs  afero.Fs
	dir string
}

// New creates the directory if needed.
func New(fs afero.Fs, dir string) (*Archive, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if dir == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &Archive{fs: fs, dir: dir}, nil
}

// Save stores p under id and returns the path written.
func (a *Archive) Save(id string, p *encoder.Payload) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid utterance id %q", id)
	}
	path := filepath.Join(a.dir, id+"."+p.Container.Ext)
	if err := afero.WriteFile(a.fs, path, p.Data, 0o644); err != nil {
		return "", fmt.Errorf("write utterance: %w", err)
	}
	return path, nil
}

// List returns archived file names in lexical order.
func (a *Archive) List() ([]string, error) {
	entries, err := afero.ReadDir(a.fs, a.dir)
	if err != nil {
		return nil, fmt.Errorf("read archive directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
