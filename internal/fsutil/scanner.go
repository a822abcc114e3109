package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
)

var fileRe = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_\-]+)\.(up|down)\.sql$`)

// Pair is a discovered up/down migration file pair sharing one version
// and name.
type Pair struct {
	Version  string
	Name     string
	UpPath   string
	DownPath string
}

// ScanDir discovers migration pairs in a directory on disk, sorted by
// version then name. Files not matching NNN_name.up.sql / NNN_name.down.sql
// are ignored; a version with only one side of the pair is an error.
func ScanDir(dir string) ([]Pair, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	return scan(entries, func(name string) string { return filepath.Join(dir, name) })
}

// ScanFS is ScanDir over an fs.FS, typically an embed.FS.
func ScanFS(fsys fs.FS, root string) ([]Pair, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, err
	}
	return scan(entries, func(name string) string { return path.Join(root, name) })
}

func scan(entries []fs.DirEntry, full func(name string) string) ([]Pair, error) {
	byKey := map[string]*Pair{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := fileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		version, name, typ := m[1], m[2], m[3]
		key := version + ":" + name
		p := byKey[key]
		if p == nil {
			p = &Pair{Version: version, Name: name}
			byKey[key] = p
		}
		switch typ {
		case "up":
			if p.UpPath != "" {
				return nil, errors.New("duplicate up file for " + key)
			}
			p.UpPath = full(e.Name())
		case "down":
			if p.DownPath != "" {
				return nil, errors.New("duplicate down file for " + key)
			}
			p.DownPath = full(e.Name())
		}
	}
	out := make([]Pair, 0, len(byKey))
	for key, p := range byKey {
		if p.UpPath == "" || p.DownPath == "" {
			return nil, errors.New("missing pair for " + key)
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Version == out[j].Version {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}
