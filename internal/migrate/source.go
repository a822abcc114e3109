package migrate

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/example/migrunner/internal/fsutil"
)

// FromDir loads script migrations from NNN_name.{up,down}.sql pairs in a
// directory on disk.
func FromDir(dir string) ([]Migration, error) {
	pairs, err := fsutil.ScanDir(dir)
	if err != nil {
		return nil, err
	}
	return loadPairs(pairs, os.ReadFile)
}

// FromFS loads script migrations from an fs.FS, typically an embed.FS
// compiled into the binary.
func FromFS(fsys fs.FS, root string) ([]Migration, error) {
	pairs, err := fsutil.ScanFS(fsys, root)
	if err != nil {
		return nil, err
	}
	return loadPairs(pairs, func(p string) ([]byte, error) {
		return fs.ReadFile(fsys, filepath.ToSlash(p))
	})
}

func loadPairs(pairs []fsutil.Pair, read func(path string) ([]byte, error)) ([]Migration, error) {
	out := make([]Migration, 0, len(pairs))
	for _, p := range pairs {
		up, err := read(p.UpPath)
		if err != nil {
			return nil, err
		}
		down, err := read(p.DownPath)
		if err != nil {
			return nil, err
		}
		out = append(out, Migration{
			Version: p.Version,
			Name:    p.Name,
			Up:      Script(up),
			Down:    Script(down),
		})
	}
	return out, nil
}
