package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const tmpPrefix = ".jobtrail-tmp-"

// Dir implements Provider on the local file system.
type Dir struct {
	root string
}

var _ Provider = (*Dir)(nil)

// Open returns a Dir rooted at root, creating the directory if needed.
func Open(root string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	if info, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &Dir{root: abs}, nil
}

func (d *Dir) Root() string { return d.root }

// element reports whether s can be used as one path element below the root.
func element(s string) bool {
	return s != "" && !strings.ContainsAny(s, `/\`) && filepath.IsLocal(s)
}

func (d *Dir) collectionPath(collection string) (string, error) {
	if !element(collection) {
		return "", fmt.Errorf("storage: invalid collection %q", collection)
	}
	return filepath.Join(d.root, collection), nil
}

func (d *Dir) filePath(collection, name string) (string, error) {
	dir, err := d.collectionPath(collection)
	if err != nil {
		return "", err
	}
	if !element(name) || strings.HasPrefix(name, tmpPrefix) {
		return "", fmt.Errorf("storage: invalid record name %q", name)
	}
	return filepath.Join(dir, name+Ext), nil
}

func (d *Dir) List(collection string) ([]File, error) {
	dir, err := d.collectionPath(collection)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", collection, err)
	}

	var out []File
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), Ext)
		if !ok || e.IsDir() || strings.HasPrefix(name, tmpPrefix) {
			continue
		}
		info, err := e.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue // removed since ReadDir
		}
		if err != nil {
			return nil, fmt.Errorf("storage: stat %s: %w", Key(collection, name), err)
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("storage: read %s: %w", Key(collection, name), err)
		}
		out = append(out, File{Collection: collection, Name: name, Data: data, ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *Dir) Read(collection, name string) ([]byte, error) {
	p, err := d.filePath(collection, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", Key(collection, name), err)
	}
	return data, nil
}

// Write writes content to a temp file in the same directory, syncs it and
// renames it over the target, so readers never see a partial record.
func (d *Dir) Write(collection, name string, content []byte) (err error) {
	p, err := d.filePath(collection, name)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir %s: %w", collection, err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write %s: %w", Key(collection, name), err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync %s: %w", Key(collection, name), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("storage: close %s: %w", Key(collection, name), err)
	}
	if err = os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("storage: rename %s: %w", Key(collection, name), err)
	}
	return nil
}

func (d *Dir) Delete(collection, name string) error {
	p, err := d.filePath(collection, name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: delete %s: %w", Key(collection, name), err)
	}
	return nil
}

func (d *Dir) Locate(abs string) (collection, name string, ok bool) {
	rel, err := filepath.Rel(d.root, abs)
	if err != nil {
		return "", "", false
	}
	collection, file, found := strings.Cut(filepath.ToSlash(rel), "/")
	if !found || !element(collection) {
		return "", "", false
	}
	name, isRecord := strings.CutSuffix(file, Ext)
	if !isRecord || !element(name) || strings.HasPrefix(name, tmpPrefix) {
		return "", "", false
	}
	return collection, name, true
}
