// Package storage keeps record files in a directory tree: one Markdown file
// per record, grouped into one sub-directory per collection.
package storage

import (
	"path"
	"time"
)

// Ext is the extension of every record file.
const Ext = ".md"

// File is one record file as found by List.
type File struct {
	Collection string
	// Name is the file name without Ext.
	Name    string
	Data    []byte
	ModTime time.Time
}

// Key returns the slash-separated "<collection>/<name>.md" key of the file.
func (f File) Key() string { return Key(f.Collection, f.Name) }

// Key returns the slash-separated key of a record file.
func Key(collection, name string) string {
	return path.Join(collection, name+Ext)
}

// Provider reads and writes record files.
type Provider interface {
	Root() string
	// List returns the record files of a collection ordered by name. A
	// collection that does not exist yet has no files.
	List(collection string) ([]File, error)
	// Read returns a record file's content. A missing file yields an error
	// matching fs.ErrNotExist.
	Read(collection, name string) ([]byte, error)
	// Write atomically replaces a record file.
	Write(collection, name string, content []byte) error
	// Delete removes a record file. A missing file is not an error.
	Delete(collection, name string) error
	// Locate maps an absolute path below Root back to its collection and
	// name. ok is false for anything that is not a record file.
	Locate(abs string) (collection, name string, ok bool)
}
