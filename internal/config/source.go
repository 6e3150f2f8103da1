package config

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
)

//go:embed defaults/*.yaml
var defaultDocuments embed.FS

// Source provides raw configuration documents. The store depends only on the
// parsed documents, never on where they are kept.
type Source interface {
	Load(ctx context.Context) ([]Document, error)
}

// FSSource loads every *.yaml, *.yml and *.json file in Dir of a file system.
type FSSource struct {
	FS  fs.FS
	Dir string
}

// NewDirSource creates a source reading documents from a directory on disk.
func NewDirSource(dir string) *FSSource {
	return &FSSource{FS: os.DirFS(dir), Dir: "."}
}

// Defaults returns the built-in documents compiled into the binary.
func Defaults() *FSSource {
	return &FSSource{FS: defaultDocuments, Dir: "defaults"}
}

// Load reads the documents in lexical file name order.
func (s *FSSource) Load(ctx context.Context) ([]Document, error) {
	entries, err := fs.ReadDir(s.FS, s.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(path.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	docs := make([]Document, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := fs.ReadFile(s.FS, path.Join(s.Dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", name, err)
		}
		docs = append(docs, Document{Name: name, Data: data})
	}
	return docs, nil
}

// StaticSource serves a fixed document list.
type StaticSource []Document

// Load returns a copy of the documents.
func (s StaticSource) Load(ctx context.Context) ([]Document, error) {
	return append([]Document(nil), s...), nil
}

// MultiSource concatenates the documents of several sources in order.
type MultiSource []Source

// Load fails if any source fails.
func (m MultiSource) Load(ctx context.Context) ([]Document, error) {
	var docs []Document
	for _, src := range m {
		loaded, err := src.Load(ctx)
		if err != nil {
			return nil, err
		}
		docs = append(docs, loaded...)
	}
	return docs, nil
}
