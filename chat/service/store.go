// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/creachadair/parley/chat"
)

// Bounds on the size of a single uploaded file.
const (
	MinFileSize = 2 << 10   // 2 KiB
	MaxFileSize = 200 << 20 // 200 MiB
)

// A FileStore is the shared file area of a chat service, one subdirectory
// per room under a common root.
type FileStore struct {
	root string
}

// NewFileStore creates a file store rooted at the given directory, creating
// the directory if necessary.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create file store: %w", err)
	}
	return &FileStore{root: root}, nil
}

// hiddenName reports whether name is excluded from sharing by convention.
func hiddenName(name string) bool {
	return name == "" || strings.IndexByte(".~!?*", name[0]) >= 0
}

// checkName reports an error if name is not a plain file name eligible for
// sharing.
func checkName(name string) error {
	if hiddenName(name) {
		return fmt.Errorf("invalid file name %q", name)
	} else if name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("file name %q is not plain", name)
	}
	return nil
}

func (s *FileStore) roomDir(room string) (string, error) {
	if err := checkName(room); err != nil {
		return "", fmt.Errorf("invalid room id %q", room)
	}
	return filepath.Join(s.root, room), nil
}

// List reports the files currently shared in the given room, excluding names
// hidden by convention. A room with no shared area yet reports an empty list.
func (s *FileStore) List(room string) ([]chat.FileInfo, error) {
	dir, err := s.roomDir(room)
	if err != nil {
		return nil, err
	}
	es, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []chat.FileInfo
	for _, e := range es {
		if e.IsDir() || hiddenName(e.Name()) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue // removed while listing
		}
		out = append(out, chat.FileInfo{Name: e.Name(), Size: fi.Size()})
	}
	return out, nil
}

// CheckUpload reports the reason an upload of size bytes to the named file
// must be refused, or "" if the upload is acceptable.
func (s *FileStore) CheckUpload(room, name string, size int64) string {
	if _, err := s.roomDir(room); err != nil {
		return err.Error()
	} else if err := checkName(name); err != nil {
		return err.Error()
	}
	if size < MinFileSize {
		return "file too small!"
	} else if size > MaxFileSize {
		return "file too large!"
	}
	if fi, err := os.Stat(filepath.Join(s.root, room, name)); err == nil && fi.Size() > size {
		return fmt.Sprintf("not shrinking %q (%d > %d bytes)", name, fi.Size(), size)
	}
	return ""
}

// Create opens the named file for writing, truncating it if it exists and
// creating the room's shared area if necessary.
func (s *FileStore) Create(room, name string) (*os.File, error) {
	dir, err := s.roomDir(room)
	if err != nil {
		return nil, err
	} else if err := checkName(name); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return os.Create(filepath.Join(dir, name))
}

// Open opens the named file for reading and reports its metadata.
func (s *FileStore) Open(room, name string) (*os.File, os.FileInfo, error) {
	dir, err := s.roomDir(room)
	if err != nil {
		return nil, nil, err
	} else if err := checkName(name); err != nil {
		return nil, nil, err
	}
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, fi, nil
}
