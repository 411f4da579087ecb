/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package persist defines the typed key-value store that checkpoint state
// is written to, and a file-backed implementation.
//
// Values are flat: little-endian uint64 scalars and little-endian int32
// arrays, keyed by name within a bucket. There is no framing and no
// checksumming at this layer; richer backends implement the same Store
// interface.
package persist

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Bucket separates checkpoint namespaces.
type Bucket string

const (
	// Train holds training-progress state: data reader positions and
	// shuffled index lists.
	Train Bucket = "train"
	// Model holds model state written by other components.
	Model Bucket = "model"
)

// Store is a typed key-value checkpoint writer and reader.
type Store interface {
	WriteUint64(b Bucket, key string, v uint64) error
	ReadUint64(b Bucket, key string) (uint64, error)
	// WriteInt32s stores a contiguous int32 array.
	WriteInt32s(b Bucket, key string, vs []int32) error
	// ReadInt32s fills dst from the stored array, which must hold exactly
	// len(dst) values.
	ReadInt32s(b Bucket, key string, dst []int32) error
}

// DirPermMode is the directory creation permission (before umask) used by
// the file store.
var DirPermMode = os.FileMode(0770)

// FileStore keeps one little-endian binary file per key, under one
// directory per bucket.
type FileStore struct {
	dir string
}

// Config configures a FileStore being built. Create it with Build, set
// options, then call Done.
type Config struct {
	dir string
	err error
}

// Build starts the configuration of a FileStore.
func Build() *Config {
	return &Config{}
}

// Dir sets the root directory of the store, creating it if needed.
func (c *Config) Dir(dir string) *Config {
	c.dir = dir
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil && !fi.IsDir() {
		c.setError(errors.Errorf("checkpoint path %q exists but is not a directory", dir))
		return c
	}
	if err != nil {
		if err = os.MkdirAll(dir, DirPermMode); err != nil {
			c.setError(errors.Wrapf(err, "trying to create dir %q", dir))
		}
	}
	return c
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Done builds the FileStore with the current configuration.
func (c *Config) Done() (*FileStore, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("checkpoint directory not configured or empty")
	}
	return &FileStore{dir: c.dir}, nil
}

func (s *FileStore) path(b Bucket, key string) (string, error) {
	dir := filepath.Join(s.dir, string(b))
	if err := os.MkdirAll(dir, DirPermMode); err != nil {
		return "", errors.Wrapf(err, "creating bucket dir %q", dir)
	}
	return filepath.Join(dir, key), nil
}

// WriteUint64 stores v under key as 8 little-endian bytes.
func (s *FileStore) WriteUint64(b Bucket, key string, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return s.write(b, key, buf[:])
}

// ReadUint64 reads the scalar stored under key.
func (s *FileStore) ReadUint64(b Bucket, key string) (uint64, error) {
	data, err := s.read(b, key, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// WriteInt32s stores vs under key as len(vs)*4 little-endian bytes.
func (s *FileStore) WriteInt32s(b Bucket, key string, vs []int32) error {
	buf := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	return s.write(b, key, buf)
}

// ReadInt32s fills dst from the array stored under key.
func (s *FileStore) ReadInt32s(b Bucket, key string, dst []int32) error {
	data, err := s.read(b, key, 4*len(dst))
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] = int32(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return nil
}

func (s *FileStore) write(b Bucket, key string, data []byte) error {
	path, err := s.path(b, key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0660); err != nil {
		return errors.Wrapf(err, "writing checkpoint key %s/%s", b, key)
	}
	return nil
}

func (s *FileStore) read(b Bucket, key string, want int) ([]byte, error) {
	path, err := s.path(b, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading checkpoint key %s/%s", b, key)
	}
	if len(data) != want {
		return nil, errors.Errorf("checkpoint key %s/%s holds %d bytes, want %d", b, key, len(data), want)
	}
	return data, nil
}
