// Package fileversion computes content-addressed versions of files.
//
// A version is identified by its etag (hex SHA-256 of the file bytes). Two
// versions are equal when their etags match, regardless of who wrote them.
// Versions are computed on demand and never cached.
package fileversion

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"
)

// DefaultChunkSize is the read buffer used when hashing file contents.
const DefaultChunkSize = 64 * 1024

// FileVersion describes a file's content at a point in time.
type FileVersion struct {
	ETag       string    `json:"etag"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"mtime"`
	ModifiedBy string    `json:"modified_by,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitzero"`
}

// Equal reports whether two versions have the same content hash.
func (v *FileVersion) Equal(other *FileVersion) bool {
	if v == nil || other == nil {
		return v == other
	}
	return v.ETag == other.ETag
}

// Stamp returns a copy of v attributed to agent at t.
func (v FileVersion) Stamp(agent string, t time.Time) FileVersion {
	v.ModifiedBy = agent
	v.ModifiedAt = t
	return v
}

func (v *FileVersion) String() string {
	if v == nil {
		return "<none>"
	}
	short := v.ETag
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("%s (%d bytes)", short, v.Size)
}

// Compute hashes the file at path using DefaultChunkSize reads.
func Compute(path string) (*FileVersion, error) {
	return ComputeChunked(path, DefaultChunkSize)
}

// ComputeChunked hashes the file at path reading chunkSize bytes at a time.
func ComputeChunked(path string, chunkSize int) (*FileVersion, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	h := sha256.New()
	buf := make([]byte, chunkSize)
	var size int64
	for {
		n, err := f.Read(buf)
		h.Write(buf[:n])
		size += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", path, err)
		}
	}

	return &FileVersion{
		ETag:    hex.EncodeToString(h.Sum(nil)),
		Size:    size,
		ModTime: info.ModTime(),
	}, nil
}

// HashBytes returns the hex SHA-256 of data, the same digest Compute
// produces for a file holding data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
