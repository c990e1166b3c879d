// Package chunksource turns a local file or buffer into addressable,
// fixed-size byte ranges for chunked uploads.
package chunksource

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Source yields the chunks of a single upload. Chunk i covers the byte
// range [i*chunkSize, min((i+1)*chunkSize, totalSize)), so the ranges are
// gap-free and overlap-free. Reading the same index twice must return
// byte-identical content; the backing file must not be mutated during the
// upload (caller obligation).
type Source interface {
	// NumChunks returns the total number of chunks.
	NumChunks() int

	// TotalSize returns the size of the whole upload in bytes.
	TotalSize() int64

	// ChunkSize returns the size of the chunk at the given index.
	ChunkSize(index int) int64

	// Offset returns the byte offset of the chunk at the given index.
	Offset(index int) int64

	// ReadChunk reads the full payload of the chunk at the given index.
	// It may be called multiple times for the same index (retries).
	ReadChunk(index int) ([]byte, error)
}

// Plan computes the chunk count and last chunk size for a total size.
func Plan(totalSize, chunkSize int64) (numChunks int, lastChunkSize int64) {
	if totalSize <= 0 || chunkSize <= 0 {
		return 0, 0
	}
	numChunks = int((totalSize + chunkSize - 1) / chunkSize)
	lastChunkSize = totalSize - int64(numChunks-1)*chunkSize
	return numChunks, lastChunkSize
}

// FileSource reads chunks from a file on disk.
// Thread-safe for parallel chunk reads.
type FileSource struct {
	file      *os.File
	totalSize int64
	chunkSize int64
	numChunks int
	mu        sync.Mutex
}

// NewFileSource opens the file at path and splits it into chunkSize ranges.
func NewFileSource(path string, chunkSize int64) (*FileSource, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("file %s is empty", path)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	numChunks, _ := Plan(info.Size(), chunkSize)
	return &FileSource{
		file:      file,
		totalSize: info.Size(),
		chunkSize: chunkSize,
		numChunks: numChunks,
	}, nil
}

// NumChunks returns the total number of chunks.
func (s *FileSource) NumChunks() int {
	return s.numChunks
}

// TotalSize returns the file size in bytes.
func (s *FileSource) TotalSize() int64 {
	return s.totalSize
}

// ChunkSize returns the size of the chunk at the given index.
func (s *FileSource) ChunkSize(index int) int64 {
	if index < 0 || index >= s.numChunks {
		return 0
	}
	if index == s.numChunks-1 {
		return s.totalSize - int64(index)*s.chunkSize
	}
	return s.chunkSize
}

// Offset returns the byte offset of the chunk at the given index.
func (s *FileSource) Offset(index int) int64 {
	return int64(index) * s.chunkSize
}

// ReadChunk reads the chunk at the given index into memory.
func (s *FileSource) ReadChunk(index int) ([]byte, error) {
	if index < 0 || index >= s.numChunks {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, s.numChunks)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	offset := s.Offset(index)
	if _, err := s.file.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to position %d for chunk %d: %w", offset, index, err)
	}

	payload := make([]byte, s.ChunkSize(index))
	if _, err := io.ReadFull(s.file, payload); err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}

	return payload, nil
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// ByteSource provides chunks from an in-memory buffer.
// Useful for tests and small payloads that are already in memory.
type ByteSource struct {
	data      []byte
	chunkSize int64
	numChunks int
}

// NewByteSource creates a Source over the given buffer.
func NewByteSource(data []byte, chunkSize int64) (*ByteSource, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("buffer is empty")
	}

	numChunks, _ := Plan(int64(len(data)), chunkSize)
	return &ByteSource{
		data:      data,
		chunkSize: chunkSize,
		numChunks: numChunks,
	}, nil
}

// NumChunks returns the total number of chunks.
func (s *ByteSource) NumChunks() int {
	return s.numChunks
}

// TotalSize returns the buffer size in bytes.
func (s *ByteSource) TotalSize() int64 {
	return int64(len(s.data))
}

// ChunkSize returns the size of the chunk at the given index.
func (s *ByteSource) ChunkSize(index int) int64 {
	if index < 0 || index >= s.numChunks {
		return 0
	}
	if index == s.numChunks-1 {
		return int64(len(s.data)) - int64(index)*s.chunkSize
	}
	return s.chunkSize
}

// Offset returns the byte offset of the chunk at the given index.
func (s *ByteSource) Offset(index int) int64 {
	return int64(index) * s.chunkSize
}

// ReadChunk returns a copy of the chunk at the given index.
func (s *ByteSource) ReadChunk(index int) ([]byte, error) {
	if index < 0 || index >= s.numChunks {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, s.numChunks)
	}

	payload := make([]byte, s.ChunkSize(index))
	copy(payload, s.data[s.Offset(index):])
	return payload, nil
}
