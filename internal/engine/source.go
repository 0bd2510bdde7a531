package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
)

const (
	// DefaultChunkSize is the number of bytes a FileSource reads per call.
	DefaultChunkSize = 64 << 10
	minChunkSize     = 512
)

// Source hands the parser raw bytes in arrival order. io.EOF means nothing
// more is available right now; a later call may return more.
type Source interface {
	ReadMore(ctx context.Context) ([]byte, error)
}

// Ender is implemented by sources that can tell when the stream has ended
// and no byte will follow.
type Ender interface {
	Ended() bool
}

func ended(src Source) bool {
	e, ok := src.(Ender)
	return ok && e.Ended()
}

// FileSource reads a file in fixed chunks from a remembered offset. It
// reopens nothing: a file that grows between calls is picked up by the next
// ReadMore.
type FileSource struct {
	path      string
	file      *os.File
	offset    int64
	chunkSize int
	buf       []byte
}

// OpenFile prepares a FileSource. chunkSize <= 0 selects DefaultChunkSize.
func OpenFile(path string, chunkSize int) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < minChunkSize {
		chunkSize = minChunkSize
	}
	return &FileSource{path: path, file: f, chunkSize: chunkSize}, nil
}

// Path returns the file name the source reads.
func (fs *FileSource) Path() string {
	return fs.path
}

// Offset returns the number of bytes handed out so far.
func (fs *FileSource) Offset() int64 {
	return fs.offset
}

// Size returns the current size of the file on disk.
func (fs *FileSource) Size() (int64, error) {
	if fs.file == nil {
		return 0, os.ErrClosed
	}
	info, err := fs.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (fs *FileSource) ReadMore(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fs.file == nil {
		return nil, os.ErrClosed
	}
	if fs.buf == nil {
		fs.buf = make([]byte, fs.chunkSize)
	}
	n, err := fs.file.ReadAt(fs.buf, fs.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	fs.offset += int64(n)
	out := make([]byte, n)
	copy(out, fs.buf[:n])
	return out, nil
}

// Close releases the file handle.
func (fs *FileSource) Close() error {
	if fs.file == nil {
		return nil
	}
	err := fs.file.Close()
	fs.file = nil
	fs.buf = nil
	return err
}

// MemorySource serves appended byte slices in chunks. It models a
// controller stream that grows while the parser runs.
type MemorySource struct {
	mu        sync.Mutex
	data      []byte
	offset    int
	chunkSize int
	closed    bool
}

// NewMemorySource returns a source over data; chunkSize <= 0 serves all
// pending bytes at once.
func NewMemorySource(data []byte, chunkSize int) *MemorySource {
	return &MemorySource{data: append([]byte(nil), data...), chunkSize: chunkSize}
}

// Append makes more bytes available.
func (ms *MemorySource) Append(p []byte) {
	ms.mu.Lock()
	ms.data = append(ms.data, p...)
	ms.mu.Unlock()
}

// Close marks the end of the stream. Bytes already appended are still served.
func (ms *MemorySource) Close() {
	ms.mu.Lock()
	ms.closed = true
	ms.mu.Unlock()
}

// Ended reports whether the stream was closed and every byte handed out.
func (ms *MemorySource) Ended() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.closed && ms.offset >= len(ms.data)
}

func (ms *MemorySource) ReadMore(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.offset >= len(ms.data) {
		return nil, io.EOF
	}
	end := len(ms.data)
	if ms.chunkSize > 0 && ms.offset+ms.chunkSize < end {
		end = ms.offset + ms.chunkSize
	}
	out := append([]byte(nil), ms.data[ms.offset:end]...)
	ms.offset = end
	return out, nil
}
