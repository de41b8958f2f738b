package mocks

import (
	"bytes"
	"io"
	"os"
	"path"
	"sync"
	"time"
)

// FileTransfer is an in-memory remote filesystem shared by every transfer
// session opened from the same Transport.
type FileTransfer struct {
	mu      sync.Mutex
	files   map[string][]byte
	dirs    map[string]bool
	creates int
	opens   int
	closes  int

	// CreateErr fails every Create when set.
	CreateErr error
	// MkdirErr fails every MkdirAll when set.
	MkdirErr error
}

func NewFileTransfer() *FileTransfer {
	return &FileTransfer{
		files: make(map[string][]byte),
		dirs:  map[string]bool{"/": true},
	}
}

// Put stores content at name, as if it had been uploaded earlier.
func (f *FileTransfer) Put(name string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path.Clean(name)] = append([]byte(nil), content...)
}

// Get returns the content stored at name.
func (f *FileTransfer) Get(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[path.Clean(name)]
	return b, ok
}

// Creates returns the number of files created, i.e. uploads performed.
func (f *FileTransfer) Creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *FileTransfer) HasDir(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirs[path.Clean(name)]
}

func (f *FileTransfer) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *FileTransfer) MkdirAll(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MkdirErr != nil {
		return f.MkdirErr
	}
	for p := path.Clean(name); p != "/" && p != "."; p = path.Dir(p) {
		f.dirs[p] = true
	}
	return nil
}

func (f *FileTransfer) Stat(name string) (os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name = path.Clean(name)
	if f.dirs[name] {
		return fileInfo{name: path.Base(name), dir: true}, nil
	}
	content, ok := f.files[name]
	if !ok {
		return nil, &os.PathError{Op: "stat", Path: name, Err: os.ErrNotExist}
	}
	return fileInfo{name: path.Base(name), size: int64(len(content))}, nil
}

func (f *FileTransfer) Open(name string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path.Clean(name)]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	}
	f.opens++
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (f *FileTransfer) Create(name string) (io.WriteCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.creates++
	return &remoteFile{fs: f, name: path.Clean(name)}, nil
}

func (f *FileTransfer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

type remoteFile struct {
	fs   *FileTransfer
	name string
	buf  bytes.Buffer
}

func (r *remoteFile) Write(p []byte) (int, error) { return r.buf.Write(p) }

func (r *remoteFile) Close() error {
	r.fs.Put(r.name, r.buf.Bytes())
	return nil
}

type fileInfo struct {
	name string
	size int64
	dir  bool
}

func (i fileInfo) Name() string { return i.name }
func (i fileInfo) Size() int64  { return i.size }
func (i fileInfo) Mode() os.FileMode {
	if i.dir {
		return os.ModeDir | 0o755
	}
	return 0o644
}
func (i fileInfo) ModTime() time.Time { return time.Time{} }
func (i fileInfo) IsDir() bool        { return i.dir }
func (i fileInfo) Sys() any           { return nil }
