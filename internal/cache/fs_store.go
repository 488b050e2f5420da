package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sync"
)

// NewFileStore 以 dir 为根目录构建磁盘缓存，所有调用共享一份实例。
func NewFileStore(dir string) (Store, error) {
	if dir == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 串行化同一文件的并发写入；读取不加锁，依赖 rename 的原子性。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Stat(ctx context.Context, key string) (Metadata, bool, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, false, err
	}
	filePath, err := s.entryPath(key)
	if err != nil {
		return Metadata{}, false, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Metadata{}, false, nil
		}
		return Metadata{}, false, err
	}
	if info.IsDir() {
		return Metadata{}, false, nil
	}
	return Metadata{Size: info.Size(), ModTime: info.ModTime()}, true, nil
}

func (s *fileStore) GetHeaders(ctx context.Context, key string) (http.Header, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	filePath, err := s.entryPath(key)
	if err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(filePath + headersSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var header http.Header
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, false, &ParseError{Key: key, Err: err}
	}
	if header == nil {
		header = http.Header{}
	}
	return header, true, nil
}

func (s *fileStore) GetResponseStream(ctx context.Context, key string) (io.ReadCloser, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	filePath, err := s.entryPath(key)
	if err != nil {
		return nil, false, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return f, true, nil
}

func (s *fileStore) SetHeaders(ctx context.Context, key string, header http.Header) error {
	filePath, err := s.entryPath(key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	return s.writeAtomic(ctx, filePath+headersSuffix, bytes.NewReader(data))
}

func (s *fileStore) SetResponseStream(ctx context.Context, key string, body io.Reader) error {
	defer closeReader(body)
	filePath, err := s.entryPath(key)
	if err != nil {
		return err
	}
	return s.writeAtomic(ctx, filePath, body)
}

// writeAtomic 写入临时文件并 fsync 后 rename，失败时删除临时文件。
func (s *fileStore) writeAtomic(ctx context.Context, filePath string, body io.Reader) error {
	unlock := s.lockEntry(filePath)
	defer unlock()

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
	if err == nil {
		err = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) lockEntry(filePath string) func() {
	s.mu.Lock()
	lock := s.locks[filePath]
	if lock == nil {
		lock = &entryLock{}
		s.locks[filePath] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, filePath)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) entryPath(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, key), nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
