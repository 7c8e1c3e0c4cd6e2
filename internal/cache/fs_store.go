package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	generationMarker = ".generation"
	bodySuffix       = ".body"
	metaSuffix       = ".meta"
)

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。磁盘布局：
//
//	<basePath>/<generation>/.generation         # 代际名称与创建时间
//	<basePath>/<generation>/<aa>/<digest>.body  # 响应正文
//	<basePath>/<generation>/<aa>/<digest>.meta  # Key、状态码、头部等元数据
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入；genMu 保证代际创建/删除与写入互斥。
type fileStorage struct {
	basePath string

	genMu sync.RWMutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type generationInfo struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type entryMeta struct {
	Key      Key       `json:"key"`
	Response *Response `json:"response"`
	Size     int64     `json:"size"`
}

func (s *fileStorage) Open(ctx context.Context, name string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateGenerationName(name); err != nil {
		return nil, err
	}

	s.genMu.Lock()
	defer s.genMu.Unlock()

	dir := s.generationDir(name)
	marker := filepath.Join(dir, generationMarker)
	if _, err := os.Stat(marker); err == nil {
		return &fileGeneration{storage: s, name: name, dir: dir}, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create generation: %w", err)
	}
	payload, err := json.Marshal(generationInfo{Name: name, CreatedAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(ctx, marker, bytes.NewReader(payload)); err != nil {
		return nil, fmt.Errorf("write generation marker: %w", err)
	}
	return &fileGeneration{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Generation(ctx context.Context, name string) (Generation, error) {
	ok, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrGenerationNotFound
	}
	return &fileGeneration{storage: s, name: name, dir: s.generationDir(name)}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateGenerationName(name); err != nil {
		return false, err
	}
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	return s.exists(name)
}

func (s *fileStorage) exists(name string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.generationDir(name), generationMarker))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.genMu.RLock()
	infos, err := s.generations()
	s.genMu.RUnlock()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names, nil
}

// generations 读取全部代际标记并按创建时间排序，调用方需持有 genMu。
func (s *fileStorage) generations() ([]generationInfo, error) {
	dirents, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	var infos []generationInfo
	for _, dirent := range dirents {
		if !dirent.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.basePath, dirent.Name(), generationMarker))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		var info generationInfo
		if err := json.Unmarshal(raw, &info); err != nil || info.Name == "" {
			continue
		}
		infos = append(infos, info)
	}
	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateGenerationName(name); err != nil {
		return false, err
	}

	s.genMu.Lock()
	defer s.genMu.Unlock()

	ok, err := s.exists(name)
	if err != nil || !ok {
		return false, err
	}
	dir := s.generationDir(name)
	// 先移除标记，保证中途失败时代际也不再可见。
	if err := os.Remove(filepath.Join(dir, generationMarker)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStorage) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.genMu.RLock()
	defer s.genMu.RUnlock()

	infos, err := s.generations()
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		gen := &fileGeneration{storage: s, name: info.Name, dir: s.generationDir(info.Name)}
		resp, err := gen.read(key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return resp, nil
	}
	return nil, ErrNotFound
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) generationDir(name string) string {
	return filepath.Join(s.basePath, url.PathEscape(name))
}

func (s *fileStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

type fileGeneration struct {
	storage *fileStorage
	name    string
	dir     string
}

func (g *fileGeneration) Name() string {
	return g.name
}

func (g *fileGeneration) Put(ctx context.Context, key Key, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	g.storage.genMu.RLock()
	defer g.storage.genMu.RUnlock()

	ok, err := g.storage.exists(g.name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrGenerationNotFound
	}

	digest := key.digest()
	unlock := g.storage.lockEntry(g.name + "::" + digest)
	defer unlock()

	base := g.entryPath(digest)
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return err
	}

	if err := writeAtomic(ctx, base+bodySuffix, bytes.NewReader(resp.Body)); err != nil {
		return err
	}
	meta, err := json.Marshal(entryMeta{Key: key, Response: resp, Size: int64(len(resp.Body))})
	if err != nil {
		return err
	}
	// meta 文件是提交点：读取方只认可存在 meta 的条目。
	return writeAtomic(ctx, base+metaSuffix, bytes.NewReader(meta))
}

func (g *fileGeneration) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.storage.genMu.RLock()
	defer g.storage.genMu.RUnlock()

	ok, err := g.storage.exists(g.name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrGenerationNotFound
	}
	return g.read(key)
}

// read 持有条目锁，避免与 Put 交错读到新正文与旧元数据。
func (g *fileGeneration) read(key Key) (*Response, error) {
	unlock := g.storage.lockEntry(g.name + "::" + key.digest())
	defer unlock()

	meta, err := g.readMeta(g.entryPath(key.digest()) + metaSuffix)
	if err != nil {
		return nil, err
	}
	if meta.Key != key {
		return nil, ErrNotFound
	}
	body, err := os.ReadFile(g.entryPath(key.digest()) + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	resp := *meta.Response
	resp.Body = body
	return &resp, nil
}

func (g *fileGeneration) readMeta(path string) (*entryMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode entry meta: %w", err)
	}
	if meta.Response == nil {
		return nil, ErrNotFound
	}
	return &meta, nil
}

func (g *fileGeneration) Remove(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	g.storage.genMu.RLock()
	defer g.storage.genMu.RUnlock()

	digest := key.digest()
	unlock := g.storage.lockEntry(g.name + "::" + digest)
	defer unlock()

	base := g.entryPath(digest)
	err := os.Remove(base + metaSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := os.Remove(base + bodySuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return true, err
	}
	return true, nil
}

func (g *fileGeneration) Keys(ctx context.Context) ([]Key, error) {
	metas, err := g.walk(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]Key, len(metas))
	for i, meta := range metas {
		keys[i] = meta.Key
	}
	return keys, nil
}

func (g *fileGeneration) Stats(ctx context.Context) (Stats, error) {
	metas, err := g.walk(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Entries: len(metas)}
	for _, meta := range metas {
		stats.Bytes += meta.Size
	}
	return stats, nil
}

func (g *fileGeneration) walk(ctx context.Context) ([]*entryMeta, error) {
	g.storage.genMu.RLock()
	defer g.storage.genMu.RUnlock()

	ok, err := g.storage.exists(g.name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrGenerationNotFound
	}

	var metas []*entryMeta
	err = filepath.WalkDir(g.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), metaSuffix) {
			return nil
		}
		meta, err := g.readMeta(path)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		metas = append(metas, meta)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].Key.String() < metas[j].Key.String()
	})
	return metas, nil
}

func (g *fileGeneration) entryPath(digest string) string {
	return filepath.Join(g.dir, digest[:2], digest)
}

// writeAtomic 通过临时文件 + rename 写入，失败时清理临时文件。
func writeAtomic(ctx context.Context, filePath string, body io.Reader) error {
	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
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
