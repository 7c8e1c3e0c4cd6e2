package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Storage 管理全部缓存代际（generation），对应浏览器平台的 CacheStorage。
//
// 代际按创建顺序排列：Keys 与 Match 都遵循该顺序。
type Storage interface {
	// Open 打开（不存在则创建）名为 name 的代际。
	Open(ctx context.Context, name string) (Generation, error)

	// Generation 只读地查找已存在的代际，不存在时返回 ErrGenerationNotFound，不会创建。
	Generation(ctx context.Context, name string) (Generation, error)

	// Has 返回代际是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 按创建顺序列出全部代际名称。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除代际及其全部条目；代际不存在时返回 false。
	Delete(ctx context.Context, name string) (bool, error)

	// Match 在所有代际中查找 key，返回最早创建的代际中的命中；未命中返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Response, error)

	// Close 释放底层资源。
	Close() error
}

// Generation 是单个代际的句柄。条目一经写入即不可变，只能以相同 Key 覆盖。
type Generation interface {
	Name() string

	// Put 写入（或覆盖）key 对应的响应快照。代际已被删除时返回 ErrGenerationNotFound。
	Put(ctx context.Context, key Key, resp *Response) error

	// Match 返回 key 的快照；未命中返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Response, error)

	// Remove 删除单个条目；条目不存在时返回 false。
	Remove(ctx context.Context, key Key) (bool, error)

	// Keys 列出当前代际中的全部条目 Key。
	Keys(ctx context.Context) ([]Key, error)

	// Stats 汇总条目数量与正文字节数。
	Stats(ctx context.Context) (Stats, error)
}

// Stats 描述单个代际的占用情况。
type Stats struct {
	Entries int
	Bytes   int64
}

// Key 是规范化后的请求标识：大写 Method + 去掉 fragment 的绝对 URL。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 根据请求构造 Key。
func NewKey(req *http.Request) Key {
	method := http.MethodGet
	rawURL := ""
	if req != nil {
		if req.Method != "" {
			method = req.Method
		}
		if req.URL != nil {
			u := *req.URL
			u.Fragment = ""
			u.RawFragment = ""
			rawURL = u.String()
		}
	}
	return Key{Method: strings.ToUpper(method), URL: rawURL}
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// digest 返回 Key 的稳定哈希，作为磁盘文件名使用。
func (k Key) digest() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}

// ResponseType mirrors the fetch response taxonomy. Only TypeBasic responses
// are eligible for incidental caching.
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
	TypeError  ResponseType = "error"
)

// Response 是一次响应的不可变快照。
type Response struct {
	Status   int          `json:"status"`
	Header   http.Header  `json:"header"`
	Body     []byte       `json:"-"`
	Type     ResponseType `json:"type"`
	URL      string       `json:"url"`
	StoredAt time.Time    `json:"stored_at"`
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrGenerationNotFound 表示代际不存在（或已被删除）。
	ErrGenerationNotFound = errors.New("cache generation not found")
	// ErrInvalidGeneration 表示代际名称非法。
	ErrInvalidGeneration = errors.New("invalid cache generation name")
)

func validateGenerationName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed != name {
		return ErrInvalidGeneration
	}
	if name == "." || name == ".." {
		return ErrInvalidGeneration
	}
	return nil
}
