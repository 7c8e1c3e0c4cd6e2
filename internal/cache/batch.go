package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// ErrBatchFailed 表示 AddAll 中至少一个 URL 获取或写入失败，整批未生效。
var ErrBatchFailed = errors.New("cache batch failed")

// Fetcher 执行网络请求，*http.Client 即满足该接口。
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// AddAll fetches every URL with GET and stores the responses in gen as a
// single batch. Nothing is stored unless every fetch succeeds with a 2xx
// status; a failed write rolls back the entries already written.
func AddAll(ctx context.Context, gen Generation, fetcher Fetcher, urls []string) error {
	if gen == nil || fetcher == nil {
		return fmt.Errorf("%w: generation and fetcher required", ErrBatchFailed)
	}

	type fetched struct {
		key  Key
		snap *Response
	}

	results := make([]fetched, len(urls))
	errs := make([]error, len(urls))

	var wg sync.WaitGroup
	for i, rawURL := range urls {
		wg.Add(1)
		go func(i int, rawURL string) {
			defer wg.Done()
			key, snap, err := fetchOne(ctx, fetcher, rawURL)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", rawURL, err)
				return
			}
			results[i] = fetched{key: key, snap: snap}
		}(i, rawURL)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrBatchFailed, err)
	}

	written := make([]Key, 0, len(results))
	for _, item := range results {
		if err := gen.Put(ctx, item.key, item.snap); err != nil {
			for _, key := range written {
				_, _ = gen.Remove(context.WithoutCancel(ctx), key)
			}
			return fmt.Errorf("%w: store %s: %w", ErrBatchFailed, item.key.URL, err)
		}
		written = append(written, item.key)
	}
	return nil
}

func fetchOne(ctx context.Context, fetcher Fetcher, rawURL string) (Key, *Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Key{}, nil, err
	}
	resp, err := fetcher.Do(req)
	if err != nil {
		return Key{}, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Key{}, nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	snap, err := Snapshot(req, resp, 0)
	if err != nil {
		return Key{}, nil, err
	}
	return NewKey(req), snap, nil
}
