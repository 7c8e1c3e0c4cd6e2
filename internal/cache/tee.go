package cache

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/tunabay/go-infounit"
)

// TeeSnapshot 替换 resp.Body：正文流向调用方的同时写入缓冲（相当于 response.clone()），
// 不在调用路径上预读。读到 EOF 时生成快照并调用 done；读取出错、超过 limit
// 或在读完前 Close 时丢弃快照，done 不会被调用。limit 为 0 表示不限制。
func TeeSnapshot(req *http.Request, resp *http.Response, limit infounit.ByteCount, done func(*Response)) {
	if resp == nil || resp.Body == nil || done == nil {
		return
	}
	sink := &capBuffer{limit: int64(limit)}
	resp.Body = &teeBody{
		reader:   io.TeeReader(resp.Body, sink),
		closer:   resp.Body,
		sink:     sink,
		head:     snapshotHead(req, resp),
		expected: resp.ContentLength,
		done:     done,
	}
}

// capBuffer 超过 limit 后停止缓冲但继续吞下写入，保证 tee 另一端不受影响。
type capBuffer struct {
	buf      bytes.Buffer
	limit    int64
	overflow bool
}

func (b *capBuffer) Write(p []byte) (int, error) {
	if b.overflow {
		return len(p), nil
	}
	if b.limit > 0 && int64(b.buf.Len()+len(p)) > b.limit {
		b.overflow = true
		b.buf = bytes.Buffer{}
		return len(p), nil
	}
	return b.buf.Write(p)
}

type teeBody struct {
	reader   io.Reader
	closer   io.Closer
	sink     *capBuffer
	head     Response
	expected int64
	done     func(*Response)

	finished bool
	dropped  bool
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.reader.Read(p)
	switch {
	case err == io.EOF:
		t.finish()
	case err != nil:
		t.dropped = true
	}
	return n, err
}

// Close 在已读满 Content-Length 但尚未见到 EOF 时仍视为完整正文。
func (t *teeBody) Close() error {
	if t.expected >= 0 && int64(t.sink.buf.Len()) == t.expected {
		t.finish()
	}
	t.dropped = true
	return t.closer.Close()
}

func (t *teeBody) finish() {
	if t.finished || t.dropped || t.sink.overflow {
		return
	}
	t.finished = true
	snap := t.head
	snap.Body = bytes.Clone(t.sink.buf.Bytes())
	snap.StoredAt = time.Now().UTC()
	t.done(&snap)
}
