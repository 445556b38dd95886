// Package memory 提供内存 Store：测试替身，以及估算器的计数型输出。
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"atmgen/pkg/contract"
)

// Options: 调试/估算用配置（可选）。
type Options struct {
	// Discard: 只统计字节数，不保留内容（估算器使用）。
	Discard bool `json:"discard,omitempty"`
}

// Store: 线程安全的内存工件表。未 Commit 的 Sink 不可见。
type Store struct {
	discard bool
	mu      sync.Mutex
	objects map[contract.ArtifactID][]byte
	sizes   map[contract.ArtifactID]int64
}

// New 创建内存 Store。
func New(opts *Options) *Store {
	s := &Store{objects: map[contract.ArtifactID][]byte{}, sizes: map[contract.ArtifactID]int64{}}
	if opts != nil {
		s.discard = opts.Discard
	}
	return s
}

var (
	_ contract.Store  = (*Store)(nil)
	_ contract.Opener = (*Store)(nil)
)

// Write 读取 r 全部内容后原子可见。
func (s *Store) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	sk, err := s.Create(ctx, id)
	if err != nil {
		return err
	}
	if _, err := io.Copy(sk, r); err != nil {
		_ = sk.Abort()
		return err
	}
	return sk.Commit()
}

// Create 打开一个内存 Sink。
func (s *Store) Create(ctx context.Context, id contract.ArtifactID) (contract.Sink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &sink{store: s, id: id}, nil
}

// Open 回读已提交对象。
func (s *Store) Open(_ context.Context, id contract.ArtifactID) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[id]
	if !ok {
		return nil, fmt.Errorf("memory: %q not found", id)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// Bytes 返回已提交对象内容（Discard 模式下为 nil）。
func (s *Store) Bytes(id contract.ArtifactID) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[id]
}

// Size 返回已提交对象的字节数；不存在时 ok=false。
func (s *Store) Size(id contract.ArtifactID) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.sizes[id]
	return n, ok
}

// IDs 返回已提交对象标识（升序）。
func (s *Store) IDs() []contract.ArtifactID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contract.ArtifactID, 0, len(s.sizes))
	for id := range s.sizes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type sink struct {
	store *Store
	id    contract.ArtifactID
	buf   bytes.Buffer
	n     int64
	done  bool
}

func (k *sink) Write(p []byte) (int, error) {
	if k.done {
		return 0, fmt.Errorf("memory: write to closed sink %q", k.id)
	}
	k.n += int64(len(p))
	if !k.store.discard {
		k.buf.Write(p)
	}
	return len(p), nil
}

func (k *sink) Commit() error {
	if k.done {
		return fmt.Errorf("memory: sink %q already closed", k.id)
	}
	k.done = true
	k.store.mu.Lock()
	defer k.store.mu.Unlock()
	if !k.store.discard {
		k.store.objects[k.id] = k.buf.Bytes()
	}
	k.store.sizes[k.id] = k.n
	return nil
}

func (k *sink) Abort() error {
	k.done = true
	k.buf.Reset()
	return nil
}
