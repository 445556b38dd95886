// Package manifest 为已提交的分区归档写出校验清单（<artifact>.manifest.json），
// 并支持断点续跑时判断分区是否已完整产出。
package manifest

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"atmgen/pkg/contract"
)

// Version: 清单格式版本。
const Version = 1

// Suffix: 清单工件后缀。
const Suffix = ".manifest.json"

// ErrMismatch: 清单与请求参数或工件内容不一致。
var ErrMismatch = errors.New("manifest mismatch")

// Manifest 记录一个分区归档的身份与内容摘要。
type Manifest struct {
	Version    int                `json:"version"`
	Storage    string             `json:"storage"`
	Notes      []int              `json:"notes"`
	Length     int                `json:"length"`
	Partitions int                `json:"partitions"`
	Partition  contract.Partition `json:"partition"`
	Artifact   string             `json:"artifact"`
	Appended   uint64             `json:"appended"`
	Failed     uint64             `json:"failed"`
	Bytes      int64              `json:"bytes"`
	BLAKE3     string             `json:"blake3"`
	CreatedAt  time.Time          `json:"created_at"`
}

// Name 返回工件对应的清单标识。
func Name(id contract.ArtifactID) contract.ArtifactID {
	return id + Suffix
}

// SameJob 判断两份清单是否描述同一生成任务（不比较计数与摘要）。
func (m Manifest) SameJob(o Manifest) bool {
	return m.Storage == o.Storage &&
		slices.Equal(m.Notes, o.Notes) &&
		m.Length == o.Length &&
		m.Partitions == o.Partitions &&
		m.Partition == o.Partition &&
		m.Artifact == o.Artifact
}

// Sum: 工件字节数与 BLAKE3-256 摘要（hex）。
type Sum struct {
	Bytes  int64
	BLAKE3 string
}

// Digest 流式计算 r 的摘要。
func Digest(r io.Reader) (Sum, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Sum{}, err
	}
	return Sum{Bytes: n, BLAKE3: hex.EncodeToString(h.Sum(nil))}, nil
}

// Write 将清单写到 Name(id)。
func Write(ctx context.Context, w contract.Writer, id contract.ArtifactID, m Manifest) error {
	m.Version = Version
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return w.Write(ctx, Name(id), bytes.NewReader(b))
}

// Read 读取工件 id 的清单。
func Read(ctx context.Context, o contract.Opener, id contract.ArtifactID) (Manifest, error) {
	rc, err := o.Open(ctx, Name(id))
	if err != nil {
		return Manifest{}, err
	}
	defer rc.Close()
	var m Manifest
	dec := json.NewDecoder(rc)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("decode %s: %w", Name(id), err)
	}
	if m.Version != Version {
		return Manifest{}, fmt.Errorf("%w: version %d", ErrMismatch, m.Version)
	}
	return m, nil
}

// Verify 校验已存在的清单描述 want 同一任务，且工件内容与记录摘要一致。
// 返回已存在的清单；任何不一致均返回 ErrMismatch（或底层读错误）。
func Verify(ctx context.Context, o contract.Opener, id contract.ArtifactID, want Manifest) (Manifest, error) {
	got, err := Read(ctx, o, id)
	if err != nil {
		return Manifest{}, err
	}
	if !got.SameJob(want) {
		return Manifest{}, fmt.Errorf("%w: %s describes a different job", ErrMismatch, Name(id))
	}
	rc, err := o.Open(ctx, id)
	if err != nil {
		return Manifest{}, err
	}
	defer rc.Close()
	sum, err := Digest(rc)
	if err != nil {
		return Manifest{}, err
	}
	if sum.Bytes != got.Bytes || sum.BLAKE3 != got.BLAKE3 {
		return Manifest{}, fmt.Errorf("%w: %s digest differs from manifest", ErrMismatch, id)
	}
	return got, nil
}

// DigestStore 包装 Store：Create 出的 Sink 在写出的同时计算摘要，Commit 成功后可通过 Sum 取得。
type DigestStore struct {
	contract.Store
	mu   sync.Mutex
	sums map[contract.ArtifactID]Sum
}

// NewDigestStore 包装 s。
func NewDigestStore(s contract.Store) *DigestStore {
	return &DigestStore{Store: s, sums: map[contract.ArtifactID]Sum{}}
}

// Create 打开带摘要的 Sink。
func (d *DigestStore) Create(ctx context.Context, id contract.ArtifactID) (contract.Sink, error) {
	sk, err := d.Store.Create(ctx, id)
	if err != nil {
		return nil, err
	}
	return &digestSink{Sink: sk, h: blake3.New(), id: id, store: d}, nil
}

// Open 透传到底层 Store（需实现 contract.Opener）。
func (d *DigestStore) Open(ctx context.Context, id contract.ArtifactID) (io.ReadCloser, error) {
	o, ok := d.Store.(contract.Opener)
	if !ok {
		return nil, fmt.Errorf("%w: store cannot read back %s", contract.ErrInvalidInput, id)
	}
	return o.Open(ctx, id)
}

// Sum 返回已提交工件的摘要。
func (d *DigestStore) Sum(id contract.ArtifactID) (Sum, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sums[id]
	return s, ok
}

type digestSink struct {
	contract.Sink
	h     *blake3.Hasher
	n     int64
	id    contract.ArtifactID
	store *DigestStore
}

func (s *digestSink) Write(p []byte) (int, error) {
	n, err := s.Sink.Write(p)
	_, _ = s.h.Write(p[:n])
	s.n += int64(n)
	return n, err
}

func (s *digestSink) Commit() error {
	if err := s.Sink.Commit(); err != nil {
		return err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.sums[s.id] = Sum{Bytes: s.n, BLAKE3: hex.EncodeToString(s.h.Sum(nil))}
	return nil
}
