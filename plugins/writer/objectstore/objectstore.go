// Package objectstore 将工件流式写入 S3 兼容对象存储（MinIO/AWS S3 等）。
package objectstore

import (
	"context"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"atmgen/pkg/contract"
)

// 凭据环境变量。
const (
	EnvEndpoint  = "ATM_S3_ENDPOINT"
	EnvAccessKey = "ATM_S3_ACCESS_KEY"
	EnvSecretKey = "ATM_S3_SECRET_KEY"
	EnvSecure    = "ATM_S3_SECURE"
	EnvRegion    = "ATM_S3_REGION"
)

// ErrUploadAborted: Abort 时写入管道的错误，保证未完成的上传不会被提交。
var ErrUploadAborted = errors.New("upload aborted")

// Options: 连接与定位参数。空字段回落到 ATM_S3_* 环境变量。
type Options struct {
	Endpoint  string `json:"endpoint,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	Secure    *bool  `json:"secure,omitempty"`
	Region    string `json:"region,omitempty"`
	// URL: s3://bucket/prefix；与 Bucket/Prefix 二选一。
	URL    string `json:"url,omitempty"`
	Bucket string `json:"bucket,omitempty"`
	Prefix string `json:"prefix,omitempty"`
	// PartSize: 未知长度流式上传的分片大小（字节）；0 使用客户端默认。
	PartSize uint64 `json:"part_size,omitempty"`
}

// Store: contract.Store 的对象存储实现。
type Store struct {
	client   *minio.Client
	bucket   string
	prefix   string
	partSize uint64
}

// ParseURL 解析 "s3://bucket/prefix"。
func ParseURL(u string) (bucket, prefix string, ok bool) {
	rest, found := strings.CutPrefix(u, "s3://")
	if !found {
		return "", "", false
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", false
	}
	return bucket, strings.Trim(prefix, "/"), true
}

// IsURL 判断输出目标是否为对象存储地址。
func IsURL(s string) bool {
	return strings.HasPrefix(s, "s3://")
}

// New 根据选项与环境变量构造客户端。
func New(opts *Options) (*Store, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.URL != "" {
		b, p, ok := ParseURL(o.URL)
		if !ok {
			return nil, errors.Wrapf(contract.ErrInvalidInput, "invalid object store url %q", o.URL)
		}
		o.Bucket, o.Prefix = b, p
	}
	if o.Bucket == "" {
		return nil, errors.Wrap(contract.ErrInvalidInput, "object store bucket is required")
	}
	if o.Endpoint == "" {
		o.Endpoint = os.Getenv(EnvEndpoint)
	}
	if o.Endpoint == "" {
		return nil, errors.Wrapf(contract.ErrInvalidInput, "object store endpoint is required (%s)", EnvEndpoint)
	}
	if o.AccessKey == "" {
		o.AccessKey = os.Getenv(EnvAccessKey)
	}
	if o.SecretKey == "" {
		o.SecretKey = os.Getenv(EnvSecretKey)
	}
	if o.Region == "" {
		o.Region = os.Getenv(EnvRegion)
	}
	secure := true
	if o.Secure != nil {
		secure = *o.Secure
	} else if v, err := strconv.ParseBool(os.Getenv(EnvSecure)); err == nil {
		secure = v
	}

	client, err := minio.New(o.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(o.AccessKey, o.SecretKey, ""),
		Secure: secure,
		Region: o.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create object store client")
	}
	s := NewWithClient(client, o.Bucket, o.Prefix)
	s.partSize = o.PartSize
	return s, nil
}

// NewWithClient 复用已有客户端。
func NewWithClient(client *minio.Client, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

var (
	_ contract.Store  = (*Store)(nil)
	_ contract.Opener = (*Store)(nil)
)

func (s *Store) key(id contract.ArtifactID) (string, error) {
	safe, err := contract.SafeArtifactID(string(id))
	if err != nil {
		return "", err
	}
	return path.Join(s.prefix, string(safe)), nil
}

func (s *Store) putOptions() minio.PutObjectOptions {
	return minio.PutObjectOptions{PartSize: s.partSize, ContentType: "application/octet-stream"}
}

// Write 以未知长度流式上传 r。
func (s *Store) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	key, err := s.key(id)
	if err != nil {
		return err
	}
	if _, err := s.client.PutObject(ctx, s.bucket, key, r, -1, s.putOptions()); err != nil {
		return errors.Wrapf(err, "put s3://%s/%s", s.bucket, key)
	}
	return nil
}

// Create 启动后台上传，返回管道写端。
// Commit 关闭管道并等待上传完成；Abort 以错误关闭管道，上传失败而不落地。
func (s *Store) Create(ctx context.Context, id contract.ArtifactID) (contract.Sink, error) {
	key, err := s.key(id)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	sk := &pipeSink{pw: pw, done: make(chan error, 1), key: key, bucket: s.bucket}
	go func() {
		_, err := s.client.PutObject(ctx, s.bucket, key, pr, -1, s.putOptions())
		_ = pr.CloseWithError(err)
		sk.done <- err
	}()
	return sk, nil
}

// Open 回读对象。
func (s *Store) Open(ctx context.Context, id contract.ArtifactID) (io.ReadCloser, error) {
	key, err := s.key(id)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "get s3://%s/%s", s.bucket, key)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, errors.Wrapf(err, "stat s3://%s/%s", s.bucket, key)
	}
	return obj, nil
}

type pipeSink struct {
	pw       *io.PipeWriter
	done     chan error
	finished atomic.Bool
	bucket   string
	key      string
}

func (p *pipeSink) Write(b []byte) (int, error) {
	return p.pw.Write(b)
}

func (p *pipeSink) Commit() error {
	if !p.finished.CompareAndSwap(false, true) {
		return errors.New("sink already closed")
	}
	if err := p.pw.Close(); err != nil {
		return err
	}
	if err := <-p.done; err != nil {
		return errors.Wrapf(err, "upload s3://%s/%s", p.bucket, p.key)
	}
	return nil
}

func (p *pipeSink) Abort() error {
	if !p.finished.CompareAndSwap(false, true) {
		return nil
	}
	_ = p.pw.CloseWithError(ErrUploadAborted)
	<-p.done
	return nil
}
