package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"

	"github.com/samber/lo"

	"atmgen/pkg/contract"
	"atmgen/plugins/encoder/smf"
	"atmgen/plugins/storage/batch"
	"atmgen/plugins/storage/single"
	"atmgen/plugins/storage/tarball"
	"atmgen/plugins/storage/targz"
	wfs "atmgen/plugins/writer/filesystem"
	wmem "atmgen/plugins/writer/memory"
	ws3 "atmgen/plugins/writer/objectstore"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// StorageEnv: 构造存储后端所需的运行期依赖。
type StorageEnv struct {
	Store   contract.Store
	ID      contract.ArtifactID
	Encoder contract.Encoder
}

// NewEncoder 工厂签名：接收原样 JSON Options。
type NewEncoder func(raw json.RawMessage) (contract.Encoder, error)

// NewStorage 工厂签名：接收原样 JSON Options 与运行期依赖。
type NewStorage func(ctx context.Context, raw json.RawMessage, env StorageEnv) (contract.Backend, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Store, error)

// Encoder 工厂注册表（显式、零反射）。
var Encoder = map[string]NewEncoder{
	// smf: Standard MIDI File format 0
	"smf": func(raw json.RawMessage) (contract.Encoder, error) {
		var opts smf.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return smf.New(&opts)
	},
}

// Storage 工厂注册表。
var Storage = map[string]NewStorage{
	// single: 每个旋律一个文件，写到 "<ID>/<rank>.mid"
	"single": func(_ context.Context, raw json.RawMessage, env StorageEnv) (contract.Backend, error) {
		var opts single.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return single.New(env.Store, env.ID, env.Encoder, &opts)
	},
	// tar: 未压缩 USTAR 归档
	"tar": func(ctx context.Context, raw json.RawMessage, env StorageEnv) (contract.Backend, error) {
		var opts tarball.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return tarball.New(ctx, env.Store, env.ID, env.Encoder, &opts)
	},
	// tar-gz: gzip 压缩的 USTAR 归档
	"tar-gz": func(ctx context.Context, raw json.RawMessage, env StorageEnv) (contract.Backend, error) {
		var opts targz.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return targz.New(ctx, env.Store, env.ID, env.Encoder, &opts)
	},
	// batch: 外层 tar 包含若干 gzip 压缩的内层 tar
	"batch": func(ctx context.Context, raw json.RawMessage, env StorageEnv) (contract.Backend, error) {
		var opts batch.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return batch.New(ctx, env.Store, env.ID, env.Encoder, &opts)
	},
}

// Ext: 各存储变体的工件后缀；single 输出目录，无后缀。
var Ext = map[string]string{
	"single": "",
	"tar":    tarball.Ext,
	"tar-gz": targz.Ext,
	"batch":  batch.Ext,
}

// IsArchive 判断变体是否流式写出单个归档工件（可生成清单、可估算）。
func IsArchive(name string) bool {
	ext, ok := Ext[name]
	return ok && ext != ""
}

// Builder 返回给定变体与选项的后端构造函数（供估算器在内存 Store 上构造样本容器）。
func Builder(name string, raw json.RawMessage) (func(ctx context.Context, store contract.Store, id contract.ArtifactID, enc contract.Encoder) (contract.Backend, error), bool) {
	f, ok := Storage[name]
	if !ok || !IsArchive(name) {
		return nil, false
	}
	return func(ctx context.Context, store contract.Store, id contract.ArtifactID, enc contract.Encoder) (contract.Backend, error) {
		return f(ctx, raw, StorageEnv{Store: store, ID: id, Encoder: enc})
	}, true
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Store（覆盖写/原子替换可配置）
	"fs": func(raw json.RawMessage) (contract.Store, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
	// s3: S3 兼容对象存储（minio-go）
	"s3": func(raw json.RawMessage) (contract.Store, error) {
		var opts ws3.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ws3.New(&opts)
	},
	// mem: 进程内存储（试运行与测试）
	"mem": func(raw json.RawMessage) (contract.Store, error) {
		var opts wmem.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wmem.New(&opts), nil
	},
}

// Names 返回注册表中已排序的名称（用于帮助与校验信息）。
func Names[F any](m map[string]F) []string {
	out := lo.Keys(m)
	slices.Sort(out)
	return out
}
