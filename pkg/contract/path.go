package contract

import (
	"fmt"
	"path"
	"strings"
)

// NormalizeArtifactID 规范化工件标识，统一为跨平台稳定的 '/' 分隔形式。
// 规则：
// - 反斜杠转为正斜杠
// - 清理多余分隔符与路径片段（.、..）
// - 保留相对/绝对语义，不做隐式绝对化
func NormalizeArtifactID(p string) ArtifactID {
	s := strings.ReplaceAll(p, "\\", "/")
	return ArtifactID(path.Clean(s))
}

// SafeArtifactID 在规范化基础上拒绝绝对路径与 '..' 逃逸，供写入插件在落盘前校验。
func SafeArtifactID(p string) (ArtifactID, error) {
	id := NormalizeArtifactID(p)
	s := string(id)
	if s == "." || s == "" {
		return "", fmt.Errorf("%w: empty id", ErrPathInvalid)
	}
	if strings.HasPrefix(s, "/") || (len(s) >= 2 && s[1] == ':') {
		return "", fmt.Errorf("%w: absolute id %q", ErrPathInvalid, p)
	}
	if s == ".." || strings.HasPrefix(s, "../") {
		return "", fmt.Errorf("%w: id escapes root %q", ErrPathInvalid, p)
	}
	return id, nil
}

// EntryName: 条目默认命名（按 rank）。
func EntryName(r Rank, ext string) string {
	return fmt.Sprintf("%d%s", r, ext)
}
