package specifier

import (
	"path"
	"strings"
)

// Family 描述资源扩展名所属的处理族，决定走模块打包还是资源路径。
type Family string

const (
	FamilyModule Family = "module"
	FamilyStyle  Family = "style"
	FamilyData   Family = "data"
	FamilyText   Family = "text"
	FamilyBinary Family = "binary"
)

// assetTypes 列出非 JS 资源族的扩展名与 Content-Type。
// JS 族（.js/.mjs/.cjs 与无扩展名入口）不在表内，统一走打包路径。
var assetTypes = map[string]struct {
	family      Family
	contentType string
}{
	".css":   {FamilyStyle, "text/css"},
	".json":  {FamilyData, "application/json"},
	".txt":   {FamilyText, "text/plain"},
	".md":    {FamilyText, "text/markdown"},
	".svg":   {FamilyBinary, "image/svg+xml"},
	".png":   {FamilyBinary, "image/png"},
	".jpg":   {FamilyBinary, "image/jpeg"},
	".jpeg":  {FamilyBinary, "image/jpeg"},
	".gif":   {FamilyBinary, "image/gif"},
	".webp":  {FamilyBinary, "image/webp"},
	".ico":   {FamilyBinary, "image/x-icon"},
	".woff":  {FamilyBinary, "font/woff"},
	".woff2": {FamilyBinary, "font/woff2"},
	".ttf":   {FamilyBinary, "font/ttf"},
	".eot":   {FamilyBinary, "application/vnd.ms-fontobject"},
	".wasm":  {FamilyBinary, "application/wasm"},
}

// IsAssetPath 判断子路径是否属于非 JS 资源族。
func IsAssetPath(subpath string) bool {
	return FamilyOf(subpath) != FamilyModule
}

// FamilyOf 返回子路径所属的处理族。
func FamilyOf(subpath string) Family {
	ext := strings.ToLower(path.Ext(subpath))
	if entry, ok := assetTypes[ext]; ok {
		return entry.family
	}
	return FamilyModule
}

// AssetContentType 返回资源的 Content-Type；非资源族返回空串。
func AssetContentType(subpath string) string {
	ext := strings.ToLower(path.Ext(subpath))
	if entry, ok := assetTypes[ext]; ok {
		return entry.contentType
	}
	return ""
}

// ModuleContentType 是打包路径输出的固定 Content-Type。
const ModuleContentType = "application/javascript;charset=utf-8"
