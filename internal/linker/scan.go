package linker

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/esm-hub/esm-hub/internal/specifier"
)

type family int

const (
	familyJS family = iota
	familyJSON
	familyAsset
)

// familyForPath 复用资源族表：结构化数据走 default 导出，
// 其余非 JS 族改写为 URL，JS 族进常规转换。
func familyForPath(p string) family {
	switch specifier.FamilyOf(p) {
	case specifier.FamilyModule:
		return familyJS
	case specifier.FamilyData:
		return familyJSON
	default:
		return familyAsset
	}
}

// 对遗留/标准两种模块形式的轻量文本扫描。完整的语法分析属于编译器
// 协作方的职责，这里只识别打包所需的导入/导出骨架。
var (
	reESMSyntax     = regexp.MustCompile(`(?m)^\s*(?:import|export)\s`)
	reImportFrom    = regexp.MustCompile(`(?m)^[ \t]*import\s+([^'";]+?)\s+from\s*['"]([^'"]+)['"][ \t]*;?`)
	reImportBare    = regexp.MustCompile(`(?m)^[ \t]*import\s*['"]([^'"]+)['"][ \t]*;?`)
	reExportFrom    = regexp.MustCompile(`(?m)^[ \t]*export\s+(\*|\{[^}]*\})\s+from\s*['"]([^'"]+)['"][ \t]*;?`)
	reExportDecl    = regexp.MustCompile(`(?m)^([ \t]*)export\s+(const|let|var|function|async[ \t]+function|class)\s+([A-Za-z_$][\w$]*)`)
	reExportDefault = regexp.MustCompile(`(?m)^([ \t]*)export\s+default\s`)
	reExportList    = regexp.MustCompile(`(?m)^[ \t]*export\s*\{([^}]*)\}[ \t]*;?[ \t]*$`)
	reRequire       = regexp.MustCompile(`\brequire\s*\(\s*['"]([^'"]+)['"]\s*\)`)
	reDynImport     = regexp.MustCompile(`\bimport\s*\(\s*['"]([^'"]+)['"]\s*\)`)
	reCJSExport     = regexp.MustCompile(`(?m)\bexports\.([A-Za-z_$][\w$]*)\s*=`)
	reCJSExportObj  = regexp.MustCompile(`\bmodule\.exports\s*=\s*\{([^}]*)\}`)
	reIdentifier    = regexp.MustCompile(`^[A-Za-z_$][\w$]*$`)
)

// isESM 判断源码是否已是标准模块形式。
func isESM(source string) bool {
	return reESMSyntax.MatchString(source)
}

// scanDependencies 按文本出现顺序收集依赖描述符并去重，
// 顺序稳定是输出确定性的前提。
func scanDependencies(source string) []string {
	type hit struct {
		pos  int
		spec string
	}
	var hits []hit

	collect := func(re *regexp.Regexp, group int) {
		for _, m := range re.FindAllStringSubmatchIndex(source, -1) {
			start, end := m[2*group], m[2*group+1]
			if start < 0 {
				continue
			}
			hits = append(hits, hit{pos: m[0], spec: source[start:end]})
		}
	}

	collect(reImportFrom, 2)
	collect(reImportBare, 1)
	collect(reExportFrom, 2)
	collect(reRequire, 1)
	collect(reDynImport, 1)

	sort.Slice(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	seen := make(map[string]struct{}, len(hits))
	var specs []string
	for _, h := range hits {
		if _, ok := seen[h.spec]; ok {
			continue
		}
		seen[h.spec] = struct{}{}
		specs = append(specs, h.spec)
	}
	return specs
}

// scanCJSExports 提取遗留模块的具名导出：exports.NAME = 赋值，
// 以及 module.exports = { ... } 对象字面量里的简单标识符键。
func scanCJSExports(source string) []string {
	seen := make(map[string]struct{})
	for _, m := range reCJSExport.FindAllStringSubmatch(source, -1) {
		if m[1] == "default" {
			continue
		}
		seen[m[1]] = struct{}{}
	}
	for _, m := range reCJSExportObj.FindAllStringSubmatch(source, -1) {
		for _, entry := range splitClause(m[1]) {
			name := entry
			if idx := strings.Index(entry, ":"); idx >= 0 {
				name = entry[:idx]
			}
			name = strings.TrimSpace(name)
			if name == "default" || !reIdentifier.MatchString(name) {
				continue
			}
			seen[name] = struct{}{}
		}
	}
	return sortedNames(seen)
}

// scanStarExports 收集 export * from 的目标描述符，入口导出面在
// 压平时沿该链取并集。
func scanStarExports(source string) []string {
	var specs []string
	for _, m := range reExportFrom.FindAllStringSubmatch(source, -1) {
		if m[1] == "*" {
			specs = append(specs, m[2])
		}
	}
	return specs
}

// scanESMExports 提取标准模块声明的导出面。
func scanESMExports(source string) ([]string, bool) {
	seen := make(map[string]struct{})
	hasDefault := reExportDefault.MatchString(source)

	for _, m := range reExportDecl.FindAllStringSubmatch(source, -1) {
		seen[m[3]] = struct{}{}
	}
	for _, m := range reExportList.FindAllStringSubmatch(source, -1) {
		for _, entry := range splitClause(m[1]) {
			_, exported := clauseNames(entry)
			if exported == "default" {
				hasDefault = true
				continue
			}
			if exported != "" {
				seen[exported] = struct{}{}
			}
		}
	}
	for _, m := range reExportFrom.FindAllStringSubmatch(source, -1) {
		if m[1] == "*" {
			continue
		}
		for _, entry := range splitClause(strings.Trim(m[1], "{}")) {
			_, exported := clauseNames(entry)
			if exported == "default" {
				hasDefault = true
				continue
			}
			if exported != "" {
				seen[exported] = struct{}{}
			}
		}
	}
	return sortedNames(seen), hasDefault
}

// rewriteRequires 把同步 require 与动态 import 替换为注册表调用。
func rewriteRequires(source string, resolve func(string) (string, bool)) string {
	out := reRequire.ReplaceAllStringFunc(source, func(match string) string {
		spec := reRequire.FindStringSubmatch(match)[1]
		if id, ok := resolve(spec); ok {
			return fmt.Sprintf("__require(%q)", id)
		}
		return match
	})
	return reDynImport.ReplaceAllStringFunc(out, func(match string) string {
		spec := reDynImport.FindStringSubmatch(match)[1]
		if id, ok := resolve(spec); ok {
			return fmt.Sprintf("Promise.resolve(__interop(__require(%q)))", id)
		}
		return match
	})
}

// convertESM 把标准模块降级为注册表函数体：import 变为 __require 绑定，
// export 变为 exports 赋值。转换失败整个构建失败，不输出半成品。
func convertESM(source string, resolve func(string) (string, bool)) (string, error) {
	var trailing []string
	tempIdx := 0
	temp := func() string {
		tempIdx++
		return fmt.Sprintf("__imp%d", tempIdx)
	}

	out := source

	out = reExportFrom.ReplaceAllStringFunc(out, func(match string) string {
		m := reExportFrom.FindStringSubmatch(match)
		id, ok := resolve(m[2])
		if !ok {
			return match
		}
		if m[1] == "*" {
			return fmt.Sprintf("Object.assign(module.exports, __require(%q));", id)
		}
		tmp := temp()
		lines := []string{fmt.Sprintf("const %s = __interop(__require(%q));", tmp, id)}
		for _, entry := range splitClause(strings.Trim(m[1], "{}")) {
			local, exported := clauseNames(entry)
			if local == "" {
				continue
			}
			lines = append(lines, fmt.Sprintf("module.exports.%s = %s.%s;", exported, tmp, local))
		}
		return strings.Join(lines, "\n")
	})

	out = reImportFrom.ReplaceAllStringFunc(out, func(match string) string {
		m := reImportFrom.FindStringSubmatch(match)
		id, ok := resolve(m[2])
		if !ok {
			return match
		}
		return bindImportClause(m[1], id, temp)
	})

	out = reImportBare.ReplaceAllStringFunc(out, func(match string) string {
		m := reImportBare.FindStringSubmatch(match)
		id, ok := resolve(m[1])
		if !ok {
			return match
		}
		return fmt.Sprintf("__require(%q);", id)
	})

	out = reExportDefault.ReplaceAllString(out, "${1}module.exports.default = ")

	out = reExportDecl.ReplaceAllStringFunc(out, func(match string) string {
		m := reExportDecl.FindStringSubmatch(match)
		trailing = append(trailing, fmt.Sprintf("module.exports.%s = %s;", m[3], m[3]))
		return m[1] + m[2] + " " + m[3]
	})

	out = reExportList.ReplaceAllStringFunc(out, func(match string) string {
		m := reExportList.FindStringSubmatch(match)
		for _, entry := range splitClause(m[1]) {
			local, exported := clauseNames(entry)
			if local == "" {
				continue
			}
			trailing = append(trailing, fmt.Sprintf("module.exports.%s = %s;", exported, local))
		}
		return ""
	})

	out = rewriteRequires(out, resolve)

	var b strings.Builder
	b.WriteString(`Object.defineProperty(module.exports, "__esModule", { value: true });`)
	b.WriteString("\n")
	b.WriteString(out)
	if !strings.HasSuffix(out, "\n") {
		b.WriteString("\n")
	}
	for _, line := range trailing {
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// bindImportClause 将 import 子句（default / * as ns / 解构，及其组合）
// 翻译为 const 绑定。
func bindImportClause(clause, id string, temp func() string) string {
	base := fmt.Sprintf("__interop(__require(%q))", id)

	var defaultName, nsName, braces string
	for _, part := range splitClause(clause) {
		switch {
		case strings.HasPrefix(part, "{"):
			braces = strings.Trim(part, "{} \t")
		case strings.HasPrefix(part, "*"):
			fields := strings.Fields(part)
			if len(fields) == 3 && fields[1] == "as" {
				nsName = fields[2]
			}
		default:
			defaultName = part
		}
	}

	var binds []string
	multi := 0
	if defaultName != "" {
		multi++
	}
	if nsName != "" {
		multi++
	}
	if braces != "" {
		multi++
	}

	source := base
	if multi > 1 {
		tmp := temp()
		binds = append(binds, fmt.Sprintf("const %s = %s;", tmp, base))
		source = tmp
	}
	if defaultName != "" {
		binds = append(binds, fmt.Sprintf("const %s = %s.default;", defaultName, source))
	}
	if nsName != "" {
		binds = append(binds, fmt.Sprintf("const %s = %s;", nsName, source))
	}
	if braces != "" {
		binds = append(binds, fmt.Sprintf("const { %s } = %s;", destructure(braces), source))
	}
	return strings.Join(binds, " ")
}

// splitClause 在花括号深度为 0 处按逗号切分导入/导出子句。
func splitClause(clause string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range clause {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(clause[start:i]))
				start = i + 1
			}
		}
	}
	if tail := strings.TrimSpace(clause[start:]); tail != "" {
		parts = append(parts, tail)
	}
	return parts
}

// clauseNames 解析 "a" 或 "a as b"，返回 (本地名, 导出名)。
func clauseNames(entry string) (string, string) {
	fields := strings.Fields(entry)
	switch len(fields) {
	case 1:
		return fields[0], fields[0]
	case 3:
		if fields[1] == "as" {
			return fields[0], fields[2]
		}
	}
	return "", ""
}

// destructure 把 "a, b as c" 转为 "a, b: c" 的解构形式。
func destructure(braces string) string {
	entries := splitClause(braces)
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		local, exported := clauseNames(entry)
		if local == "" {
			continue
		}
		if local == exported {
			out = append(out, local)
			continue
		}
		out = append(out, fmt.Sprintf("%s: %s", local, exported))
	}
	return strings.Join(out, ", ")
}

func sortedNames(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
