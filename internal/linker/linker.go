// Package linker 把一个 npm 包的入口模块连同其可达的包内依赖压平成
// 单个浏览器可加载的 ECMAScript 模块。转换策略：
//
//   - 平台内建模块以空对象导出打桩；
//   - 遗留（CommonJS）模块转换为标准模块形式，缺失的具名导出自然落为
//     undefined 而不是构建失败；
//   - 结构化数据文件作为 default 导出值透传；
//   - 包内非 JS 资源引用改写为可服务 URL；
//   - 刻意不做死代码消除，带副作用的遗留模块在部分摇树下无法保证正确，
//     因此始终输出完整可达图。
//
// 输出的导入路径字符串保持确定性，入口的导出面原样保留。
package linker

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
)

// Fetch 读取包内相对路径的文件。路径越界与 not-found 的判定由注入方负责。
type Fetch func(ctx context.Context, path string) ([]byte, error)

// Request 描述一次压平构建。字段由打包管线的各阶段填充。
type Request struct {
	Package string
	Version string
	// Entry 是包内入口路径；为空时从 package.json 的 module/main 解析。
	Entry string
	Fetch Fetch
	// Aliases 在解析裸导入名前生效。
	Aliases map[string]string
	// Builtins 列出需要打桩的平台内建模块名。
	Builtins map[string]struct{}
	// EnvShims 控制是否注入 process/global 垫片。
	EnvShims bool
	// AssetURLPrefix 是包内资源改写后的 URL 前缀，形如 /@npm/name@version/。
	AssetURLPrefix string
	// TreeShake 恒为 false；字段存在是为了让阶段配置可静态检视。
	TreeShake bool
	// Warm 是跨构建的文件内容提示，命中可省去一次数据源读取。
	Warm map[string][]byte
}

// Result 是压平后的单模块代码与本次构建触达的文件集。
// Touched 仅在构建完全成功后由调用方合入热缓存。
type Result struct {
	Code    []byte
	Touched map[string][]byte
}

// Linker 是模块图编译器的缺省实现。无内部状态，可并发复用。
type Linker struct{}

func New() *Linker {
	return &Linker{}
}

type moduleKind int

const (
	kindJS moduleKind = iota
	kindJSON
	kindAsset
	kindBuiltin
	kindExternal
)

type moduleNode struct {
	id     string
	kind   moduleKind
	source string
	deps   []depEdge

	isCJS        bool
	namedExports []string
	hasDefault   bool
	// starExports 记录 export * from 的原始描述符，指向 deps 中的对应边。
	starExports []string
}

type depEdge struct {
	raw      string
	resolved string
}

type graphState struct {
	req     Request
	order   []string
	nodes   map[string]*moduleNode
	touched map[string][]byte
}

// Compile 执行一次完整构建。失败时返回带阶段标记的错误，绝不输出部分结果。
func (l *Linker) Compile(ctx context.Context, req Request) (*Result, error) {
	if req.Fetch == nil {
		return nil, stageErr(StageEntry, "", fmt.Errorf("fetch collaborator required"))
	}

	state := &graphState{
		req:     req,
		nodes:   make(map[string]*moduleNode),
		touched: make(map[string][]byte),
	}

	entry, err := state.resolveEntry(ctx)
	if err != nil {
		return nil, err
	}

	entryID, err := state.walk(ctx, entry)
	if err != nil {
		return nil, err
	}

	code, err := state.emit(entryID)
	if err != nil {
		return nil, err
	}

	return &Result{Code: code, Touched: state.touched}, nil
}

// resolveEntry 在请求未指定子路径时从 package.json 推导入口，
// 优先 module 字段（已是标准形式），回退 main，再回退 index.js。
func (s *graphState) resolveEntry(ctx context.Context) (string, error) {
	if s.req.Entry != "" {
		return s.req.Entry, nil
	}

	raw, err := s.fetch(ctx, "package.json")
	if err != nil {
		return "", stageErr(StageEntry, "package.json", err)
	}

	var manifest struct {
		Module string `json:"module"`
		Main   string `json:"main"`
	}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return "", stageErr(StageEntry, "package.json", err)
	}

	entry := manifest.Module
	if entry == "" {
		entry = manifest.Main
	}
	if entry == "" {
		entry = "index.js"
	}
	return strings.TrimPrefix(path.Clean(entry), "./"), nil
}

// fetch 先查热缓存，未命中再走数据源，并把结果记入 touched。
func (s *graphState) fetch(ctx context.Context, filePath string) ([]byte, error) {
	if body, ok := s.req.Warm[filePath]; ok {
		s.touched[filePath] = body
		return body, nil
	}
	body, err := s.req.Fetch(ctx, filePath)
	if err != nil {
		return nil, err
	}
	s.touched[filePath] = body
	return body, nil
}

// walk 以深度优先顺序装载模块及其依赖，返回归一化后的模块 ID。
// 访问顺序决定最终输出顺序，保证同一输入产出字节一致的结果。
func (s *graphState) walk(ctx context.Context, filePath string) (string, error) {
	switch familyForPath(filePath) {
	case familyJSON:
		return s.loadJSON(ctx, filePath)
	case familyAsset:
		return s.loadAsset(filePath)
	}
	return s.loadJS(ctx, filePath)
}

func (s *graphState) loadJSON(ctx context.Context, filePath string) (string, error) {
	if _, ok := s.nodes[filePath]; ok {
		return filePath, nil
	}

	raw, err := s.fetch(ctx, filePath)
	if err != nil {
		return "", stageErr(StageFetch, filePath, err)
	}
	if !json.Valid(raw) {
		return "", stageErr(StageJSON, filePath, fmt.Errorf("invalid JSON"))
	}

	var compact strings.Builder
	if err := compactJSON(&compact, raw); err != nil {
		return "", stageErr(StageJSON, filePath, err)
	}

	s.addNode(&moduleNode{
		id:         filePath,
		kind:       kindJSON,
		source:     compact.String(),
		hasDefault: true,
	})
	return filePath, nil
}

func (s *graphState) loadAsset(filePath string) (string, error) {
	if _, ok := s.nodes[filePath]; !ok {
		s.addNode(&moduleNode{
			id:         filePath,
			kind:       kindAsset,
			hasDefault: true,
		})
	}
	return filePath, nil
}

func (s *graphState) loadJS(ctx context.Context, filePath string) (string, error) {
	resolved, raw, err := s.fetchJS(ctx, filePath)
	if err != nil {
		return "", err
	}
	if _, ok := s.nodes[resolved]; ok {
		return resolved, nil
	}

	node := &moduleNode{
		id:     resolved,
		kind:   kindJS,
		source: string(raw),
	}
	node.isCJS = !isESM(node.source)
	s.addNode(node)

	specs := scanDependencies(node.source)
	for _, spec := range specs {
		id, err := s.resolveDep(ctx, resolved, spec)
		if err != nil {
			return "", err
		}
		node.deps = append(node.deps, depEdge{raw: spec, resolved: id})
	}

	if node.isCJS {
		node.namedExports = scanCJSExports(node.source)
		node.hasDefault = true
	} else {
		names, hasDefault := scanESMExports(node.source)
		node.namedExports = names
		node.hasDefault = hasDefault
		node.starExports = scanStarExports(node.source)
	}
	return resolved, nil
}

// fetchJS 依次尝试 p、p.js、p/index.js 三种落盘形式。
func (s *graphState) fetchJS(ctx context.Context, filePath string) (string, []byte, error) {
	candidates := []string{filePath}
	if path.Ext(filePath) == "" {
		candidates = append(candidates, filePath+".js", path.Join(filePath, "index.js"))
	}

	var lastErr error
	for _, candidate := range candidates {
		if node, ok := s.nodes[candidate]; ok {
			return node.id, []byte(node.source), nil
		}
		raw, err := s.fetch(ctx, candidate)
		if err == nil {
			return candidate, raw, nil
		}
		lastErr = err
	}
	return "", nil, stageErr(StageFetch, filePath, lastErr)
}

// resolveDep 把依赖描述符归一化为模块 ID：别名 → 内建打桩 → 外部裸导入 →
// 包内相对路径。
func (s *graphState) resolveDep(ctx context.Context, fromID, spec string) (string, error) {
	if !strings.HasPrefix(spec, ".") && !strings.HasPrefix(spec, "/") {
		name := spec
		if target, ok := s.req.Aliases[name]; ok {
			name = target
		}
		base := name
		if idx := strings.Index(base, "/"); idx > 0 && !strings.HasPrefix(base, "@") {
			base = base[:idx]
		}
		if _, ok := s.req.Builtins[base]; ok {
			id := "builtin:" + base
			if _, exists := s.nodes[id]; !exists {
				s.addNode(&moduleNode{id: id, kind: kindBuiltin, hasDefault: true})
			}
			return id, nil
		}
		id := "external:" + name
		if _, exists := s.nodes[id]; !exists {
			s.addNode(&moduleNode{id: id, kind: kindExternal, source: name, hasDefault: true})
		}
		return id, nil
	}

	joined := path.Join(path.Dir(fromID), spec)
	return s.walk(ctx, joined)
}

func (s *graphState) addNode(node *moduleNode) {
	s.nodes[node.id] = node
	s.order = append(s.order, node.id)
}

// emit 把整张图压平为单个标准模块。外部裸导入保持原样置顶，
// 随后是模块注册表与入口导出面。
func (s *graphState) emit(entryID string) ([]byte, error) {
	entry := s.nodes[entryID]
	if entry == nil {
		return nil, stageErr(StageFlatten, entryID, fmt.Errorf("entry module missing from graph"))
	}

	var b strings.Builder

	externals := s.externalNodes()
	for i, node := range externals {
		fmt.Fprintf(&b, "import * as %s from %q;\n", externalBinding(i), node.source)
	}
	if len(externals) > 0 {
		b.WriteString("\n")
	}

	b.WriteString(runtimePrelude)
	if s.req.EnvShims {
		b.WriteString(envShimPrelude)
	}
	b.WriteString("\n")

	// 外部裸导入同样进注册表，使模块体内的 __require 调用形式统一。
	for i, node := range externals {
		fmt.Fprintf(&b, "__modules[%q] = function(module) { module.exports = %s; };\n",
			node.id, externalBinding(i))
	}

	for _, id := range s.order {
		node := s.nodes[id]
		if node.kind == kindExternal {
			continue
		}
		if err := s.emitModule(&b, node); err != nil {
			return nil, err
		}
	}

	s.emitEntryExports(&b, entry)
	return []byte(b.String()), nil
}

func (s *graphState) externalNodes() []*moduleNode {
	var externals []*moduleNode
	for _, id := range s.order {
		if node := s.nodes[id]; node.kind == kindExternal {
			externals = append(externals, node)
		}
	}
	sort.Slice(externals, func(i, j int) bool {
		return externals[i].source < externals[j].source
	})
	return externals
}

func (s *graphState) emitModule(b *strings.Builder, node *moduleNode) error {
	fmt.Fprintf(b, "__modules[%q] = function(module, exports, __require) {\n", node.id)

	switch node.kind {
	case kindBuiltin:
		// 浏览器无法执行的平台内建模块，以空对象导出打桩。
		b.WriteString("module.exports = {};\n")
	case kindJSON:
		fmt.Fprintf(b, "module.exports = %s;\n", node.source)
	case kindAsset:
		fmt.Fprintf(b, "module.exports = %q;\n", s.req.AssetURLPrefix+node.id)
	case kindJS:
		body, err := s.moduleBody(node)
		if err != nil {
			return err
		}
		b.WriteString(body)
		if !strings.HasSuffix(body, "\n") {
			b.WriteString("\n")
		}
	}

	b.WriteString("};\n")
	return nil
}

func (s *graphState) moduleBody(node *moduleNode) (string, error) {
	replace := func(spec string) (string, bool) {
		for _, dep := range node.deps {
			if dep.raw == spec {
				return dep.resolved, true
			}
		}
		return "", false
	}

	if node.isCJS {
		return rewriteRequires(node.source, replace), nil
	}

	converted, err := convertESM(node.source, replace)
	if err != nil {
		return "", stageErr(StageConvert, node.id, err)
	}
	return converted, nil
}

// emitEntryExports 原样重建入口导出面：default 与全部具名导出，不做改名。
// export * 链（barrel/index 形态）上各模块的具名导出一并并入静态导出面。
func (s *graphState) emitEntryExports(b *strings.Builder, entry *moduleNode) {
	fmt.Fprintf(b, "\nconst __entry = __interop(__require(%q));\n", entry.id)
	if entry.hasDefault {
		b.WriteString("export default __entry.default;\n")
	}
	for _, name := range s.entrySurface(entry) {
		fmt.Fprintf(b, "export const %s = __entry.%s;\n", name, name)
	}
}

// entrySurface 汇总入口自身的具名导出与 export * 链上可达模块的具名导出。
// 外部裸导入的导出面无法静态得知，不参与并集。
func (s *graphState) entrySurface(entry *moduleNode) []string {
	names := make(map[string]struct{})
	visited := make(map[string]struct{})

	var visit func(node *moduleNode)
	visit = func(node *moduleNode) {
		if node == nil {
			return
		}
		if _, ok := visited[node.id]; ok {
			return
		}
		visited[node.id] = struct{}{}

		for _, name := range node.namedExports {
			names[name] = struct{}{}
		}
		for _, raw := range node.starExports {
			for _, dep := range node.deps {
				if dep.raw == raw {
					visit(s.nodes[dep.resolved])
					break
				}
			}
		}
	}
	visit(entry)
	return sortedNames(names)
}

func externalBinding(idx int) string {
	return fmt.Sprintf("__ext%d", idx)
}

// compactJSON 以确定性格式重排结构化数据，保证重复构建字节一致。
func compactJSON(b *strings.Builder, raw []byte) error {
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	b.Write(encoded)
	return nil
}

const runtimePrelude = `const __modules = {};
const __cache = {};
function __require(id) {
  if (__cache[id]) return __cache[id].exports;
  const module = { exports: {} };
  __cache[id] = module;
  __modules[id](module, module.exports, __require);
  return module.exports;
}
function __interop(exports) {
  if (exports && exports.__esModule) return exports;
  const wrapped = { default: exports };
  if (exports && typeof exports === "object") {
    for (const key in exports) wrapped[key] = exports[key];
  }
  return wrapped;
}
`

const envShimPrelude = `const process = { env: { NODE_ENV: "development" }, argv: [], platform: "browser", cwd: () => "/" };
const global = globalThis;
`
