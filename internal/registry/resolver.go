package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// Resolver 将 name+constraint 映射为不可变的已发布版本。
// 映射在进程生命周期内缓存且永不失效：registry 保证已发布版本不可变，
// 进程重启即冷缓存，调用方需容忍。
type Resolver struct {
	client *Client
	memo   sync.Map // name@constraint -> version
}

// NewResolver 构造基于共享客户端的版本解析器。
func NewResolver(client *Client) *Resolver {
	return &Resolver{client: client}
}

// Resolve 把版本约束解析为精确版本。约束可以是精确版本、dist-tag
// 或 semver range；为空时等价于 latest。
func (r *Resolver) Resolve(ctx context.Context, name, constraint string) (string, error) {
	memoKey := name + "@" + constraint
	if cached, ok := r.memo.Load(memoKey); ok {
		return cached.(string), nil
	}

	pack, err := r.client.Packument(ctx, name)
	if err != nil {
		return "", &ResolveError{Name: name, Constraint: constraint, Reason: err.Error()}
	}

	version, err := resolveFromPackument(pack, constraint)
	if err != nil {
		return "", &ResolveError{Name: name, Constraint: constraint, Reason: err.Error()}
	}

	r.memo.Store(memoKey, version)
	return version, nil
}

func resolveFromPackument(pack *Packument, constraint string) (string, error) {
	lookup := constraint
	if lookup == "" {
		lookup = "latest"
	}

	// 精确版本优先，其次 dist-tag，最后按 semver range 选最高满足版本。
	if _, ok := pack.Versions[lookup]; ok {
		return lookup, nil
	}

	if target, ok := pack.DistTags[lookup]; ok {
		if _, exists := pack.Versions[target]; !exists {
			return "", fmt.Errorf("dist-tag %s points at unpublished version %s", lookup, target)
		}
		return target, nil
	}

	rng, err := semver.NewConstraint(lookup)
	if err != nil {
		return "", fmt.Errorf("no version matching %q", lookup)
	}

	var candidates semver.Collection
	for raw := range pack.Versions {
		parsed, parseErr := semver.NewVersion(raw)
		if parseErr != nil {
			continue
		}
		if rng.Check(parsed) {
			candidates = append(candidates, parsed)
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no version matching %q", lookup)
	}

	sort.Sort(candidates)
	return candidates[len(candidates)-1].Original(), nil
}
