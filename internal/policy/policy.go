// Package policy holds the semantic layer's registries: the allowed
// tool set, resource access policy, per-method parameter requirements,
// and method-chaining rules. Registries are loaded from YAML at
// startup (and optionally hot-reloaded), mirroring the catalog
// package's overlay mechanism.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

// toolSpecFile / resourcePolicyFile / methodSpecFile / chainingFile are
// the YAML wire shapes loaded from disk; they're kept distinct from
// valtypes' runtime structs so the file format can evolve without
// disturbing the in-memory model.
type toolSpecFile struct {
	Tools []struct {
		Name           string                     `yaml:"name"`
		SideEffects    string                     `yaml:"sideEffects"`
		MaxArgsSize    int64                      `yaml:"maxArgsSize"`
		MaxEgressBytes int64                      `yaml:"maxEgressBytes"`
		QuotaPerMinute int                        `yaml:"quotaPerMinute"`
		QuotaPerHour   int                        `yaml:"quotaPerHour"`
		Args           map[string]argShapeFile    `yaml:"args"`
	} `yaml:"tools"`
}

type argShapeFile struct {
	Type     string `yaml:"type"`
	Optional bool   `yaml:"optional"`
}

type resourcePolicyFile struct {
	AllowedSchemes []string `yaml:"allowedSchemes"`
	AllowedHosts   []string `yaml:"allowedHosts"`
	RootDirs       []string `yaml:"rootDirs"`
	DenyGlobs      []string `yaml:"denyGlobs"`
	MaxPathLength  int      `yaml:"maxPathLength"`
	MaxURILength   int      `yaml:"maxUriLength"`
	MaxReadBytes   int64    `yaml:"maxReadBytes"`
}

type methodSpecFile struct {
	Methods map[string]struct {
		Required []string `yaml:"required"`
		Optional []string `yaml:"optional"`
	} `yaml:"methods"`
}

type chainingFile struct {
	Rules []struct {
		From string `yaml:"from"`
		To   string `yaml:"to"`
	} `yaml:"rules"`
}

// Registry is the semantic layer's read model: a tool registry, a
// resource policy, a method spec, and a set of chaining rules, all
// swappable as a unit under a single mutex so a hot reload is atomic
// from the validator's point of view.
type Registry struct {
	mu             sync.RWMutex
	tools          map[string]valtypes.ToolSpec
	resourcePolicy valtypes.ResourcePolicy
	methodSpec     valtypes.MethodSpec
	chaining       []valtypes.ChainingRule
}

// NewRegistry builds an empty registry. Callers populate it via
// LoadDir or the Set* methods before wiring it into the semantic
// layer.
func NewRegistry() *Registry {
	return &Registry{
		tools:      make(map[string]valtypes.ToolSpec),
		methodSpec: make(valtypes.MethodSpec),
	}
}

// LoadDir loads tools.yaml, resources.yaml, methods.yaml and
// chaining.yaml from dir, skipping any file that doesn't exist. This
// is the layout catalog/watch.go's overlay file convention follows:
// one YAML document per concern, reloadable independently.
func (r *Registry) LoadDir(dir string) error {
	if err := r.loadTools(filepath.Join(dir, "tools.yaml")); err != nil {
		return err
	}
	if err := r.loadResourcePolicy(filepath.Join(dir, "resources.yaml")); err != nil {
		return err
	}
	if err := r.loadMethodSpec(filepath.Join(dir, "methods.yaml")); err != nil {
		return err
	}
	if err := r.loadChaining(filepath.Join(dir, "chaining.yaml")); err != nil {
		return err
	}
	return nil
}

func (r *Registry) loadTools(path string) error {
	data, err := readOptional(path)
	if err != nil || data == nil {
		return err
	}
	var f toolSpecFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("policy: parse %s: %w", path, err)
	}

	tools := make(map[string]valtypes.ToolSpec, len(f.Tools))
	for _, t := range f.Tools {
		shape := make(map[string]valtypes.ArgShape, len(t.Args))
		for name, a := range t.Args {
			shape[name] = valtypes.ArgShape{Type: a.Type, Optional: a.Optional}
		}
		tools[t.Name] = valtypes.ToolSpec{
			Name:           t.Name,
			SideEffects:    valtypes.SideEffect(t.SideEffects),
			MaxArgsSize:    t.MaxArgsSize,
			MaxEgressBytes: t.MaxEgressBytes,
			ArgsShape:      shape,
			QuotaPerMinute: t.QuotaPerMinute,
			QuotaPerHour:   t.QuotaPerHour,
		}
	}

	r.mu.Lock()
	r.tools = tools
	r.mu.Unlock()
	return nil
}

func (r *Registry) loadResourcePolicy(path string) error {
	data, err := readOptional(path)
	if err != nil || data == nil {
		return err
	}
	var f resourcePolicyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("policy: parse %s: %w", path, err)
	}
	rp := valtypes.ResourcePolicy{
		AllowedSchemes: f.AllowedSchemes,
		AllowedHosts:   f.AllowedHosts,
		RootDirs:       f.RootDirs,
		DenyGlobs:      f.DenyGlobs,
		MaxPathLength:  f.MaxPathLength,
		MaxURILength:   f.MaxURILength,
		MaxReadBytes:   f.MaxReadBytes,
	}
	r.mu.Lock()
	r.resourcePolicy = rp
	r.mu.Unlock()
	return nil
}

func (r *Registry) loadMethodSpec(path string) error {
	data, err := readOptional(path)
	if err != nil || data == nil {
		return err
	}
	var f methodSpecFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("policy: parse %s: %w", path, err)
	}
	spec := make(valtypes.MethodSpec, len(f.Methods))
	for name, m := range f.Methods {
		spec[name] = valtypes.MethodRequirement{Required: m.Required, Optional: m.Optional}
	}
	r.mu.Lock()
	r.methodSpec = spec
	r.mu.Unlock()
	return nil
}

func (r *Registry) loadChaining(path string) error {
	data, err := readOptional(path)
	if err != nil || data == nil {
		return err
	}
	var f chainingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("policy: parse %s: %w", path, err)
	}
	rules := make([]valtypes.ChainingRule, 0, len(f.Rules))
	for _, rl := range f.Rules {
		rules = append(rules, valtypes.ChainingRule{From: rl.From, To: rl.To})
	}
	r.mu.Lock()
	r.chaining = rules
	r.mu.Unlock()
	return nil
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return data, nil
}

// Tool looks up a registered tool by name.
func (r *Registry) Tool(name string) (valtypes.ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// SetTool registers or replaces a single tool spec directly, without
// going through YAML — used by embedders that build the registry in
// code via the toolRegistry option.
func (r *Registry) SetTool(spec valtypes.ToolSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.Name] = spec
}

// ResourcePolicy returns the current resource policy.
func (r *Registry) ResourcePolicy() valtypes.ResourcePolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resourcePolicy
}

// SetResourcePolicy replaces the resource policy wholesale.
func (r *Registry) SetResourcePolicy(rp valtypes.ResourcePolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resourcePolicy = rp
}

// MethodRequirement looks up the required/optional params for method.
func (r *Registry) MethodRequirement(method string) (valtypes.MethodRequirement, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methodSpec[method]
	return m, ok
}

// SetMethodSpec replaces the method spec wholesale.
func (r *Registry) SetMethodSpec(spec valtypes.MethodSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methodSpec = spec
}

// AllowedNext reports whether to is a permitted successor of from
// under the registered chaining rules. An empty rule set permits
// everything — chaining enforcement is opt-in by population, per the
// Open Question resolved in the design notes.
func (r *Registry) AllowedNext(from, to string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.chaining) == 0 {
		return true
	}
	for _, rule := range r.chaining {
		if (rule.From == from || rule.From == "*") && rule.To == to {
			return true
		}
	}
	return false
}

// SetChainingRules replaces the chaining rule set wholesale.
func (r *Registry) SetChainingRules(rules []valtypes.ChainingRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chaining = rules
}

// MatchesDenyGlob reports whether path matches any of the resource
// policy's deny globs. Glob syntax is filepath.Match's.
func MatchesDenyGlob(path string, globs []string) bool {
	for _, g := range globs {
		if ok, err := filepath.Match(g, path); err == nil && ok {
			return true
		}
	}
	return false
}
