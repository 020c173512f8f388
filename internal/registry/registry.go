// Package registry resolves (algorithm, variant, capability tier) triples to
// kernel plans and caches them for the life of the process.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fxnlabs/hash-backend/internal/algo"
	"github.com/fxnlabs/hash-backend/internal/gpu"
	"github.com/fxnlabs/hash-backend/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

// UnsupportedError reports a triple no compiled kernel can serve.
type UnsupportedError struct {
	Algorithm string
	Variant   string
	Tier      int
	MinTier   int // lowest compiled tier, 0 when the variant is unknown
}

func (e *UnsupportedError) Error() string {
	if e.MinTier == 0 {
		return fmt.Sprintf("%s: %s/%s is not compiled", ErrUnsupportedAlgorithm, e.Algorithm, e.Variant)
	}
	return fmt.Sprintf("%s: %s/%s needs compute tier %d, device has %d",
		ErrUnsupportedAlgorithm, e.Algorithm, e.Variant, e.MinTier, e.Tier)
}

func (e *UnsupportedError) Unwrap() error { return ErrUnsupportedAlgorithm }

// Build is one compiled kernel set of the catalogue. An empty Variant covers
// every variant of Algorithm.
type Build struct {
	Algorithm string
	Variant   string
	Tier      int
	Block     uint32
}

func (b Build) matches(algorithm, variant string) bool {
	return b.Algorithm == algorithm && (b.Variant == "" || b.Variant == variant)
}

// Launch is one kernel launch of a plan.
type Launch struct {
	Kernel        *gpu.Kernel
	Stage         string
	Block         uint32
	SharedMem     int
	ScratchStride int64 // bytes of per-thread state between consecutive threads
	Split         bool  // may be issued as several partitions
}

// Grid returns the grid covering threads.
func (l Launch) Grid(threads int) gpu.Dim {
	return gpu.GridFor(threads, l.Block)
}

// Config returns the launch configuration for threads.
func (l Launch) Config(threads int) gpu.LaunchConfig {
	return gpu.LaunchConfig{
		Grid:      l.Grid(threads),
		Block:     gpu.Dim{X: l.Block, Y: 1, Z: 1},
		SharedMem: l.SharedMem,
	}
}

// KernelPlan is the resolved launch sequence of one triple. Plans are
// immutable and shared by every context of the same tier.
type KernelPlan struct {
	Params     algo.Params
	DeviceTier int
	BuildTier  int
	Block      uint32
	Launches   []Launch
}

// ID returns the "algorithm/variant" name of the plan.
func (p *KernelPlan) ID() string { return p.Params.ID() }

// Exact reports whether the kernels were compiled for the device tier itself.
func (p *KernelPlan) Exact() bool { return p.DeviceTier == p.BuildTier }

// ThreadStride is the per-thread device state in bytes.
func (p *KernelPlan) ThreadStride() int64 { return p.Params.PerThreadStateSize() }

// Registry is the kernel catalogue and its append-only plan cache.
type Registry struct {
	builds []Build
	plans  sync.Map // planKey -> *KernelPlan
	group  singleflight.Group
	logger *zap.Logger
}

// New returns a registry over the default catalogue.
func New(logger *zap.Logger) *Registry {
	return NewWithBuilds(DefaultBuilds(), logger)
}

// NewWithBuilds returns a registry over builds.
func NewWithBuilds(builds []Build, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	sorted := append([]Build(nil), builds...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Tier < sorted[j].Tier })
	return &Registry{
		builds: sorted,
		logger: logger.Named("registry"),
	}
}

type planKey struct {
	algorithm string
	variant   string
	tier      int
}

// Resolve returns the plan for algorithm/variant on a device of the given
// tier. An exact tier build wins over the highest lower tier build. The first
// resolution of a triple compiles it; later calls return the same plan.
func (r *Registry) Resolve(algorithm, variant string, tier int) (*KernelPlan, error) {
	key := planKey{algorithm: algorithm, variant: variant, tier: tier}
	if p, ok := r.plans.Load(key); ok {
		metrics.PlanResolutions.WithLabelValues("hit").Inc()
		return p.(*KernelPlan), nil
	}

	v, err, _ := r.group.Do(fmt.Sprintf("%s/%s@%d", algorithm, variant, tier), func() (interface{}, error) {
		if p, ok := r.plans.Load(key); ok {
			return p, nil
		}
		plan, err := r.compile(algorithm, variant, tier)
		if err != nil {
			return nil, err
		}
		actual, _ := r.plans.LoadOrStore(key, plan)
		return actual, nil
	})
	if err != nil {
		metrics.PlanResolutions.WithLabelValues("unsupported").Inc()
		return nil, err
	}
	metrics.PlanResolutions.WithLabelValues("miss").Inc()
	return v.(*KernelPlan), nil
}

func (r *Registry) compile(algorithm, variant string, tier int) (*KernelPlan, error) {
	params, err := algo.Lookup(algorithm, variant)
	if err != nil {
		return nil, &UnsupportedError{Algorithm: algorithm, Variant: variant, Tier: tier}
	}
	build, minTier, ok := r.selectBuild(algorithm, variant, tier)
	if !ok {
		return nil, &UnsupportedError{Algorithm: algorithm, Variant: variant, Tier: tier, MinTier: minTier}
	}

	layout := stateLayout{stride: params.PerThreadStateSize(), context: params.ContextSize()}
	plan := &KernelPlan{
		Params:     params,
		DeviceTier: tier,
		BuildTier:  build.Tier,
		Block:      build.Block,
	}
	switch params.Kind {
	case algo.KindCryptoNight:
		plan.Launches = cnLaunches(params, build, layout)
	case algo.KindArgon2:
		plan.Launches = argon2Launches(params, build, layout)
	default:
		return nil, &UnsupportedError{Algorithm: algorithm, Variant: variant, Tier: tier}
	}

	r.logger.Info("Kernel plan compiled",
		zap.String("algorithm", params.ID()),
		zap.Int("device_tier", tier),
		zap.Int("build_tier", build.Tier),
		zap.Uint32("block", build.Block),
		zap.Int("launches", len(plan.Launches)))
	return plan, nil
}

// selectBuild picks the build for tier. It also returns the lowest compiled
// tier of the variant for error reporting.
func (r *Registry) selectBuild(algorithm, variant string, tier int) (Build, int, bool) {
	var (
		best    Build
		found   bool
		minTier int
	)
	for _, b := range r.builds {
		if !b.matches(algorithm, variant) {
			continue
		}
		if minTier == 0 || b.Tier < minTier {
			minTier = b.Tier
		}
		if b.Tier == tier {
			return b, minTier, true
		}
		if b.Tier < tier && (!found || b.Tier > best.Tier) {
			best, found = b, true
		}
	}
	return best, minTier, found
}

// Purge drops the cached plans of algorithm/variant, e.g. after the host
// switched away from it. Plans already handed out stay valid. It returns the
// number of plans removed.
func (r *Registry) Purge(algorithm, variant string) int {
	n := 0
	r.plans.Range(func(k, _ interface{}) bool {
		key := k.(planKey)
		if key.algorithm == algorithm && key.variant == variant {
			r.plans.Delete(k)
			n++
		}
		return true
	})
	if n > 0 {
		r.logger.Debug("Purged kernel plans", zap.String("algorithm", algorithm+"/"+variant), zap.Int("count", n))
	}
	return n
}

// Cached returns the number of cached plans.
func (r *Registry) Cached() int {
	n := 0
	r.plans.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Supported lists the algorithm/variant identifiers resolvable on tier.
func (r *Registry) Supported(tier int) []string {
	var out []string
	for _, p := range algo.All() {
		if _, _, ok := r.selectBuild(p.Algorithm, p.Variant, tier); ok {
			out = append(out, p.ID())
		}
	}
	return out
}

// DefaultBuilds is the catalogue of shipped kernels. The 4 MiB test variant needs
// the larger register file of tier 6.0 parts; Argon2 kernels rely on warp
// shuffles from tier 5.0 on.
func DefaultBuilds() []Build {
	var builds []Build
	for _, tier := range []int{30, 50, 60, 70, 75, 80, 86} {
		for _, a := range []string{"cn", "cn-lite", "cn-test-pico", "cn-femto"} {
			builds = append(builds, Build{Algorithm: a, Tier: tier, Block: cnBlock(tier)})
		}
	}
	for _, tier := range []int{60, 70, 80} {
		builds = append(builds, Build{Algorithm: "cn-test-heavy", Variant: "0", Tier: tier, Block: cnBlock(tier)})
	}
	for _, tier := range []int{50, 60, 75, 86} {
		builds = append(builds, Build{Algorithm: "argon2", Tier: tier, Block: 32})
	}
	return builds
}

func cnBlock(tier int) uint32 {
	switch {
	case tier < 50:
		return 8
	case tier < 70:
		return 16
	default:
		return 32
	}
}

// ParseTier accepts "8.6", "86" or "sm_86".
func ParseTier(s string) (int, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "sm_")
	var major, minor int
	if strings.Contains(s, ".") {
		if _, err := fmt.Sscanf(s, "%d.%d", &major, &minor); err != nil {
			return 0, fmt.Errorf("invalid compute tier %q", s)
		}
		return major*10 + minor, nil
	}
	var tier int
	if _, err := fmt.Sscanf(s, "%d", &tier); err != nil || tier <= 0 {
		return 0, fmt.Errorf("invalid compute tier %q", s)
	}
	return tier, nil
}
