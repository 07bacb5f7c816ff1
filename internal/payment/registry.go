package payment

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"card_store/internal/model"

	"go.uber.org/zap"
)

// MethodLister 列出启用的支付方式。
type MethodLister interface {
	ListActive(ctx context.Context) ([]model.PaymentMethod, error)
}

// Registry 通道构造器与运行中实例。只有映射到启用支付方式且配置完整的通道才会启动。
// 构造与启动通道（可能涉及网络请求）不持有 mu，查询不会被重载阻塞。
type Registry struct {
	// lifecycle 串行化加载、停止与重载
	lifecycle sync.Mutex

	mu      sync.RWMutex
	ctors   map[string]Constructor
	active  map[string]Provider
	methods MethodLister
	deps    Deps
	log     *zap.Logger
}

func NewRegistry(methods MethodLister, deps Deps) *Registry {
	return &Registry{
		ctors:   make(map[string]Constructor),
		active:  make(map[string]Provider),
		methods: methods,
		deps:    deps,
		log:     deps.Log.Named("payment_registry"),
	}
}

// Register 注册通道构造器，重复注册会覆盖。
func (r *Registry) Register(id string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[id] = ctor
}

// ProviderIDs 已注册的通道 id。
func (r *Registry) ProviderIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.ctors))
	for id := range r.ctors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Active 取运行中的通道。
func (r *Registry) Active(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.active[id]
	return p, ok
}

// ActiveProviders 全部运行中的通道。
func (r *Registry) ActiveProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.active))
	for _, p := range r.active {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// LoadAndStart 按启用的支付方式实例化并启动通道。单个通道失败只记录日志，继续加载其余通道。
func (r *Registry) LoadAndStart(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return r.loadAndStart(ctx)
}

func (r *Registry) loadAndStart(ctx context.Context) error {
	methods, err := r.methods.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list payment methods: %w", err)
	}
	r.log.Info("loading payment providers", zap.Int("methods", len(methods)))

	r.mu.RLock()
	ctors := make(map[string]Constructor, len(r.ctors))
	for id, c := range r.ctors {
		ctors[id] = c
	}
	running := make(map[string]bool, len(r.active))
	for id, p := range r.active {
		running[id] = p.Started()
	}
	r.mu.RUnlock()

	started := make(map[string]Provider)
	for _, m := range methods {
		id := m.ProviderID()
		if id == "" {
			r.log.Debug("payment method has no provider_id", zap.String("method", m.Name))
			continue
		}
		ctor, ok := ctors[id]
		if !ok {
			r.log.Warn("unknown payment provider", zap.String("provider", id), zap.String("method", m.Name))
			continue
		}
		if _, ok := started[id]; ok || running[id] {
			continue
		}

		p, err := ctor(m.Meta(), r.deps)
		if err != nil {
			r.log.Error("construct payment provider", zap.String("provider", id), zap.Error(err))
			continue
		}
		if !p.IsConfigured() {
			r.log.Warn("payment provider not configured, skipped", zap.String("provider", id))
			continue
		}
		if err := p.Start(ctx); err != nil {
			r.log.Error("start payment provider", zap.String("provider", id), zap.Error(err))
			continue
		}
		started[id] = p
		r.log.Info("payment provider started", zap.String("provider", id))
	}

	r.mu.Lock()
	for id, p := range started {
		r.active[id] = p
	}
	total := len(r.active)
	r.mu.Unlock()

	r.log.Info("payment providers loaded", zap.Int("active", total))
	return nil
}

// StopAll 停止全部运行中的通道并等待其后台任务退出。
func (r *Registry) StopAll(ctx context.Context) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	r.stopAll(ctx)
}

func (r *Registry) stopAll(ctx context.Context) {
	r.mu.Lock()
	active := r.active
	r.active = make(map[string]Provider)
	r.mu.Unlock()

	for id, p := range active {
		if err := p.Stop(ctx); err != nil {
			r.log.Error("stop payment provider", zap.String("provider", id), zap.Error(err))
			continue
		}
		r.log.Info("payment provider stopped", zap.String("provider", id))
	}
}

// Reload 停止全部通道后按最新配置重新加载。
func (r *Registry) Reload(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	r.stopAll(ctx)
	return r.loadAndStart(ctx)
}
