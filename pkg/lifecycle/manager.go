package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/livecomponent/runtime/pkg/eventbus"
	"github.com/livecomponent/runtime/pkg/hydrate"
	"github.com/livecomponent/runtime/pkg/instance"
	"github.com/livecomponent/runtime/pkg/protocol"
	"github.com/livecomponent/runtime/pkg/registry"
)

// DefaultIdleTTL is how long an instance may go without a mailbox item
// before the reaper evicts it.
const DefaultIdleTTL = 5 * time.Minute

// DefaultReapInterval is how often the reaper sweeps the store.
const DefaultReapInterval = 30 * time.Second

// Config controls a Manager's mounting and eviction behavior.
type Config struct {
	IdleTTL      time.Duration
	ReapInterval time.Duration
	MailboxSize  int
}

func (c Config) withDefaults() Config {
	if c.IdleTTL <= 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = instance.DefaultMailboxSize
	}
	return c
}

// Manager is the process-wide store of mounted instances, keyed by id.
type Manager struct {
	reg    *registry.Registry
	bus    *eventbus.Bus
	config Config
	logger *slog.Logger

	mu        sync.RWMutex
	instances map[string]*instance.Instance

	unmountHooksMu sync.Mutex
	unmountHooks   []func(instanceID string)

	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  chan struct{}
}

// New builds a Manager over reg, publishing room/broadcast events through
// bus. The reaper is not started until Start is called.
func New(reg *registry.Registry, bus *eventbus.Bus, config Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		reg:       reg,
		bus:       bus,
		config:    config.withDefaults(),
		logger:    logger,
		instances: make(map[string]*instance.Instance),
		stopCh:    make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// AddUnmountHook registers fn to run, in registration order, whenever an
// instance is unmounted (idle reap or explicit Unmount). Used to abort
// in-flight uploads tied to the instance per (I5).
func (m *Manager) AddUnmountHook(fn func(instanceID string)) {
	m.unmountHooksMu.Lock()
	defer m.unmountHooksMu.Unlock()
	m.unmountHooks = append(m.unmountHooks, fn)
}

// Start launches the idle-eviction reaper goroutine.
func (m *Manager) Start() {
	go m.reapLoop()
}

// Stop halts the reaper. It does not unmount any instance.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.stopped
}

func (m *Manager) reapLoop() {
	defer close(m.stopped)

	ticker := time.NewTicker(m.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapOnce()
		}
	}
}

func (m *Manager) reapOnce() {
	cutoff := time.Now().Add(-m.config.IdleTTL)

	m.mu.RLock()
	var toEvict []string
	for id, inst := range m.instances {
		if inst.LastActivity().Before(cutoff) {
			toEvict = append(toEvict, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range toEvict {
		m.logger.Info("evicting idle instance", "instanceId", id)
		if err := m.Unmount(context.Background(), id); err != nil {
			m.logger.Warn("idle eviction failed", "instanceId", id, "error", err)
		}
	}
}

// MountRequest describes a getInitialState call.
type MountRequest struct {
	ComponentName  string
	Props          json.RawMessage
	UserProvidedID string
}

// Mount creates and starts a new instance. If UserProvidedID is empty, an id
// is generated; otherwise it is validated and must not already be in use.
func (m *Manager) Mount(ctx context.Context, req MountRequest) (*instance.Instance, error) {
	typ, err := m.reg.Lookup(req.ComponentName)
	if err != nil {
		return nil, err
	}

	id := req.UserProvidedID
	if id == "" {
		id, err = hydrate.NewID()
		if err != nil {
			return nil, err
		}
	} else {
		if err := hydrate.ValidateUserID(id); err != nil {
			return nil, err
		}
		if _, exists := m.Get(id); exists {
			return nil, protocol.NewError(protocol.ErrMountFailed, "instance id already in use: "+id)
		}
	}

	fingerprint, err := hydrate.Fingerprint(typ.Name, req.Props, typ.SchemaVersion)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrMountFailed, "failed to compute fingerprint: "+err.Error())
	}

	inst, err := instance.Mount(ctx, id, typ, req.Props, fingerprint, m.config.MailboxSize, m.logger)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.instances[id] = inst
	m.mu.Unlock()

	return inst, nil
}

// Get returns the instance for id, if mounted.
func (m *Manager) Get(id string) (*instance.Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	return inst, ok
}

// Rehydrate compares a client-presented fingerprint against the one stored
// on the mounted instance, per the wire protocol's hydrationAttempt flow.
// The returned bool is false on a mismatch (or when id is not mounted);
// pkg/dispatch answers a mismatch by calling Remount.
func (m *Manager) Rehydrate(id, clientFingerprint string) (*instance.Instance, bool) {
	inst, ok := m.Get(id)
	if !ok {
		return nil, false
	}
	return inst, inst.Fingerprint == clientFingerprint
}

// Remount discards the stored instance for id and initializes a fresh one of
// the same registered type and props, in place, per the rehydration-mismatch
// policy (spec §3, §4.9): a client presenting a stale fingerprint gets a
// clean re-init rather than a terminal VERSION_GAP. Unlike Unmount, it does
// not clear the instance's bus subscriptions — any connection already
// subscribed to id (including other live clients of a shared instance)
// keeps its subscription and is caught up by the caller's own full resync.
func (m *Manager) Remount(ctx context.Context, id string) (*instance.Instance, error) {
	m.mu.Lock()
	old, ok := m.instances[id]
	if ok {
		delete(m.instances, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil, protocol.NewError(protocol.ErrMountFailed, "instance not mounted: "+id)
	}

	typ, err := m.reg.Lookup(old.TypeName)
	if err != nil {
		return nil, err
	}

	if err := old.Unmount(ctx); err != nil {
		m.logger.Warn("remount: stale instance teardown failed", "instanceId", id, "error", err)
	}
	m.unmountHooksMu.Lock()
	hooks := m.unmountHooks
	m.unmountHooksMu.Unlock()
	for _, hook := range hooks {
		hook(id)
	}

	fingerprint, err := hydrate.Fingerprint(typ.Name, old.Props, typ.SchemaVersion)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrMountFailed, "failed to compute fingerprint: "+err.Error())
	}

	inst, err := instance.Mount(ctx, id, typ, old.Props, fingerprint, m.config.MailboxSize, m.logger)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.instances[id] = inst
	m.mu.Unlock()

	return inst, nil
}

// Unmount removes id from the store after running its unmount hook and
// stopping its worker goroutine, and releases its bus subscriptions.
func (m *Manager) Unmount(ctx context.Context, id string) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if ok {
		delete(m.instances, id)
	}
	m.mu.Unlock()

	if !ok {
		return protocol.NewError(protocol.ErrUnmountFailed, "instance not mounted: "+id)
	}

	err := inst.Unmount(ctx)
	m.bus.RemoveInstance(id)

	m.unmountHooksMu.Lock()
	hooks := m.unmountHooks
	m.unmountHooksMu.Unlock()
	for _, hook := range hooks {
		hook(id)
	}

	return err
}

// Count reports the number of currently mounted instances.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}
