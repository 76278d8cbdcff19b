package sshtunnel

import (
	"log"
	"sort"
	"sync"

	"github.com/im7mortal/kmutex"
)

// Registry maps names to live tunnels. Creating a name that already has a
// live tunnel returns that tunnel; entries whose process has exited are
// dropped the next time they are looked up.
type Registry struct {
	opts Options

	// names serializes CreateTunnel and CloseTunnel per name so concurrent
	// creates of the same name spawn one process. Different names proceed
	// in parallel.
	names *kmutex.Kmutex

	mu      sync.Mutex
	tunnels map[string]*Tunnel

	events *eventLog
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:    opts.withDefaults(),
		names:   kmutex.New(),
		tunnels: make(map[string]*Tunnel),
		events:  newEventLog(),
	}
}

// CreateTunnel returns the live tunnel registered under name, or starts a
// new one from cfg. An existing live tunnel is returned unchanged even if
// cfg differs from the config it was started with. On failure nothing is
// registered and the classified start error is returned.
func (r *Registry) CreateTunnel(name string, cfg EndpointConfig) (*Tunnel, error) {
	r.names.Lock(name)
	defer r.names.Unlock(name)

	if t := r.lookup(name); t != nil {
		r.events.emit(Event{Name: name, TunnelID: t.ID, Type: EventReused, Details: t.LocalURL()})
		return t, nil
	}

	t := NewTunnel(cfg, r.opts)
	if !t.Start() {
		err := t.Err()
		r.events.emit(Event{Name: name, TunnelID: t.ID, Type: EventStartFailed, Details: err.Error()})
		return nil, err
	}

	r.mu.Lock()
	r.tunnels[name] = t
	r.mu.Unlock()
	r.events.emit(Event{Name: name, TunnelID: t.ID, Type: EventCreated, Details: t.LocalURL()})
	log.Printf("[tunnel] registered %q at %s", name, t.LocalURL())
	return t, nil
}

// GetTunnel returns the live tunnel registered under name, or nil.
func (r *Registry) GetTunnel(name string) *Tunnel {
	return r.lookup(name)
}

// lookup returns the live tunnel for name, evicting a dead entry.
func (r *Registry) lookup(name string) *Tunnel {
	r.mu.Lock()
	t, ok := r.tunnels[name]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if t.IsActive() {
		r.mu.Unlock()
		return t
	}
	delete(r.tunnels, name)
	r.mu.Unlock()

	r.evict(name, t)
	return nil
}

// evict reaps a tunnel already removed from the map.
func (r *Registry) evict(name string, t *Tunnel) {
	diag := t.Diagnostics()
	t.Stop()
	r.events.emit(Event{Name: name, TunnelID: t.ID, Type: EventEvicted, Details: diag})
	log.Printf("[tunnel] evicted %q: process exited", name)
}

// CloseTunnel stops and removes the tunnel registered under name. Unknown
// names are ignored.
func (r *Registry) CloseTunnel(name string) {
	r.names.Lock(name)
	defer r.names.Unlock(name)

	r.mu.Lock()
	t, ok := r.tunnels[name]
	delete(r.tunnels, name)
	r.mu.Unlock()
	if !ok {
		return
	}

	t.Stop()
	r.events.emit(Event{Name: name, TunnelID: t.ID, Type: EventClosed})
	log.Printf("[tunnel] closed %q", name)
}

// CloseAll stops every registered tunnel and empties the registry. A create
// that is in flight when CloseAll runs registers its tunnel afterwards.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.tunnels
	r.tunnels = make(map[string]*Tunnel)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for name, t := range all {
		wg.Add(1)
		go func(name string, t *Tunnel) {
			defer wg.Done()
			t.Stop()
			r.events.emit(Event{Name: name, TunnelID: t.ID, Type: EventClosed, Details: "close all"})
		}(name, t)
	}
	wg.Wait()

	if len(all) > 0 {
		log.Printf("[tunnel] closed all %d tunnel(s)", len(all))
	}
}

// live returns the live tunnels by name, evicting dead entries.
func (r *Registry) live() map[string]*Tunnel {
	r.mu.Lock()
	result := make(map[string]*Tunnel, len(r.tunnels))
	dead := make(map[string]*Tunnel)
	for name, t := range r.tunnels {
		if t.IsActive() {
			result[name] = t
		} else {
			dead[name] = t
			delete(r.tunnels, name)
		}
	}
	r.mu.Unlock()

	for name, t := range dead {
		r.evict(name, t)
	}
	return result
}

// ListActive returns name -> local URL for every live tunnel.
func (r *Registry) ListActive() map[string]string {
	live := r.live()
	result := make(map[string]string, len(live))
	for name, t := range live {
		result[name] = t.LocalURL()
	}
	return result
}

// Tunnels returns snapshots of every live tunnel sorted by name.
func (r *Registry) Tunnels() []TunnelInfo {
	live := r.live()
	infos := make([]TunnelInfo, 0, len(live))
	for name, t := range live {
		info := t.Info()
		info.Name = name
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Events returns the recorded events for name, oldest first.
func (r *Registry) Events(name string) []Event {
	return r.events.events(name)
}

// AllEvents returns the recorded events for every name, oldest first.
func (r *Registry) AllEvents() []Event {
	return r.events.all()
}

// OnEvent registers a listener called for every subsequent event.
func (r *Registry) OnEvent(l EventListener) {
	r.events.subscribe(l)
}
