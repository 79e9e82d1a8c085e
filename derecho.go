package derecho

// derecho.go: the public handle. A Group wraps the view
// manager and the per-epoch multicast core; applications see
// buffers, sends, callbacks, and membership events, never the
// SST.

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Group is one member's handle on a replicated group.
type Group struct {
	vm *ViewManager

	// deliverCb is swappable at runtime via
	// RegisterDeliveryCallback; the multicast core calls
	// through it.
	deliverCb atomic.Pointer[DeliveryCallback]
	persistCb atomic.Pointer[DeliveryCallback]
}

func (g *Group) trampoline() CallbackSet {
	return CallbackSet{
		GlobalStability: func(sg SubgroupID, sender NodeID, index int64, data []byte) {
			if fn := g.deliverCb.Load(); fn != nil {
				(*fn)(sg, sender, index, data)
			}
		},
		LocalPersistence: func(sg SubgroupID, sender NodeID, index int64, data []byte) {
			if fn := g.persistCb.Load(); fn != nil {
				(*fn)(sg, sender, index, data)
			}
		},
	}
}

func (g *Group) setCallbacks(cb CallbackSet) {
	if cb.GlobalStability != nil {
		g.deliverCb.Store(&cb.GlobalStability)
	}
	if cb.LocalPersistence != nil {
		g.persistCb.Store(&cb.LocalPersistence)
	}
}

// StartNewGroup founds a group with this node as initial
// leader. Blocks until a second member joins.
func StartNewGroup(hub *MemHub, myID NodeID, myIP string, cb CallbackSet,
	layout SubgroupLayoutFn, cfg *Config) (*Group, error) {

	g := &Group{}
	g.setCallbacks(cb)
	vm, err := startViewManagerNew(hub, myID, myIP, g.trampoline(), nil, layout, cfg)
	if err != nil {
		return nil, err
	}
	g.vm = vm
	return g, nil
}

// JoinGroup joins the group whose leader listens at
// leaderAddr. Group-wide parameters are received from the
// leader; cfg supplies only local settings (listen address).
func JoinGroup(hub *MemHub, myID NodeID, myIP string, leaderAddr string,
	cb CallbackSet, layout SubgroupLayoutFn, cfg *Config) (*Group, error) {

	g := &Group{}
	g.setCallbacks(cb)
	vm, err := startViewManagerJoin(hub, myID, myIP, leaderAddr, g.trampoline(), nil, layout, cfg)
	if err != nil {
		return nil, err
	}
	g.vm = vm
	return g, nil
}

// RestartFromLogs recovers a failed member: the last installed
// view is read from cfg.ViewFile and the node rejoins through
// that view's leader. The message log (cfg.Filename) can be
// replayed separately with ReplayLog.
func RestartFromLogs(hub *MemHub, myID NodeID, myIP string, cb CallbackSet,
	layout SubgroupLayoutFn, cfg *Config) (*Group, error) {

	if cfg == nil || cfg.ViewFile == "" {
		return nil, fmt.Errorf("restart: cfg.ViewFile is required")
	}
	g := &Group{}
	g.setCallbacks(cb)
	vm, err := startViewManagerRestart(hub, cfg.ViewFile, myID, myIP, g.trampoline(), nil, layout, cfg)
	if err != nil {
		return nil, err
	}
	g.vm = vm
	return g, nil
}

// GetSendBuffer requests the payload region of the next
// message in the subgroup. nil means blocked: the window is
// full, no buffer is free, or the engine is wedged mid view
// change; retry after deliveries advance.
func (g *Group) GetSendBuffer(sg SubgroupID, payloadSize int64) []byte {
	return g.GetSendBufferOpts(sg, payloadSize, 0, false)
}

// GetSendBufferOpts also declares skipped sending turns and
// the cooked (RPC-framed) flag.
func (g *Group) GetSendBufferOpts(sg SubgroupID, payloadSize int64,
	pauseSendingTurns int, cooked bool) []byte {

	if payloadSize > g.vm.cfg.MaxPayloadSize {
		alwaysPrintf("send buffer request of %v bytes rejected: MaxPayloadSize is %v",
			payloadSize, g.vm.cfg.MaxPayloadSize)
		return nil
	}
	g.vm.viewMut.RLock()
	mc := g.vm.mcCur
	g.vm.viewMut.RUnlock()
	if mc == nil {
		return nil
	}
	return mc.getSendbufferPtr(int(sg), payloadSize, pauseSendingTurns, cooked, false)
}

// GetSendBufferErr is GetSendBuffer with the refusal reason
// typed: ErrPayloadTooBig, ErrShutdown, ErrWedged, or
// ErrWindowFull.
func (g *Group) GetSendBufferErr(sg SubgroupID, payloadSize int64) ([]byte, error) {
	if payloadSize > g.vm.cfg.MaxPayloadSize {
		return nil, ErrPayloadTooBig
	}
	g.vm.viewMut.RLock()
	mc := g.vm.mcCur
	g.vm.viewMut.RUnlock()
	if mc == nil || g.vm.shutdownFlag.Load() {
		return nil, ErrShutdown
	}
	if mc.wedged() {
		return nil, ErrWedged
	}
	buf := mc.getSendbufferPtr(int(sg), payloadSize, 0, false, false)
	if buf == nil {
		return nil, ErrWindowFull
	}
	return buf, nil
}

// SendNull sends a header-only message (a heartbeat-like
// no-op that still consumes a sequence slot).
func (g *Group) SendNull(sg SubgroupID) bool {
	g.vm.viewMut.RLock()
	mc := g.vm.mcCur
	g.vm.viewMut.RUnlock()
	if mc == nil {
		return false
	}
	if mc.getSendbufferPtr(int(sg), 0, 0, false, true) == nil {
		return false
	}
	return mc.send(int(sg))
}

// Send transmits the message prepared by the last
// GetSendBuffer call on this subgroup. Returns immediately;
// the transfer is scheduled.
func (g *Group) Send(sg SubgroupID) bool {
	g.vm.viewMut.RLock()
	mc := g.vm.mcCur
	g.vm.viewMut.RUnlock()
	if mc == nil {
		return false
	}
	return mc.send(int(sg))
}

// RegisterDeliveryCallback swaps the delivery upcall.
func (g *Group) RegisterDeliveryCallback(fn DeliveryCallback) {
	g.deliverCb.Store(&fn)
}

// RegisterPersistenceCallback swaps the local-persistence
// upcall.
func (g *Group) RegisterPersistenceCallback(fn DeliveryCallback) {
	g.persistCb.Store(&fn)
}

// GetMembers lists the current view's members.
func (g *Group) GetMembers() []NodeID { return g.vm.GetMembers() }

// CurrentView snapshots the installed view descriptor.
func (g *Group) CurrentView() *View { return g.vm.CurrentView() }

// ReportFailure tells the membership service that who has
// failed; a view change excludes it.
func (g *Group) ReportFailure(who NodeID) error { return g.vm.ReportFailure(who) }

// Leave departs the group cleanly (by self-suspicion, the way
// the protocol expects).
func (g *Group) Leave() error { return g.vm.Leave() }

// BarrierSync blocks until all live members reach the same
// barrier tag.
func (g *Group) BarrierSync(tag string) error { return g.vm.BarrierSync(tag) }

// WaitForVid blocks until a view numbered >= vid installs.
func (g *Group) WaitForVid(vid int64, timeout time.Duration) error {
	return g.vm.WaitForVid(vid, timeout)
}

// GmsAddr is where this member accepts joins (useful when the
// listener was bound to port 0).
func (g *Group) GmsAddr() string { return g.vm.GmsAddr() }

// Shutdown tears the member down without leaving gracefully.
func (g *Group) Shutdown() { g.vm.Shutdown() }

// DebugDump prints the engine state for debugging.
func (g *Group) DebugDump() {
	v := g.vm.CurrentView()
	alwaysPrintf("%v", v.DebugDump())
	g.vm.viewMut.RLock()
	mc := g.vm.mcCur
	g.vm.viewMut.RUnlock()
	if mc != nil {
		mc.debugPrint()
	}
}

// ReplayLog streams the persisted message records of a log
// file, in append order, stopping at the first torn record.
func ReplayLog(path string, fn func(sg SubgroupID, vid int64, sender NodeID,
	index int64, cooked bool, data []byte) error) error {

	return replayLog(path, func(m *persistedMessage) error {
		return fn(m.Subgroup, m.Vid, m.Sender, m.Index, m.Cooked, m.Data)
	})
}
