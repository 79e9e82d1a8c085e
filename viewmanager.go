package derecho

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
	gjson "github.com/goccy/go-json"
)

// viewmanager.go: the group membership service. It runs on the
// same SST as the multicast core, using its own columns
// (suspected, changes, nChanges, nCommitted, nAcked,
// nInstalled, vid) to drive the view-change state machine:
// suspicion -> proposal -> ack -> commit -> wedge ->
// ragged-edge cleanup -> install.

// packAddr packs "ip:port" (v4) into an SST scalar.
func packAddr(hostport string) int64 {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return 0
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return 0
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return int64(binary.BigEndian.Uint32(ip4))<<16 | int64(uint16(port))
}

func unpackAddr(v int64) string {
	if v == 0 {
		return ""
	}
	var ip4 [4]byte
	binary.BigEndian.PutUint32(ip4[:], uint32(v>>16))
	return fmt.Sprintf("%v.%v.%v.%v:%v", ip4[0], ip4[1], ip4[2], ip4[3], uint16(v))
}

// joinHello is the first blob a joiner sends the leader.
type joinHello struct {
	ID NodeID `json:"id"`
	IP string `json:"ip"`
}

// ViewManager owns the current view, the SST beneath it, and
// the multicast group of the epoch. One per process per group.
type ViewManager struct {
	cfg      *Config
	myID     NodeID
	myIP     string
	hub      *MemHub
	fab      Fabric
	rdmcHost *rdmcHost

	callbacks CallbackSet
	dispatch  rpcDispatch
	layoutFn  SubgroupLayoutFn

	viewMut  sync.RWMutex
	currView *View
	sstCur   *SST
	mcCur    *multicastGroup

	fileWriter *logWriter

	pendingJoinsMut    sync.Mutex
	pendingJoinSockets []net.Conn

	// the one join in flight, if any. Only the leader touches
	// these, from predicate triggers.
	proposedJoinSocket *helloConn
	joinInFlight       bool

	lastSuspected []bool

	listener     net.Listener
	listenerHalt *idem.Halter

	gmsPreds []predHandle

	viewUpcalls   []func(*View)
	installedVid  atomic.Int64
	installNotify chan struct{} // replaced on every install
	notifyMut     sync.Mutex

	viewChangeRunning atomic.Bool
	shutdownFlag      atomic.Bool
}

// --- construction paths ---

// startViewManagerNew founds a group: this node is the
// initial leader. It blocks until the second member joins
// (a one-member group has nobody to multicast to), then
// installs the two-member initial view.
func startViewManagerNew(hub *MemHub, myID NodeID, myIP string, cb CallbackSet,
	dispatch rpcDispatch, layoutFn SubgroupLayoutFn, cfg *Config) (*ViewManager, error) {

	m, err := newBareViewManager(hub, myID, myIP, cb, dispatch, layoutFn, cfg)
	if err != nil {
		return nil, err
	}
	if err := m.startListener(); err != nil {
		return nil, err
	}
	if m.myIP == "" {
		m.myIP = m.GmsAddr()
	}

	// await the second member; no timeout, as the founding
	// leader has nothing else to do.
	conn, hello, err := m.acceptJoinHello(0)
	if err != nil {
		m.listener.Close()
		return nil, fmt.Errorf("awaiting second member: %w", err)
	}

	v := &View{
		Vid:       0,
		Members:   []NodeID{myID, hello.ID},
		MemberIPs: []string{m.myIP, hello.IP},
		Failed:    []bool{false, false},
		Joined:    []NodeID{myID, hello.ID},
		MyRank:    0,
	}
	v.Types = layoutFn(v)
	if err := v.CheckInvariants(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := m.commitJoin(conn, v); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending initial view to joiner: %w", err)
	}
	conn.Close()
	if err := m.buildForView(v, nil); err != nil {
		return nil, err
	}
	m.finishInstall(v)
	go m.joinListenerLoop()
	return m, nil
}

// startViewManagerJoin joins an existing group through its
// leader.
func startViewManagerJoin(hub *MemHub, myID NodeID, myIP string, leaderAddr string,
	cb CallbackSet, dispatch rpcDispatch, layoutFn SubgroupLayoutFn, cfg *Config) (*ViewManager, error) {

	m, err := newBareViewManager(hub, myID, myIP, cb, dispatch, layoutFn, cfg)
	if err != nil {
		return nil, err
	}
	// listen before announcing ourselves, so the IP we
	// advertise is accepting connections.
	if err := m.startListener(); err != nil {
		return nil, err
	}
	if m.myIP == "" {
		m.myIP = m.GmsAddr()
	}
	conn, err := net.DialTimeout("tcp", leaderAddr, exchangeTimeout)
	if err != nil {
		return nil, fmt.Errorf("join: dialing leader %v: %w", leaderAddr, err)
	}
	defer conn.Close()

	helloBy, err := gjson.Marshal(joinHello{ID: myID, IP: m.myIP})
	if err != nil {
		return nil, err
	}
	if err := sendBlob(conn, helloBy, exchangeTimeout); err != nil {
		return nil, fmt.Errorf("join: sending hello: %w", err)
	}
	// the leader answers with config then view, once the join
	// commits; that can take a while if a view change is
	// already running.
	cfgBlob, err := recvBlob(conn, 0)
	if err != nil {
		return nil, fmt.Errorf("join: receiving config: %w", err)
	}
	// group-wide parameters come from the leader; local paths
	// and the listen address stay ours.
	myGmsAddr := m.cfg.GmsAddr
	myFilename := m.cfg.Filename
	myViewFile := m.cfg.ViewFile
	if err := gjson.Unmarshal(cfgBlob, m.cfg); err != nil {
		return nil, fmt.Errorf("join: bad config blob: %w", err)
	}
	m.cfg.GmsAddr = myGmsAddr
	m.cfg.Filename = myFilename
	m.cfg.ViewFile = myViewFile
	if err := m.cfg.Validate(); err != nil {
		return nil, err
	}
	viewBlob, err := recvBlob(conn, 0)
	if err != nil {
		return nil, fmt.Errorf("join: receiving view: %w", err)
	}
	v, err := UnmarshalViewBlob(viewBlob)
	if err != nil {
		return nil, err
	}
	v.MyRank = v.Rank(myID)
	if v.MyRank < 0 {
		return nil, fmt.Errorf("join: received view %v does not contain us", v.Vid)
	}
	v.Types = layoutFn(v)
	if err := v.CheckInvariants(); err != nil {
		return nil, err
	}
	// ack, then race to the SST bootstrap with everyone else.
	if err := sendBlob(conn, []byte{1}, exchangeTimeout); err != nil {
		return nil, err
	}
	if err := m.buildForView(v, nil); err != nil {
		return nil, err
	}
	m.finishInstall(v)
	go m.joinListenerLoop()
	return m, nil
}

// startViewManagerRestart recovers membership from the saved
// view file, then rejoins through that view's leader.
func startViewManagerRestart(hub *MemHub, viewFile string, myID NodeID, myIP string,
	cb CallbackSet, dispatch rpcDispatch, layoutFn SubgroupLayoutFn, cfg *Config) (*ViewManager, error) {

	v, err := loadViewFile(viewFile)
	if err != nil {
		return nil, fmt.Errorf("restart: %w", err)
	}
	// rejoin through the old leader; the join protocol brings
	// us up to date, delivering nothing from past views.
	lr := v.LeaderRank()
	if lr < 0 {
		return nil, fmt.Errorf("restart: saved view %v has no live leader", v.Vid)
	}
	if v.Members[lr] == myID {
		return nil, fmt.Errorf("restart: we were the leader of saved view %v; a surviving member must found the new group", v.Vid)
	}
	return startViewManagerJoin(hub, myID, myIP, v.MemberIPs[lr], cb, dispatch, layoutFn, cfg)
}

func newBareViewManager(hub *MemHub, myID NodeID, myIP string, cb CallbackSet,
	dispatch rpcDispatch, layoutFn SubgroupLayoutFn, cfg *Config) (*ViewManager, error) {

	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &ViewManager{
		cfg:           cfg,
		myID:          myID,
		myIP:          myIP,
		hub:           hub,
		fab:           hub.NewFabric(myID),
		rdmcHost:      newRdmcHost(hub, myID),
		callbacks:     cb,
		dispatch:      dispatch,
		layoutFn:      layoutFn,
		listenerHalt:  idem.NewHalter(),
		installNotify: make(chan struct{}),
	}
	m.installedVid.Store(-1)
	if cfg.Filename != "" {
		w, err := newLogWriter(cfg.Filename)
		if err != nil {
			return nil, err
		}
		m.fileWriter = w
	}
	return m, nil
}

// --- listener / join intake ---

func (m *ViewManager) startListener() error {
	addr := m.cfg.GmsAddr
	if addr == "" {
		addr = fmt.Sprintf(":%v", m.cfg.GmsPort)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gms listener on %v: %w", addr, err)
	}
	m.listener = ln
	return nil
}

// GmsAddr reports the bound membership-service address.
func (m *ViewManager) GmsAddr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// acceptJoinHello accepts one connection and reads the hello.
func (m *ViewManager) acceptJoinHello(timeout time.Duration) (net.Conn, *joinHello, error) {
	if tl, ok := m.listener.(*net.TCPListener); ok && timeout > 0 {
		tl.SetDeadline(time.Now().Add(timeout))
		defer tl.SetDeadline(time.Time{})
	}
	conn, err := m.listener.Accept()
	if err != nil {
		return nil, nil, err
	}
	blob, err := recvBlob(conn, exchangeTimeout)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	var hello joinHello
	if err := gjson.Unmarshal(blob, &hello); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, &hello, nil
}

// joinListenerLoop accepts join requests in the background
// and queues them for the leader predicate.
func (m *ViewManager) joinListenerLoop() {
	defer m.listenerHalt.Done.Close()
	for {
		select {
		case <-m.listenerHalt.ReqStop.Chan:
			return
		default:
		}
		conn, hello, err := m.acceptJoinHello(200 * time.Millisecond)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if m.shutdownFlag.Load() {
				return
			}
			//vv("join listener: accept error: %v", err)
			continue
		}
		pp("join listener: queued join request from node %v at %v", hello.ID, hello.IP)
		m.pendingJoinsMut.Lock()
		m.pendingJoinSockets = append(m.pendingJoinSockets, &helloConn{Conn: conn, hello: *hello})
		m.pendingJoinsMut.Unlock()
	}
}

// helloConn remembers the hello that arrived on the socket.
type helloConn struct {
	net.Conn
	hello joinHello
}

func (m *ViewManager) hasPendingJoin() bool {
	m.pendingJoinsMut.Lock()
	defer m.pendingJoinsMut.Unlock()
	return len(m.pendingJoinSockets) > 0
}

func (m *ViewManager) popPendingJoin() *helloConn {
	m.pendingJoinsMut.Lock()
	defer m.pendingJoinsMut.Unlock()
	if len(m.pendingJoinSockets) == 0 {
		return nil
	}
	hc := m.pendingJoinSockets[0].(*helloConn)
	m.pendingJoinSockets = m.pendingJoinSockets[1:]
	return hc
}

// commitJoin sends the joiner its config and new view, and
// waits for the ack byte.
func (m *ViewManager) commitJoin(conn net.Conn, v *View) error {
	cfgBy, err := gjson.Marshal(m.cfg)
	if err != nil {
		return err
	}
	if err := sendBlob(conn, cfgBy, exchangeTimeout); err != nil {
		return err
	}
	blob, err := v.MarshalBlob()
	if err != nil {
		return err
	}
	// view out, ack byte back
	_, err = exchangeBlobs(conn, blob, exchangeTimeout)
	return err
}

// --- SST + multicast group construction for a view ---

func (m *ViewManager) exchForView(v *View) func(peerRank int, tag string) BlobExchange {
	return func(peerRank int, tag string) BlobExchange {
		return m.hub.Exchanger(m.myID, v.Members[peerRank], fmt.Sprintf("v%v-%v", v.Vid, tag))
	}
}

// buildForView constructs the SST and multicast group of v
// and registers the GMS predicates. old is the previous
// (wedged) multicast group, nil at bootstrap.
func (m *ViewManager) buildForView(v *View, old *multicastGroup) error {
	settings, nRecvTotal := v.buildSettings(m.myID)
	if nRecvTotal == 0 {
		nRecvTotal = 1
	}
	suspicion := 50 * time.Millisecond
	if d := 20 * m.cfg.senderTimeout(); d > suspicion {
		suspicion = d
	}
	params := sstParams{
		numSubgroups:     v.NumSubgroups(),
		numReceivedTotal: nRecvTotal,
		windowSize:       m.cfg.WindowSize,
		slotSize:         m.cfg.SstSlotSize,
		suspicionTimeout: suspicion,
	}
	sst, err := NewSST(m.fab, v.Members, v.MyRank, params, m.exchForView(v),
		func(rank int) { m.onRankUnreachable(v.Vid, rank) }, v.Failed)
	if err != nil {
		return err
	}
	sst.SetVid(v.Vid)

	mc, err := newMulticastGroup(m.cfg, v.Members, m.myID, sst, m.rdmcHost, m.fab,
		m.callbacks, m.dispatch, settings, m.fileWriter, v.Failed, old)
	if err != nil {
		sst.Stop()
		return err
	}

	m.viewMut.Lock()
	m.currView = v
	m.sstCur = sst
	m.mcCur = mc
	m.lastSuspected = make([]bool, len(v.Members))
	m.joinInFlight = false
	m.viewMut.Unlock()

	m.registerGmsPredicates(v, sst)
	sst.StartPredicates()

	// peers that died during the bootstrap were frozen before
	// the view was current, so their failure upcall was
	// dropped; re-raise the suspicion now.
	for r := 0; r < len(v.Members); r++ {
		if r != sst.MyRank() && sst.Frozen(r) && !v.Failed[r] {
			m.onRankUnreachable(v.Vid, r)
		}
	}
	return nil
}

// finishInstall publishes the installed view.
func (m *ViewManager) finishInstall(v *View) {
	if m.cfg.ViewFile != "" {
		if err := saveViewFile(m.cfg.ViewFile, v); err != nil {
			alwaysPrintf("saving view file: %v", err)
		}
	}
	m.installedVid.Store(v.Vid)
	m.notifyMut.Lock()
	close(m.installNotify)
	m.installNotify = make(chan struct{})
	m.notifyMut.Unlock()
	for _, up := range m.viewUpcalls {
		up(v)
	}
	alwaysPrintf("node %v installed view %v with members %v", m.myID, v.Vid, v.Members)
}

// onRankUnreachable turns a broken QP or missed heartbeat
// into a suspicion, if the rank belongs to the current view.
func (m *ViewManager) onRankUnreachable(vid int64, rank int) {
	m.viewMut.RLock()
	v := m.currView
	sst := m.sstCur
	m.viewMut.RUnlock()
	if v == nil || v.Vid != vid || rank >= len(v.Members) {
		return
	}
	if sst.Suspected(sst.MyRank(), rank) {
		return
	}
	//vv("node %v suspects rank %v (node %v) in view %v", m.myID, rank, v.Members[rank], vid)
	sst.SetSuspected(rank, true)
	off, size := sst.OffGms()
	sst.PutRange(off, size)
}

// --- the GMS predicates ---

func (m *ViewManager) registerGmsPredicates(v *View, sst *SST) {
	n := len(v.Members)

	// 1. suspicion gossip + proposal. Fires when any row shows
	// a suspicion we have not yet folded into our own state.
	suspectedChanged := func(s *SST) bool {
		m.viewMut.RLock()
		defer m.viewMut.RUnlock()
		for r := 0; r < n; r++ {
			if s.Frozen(r) && r != s.MyRank() {
				continue
			}
			for j := 0; j < n; j++ {
				if s.Suspected(r, j) && !m.lastSuspected[j] {
					return true
				}
			}
		}
		return false
	}
	suspectedTrig := func(s *SST) {
		m.viewMut.Lock()
		var newly []int
		for j := 0; j < n; j++ {
			if m.lastSuspected[j] {
				continue
			}
			for r := 0; r < n; r++ {
				if (r == s.MyRank() || !s.Frozen(r)) && s.Suspected(r, j) {
					newly = append(newly, j)
					m.lastSuspected[j] = true
					break
				}
			}
		}
		if len(newly) == 0 {
			m.viewMut.Unlock()
			return
		}
		v := m.currView
		for _, j := range newly {
			if !v.Failed[j] {
				v.Failed[j] = true
				v.NumFailed++
			}
			s.SetSuspected(j, true)
			s.Freeze(j)
			alwaysPrintf("node %v: member %v (rank %v) is suspected in view %v", m.myID, v.Members[j], j, v.Vid)
		}
		if 2*v.NumFailed >= len(v.Members) {
			panic(fmt.Sprintf("node %v: %v of %v members failed; partitioned minority, aborting",
				m.myID, v.NumFailed, len(v.Members)))
		}
		mc := m.mcCur
		leader := v.IAmLeader()
		if leader {
			for _, j := range newly {
				m.appendChangeLocked(s, int64(v.Members[j]), "")
			}
		}
		m.viewMut.Unlock()

		// anyone who sees a suspicion wedges; the view change
		// completes once the change commits.
		mc.wedge()
		off, size := s.OffGms()
		s.PutRange(off, size)
	}
	m.gmsPreds = append(m.gmsPreds, sst.Predicates().Insert(suspectedChanged, suspectedTrig, Recurrent))

	// 1b. protocol sanity: a row whose counters violate the
	// monotone GMS rules (nAcked or nCommitted running ahead of
	// nChanges) is corrupt; log it and suspect the owner.
	violationPred := func(s *SST) bool {
		for r := 0; r < n; r++ {
			if r != s.MyRank() && s.Frozen(r) {
				continue
			}
			if s.NAcked(r) > s.NChanges(r) || s.NCommitted(r) > s.NChanges(r) {
				return true
			}
		}
		return false
	}
	violationTrig := func(s *SST) {
		for r := 0; r < n; r++ {
			if r != s.MyRank() && s.Frozen(r) {
				continue
			}
			if s.NAcked(r) > s.NChanges(r) || s.NCommitted(r) > s.NChanges(r) {
				alwaysPrintf("node %v: protocol violation in row %v: nChanges=%v nAcked=%v nCommitted=%v; suspecting",
					m.myID, r, s.NChanges(r), s.NAcked(r), s.NCommitted(r))
				if r != s.MyRank() {
					s.SetSuspected(r, true)
					off, size := s.OffGms()
					s.PutRange(off, size)
				}
			}
		}
	}
	m.gmsPreds = append(m.gmsPreds, sst.Predicates().Insert(violationPred, violationTrig, Recurrent))

	// 2. join intake (leader only; one join in flight).
	startJoinPred := func(s *SST) bool {
		m.viewMut.RLock()
		defer m.viewMut.RUnlock()
		return m.currView.IAmLeader() && !m.joinInFlight && m.hasPendingJoin()
	}
	startJoinTrig := func(s *SST) {
		hc := m.popPendingJoin()
		if hc == nil {
			return
		}
		m.viewMut.Lock()
		if m.currView.Rank(hc.hello.ID) >= 0 {
			alwaysPrintf("rejecting join from %v: already a member", hc.hello.ID)
			m.viewMut.Unlock()
			hc.Close()
			return
		}
		m.joinInFlight = true
		m.proposedJoinSocket = hc
		alwaysPrintf("node %v: leader proposing join of node %v at %v", m.myID, hc.hello.ID, hc.hello.IP)
		m.appendChangeLocked(s, int64(hc.hello.ID), hc.hello.IP)
		m.viewMut.Unlock()
		off, size := s.OffGms()
		s.PutRange(off, size)
	}
	m.gmsPreds = append(m.gmsPreds, sst.Predicates().Insert(startJoinPred, startJoinTrig, Recurrent))

	// 3. proposal propagation (non-leader): copy the leader's
	// change list and ack it.
	leaderProposedPred := func(s *SST) bool {
		m.viewMut.RLock()
		lr := m.currView.LeaderRank()
		m.viewMut.RUnlock()
		if lr < 0 || lr == s.MyRank() {
			return false
		}
		return s.NChanges(lr) > s.NAcked(s.MyRank())
	}
	leaderProposedTrig := func(s *SST) {
		m.viewMut.RLock()
		lr := m.currView.LeaderRank()
		m.viewMut.RUnlock()
		if lr < 0 {
			return
		}
		nCh := s.NChanges(lr)
		if nCh > s.NAcked(s.MyRank()) {
			for k := 0; k < sst.lay.nChangeSlots; k++ {
				s.SetChange(k, s.Change(lr, k))
				s.SetJoinerIP(k, s.JoinerIP(lr, k))
			}
			s.SetNChanges(nCh)
			s.SetNAcked(nCh)
			//vv("node %v acks %v changes from leader rank %v", m.myID, nCh, lr)
			off, size := s.OffGms()
			s.PutRange(off, size)
			// a proposal in flight means a membership change;
			// stop taking new sends now.
			m.viewMut.RLock()
			mc := m.mcCur
			m.viewMut.RUnlock()
			mc.wedge()
		}
	}
	m.gmsPreds = append(m.gmsPreds, sst.Predicates().Insert(leaderProposedPred, leaderProposedTrig, Recurrent))

	// 4. commit (leader): everyone live has acked.
	commitPred := func(s *SST) bool {
		m.viewMut.RLock()
		v := m.currView
		amLeader := v.IAmLeader()
		m.viewMut.RUnlock()
		if !amLeader {
			return false
		}
		me := s.MyRank()
		if s.NChanges(me) == s.NCommitted(me) {
			return false
		}
		return m.minAcked(s) >= s.NChanges(me)
	}
	commitTrig := func(s *SST) {
		nCh := s.NChanges(s.MyRank())
		//vv("node %v: leader committing %v changes", m.myID, nCh)
		s.SetNCommitted(nCh)
		off, size := s.OffGms()
		s.PutRange(off, size)
	}
	m.gmsPreds = append(m.gmsPreds, sst.Predicates().Insert(commitPred, commitTrig, Recurrent))

	// 5. committed changes trigger the view change proper,
	// which runs off the predicate thread.
	committedPred := func(s *SST) bool {
		m.viewMut.RLock()
		lr := m.currView.LeaderRank()
		m.viewMut.RUnlock()
		if lr < 0 {
			return false
		}
		nCom := s.NCommitted(lr)
		// our own change slots must hold the committed entries
		// before we act on them.
		return nCom > s.NInstalled(s.MyRank()) && s.NAcked(s.MyRank()) >= nCom
	}
	committedTrig := func(s *SST) {
		if m.viewChangeRunning.Swap(true) {
			return
		}
		go m.runViewChange()
	}
	m.gmsPreds = append(m.gmsPreds, sst.Predicates().Insert(committedPred, committedTrig, Recurrent))
}

// appendChangeLocked records one change (join or departure) in
// my row. Caller holds viewMut and puts afterwards.
func (m *ViewManager) appendChangeLocked(s *SST, id int64, joinerIP string) {
	// refuse duplicates already proposed
	nCh := s.NChanges(s.MyRank())
	for k := int64(0); k < nCh; k++ {
		if s.Change(s.MyRank(), int(k%int64(s.lay.nChangeSlots))) == id {
			return
		}
	}
	slot := int(nCh % int64(s.lay.nChangeSlots))
	s.SetChange(slot, id)
	if joinerIP != "" {
		s.SetJoinerIP(slot, packAddr(joinerIP))
	} else {
		s.SetJoinerIP(slot, 0)
	}
	s.SetNChanges(nCh + 1)
	s.SetNAcked(nCh + 1)
}

// minAcked is the minimum nAcked over live rows.
func (m *ViewManager) minAcked(s *SST) int64 {
	m.viewMut.RLock()
	v := m.currView
	m.viewMut.RUnlock()
	min := int64(1<<62 - 1)
	for r := 0; r < len(v.Members); r++ {
		if v.Failed[r] {
			continue
		}
		if a := s.NAcked(r); a < min {
			min = a
		}
	}
	return min
}

// --- the view change ---

// runViewChange executes wedge -> ragged edge -> install on
// its own goroutine, then clears the running flag for the
// next epoch.
func (m *ViewManager) runViewChange() {
	defer m.viewChangeRunning.Store(false)

	m.viewMut.RLock()
	v := m.currView
	oldSST := m.sstCur
	oldMC := m.mcCur
	m.viewMut.RUnlock()

	// followers never raise nCommitted themselves; the
	// committed count lives in (our copy of) the leader's row.
	lr := v.LeaderRank()
	nCommitted := oldSST.NCommitted(lr)

	// collect the committed change set from our own row, which
	// holds the leader's values once acked.
	var changeIDs []NodeID
	joinerIPs := make(map[NodeID]string)
	srcRow := oldSST.MyRank()
	for k := int64(0); k < nCommitted; k++ {
		slot := int(k % int64(oldSST.lay.nChangeSlots))
		id := NodeID(oldSST.Change(srcRow, slot))
		changeIDs = append(changeIDs, id)
		if ip := unpackAddr(oldSST.JoinerIP(srcRow, slot)); ip != "" {
			joinerIPs[id] = ip
		}
	}
	alwaysPrintf("node %v: view change from vid %v applying changes %v", m.myID, v.Vid, changeIDs)

	// everyone wedges before trimming the ragged edge.
	oldMC.wedge()

	// ragged-edge cleanup per subgroup: the shard leader
	// publishes per-sender global minima, followers copy,
	// everyone delivers up to them.
	m.viewMut.RLock()
	failed := append([]bool{}, v.Failed...)
	m.viewMut.RUnlock()
	for sg, st := range oldMC.settings {
		if st == nil {
			continue
		}
		m.raggedEdgeCleanup(failed, oldSST, oldMC, sg, st)
	}
	oldSST.SetNInstalled(nCommitted)
	off, size := oldSST.OffGms()
	oldSST.PutRange(off, size)
	if err := oldSST.SyncWithMembers(fmt.Sprintf("ragged-v%v", v.Vid+1)); err != nil {
		alwaysPrintf("node %v: ragged-edge barrier saw failure: %v", m.myID, err)
	}

	// deterministic successor view.
	nv := v.nextView(changeIDs, joinerIPs)
	nv.MyRank = nv.Rank(m.myID)
	if nv.MyRank < 0 {
		alwaysPrintf("node %v: departed in view %v; shutting down", m.myID, nv.Vid)
		m.teardown(oldSST, oldMC)
		return
	}
	nv.Types = m.layoutFn(nv)
	if err := nv.CheckInvariants(); err != nil {
		panic(fmt.Sprintf("node %v: constructed invalid view: %v", m.myID, err))
	}

	// the leader lets the joiner in before the SST bootstrap
	// so it can rendezvous with everyone. A join whose change
	// did not make this commit (a failure raced it) goes back
	// on the queue for the next epoch.
	m.viewMut.Lock()
	joinSock := m.proposedJoinSocket
	m.proposedJoinSocket = nil
	m.viewMut.Unlock()
	if joinSock != nil {
		if nv.Rank(joinSock.hello.ID) >= 0 {
			if v.IAmLeader() {
				if err := m.commitJoin(joinSock, nv); err != nil {
					alwaysPrintf("node %v: joiner handshake failed: %v", m.myID, err)
				}
			}
			joinSock.Close()
		} else {
			m.pendingJoinsMut.Lock()
			m.pendingJoinSockets = append(m.pendingJoinSockets, joinSock)
			m.pendingJoinsMut.Unlock()
		}
	}

	// build the new epoch, carrying unfinished sends forward.
	if err := m.buildForView(nv, oldMC); err != nil {
		panic(fmt.Sprintf("node %v: building view %v failed: %v", m.myID, nv.Vid, err))
	}
	oldSST.Stop()
	m.finishInstall(nv)
}

// raggedEdgeCleanup equalizes delivery across the shard
// before the view switches: the live shard leader computes
// min(num_received) per sender over live members and
// publishes it in globalMin; followers copy; all deliver in
// order up to those indices.
func (m *ViewManager) raggedEdgeCleanup(failed []bool, s *SST, mc *multicastGroup, sg int, st *subgroupSettings) {
	nSenders := st.numSenders()

	liveShardLeaderRow := func() int {
		for _, row := range st.shardRows {
			if !failed[row] {
				return row
			}
		}
		return -1
	}

	deadline := time.Now().Add(exchangeTimeout)
	for {
		lrow := liveShardLeaderRow()
		if lrow < 0 {
			return // whole shard failed
		}
		if lrow == s.MyRank() {
			if !s.GlobalMinReady(s.MyRank(), sg) {
				for j := 0; j < nSenders; j++ {
					min := int64(1<<62 - 1)
					for _, row := range st.shardRows {
						if failed[row] {
							continue
						}
						if nr := s.NumReceived(row, st.numReceivedOffset+j); nr < min {
							min = nr
						}
					}
					s.SetGlobalMin(st.numReceivedOffset+j, min)
				}
				s.SetGlobalMinReady(sg, true)
				//vv("node %v: shard leader for subgroup %v published globalMin", m.myID, sg)
				s.PutRows(st.shardRows, s.OffGlobalMin(st.numReceivedOffset), int64(nSenders)*8)
				s.PutRows(st.shardRows, s.OffGlobalMinReady(sg), 1)
			}
			break
		}
		if s.GlobalMinReady(lrow, sg) {
			for j := 0; j < nSenders; j++ {
				s.SetGlobalMin(st.numReceivedOffset+j, s.GlobalMin(lrow, st.numReceivedOffset+j))
			}
			s.SetGlobalMinReady(sg, true)
			s.PutRows(st.shardRows, s.OffGlobalMin(st.numReceivedOffset), int64(nSenders)*8)
			s.PutRows(st.shardRows, s.OffGlobalMinReady(sg), 1)
			break
		}
		if time.Now().After(deadline) {
			// the shard leader died mid-cleanup; give up on
			// this subgroup and let the next view change retry.
			alwaysPrintf("node %v: timed out waiting for globalMin of subgroup %v", m.myID, sg)
			return
		}
		time.Sleep(100 * time.Microsecond)
	}

	maxIndices := make([]int64, nSenders)
	for j := 0; j < nSenders; j++ {
		maxIndices[j] = s.GlobalMin(s.MyRank(), st.numReceivedOffset+j)
	}
	//vv("node %v: subgroup %v delivering ragged edge up to %v", m.myID, sg, maxIndices)
	mc.deliverMessagesUpto(maxIndices, sg)
}

func (m *ViewManager) teardown(oldSST *SST, oldMC *multicastGroup) {
	m.shutdownFlag.Store(true)
	m.listenerHalt.ReqStop.Close()
	if m.listener != nil {
		m.listener.Close()
	}
	oldMC.wedge()
	oldSST.Stop()
	m.rdmcHost.stop()
	if m.fileWriter != nil {
		m.fileWriter.Close()
	}
	m.fab.Close()
}

// --- public surface used by the Group handle ---

// CurrentView snapshots the installed view.
func (m *ViewManager) CurrentView() *View {
	m.viewMut.RLock()
	defer m.viewMut.RUnlock()
	return m.currView
}

// GetMembers lists the current membership.
func (m *ViewManager) GetMembers() []NodeID {
	m.viewMut.RLock()
	defer m.viewMut.RUnlock()
	return append([]NodeID{}, m.currView.Members...)
}

// ReportFailure marks a member suspected.
func (m *ViewManager) ReportFailure(who NodeID) error {
	m.viewMut.RLock()
	v := m.currView
	s := m.sstCur
	m.viewMut.RUnlock()
	rank := v.Rank(who)
	if rank < 0 {
		return fmt.Errorf("report failure: node %v not in view %v", who, v.Vid)
	}
	s.SetSuspected(rank, true)
	off, size := s.OffGms()
	s.PutRange(off, size)
	return nil
}

// Leave departs cleanly by self-reporting failure.
func (m *ViewManager) Leave() error {
	return m.ReportFailure(m.myID)
}

// BarrierSync blocks until every live member has entered the
// same barrier.
func (m *ViewManager) BarrierSync(tag string) error {
	m.viewMut.RLock()
	s := m.sstCur
	v := m.currView
	m.viewMut.RUnlock()
	return s.SyncWithMembers(fmt.Sprintf("barrier-v%v-%v", v.Vid, tag))
}

// WaitForVid blocks until a view with Vid >= vid installs.
func (m *ViewManager) WaitForVid(vid int64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if m.installedVid.Load() >= vid {
			return nil
		}
		m.notifyMut.Lock()
		ch := m.installNotify
		m.notifyMut.Unlock()
		remain := time.Until(deadline)
		if remain <= 0 {
			return fmt.Errorf("timeout waiting for view %v (installed %v)", vid, m.installedVid.Load())
		}
		select {
		case <-ch:
		case <-time.After(remain):
		}
	}
}

// AddViewUpcall registers a function run on every install.
// Call before traffic starts; not synchronized with installs.
func (m *ViewManager) AddViewUpcall(fn func(*View)) {
	m.viewUpcalls = append(m.viewUpcalls, fn)
}

// Shutdown stops everything. Not a graceful leave; use Leave
// for that first.
func (m *ViewManager) Shutdown() {
	if m.shutdownFlag.Swap(true) {
		return
	}
	m.listenerHalt.ReqStop.Close()
	if m.listener != nil {
		m.listener.Close()
	}
	m.viewMut.RLock()
	s := m.sstCur
	mc := m.mcCur
	m.viewMut.RUnlock()
	if mc != nil {
		mc.wedge()
	}
	if s != nil {
		s.Stop()
	}
	m.rdmcHost.stop()
	if m.fileWriter != nil {
		m.fileWriter.Close()
	}
	m.fab.Close()
}
