package main

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Ar7hurz1nh0/reverse-proxy/internal/config"
	"github.com/Ar7hurz1nh0/reverse-proxy/internal/obs"
	"github.com/Ar7hurz1nh0/reverse-proxy/internal/proto"
)

const (
	outQueueDepth = 256
	readBufSize   = 32 * 1024
	dialTimeout   = 5 * time.Second
)

// backendSession is one backend TCP connection bound to a session id the
// redirector assigned.
type backendSession struct {
	id      string
	conn    net.Conn
	created time.Time
}

type starterState struct {
	mu       sync.Mutex
	sessions map[string]*backendSession
}

func newStarterState() *starterState {
	return &starterState{sessions: make(map[string]*backendSession)}
}

func (st *starterState) add(s *backendSession) {
	st.mu.Lock()
	st.sessions[s.id] = s
	st.mu.Unlock()
	obs.ActiveSessions.Set(float64(st.count()))
}

func (st *starterState) get(id string) *backendSession {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[id]
}

func (st *starterState) remove(id string) *backendSession {
	st.mu.Lock()
	s := st.sessions[id]
	delete(st.sessions, id)
	n := len(st.sessions)
	st.mu.Unlock()
	obs.ActiveSessions.Set(float64(n))
	return s
}

func (st *starterState) removeAll() []*backendSession {
	st.mu.Lock()
	all := make([]*backendSession, 0, len(st.sessions))
	for id, s := range st.sessions {
		all = append(all, s)
		delete(st.sessions, id)
	}
	st.mu.Unlock()
	obs.ActiveSessions.Set(0)
	return all
}

func (st *starterState) count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// tunnel is one connected control session on the starter side.
type tunnel struct {
	cfg   *config.Starter
	conn  net.Conn
	state *starterState

	out  chan []byte
	done chan struct{}

	stopOnce sync.Once
	wg       sync.WaitGroup

	// reasm is owned by the dispatch goroutine.
	reasm map[string]*proto.Reassembler
}

// runOnce dials the redirector, authenticates, and relays frames until the
// control channel dies or ctx is cancelled. All backend sockets are
// destroyed before it returns; every reconnect starts a fresh session id
// namespace on the redirector.
func runOnce(ctx context.Context, cfg *config.Starter) error {
	conn, err := net.DialTimeout("tcp", cfg.RedirectTo.String(), dialTimeout)
	if err != nil {
		return err
	}
	tn := &tunnel{
		cfg:   cfg,
		conn:  conn,
		state: newStarterState(),
		out:   make(chan []byte, outQueueDepth),
		done:  make(chan struct{}),
		reasm: make(map[string]*proto.Reassembler),
	}
	defer tn.teardown()

	tn.wg.Add(1)
	go tn.writeLoop()

	if !tn.send(proto.Auth{Secret: cfg.Auth, Ports: cfg.Ports()}) {
		return errors.New("control session closed before auth")
	}
	obs.Info("control.connected", obs.Fields{"redirector": cfg.RedirectTo.String(), "ports": cfg.Ports()})
	obs.ControlConnected.Set(1)
	defer obs.ControlConnected.Set(0)

	stopWatch := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopWatch()

	err = tn.dispatch(proto.NewDecoder(conn, cfg.Separator, true))
	tn.teardown()
	tn.wg.Wait()
	return err
}

func (tn *tunnel) send(f proto.Frame) bool {
	b, err := proto.Marshal(f, tn.cfg.Separator)
	if err != nil {
		obs.Error("control.marshal", obs.Fields{"err": err.Error()})
		return false
	}
	select {
	case tn.out <- b:
		obs.FramesTotal.WithLabelValues(f.Type(), "out").Inc()
		return true
	case <-tn.done:
		return false
	}
}

func (tn *tunnel) writeLoop() {
	defer tn.wg.Done()
	for {
		select {
		case b := <-tn.out:
			if _, err := tn.conn.Write(b); err != nil {
				obs.Error("control.write", obs.Fields{"err": err.Error()})
				_ = tn.conn.Close()
				return
			}
		case <-tn.done:
			return
		}
	}
}

// dispatch applies inbound frames until the control channel fails.
func (tn *tunnel) dispatch(dec *proto.Decoder) error {
	for {
		f, err := dec.Next()
		if err != nil {
			if proto.Recoverable(err) {
				if errors.Is(err, proto.ErrDigestMismatch) {
					obs.DigestFailuresTotal.Inc()
				}
				obs.Warn("control.frame.dropped", obs.Fields{"err": err.Error()})
				obs.ErrorsTotal.WithLabelValues("protocol").Inc()
				continue
			}
			if errors.Is(err, io.EOF) {
				return errors.New("control channel closed by redirector")
			}
			return err
		}
		obs.FramesTotal.WithLabelValues(f.Type(), "in").Inc()
		switch f := f.(type) {
		case proto.Data:
			tn.handlePayload(f.ID, f.Port, f.Body)
		case proto.Shred:
			r := tn.reasm[f.ID]
			if r == nil {
				r = &proto.Reassembler{}
				tn.reasm[f.ID] = r
			}
			joined, err := r.Add(f)
			if err != nil {
				obs.Error("session.reassembly", obs.Fields{"err": err.Error(), "id": f.ID})
				delete(tn.reasm, f.ID)
				if s := tn.state.remove(f.ID); s != nil {
					_ = s.conn.Close()
				}
				tn.send(proto.Close{ID: f.ID})
				continue
			}
			if joined != nil {
				tn.handlePayload(f.ID, f.Port, joined)
			}
		case proto.Close:
			delete(tn.reasm, f.ID)
			if s := tn.state.remove(f.ID); s != nil {
				_ = s.conn.Close()
				obs.SessionDurationSeconds.Observe(time.Since(s.created).Seconds())
				obs.Debug("session.closed", obs.Fields{"id": f.ID, "reason": "peer_close"})
			}
		case proto.Auth:
			obs.Warn("control.unexpected_auth", obs.Fields{})
			obs.ErrorsTotal.WithLabelValues("protocol").Inc()
		}
	}
}

// handlePayload delivers one payload to the backend for a session, dialing
// the backend on first sight of the id. The blocking write is the
// backpressure toward the control channel.
func (tn *tunnel) handlePayload(id string, port uint16, body []byte) {
	s := tn.state.get(id)
	if s == nil {
		target := tn.cfg.TargetFor(port)
		conn, err := net.DialTimeout("tcp", target, dialTimeout)
		if err != nil {
			obs.Error("backend.dial", obs.Fields{"err": err.Error(), "target": target, "id": id})
			obs.ErrorsTotal.WithLabelValues("backend_dial").Inc()
			tn.send(proto.Close{ID: id})
			return
		}
		s = &backendSession{id: id, conn: conn, created: time.Now()}
		tn.state.add(s)
		obs.SessionsTotal.Inc()
		obs.Debug("session.open", obs.Fields{"id": id, "target": target})
		tn.wg.Add(1)
		go tn.readBackend(s)
	}
	if _, err := s.conn.Write(body); err != nil {
		obs.Debug("backend.write", obs.Fields{"err": err.Error(), "id": id})
		tn.endSession(s, true)
		return
	}
	obs.BytesRelayedTotal.WithLabelValues("backend_out").Add(float64(len(body)))
}

// readBackend is the fiber for one backend socket: responses are framed and
// queued back onto the control channel.
func (tn *tunnel) readBackend(s *backendSession) {
	defer tn.wg.Done()
	buf := make([]byte, readBufSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			body := make([]byte, n)
			copy(body, buf[:n])
			obs.BytesRelayedTotal.WithLabelValues("backend_in").Add(float64(n))
			for _, f := range proto.Split(s.id, 0, body, tn.cfg.MaxPacketSize) {
				if !tn.send(f) {
					return
				}
			}
		}
		if err != nil {
			if tn.state.remove(s.id) != nil {
				tn.send(proto.Close{ID: s.id})
				obs.SessionDurationSeconds.Observe(time.Since(s.created).Seconds())
				obs.Debug("session.closed", obs.Fields{"id": s.id, "reason": "backend_socket"})
			}
			_ = s.conn.Close()
			return
		}
	}
}

func (tn *tunnel) endSession(s *backendSession, emitClose bool) {
	if tn.state.remove(s.id) == nil {
		return
	}
	_ = s.conn.Close()
	if emitClose {
		tn.send(proto.Close{ID: s.id})
	}
	obs.SessionDurationSeconds.Observe(time.Since(s.created).Seconds())
}

// teardown destroys every backend socket; the next connect starts clean.
func (tn *tunnel) teardown() {
	tn.stopOnce.Do(func() {
		close(tn.done)
		for _, s := range tn.state.removeAll() {
			_ = s.conn.Close()
		}
		_ = tn.conn.Close()
	})
}
