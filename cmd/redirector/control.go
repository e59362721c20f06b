package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Ar7hurz1nh0/reverse-proxy/internal/config"
	"github.com/Ar7hurz1nh0/reverse-proxy/internal/obs"
	"github.com/Ar7hurz1nh0/reverse-proxy/internal/proto"
	"github.com/Ar7hurz1nh0/reverse-proxy/internal/ratelimit"
)

const (
	authTimeout   = 10 * time.Second
	outQueueDepth = 256
	readBufSize   = 32 * 1024
	sweepInterval = 5 * time.Second
)

// controlSession owns everything derived from one accepted control
// connection: the public listeners, the public sockets, and the session
// table contents. All control-channel writes funnel through the out queue
// into a single writer goroutine so frames stay atomic on the wire.
type controlSession struct {
	cfg     *config.Redirector
	store   SessionStore
	conn    net.Conn
	limiter *ratelimit.AcceptLimiter

	out  chan []byte
	done chan struct{}

	stopOnce  sync.Once
	wg        sync.WaitGroup
	listeners []net.Listener
}

// runControl drives one control session to completion: authenticate, bind
// the advertised ports, relay frames until the channel fails, then tear all
// derived state down. The caller goes back to accepting the next control
// connection afterwards.
func runControl(ctx context.Context, conn net.Conn, cfg *config.Redirector, store SessionStore, limiter *ratelimit.AcceptLimiter) {
	defer conn.Close()

	dec := proto.NewDecoder(conn, cfg.Separator, false)
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	auth, err := expectAuth(dec, cfg.Auth)
	if err != nil {
		obs.Error("control.auth", obs.Fields{"err": err.Error(), "remote": conn.RemoteAddr().String()})
		obs.ErrorsTotal.WithLabelValues("auth").Inc()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	obs.Info("control.established", obs.Fields{"remote": conn.RemoteAddr().String(), "ports": auth.Ports})
	obs.ControlConnected.Set(1)
	defer obs.ControlConnected.Set(0)

	cs := &controlSession{
		cfg:     cfg,
		store:   store,
		conn:    conn,
		limiter: limiter,
		out:     make(chan []byte, outQueueDepth),
		done:    make(chan struct{}),
	}

	// Port registry: populated exactly once per control session, cleared on
	// teardown. A port that fails to bind is logged and skipped; the others
	// stay up.
	for _, port := range auth.Ports {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			obs.Error("listen.public", obs.Fields{"err": err.Error(), "port": port})
			obs.ErrorsTotal.WithLabelValues("bind").Inc()
			continue
		}
		cs.listeners = append(cs.listeners, ln)
		cs.wg.Add(1)
		go cs.acceptLoop(ln, port)
	}
	obs.OpenPorts.Set(float64(len(cs.listeners)))

	cs.wg.Add(1)
	go cs.writeLoop()
	if cfg.IdleTimeoutSeconds > 0 {
		cs.wg.Add(1)
		go cs.sweepLoop(time.Duration(cfg.IdleTimeoutSeconds) * time.Second)
	}

	// A cancelled process context ends the session the same way a peer
	// disconnect does.
	stopWatch := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopWatch()

	cs.dispatch(dec)
	cs.teardown()
	cs.wg.Wait()
	obs.Info("control.teardown.complete", obs.Fields{})
}

// expectAuth reads the first frame and checks the shared secret. Anything
// other than a well-formed AUTH with the right secret kills the connection.
func expectAuth(dec *proto.Decoder, secret string) (proto.Auth, error) {
	f, err := dec.Next()
	if err != nil {
		return proto.Auth{}, fmt.Errorf("read auth frame: %w", err)
	}
	auth, ok := f.(proto.Auth)
	if !ok {
		return proto.Auth{}, fmt.Errorf("expected AUTH, got %s", f.Type())
	}
	if auth.Secret != secret {
		return proto.Auth{}, errors.New("secret mismatch")
	}
	return auth, nil
}

// send queues one frame for the writer goroutine. A full queue blocks the
// caller, which is how backpressure from the control channel reaches the
// public-socket readers. Returns false once the session is tearing down.
func (cs *controlSession) send(f proto.Frame) bool {
	b, err := proto.Marshal(f, cs.cfg.Separator)
	if err != nil {
		obs.Error("control.marshal", obs.Fields{"err": err.Error()})
		return false
	}
	select {
	case cs.out <- b:
		obs.FramesTotal.WithLabelValues(f.Type(), "out").Inc()
		return true
	case <-cs.done:
		return false
	}
}

func (cs *controlSession) writeLoop() {
	defer cs.wg.Done()
	for {
		select {
		case b := <-cs.out:
			if _, err := cs.conn.Write(b); err != nil {
				obs.Error("control.write", obs.Fields{"err": err.Error()})
				// Dispatch will observe the dead connection and tear down.
				_ = cs.conn.Close()
				return
			}
		case <-cs.done:
			return
		}
	}
}

func (cs *controlSession) acceptLoop(ln net.Listener, port uint16) {
	defer cs.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-cs.done:
			default:
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					obs.Error("accept.public.timeout", obs.Fields{"err": err.Error(), "port": port})
					continue
				}
				obs.Error("accept.public", obs.Fields{"err": err.Error(), "port": port})
			}
			return
		}
		if !cs.limiter.Allow(port) {
			obs.Warn("accept.ratelimited", obs.Fields{"port": port, "remote": c.RemoteAddr().String()})
			obs.ErrorsTotal.WithLabelValues("ratelimit").Inc()
			_ = c.Close()
			continue
		}
		s := &session{port: port, conn: c, created: time.Now(), lastActive: time.Now()}
		// Fresh UUIDs collide only in theory, but the table is authoritative.
		for {
			s.id = proto.NewSessionID()
			if cs.store.add(s) == nil {
				break
			}
		}
		obs.SessionsTotal.Inc()
		obs.Debug("session.open", obs.Fields{"id": s.id, "port": port, "remote": c.RemoteAddr().String()})
		cs.wg.Add(1)
		go cs.readPublic(s)
	}
}

// readPublic is the fiber for one public socket: every chunk read becomes a
// DATA frame, or a run of SHRED frames above the packet size cap.
func (cs *controlSession) readPublic(s *session) {
	defer cs.wg.Done()
	buf := make([]byte, readBufSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			body := make([]byte, n)
			copy(body, buf[:n])
			cs.store.touch(s.id)
			obs.BytesRelayedTotal.WithLabelValues("public_in").Add(float64(n))
			for _, f := range proto.Split(s.id, s.port, body, cs.cfg.MaxPacketSize) {
				if !cs.send(f) {
					return
				}
			}
		}
		if err != nil {
			if cs.store.remove(s.id) != nil {
				cs.send(proto.Close{ID: s.id})
				obs.SessionDurationSeconds.Observe(time.Since(s.created).Seconds())
				obs.Debug("session.closed", obs.Fields{"id": s.id, "reason": "public_socket"})
			}
			_ = s.conn.Close()
			return
		}
	}
}

// dispatch is the control-channel reader: it decodes inbound frames and
// applies them to the session table until the connection dies.
func (cs *controlSession) dispatch(dec *proto.Decoder) {
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
				obs.Info("control.disconnect", obs.Fields{})
			} else {
				obs.Error("control.read", obs.Fields{"err": err.Error()})
			}
			return
		}
		obs.FramesTotal.WithLabelValues(f.Type(), "in").Inc()
		switch f := f.(type) {
		case proto.Data:
			s := cs.store.get(f.ID)
			if s == nil {
				cs.send(proto.Close{ID: f.ID})
				continue
			}
			cs.deliver(s, f.Body)
		case proto.Shred:
			s := cs.store.get(f.ID)
			if s == nil {
				cs.send(proto.Close{ID: f.ID})
				continue
			}
			joined, err := s.reasm.Add(f)
			if err != nil {
				obs.Error("session.reassembly", obs.Fields{"err": err.Error(), "id": s.id})
				cs.endSession(s, true)
				continue
			}
			if joined != nil {
				cs.deliver(s, joined)
			}
		case proto.Close:
			if s := cs.store.remove(f.ID); s != nil {
				_ = s.conn.Close()
				obs.SessionDurationSeconds.Observe(time.Since(s.created).Seconds())
				obs.Debug("session.closed", obs.Fields{"id": s.id, "reason": "peer_close"})
			}
		case proto.Auth:
			obs.Warn("control.unexpected_auth", obs.Fields{})
			obs.ErrorsTotal.WithLabelValues("protocol").Inc()
		}
	}
}

// deliver writes payload bytes to the public socket. The write blocks when
// the client reads slowly, which stalls dispatch and in turn the control
// channel: that is the reader-pause half of the backpressure contract.
func (cs *controlSession) deliver(s *session, body []byte) {
	cs.store.touch(s.id)
	if _, err := s.conn.Write(body); err != nil {
		obs.Debug("session.write", obs.Fields{"err": err.Error(), "id": s.id})
		cs.endSession(s, true)
		return
	}
	obs.BytesRelayedTotal.WithLabelValues("public_out").Add(float64(len(body)))
}

// endSession removes one session and closes its socket; emitClose tells the
// starter to drop its side too.
func (cs *controlSession) endSession(s *session, emitClose bool) {
	if cs.store.remove(s.id) == nil {
		return
	}
	_ = s.conn.Close()
	if emitClose {
		cs.send(proto.Close{ID: s.id})
	}
	obs.SessionDurationSeconds.Observe(time.Since(s.created).Seconds())
}

func (cs *controlSession) sweepLoop(maxAge time.Duration) {
	defer cs.wg.Done()
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-cs.done:
			return
		case <-t.C:
			for _, s := range cs.store.expireIdle(maxAge) {
				obs.Info("session.idle_timeout", obs.Fields{"id": s.id, "port": s.port})
				cs.send(proto.Close{ID: s.id})
				_ = s.conn.Close()
				obs.SessionDurationSeconds.Observe(time.Since(s.created).Seconds())
			}
		}
	}
}

// teardown closes every public listener and socket and clears the session
// table, returning the redirector to the listening state.
func (cs *controlSession) teardown() {
	cs.stopOnce.Do(func() {
		close(cs.done)
		for _, ln := range cs.listeners {
			_ = ln.Close()
		}
		if cs.limiter != nil {
			for _, ln := range cs.listeners {
				if addr, ok := ln.Addr().(*net.TCPAddr); ok {
					cs.limiter.Release(uint16(addr.Port))
				}
			}
		}
		for _, s := range cs.store.removeAll() {
			_ = s.conn.Close()
		}
		obs.OpenPorts.Set(0)
		_ = cs.conn.Close()
	})
}
