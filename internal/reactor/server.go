// Package reactor is the single-threaded event dispatcher: one goroutine
// owns the epoll multiplexer, the connection map, and the timer heap; a
// fixed worker pool executes the read/process/write steps for whichever
// connection just became ready. Workers never touch the multiplexer, the
// map, or the timer heap directly — they post a rearm request back to the
// reactor goroutine, which is the only place poller.Mod/Del and the map
// are ever mutated.
package reactor

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kfcemployee/tinyhttpd/internal/auth"
	"github.com/kfcemployee/tinyhttpd/internal/dbpool"
	"github.com/kfcemployee/tinyhttpd/internal/httpd"
	"github.com/kfcemployee/tinyhttpd/internal/logx"
	"github.com/kfcemployee/tinyhttpd/internal/poller"
	"github.com/kfcemployee/tinyhttpd/internal/timer"
	"github.com/kfcemployee/tinyhttpd/internal/workerpool"
)

// maxFD caps the number of concurrently tracked connections. Past this the
// accept loop writes "Server busy!" and closes the peer immediately.
const maxFD = 65536

// maxPollWaitMs bounds the poller's wait timeout even when the timer heap's
// next deadline is further out. The corpus has no eventfd/self-pipe wakeup
// idiom for nudging epoll_wait early, so a worker's rearm request otherwise
// waits as long as the nearest timer; capping the wait keeps that latency
// bounded without adding a second fd to the multiplexer.
const maxPollWaitMs = 100

const listenBacklog = 128

type rearmAction int

const (
	rearmRead rearmAction = iota
	rearmWrite
	rearmKeepAlive
	rearmClose
)

type rearmRequest struct {
	fd     int
	action rearmAction
}

// Server is the reactor: listening socket, epoll instance, timer wheel,
// worker pool, and the map of live connections it alone mutates.
type Server struct {
	cfg Config

	listenFd int
	port     int
	ep       *poller.Poller
	wheel    *timer.Wheel
	workers  *workerpool.Pool
	db       *dbpool.Pool
	log      *logx.Sink

	conns   map[int]*httpd.Conn
	rearmCh chan rearmRequest

	stopped   chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
}

// New builds the listening socket, opens the optional DB pool, and starts
// the worker pool, but does not begin serving — call ListenAndServe for
// that.
func New(cfg Config) (*Server, error) {
	if cfg.ThreadCount < 1 {
		cfg.ThreadCount = 4
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 60000
	}

	fd, err := listenSocket(cfg)
	if err != nil {
		return nil, err
	}
	port := cfg.Port
	if sa, err := unix.Getsockname(fd); err == nil {
		if in4, ok := sa.(*unix.SockaddrInet4); ok {
			port = in4.Port
		}
	}

	ep, err := poller.New(1024)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	listenEvents := uint32(poller.EventIn | poller.EventRdHup)
	if cfg.listenET() {
		listenEvents |= poller.EdgeTrig
	}
	if err := ep.Add(fd, listenEvents); err != nil {
		ep.Close()
		unix.Close(fd)
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		listenFd: fd,
		port:     port,
		ep:       ep,
		wheel:    timer.New(),
		workers:  workerpool.New(cfg.ThreadCount, cfg.ThreadCount*64),
		conns:    make(map[int]*httpd.Conn),
		rearmCh:  make(chan rearmRequest, cfg.ThreadCount*64),
		stopped:  make(chan struct{}),
		loopDone: make(chan struct{}),
		log:      logx.New(nil, logx.Level(cfg.LogLevel), cfg.LogQueueSize, cfg.OpenLog),
	}

	if cfg.SQLUser != "" {
		dbCfg := dbpool.Config{
			Host:     "127.0.0.1",
			Port:     cfg.SQLPort,
			User:     cfg.SQLUser,
			Password: cfg.SQLPwd,
			DBName:   cfg.DBName,
			PoolSize: cfg.ConnPoolSize,
		}
		pool, err := dbpool.Open(context.Background(), dbCfg)
		if err != nil {
			ep.Close()
			unix.Close(fd)
			return nil, err
		}
		if err := dbpool.Migrate(context.Background(), pool); err != nil {
			s.log.Warn("migration failed", "error", err)
		}
		s.db = pool
	}

	return s, nil
}

func listenSocket(cfg Config) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if cfg.OptLinger {
		l := unix.Linger{Onoff: 1, Linger: 1}
		if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &l); err != nil {
			unix.Close(fd)
			return -1, err
		}
	}
	addr := &unix.SockaddrInet4{Port: cfg.Port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Addr returns the bound listening port, useful when Config.Port was 0
// and the kernel chose an ephemeral one.
func (s *Server) Addr() int { return s.port }

// ListenAndServe runs the reactor loop until ctx is canceled or Shutdown
// is called, then releases every resource it owns.
func (s *Server) ListenAndServe(ctx context.Context) error {
	defer close(s.loopDone)
	for {
		select {
		case <-ctx.Done():
			s.cleanup()
			return ctx.Err()
		case <-s.stopped:
			s.cleanup()
			return nil
		default:
		}

		n, err := s.ep.Wait(s.nextWaitMs())
		if err != nil {
			s.cleanup()
			return err
		}
		for i := 0; i < n; i++ {
			fd := s.ep.EventFd(i)
			mask := s.ep.EventMask(i)

			if fd == s.listenFd {
				s.acceptLoop()
				continue
			}
			conn, ok := s.conns[fd]
			if !ok {
				continue
			}
			if mask&(poller.EventErr|poller.EventHup|poller.EventRdHup) != 0 {
				s.closeConn(fd)
				continue
			}
			if mask&poller.EventIn != 0 {
				s.wheel.Adjust(fd, s.timeout())
				s.workers.Submit(func() { s.onRead(conn) })
			}
			if mask&poller.EventOut != 0 {
				s.wheel.Adjust(fd, s.timeout())
				s.workers.Submit(func() { s.onWrite(conn) })
			}
		}

		s.drainRearm()
		s.wheel.Tick()
	}
}

// Shutdown requests the reactor loop stop and waits for it to release its
// resources, or for ctx to expire first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.stopped) })
	select {
	case <-s.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) cleanup() {
	unix.Close(s.listenFd)
	for fd, conn := range s.conns {
		s.ep.Del(fd)
		conn.Close()
		delete(s.conns, fd)
	}
	s.workers.Shutdown()
	if s.db != nil {
		s.db.ClosePool()
	}
	s.ep.Close()
	s.log.Close()
}

func (s *Server) timeout() time.Duration {
	return time.Duration(s.cfg.TimeoutMs) * time.Millisecond
}

// nextWaitMs bounds the poller's wait to the nearest timer deadline, but
// never past maxPollWaitMs, so a worker's rearm request gets applied
// promptly even when every connection's timer is far in the future.
func (s *Server) nextWaitMs() int {
	t := s.wheel.NextTickMs()
	if t < 0 || t > maxPollWaitMs {
		return maxPollWaitMs
	}
	return t
}

func (s *Server) acceptLoop() {
	for {
		fd, sa, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK)
		if err != nil {
			break
		}
		s.accepted(fd, sa)
		if !s.cfg.listenET() {
			break
		}
	}
}

func (s *Server) accepted(fd int, sa unix.Sockaddr) {
	if httpd.UserCount.Load() >= maxFD {
		unix.Write(fd, []byte("Server busy!"))
		unix.Close(fd)
		return
	}

	conn := &httpd.Conn{}
	conn.Init(fd, sa)
	conn.IsET = s.cfg.clientET()
	conn.SetSrcDir(s.cfg.SrcDir)
	if s.db != nil {
		conn.Verify = auth.Verify
	}

	events := uint32(poller.EventIn | poller.EventRdHup | poller.OneShot)
	if conn.IsET {
		events |= poller.EdgeTrig
	}
	if err := s.ep.Add(fd, events); err != nil {
		conn.Close()
		return
	}

	s.conns[fd] = conn
	s.wheel.Add(fd, s.timeout(), func() { s.closeConn(fd) })
}

func (s *Server) closeConn(fd int) {
	conn, ok := s.conns[fd]
	if !ok {
		return
	}
	s.ep.Del(fd)
	s.wheel.Cancel(fd)
	delete(s.conns, fd)
	conn.Close()
}

func (s *Server) onRead(conn *httpd.Conn) {
	n, err := conn.Read()
	switch {
	case err != nil && !isEAGAIN(err):
		s.rearmCh <- rearmRequest{fd: conn.Fd, action: rearmClose}
	case err != nil:
		s.rearmCh <- rearmRequest{fd: conn.Fd, action: rearmRead}
	case n == 0:
		s.rearmCh <- rearmRequest{fd: conn.Fd, action: rearmClose}
	default:
		s.onProcess(conn)
	}
}

func (s *Server) onProcess(conn *httpd.Conn) {
	if s.db != nil {
		if db, err := s.db.GetConn(context.Background()); err == nil {
			conn.DB = db
			defer func() {
				conn.DB = nil
				s.db.FreeConn(db)
			}()
		}
	}
	if conn.Process() {
		s.rearmCh <- rearmRequest{fd: conn.Fd, action: rearmWrite}
	} else {
		s.rearmCh <- rearmRequest{fd: conn.Fd, action: rearmRead}
	}
}

func (s *Server) onWrite(conn *httpd.Conn) {
	_, err := conn.Write()
	if err != nil && !isEAGAIN(err) {
		s.rearmCh <- rearmRequest{fd: conn.Fd, action: rearmClose}
		return
	}
	if conn.ToWriteBytes() > 0 {
		s.rearmCh <- rearmRequest{fd: conn.Fd, action: rearmWrite}
		return
	}
	if conn.Response.KeepAlive {
		s.rearmCh <- rearmRequest{fd: conn.Fd, action: rearmKeepAlive}
	} else {
		s.rearmCh <- rearmRequest{fd: conn.Fd, action: rearmClose}
	}
}

// drainRearm applies every rearm request posted by workers since the last
// Wait, on the reactor goroutine, which is the only place poller.Mod/Del,
// the timer wheel, and the connection map are mutated.
func (s *Server) drainRearm() {
	for {
		select {
		case req := <-s.rearmCh:
			s.applyRearm(req)
		default:
			return
		}
	}
}

func (s *Server) applyRearm(req rearmRequest) {
	conn, ok := s.conns[req.fd]
	if !ok {
		return
	}
	switch req.action {
	case rearmRead:
		s.rearmFor(conn, poller.EventIn)
	case rearmWrite:
		s.rearmFor(conn, poller.EventOut)
	case rearmKeepAlive:
		conn.Reset()
		s.rearmFor(conn, poller.EventIn)
	case rearmClose:
		s.closeConn(req.fd)
	}
}

func (s *Server) rearmFor(conn *httpd.Conn, base uint32) {
	events := base | poller.EventRdHup | poller.OneShot
	if conn.IsET {
		events |= poller.EdgeTrig
	}
	if err := s.ep.Mod(conn.Fd, events); err != nil {
		s.closeConn(conn.Fd)
		return
	}
	s.wheel.Adjust(conn.Fd, s.timeout())
}

func isEAGAIN(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
