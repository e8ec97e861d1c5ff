// Package supervisor runs the single-threaded epoll readiness loop: accept
// new connections, drive readable/writable ones through package conn, and
// reap idle connections. No connection state is ever touched from more than
// one goroutine, so the loop needs no locking.
package supervisor

import (
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/abgandar/gophonic/internal/conn"
	"github.com/abgandar/gophonic/internal/parse"
	"github.com/abgandar/gophonic/internal/route"
	"github.com/abgandar/gophonic/internal/wbuf"
)

// pollGranularity bounds how long a single EpollPwait call blocks, so idle
// connections are noticed promptly even with a long configured IdleTimeout.
const pollGranularity = time.Second

// Config bounds the supervisor's resource usage.
type Config struct {
	MaxConnections       int
	MaxClientConnections int // per remote address
	IdleTimeout          time.Duration
	Limits               parse.Limits
	CanonicalizeURL      bool
	MaxWBLen             int64
}

type slot struct {
	c        *conn.Conn
	lastSeen time.Time // used by the idle reaper to detect no-progress sweeps
}

// Server owns the epoll set, the listening sockets, and every live
// connection slot.
type Server struct {
	cfg   Config
	table *route.Table
	log   *logrus.Logger

	epfd      int
	listeners []int
	conns     map[int]*slot // fd -> slot
	byRemote  map[string]int

	shutdown bool
}

// New builds a Server bound to no listeners yet; call AddListener before Run.
func New(cfg Config, table *route.Table, log *logrus.Logger) (*Server, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		table:    table,
		log:      log,
		epfd:     epfd,
		conns:    make(map[int]*slot),
		byRemote: make(map[string]int),
	}, nil
}

// AddListener registers an already-bound, already-listening, non-blocking fd
// with the epoll set.
func (s *Server) AddListener(fd int) error {
	s.listeners = append(s.listeners, fd)
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	})
}

// RequestShutdown asks Run's loop to stop after the current wakeup.
func (s *Server) RequestShutdown() {
	s.shutdown = true
}

func isListener(fd int, listeners []int) bool {
	for _, l := range listeners {
		if l == fd {
			return true
		}
	}
	return false
}

// Run drives the readiness loop until RequestShutdown is called. Go's signal
// delivery model runs every signal handler on its own goroutine regardless
// of any sigprocmask tweak this loop could make around the wait call, so
// cancellation is wired the other way: a dedicated goroutine (see
// cmd/gophonicd) owns signal.Notify and calls RequestShutdown, and this loop
// just polls the flag every pollGranularity via EpollWait's timeout, which
// keeps shutdown latency bounded without needing true signal masking.
func (s *Server) Run() error {
	events := make([]unix.EpollEvent, 64)

	for !s.shutdown {
		n, err := unix.EpollWait(s.epfd, events, int(pollGranularity/time.Millisecond))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if isListener(fd, s.listeners) {
				s.acceptLoop(fd)
				continue
			}
			s.handleReady(fd, ev.Events)
		}

		s.reapIdle()
	}

	s.shutdownAll()
	return nil
}

func (s *Server) acceptLoop(listenFD int) {
	for {
		fd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				s.log.WithFields(logrus.Fields{"kind": "transport-error"}).Debugf("accept4: %v", err)
			}
			return
		}

		remote := remoteAddrString(sa)

		if len(s.conns) >= s.cfg.MaxConnections || s.byRemote[remoteHost(remote)] >= s.cfg.MaxClientConnections {
			writeServiceUnavailable(fd)
			_ = unix.Close(fd)
			continue
		}

		c := conn.New(fd, remote, s.cfg.Limits, s.cfg.CanonicalizeURL, s.cfg.MaxWBLen)
		s.conns[fd] = &slot{c: c, lastSeen: time.Now()}
		s.byRemote[remoteHost(remote)]++

		if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
			Events: unix.EPOLLIN | unix.EPOLLRDHUP,
			Fd:     int32(fd),
		}); err != nil {
			s.closeConn(fd)
		}
	}
}

func (s *Server) handleReady(fd int, events uint32) {
	sl, ok := s.conns[fd]
	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields{
				"remote_addr": sl.c.RemoteAddr,
				"kind":        "handler-panic",
			}).Errorf("recovered panic: %v", r)
			s.closeConn(fd)
		}
	}()

	if events&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 && events&unix.EPOLLIN == 0 {
		s.closeConn(fd)
		return
	}

	var dir wbuf.Directive = wbuf.DirectiveReadOnly

	if events&unix.EPOLLOUT != 0 {
		dir = sl.c.OnWritable()
		if dir == wbuf.DirectiveClose {
			s.closeConn(fd)
			return
		}
	}

	if events&unix.EPOLLIN != 0 {
		d, err := sl.c.OnReadable(s.table)
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"remote_addr": sl.c.RemoteAddr, "kind": "transport-error",
			}).Debugf("read error: %v", err)
			s.closeConn(fd)
			return
		}
		dir = d
	}

	sl.lastSeen = time.Now()
	s.rearm(fd, dir)
}

func (s *Server) rearm(fd int, dir wbuf.Directive) {
	var events uint32
	switch dir {
	case wbuf.DirectiveReadOnly:
		events = unix.EPOLLIN | unix.EPOLLRDHUP
	case wbuf.DirectiveWriteOnly:
		events = unix.EPOLLOUT | unix.EPOLLRDHUP
	case wbuf.DirectiveReadWrite:
		events = unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP
	case wbuf.DirectiveClose:
		if sl, ok := s.conns[fd]; ok {
			_ = sl.c.HalfCloseWrite()
		}
		events = unix.EPOLLRDHUP
	}
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (s *Server) reapIdle() {
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	now := time.Now()
	for _, sl := range s.conns {
		if now.Sub(sl.lastSeen) > s.cfg.IdleTimeout {
			_ = sl.c.HalfCloseWrite()
		}
	}
}

func (s *Server) closeConn(fd int) {
	if sl, ok := s.conns[fd]; ok {
		sl.c.Close()
		s.byRemote[remoteHost(sl.c.RemoteAddr)]--
		if s.byRemote[remoteHost(sl.c.RemoteAddr)] <= 0 {
			delete(s.byRemote, remoteHost(sl.c.RemoteAddr))
		}
		delete(s.conns, fd)
	}
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (s *Server) shutdownAll() {
	for fd := range s.conns {
		s.closeConn(fd)
	}
	for _, l := range s.listeners {
		_ = unix.Close(l)
	}
	_ = unix.Close(s.epfd)
}

func remoteAddrString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	default:
		return "unknown"
	}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func writeServiceUnavailable(fd int) {
	const body = "service unavailable\n"
	resp := "HTTP/1.1 503 Service Unavailable\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
		"Connection: close\r\n\r\n" + body
	_, _ = unix.Write(fd, []byte(resp))
}
