// Package server owns process lifecycle: binding listeners, dropping
// privileges, and coordinating the supervisor's readiness loop against
// signal handling via an errgroup.
package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/abgandar/gophonic/internal/route"
	"github.com/abgandar/gophonic/internal/supervisor"
)

// Config is everything needed to bind, drop privileges, and run.
type Config struct {
	IPv4 string // e.g. "0.0.0.0"; "" disables the v4 listener
	IPv6 string // e.g. "::"; "" disables the v6 listener
	Port int

	User   string // unprivileged user to drop to; "" skips the drop
	Chroot string // directory to chroot into; "" skips the chroot

	Backlog int

	Supervisor supervisor.Config
}

// Run binds listeners, optionally drops privileges, then runs the
// supervisor loop until a SIGINT/SIGTERM is received. It returns nil on a
// clean shutdown.
func Run(cfg Config, table *route.Table, log *logrus.Logger) error {
	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = 128
	}

	var listenerFDs []int
	if cfg.IPv4 != "" {
		fd, err := bindListener(unix.AF_INET, cfg.IPv4, cfg.Port, backlog)
		if err != nil {
			return fmt.Errorf("server: bind v4: %w", err)
		}
		listenerFDs = append(listenerFDs, fd)
	}
	if cfg.IPv6 != "" {
		fd, err := bindListener(unix.AF_INET6, cfg.IPv6, cfg.Port, backlog)
		if err != nil {
			return fmt.Errorf("server: bind v6: %w", err)
		}
		listenerFDs = append(listenerFDs, fd)
	}
	if len(listenerFDs) == 0 {
		return fmt.Errorf("server: no listener address configured")
	}

	if err := maybeDropPrivileges(cfg.User, cfg.Chroot, log); err != nil {
		return err
	}

	sup, err := supervisor.New(cfg.Supervisor, table, log)
	if err != nil {
		return fmt.Errorf("server: supervisor init: %w", err)
	}
	for _, fd := range listenerFDs {
		if err := sup.AddListener(fd); err != nil {
			return fmt.Errorf("server: add listener: %w", err)
		}
	}

	log.WithFields(logrus.Fields{"port": cfg.Port}).Info("listening")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watchSignals(gctx, sup)
	})
	g.Go(func() error {
		defer cancel()
		return sup.Run()
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	log.Info("shutting down")
	return nil
}

// watchSignals is the one goroutine that ever observes SIGINT/SIGTERM; it
// calls RequestShutdown rather than trying to mask the signal away from the
// supervisor's epoll wait, since sigprocmask-level masking is not something
// the Go runtime's own signal delivery exposes safely.
func watchSignals(ctx context.Context, sup *supervisor.Server) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)

	select {
	case <-ch:
		sup.RequestShutdown()
		return nil
	case <-ctx.Done():
		return nil
	}
}

func bindListener(family int, ip string, port, backlog int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}

	switch family {
	case unix.AF_INET:
		addr := net.ParseIP(ip)
		if addr == nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("invalid IPv4 address %q", ip)
		}
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], addr.To4())
		if err := unix.Bind(fd, sa); err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
	case unix.AF_INET6:
		addr := net.ParseIP(ip)
		if addr == nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("invalid IPv6 address %q", ip)
		}
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], addr.To16())
		if err := unix.Bind(fd, sa); err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
	}

	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// maybeDropPrivileges drops group then supplementary groups, chroots, then
// drops the user ID last — in that order, since dropping the UID first
// would make the chroot syscall fail (it requires CAP_SYS_CHROOT, which an
// unprivileged UID does not have).
func maybeDropPrivileges(username, chrootDir string, log *logrus.Logger) error {
	if os.Geteuid() != 0 || (username == "" && chrootDir == "") {
		return nil
	}

	var uid, gid int
	if username != "" {
		u, err := user.Lookup(username)
		if err != nil {
			return fmt.Errorf("server: lookup user %q: %w", username, err)
		}
		uid, err = strconv.Atoi(u.Uid)
		if err != nil {
			return err
		}
		gid, err = strconv.Atoi(u.Gid)
		if err != nil {
			return err
		}
	}

	if username != "" {
		if err := unix.Setgroups(nil); err != nil {
			return fmt.Errorf("server: setgroups: %w", err)
		}
		if err := unix.Setgid(gid); err != nil {
			return fmt.Errorf("server: setgid: %w", err)
		}
	}

	if chrootDir != "" {
		if err := unix.Chroot(chrootDir); err != nil {
			return fmt.Errorf("server: chroot %q: %w", chrootDir, err)
		}
		if err := unix.Chdir("/"); err != nil {
			return fmt.Errorf("server: chdir after chroot: %w", err)
		}
	}

	if username != "" {
		if err := unix.Setuid(uid); err != nil {
			return fmt.Errorf("server: setuid: %w", err)
		}
		log.WithFields(logrus.Fields{"uid": uid, "gid": gid}).Info("privilege dropped")
	}

	return nil
}
