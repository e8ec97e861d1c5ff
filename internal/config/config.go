// Package config defines the server's runtime configuration and the cobra
// command that populates it from CLI flags.
package config

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/abgandar/gophonic/internal/parse"
	"github.com/abgandar/gophonic/internal/server"
	"github.com/abgandar/gophonic/internal/supervisor"
)

// Config is the fully-resolved set of settings a run of gophonicd needs.
type Config struct {
	User   string
	Chroot string
	IPv4   string
	IPv6   string
	Port   int

	MaxConnections       int
	MaxClientConnections int // per remote address
	MaxBodyLen           int64
	MaxWBLen             int64
	Timeout              time.Duration

	DocRoot string

	LogLevel string
	LogJSON  bool
}

// Default returns the configuration used when no flags override it.
func Default() Config {
	return Config{
		IPv4:                 "0.0.0.0",
		Port:                 8080,
		MaxConnections:       1024,
		MaxClientConnections: 32,
		MaxBodyLen:           16 << 20,
		MaxWBLen:             4 << 20,
		Timeout:              60 * time.Second,
		DocRoot:              "./public",
		LogLevel:             "info",
	}
}

// NewRootCommand builds the cobra command that parses flags into cfg and
// invokes run once parsing succeeds. run is injected so tests can exercise
// flag parsing without actually binding sockets.
func NewRootCommand(run func(Config) error) *cobra.Command {
	cfg := Default()

	cmd := &cobra.Command{
		Use:   "gophonicd",
		Short: "Event-driven HTTP core for the music-player control panel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfg.User, "user", "u", cfg.User, "unprivileged user to drop to after binding (root only)")
	flags.StringVarP(&cfg.Chroot, "chroot", "c", cfg.Chroot, "directory to chroot into after binding (root only)")
	flags.StringVarP(&cfg.IPv4, "ip", "i", cfg.IPv4, "IPv4 address to listen on (empty disables the v4 listener)")
	flags.StringVarP(&cfg.IPv6, "ip6", "I", cfg.IPv6, "IPv6 address to listen on (empty disables the v6 listener)")
	flags.IntVarP(&cfg.Port, "port", "p", cfg.Port, "TCP port to listen on")
	flags.IntVarP(&cfg.MaxConnections, "maxconn", "C", cfg.MaxConnections, "maximum concurrent connections")
	flags.IntVar(&cfg.MaxClientConnections, "maxclientconn", cfg.MaxClientConnections, "maximum concurrent connections per remote address")
	flags.Int64VarP(&cfg.MaxBodyLen, "maxbodylen", "m", cfg.MaxBodyLen, "maximum request body size in bytes")
	flags.Int64VarP(&cfg.MaxWBLen, "maxwblen", "M", cfg.MaxWBLen, "maximum pending output-chain size in bytes")
	flags.DurationVarP(&cfg.Timeout, "timeout", "t", cfg.Timeout, "idle connection timeout")
	flags.StringVarP(&cfg.DocRoot, "docroot", "d", cfg.DocRoot, "document root for the bundled static/demo route")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "logrus level (debug, info, warn, error)")
	flags.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "emit logs as JSON instead of text")

	return cmd
}

// NewLogger builds a logrus.Logger configured per cfg.
func NewLogger(cfg Config) (*logrus.Logger, error) {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("config: invalid log level %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)
	if cfg.LogJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

// ToServerConfig translates the flat CLI configuration into the nested
// server.Config the rest of the core expects.
func (cfg Config) ToServerConfig() server.Config {
	return server.Config{
		IPv4: cfg.IPv4, IPv6: cfg.IPv6, Port: cfg.Port,
		User: cfg.User, Chroot: cfg.Chroot,
		Backlog:    128,
		Supervisor: cfg.toSupervisorConfig(),
	}
}

func (cfg Config) toSupervisorConfig() supervisor.Config {
	limits := parse.DefaultLimits()
	limits.MaxBodyLen = cfg.MaxBodyLen

	maxClient := cfg.MaxClientConnections
	if maxClient <= 0 {
		maxClient = Default().MaxClientConnections
	}

	return supervisor.Config{
		MaxConnections:       cfg.MaxConnections,
		MaxClientConnections: maxClient,
		IdleTimeout:          cfg.Timeout,
		Limits:               limits,
		CanonicalizeURL:      true,
		MaxWBLen:             cfg.MaxWBLen,
	}
}
