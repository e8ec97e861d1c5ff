// Command gophonicd runs the event-driven HTTP core in front of the
// in-memory music-player demo API.
package main

import (
	"fmt"
	"os"

	"github.com/abgandar/gophonic/internal/config"
	"github.com/abgandar/gophonic/internal/diskfs"
	"github.com/abgandar/gophonic/internal/mimetable"
	"github.com/abgandar/gophonic/internal/musicd"
	"github.com/abgandar/gophonic/internal/route"
	"github.com/abgandar/gophonic/internal/server"
	"github.com/sirupsen/logrus"
)

func main() {
	cmd := config.NewRootCommand(run)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	log, err := config.NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("gophonicd: %w", err)
	}

	svc := musicd.NewService([]string{"sample-a.mp3", "sample-b.mp3", "sample-c.mp3"}, nil)

	entries := append([]route.Entry{}, musicd.Entries(svc)...)
	entries = append(entries, route.Entry{
		Pattern: "/", Match: route.MatchPrefix,
		Handler: diskfs.Handler{
			Root: cfg.DocRoot, Index: "index.html", ListDir: true, Mime: mimetable.Default(),
		},
	})

	table := route.NewTable(entries...)

	log.WithFields(logrus.Fields{
		"docroot": cfg.DocRoot,
		"port":    cfg.Port,
	}).Info("starting gophonicd")

	return server.Run(cfg.ToServerConfig(), table, log)
}
