package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cpacia/fdpindex/api"
	"github.com/cpacia/fdpindex/crawler"
	"github.com/cpacia/fdpindex/repo"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("CMD")

// Start is the main entry point for the index. The options to this
// command are the same as the index config options.
type Start struct {
	repo.Config
}

// Execute starts the index and blocks until interrupted.
func (x *Start) Execute(args []string) error {
	cfg, err := repo.LoadConfig()
	if err != nil {
		return err
	}

	c, err := crawler.NewCrawler(cfg)
	if err != nil {
		return err
	}

	if err := c.Start(); err != nil {
		return err
	}

	server := api.NewServer(c, cfg)
	if err := server.Start(); err != nil {
		c.Stop()
		return err
	}
	log.Infof("fdpindex %s started", repo.VersionString())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs
	log.Info("fdpindex stopping...")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Errorf("Error stopping HTTP API: %s", err)
	}
	return c.Stop()
}
