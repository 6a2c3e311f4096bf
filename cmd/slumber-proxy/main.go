// Command slumber-proxy runs the reverse-proxy/container-lifecycle engines
// described in spec.md: one Application per configured entry, fronting a
// container-hosted service and suspending its backing containers when
// idle.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Zallist/slumber-proxy/internal/config"
	"github.com/Zallist/slumber-proxy/internal/engine"
	"github.com/Zallist/slumber-proxy/internal/runtime"
	"github.com/Zallist/slumber-proxy/internal/runtimepool"
)

var verbose bool

func main() {
	root := &cobra.Command{
		Use:   "slumber-proxy [config path]...",
		Short: "Reverse proxy that suspends idle container-backed services and wakes them on demand",
		RunE:  run,
	}
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "raise log level to trace")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		log.SetLevel(logrus.TraceLevel)
	}

	configPath := strings.Join(args, " ")

	root, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool := runtimepool.New(runtime.NewDockerClient, logrus.NewEntry(log))
	defer pool.Close()

	// Each engine's fatal error (e.g. listener bind failure, spec.md §7.6)
	// ends only that engine; siblings keep running. A shared errgroup
	// would cancel every engine on the first failure, so plain goroutines
	// and a WaitGroup are used here instead.
	var wg sync.WaitGroup
	for i := range root.Applications {
		cfg := root.Applications[i]

		app, err := engine.New(cfg, pool, logrus.NewEntry(log))
		if err != nil {
			log.WithError(err).WithField("container", cfg.DockerContainerName).Error("failed to construct application, skipping")
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := app.Run(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).WithField("container", cfg.DockerContainerName).Error("application engine exited with error")
			}
		}()
	}

	wg.Wait()

	log.Info("shutdown complete")
	return nil
}
