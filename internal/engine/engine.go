// Package engine wires one ApplicationConfig into a running Application:
// activity clock, lifecycle controller, event consumer registration, and
// forwarder (spec.md §2).
package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Zallist/slumber-proxy/internal/activity"
	"github.com/Zallist/slumber-proxy/internal/config"
	"github.com/Zallist/slumber-proxy/internal/forward/tcp"
	"github.com/Zallist/slumber-proxy/internal/forward/udp"
	"github.com/Zallist/slumber-proxy/internal/lifecycle"
	"github.com/Zallist/slumber-proxy/internal/runtime"
	"github.com/Zallist/slumber-proxy/internal/runtimepool"
)

// Application is one configured (protocol, listen-port, container-name)
// engine: the unit spec.md §2 calls an Application.
type Application struct {
	cfg config.ApplicationConfig

	clock      *activity.Clock
	controller *lifecycle.Controller
	resolver   *runtime.Resolver
	client     *runtime.Client
	pool       *runtimepool.Pool
	log        *logrus.Entry
}

// New builds an Application from its configuration, obtaining (and, if
// necessary, dialing) the shared runtime client for its socket URI.
func New(cfg config.ApplicationConfig, pool *runtimepool.Pool, log *logrus.Entry) (*Application, error) {
	client, err := pool.GetClient(cfg.SocketURI)
	if err != nil {
		return nil, err
	}

	entryLog := log.WithFields(logrus.Fields{
		"container":   cfg.DockerContainerName,
		"group_id":    runtime.NormalizeName(cfg.DockerContainerName),
		"protocol":    cfg.Protocol.String(),
		"listen_port": cfg.ListenPort,
	})

	resolver := runtime.NewResolver(client)
	clock := activity.New()

	controller := lifecycle.New(lifecycle.Config{
		ContainerName:       cfg.DockerContainerName,
		ApplyToComposeGroup: *cfg.ApplyToComposeGroup,
		InactiveAfter:       cfg.InactiveAfter.Duration(),
		InactiveAction:      lifecycle.Action(cfg.InactiveAction),
		StartupDelay:        cfg.StartupDelay.Duration(),
		HealthcheckEnabled:  cfg.HealthcheckEnabled,
		HealthcheckInterval: cfg.HealthcheckInterval.Duration(),
	}, resolver, client, clock, entryLog)

	return &Application{
		cfg:        cfg,
		clock:      clock,
		controller: controller,
		resolver:   resolver,
		client:     client,
		pool:       pool,
		log:        entryLog,
	}, nil
}

// Run starts the engine's forwarder, inactivity timer, and event
// subscription, and blocks until ctx is cancelled or a component fails
// fatally (a listener bind failure, spec.md §7.6).
func (a *Application) Run(ctx context.Context) error {
	unsubscribe, err := a.pool.Subscribe(a.cfg.SocketURI, a.handleEvent(ctx))
	if err != nil {
		return err
	}
	defer unsubscribe()

	a.log.Info("application starting")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.runActivityTimer(gctx)
		return nil
	})

	g.Go(func() error {
		return a.runForwarder(gctx)
	})

	return g.Wait()
}

func (a *Application) runForwarder(ctx context.Context) error {
	if a.cfg.Protocol == config.ProtocolUDP {
		fwd := udp.New(udp.Config{
			ListenPort:    a.cfg.ListenPort,
			TargetAddress: a.cfg.TargetAddress,
			TargetPort:    a.cfg.TargetPort,
			InactiveAfter: a.cfg.InactiveAfter.Duration(),
			CheckInterval: a.cfg.CheckInterval.Duration(),
		}, a.clock, a.controller, a.log)
		return fwd.Run(ctx)
	}

	fwd := tcp.New(tcp.Config{
		ListenPort:    a.cfg.ListenPort,
		TargetAddress: a.cfg.TargetAddress,
		TargetPort:    a.cfg.TargetPort,
		InactiveAfter: a.cfg.InactiveAfter.Duration(),
	}, a.clock, a.controller, a.log)
	return fwd.Run(ctx)
}

func (a *Application) runActivityTimer(ctx context.Context) {
	interval := a.cfg.CheckInterval.Duration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.controller.CheckActivity(ctx)
		}
	}
}

// handleEvent builds the Event Consumer callback for this engine
// (spec.md §4.1 "Event filter per engine"): drop anything that isn't a
// container event for a container in this engine's group, then delegate
// the state-effect rules to the Lifecycle Controller.
func (a *Application) handleEvent(ctx context.Context) runtimepool.Handler {
	return func(ev runtime.Event) {
		if ev.Type != "container" {
			return
		}

		ids, err := a.resolver.Resolve(ctx, a.cfg.DockerContainerName, *a.cfg.ApplyToComposeGroup)
		if err != nil {
			a.log.WithError(err).Debug("event filter: resolve container group failed, dropping event")
			return
		}

		if !containsID(ids, ev.ID) {
			return
		}

		a.log.WithFields(logrus.Fields{"status": ev.Status, "container_id": ev.ID}).Debug("container event")
		a.controller.HandleContainerEvent(ctx, ev.Status)
	}
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
