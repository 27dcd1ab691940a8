// Command shadowbridged runs the device-shadow bridge: it discovers devices
// on the source cloud, maintains a notification channel, fans lifecycle and
// telemetry events out to one or more peer adapters, and relays peer
// commands back to the source cloud. Grounded on cmd/iothub-service/main.go's
// flag-variable-bag style (stdlib flag, no cobra/viper).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shadowlink/bridge/adapter/amqpadapter"
	"github.com/shadowlink/bridge/adapter/mqttadapter"
	"github.com/shadowlink/bridge/config"
	"github.com/shadowlink/bridge/fanout"
	"github.com/shadowlink/bridge/logging"
	"github.com/shadowlink/bridge/model"
	"github.com/shadowlink/bridge/notify"
	"github.com/shadowlink/bridge/orchestrator"
	"github.com/shadowlink/bridge/registry"
	"github.com/shadowlink/bridge/sourcecloud"
)

func main() {
	peersFlag := flag.String("peers", "mqtt", "comma-separated peer adapters to run: mqtt, amqp")
	peerName := flag.String("peer-name", "default", "name tag for the single configured peer")
	flag.Parse()

	logger := logging.FromEnv("shadowbridged", "BRIDGE_LOG_LEVEL")

	if err := run(*peersFlag, *peerName, logger); err != nil {
		logger.Errorf("shadowbridged: %s", err)
		os.Exit(1)
	}
}

func run(peersFlag, peerName string, logger logging.Logger) error {
	sourceCfg := config.LoadSourceCloud()
	if sourceCfg.APIHost == "" {
		return fmt.Errorf("shadowbridged: mds_address (or api_endpoint_address) is not set")
	}
	if sourceCfg.APIKey == "" || strings.Contains(sourceCfg.APIKey, "Goes_Here") {
		return fmt.Errorf("shadowbridged: api_key is not configured")
	}
	peerCfg := config.LoadPeer(peerName)

	cloud, err := sourcecloud.New(sourceCfg.APIHost, sourceCfg.APIPort, sourceCfg.APIKey,
		sourcecloud.WithLogger(logging.FromEnv("sourcecloud", "BRIDGE_SOURCECLOUD_LOG_LEVEL")))
	if err != nil {
		return err
	}

	reg := registry.New()
	orch := orchestrator.New(cloud, reg, sourceCfg.DefaultEndpointType, sourceCfg.RemoveOnDeregistration, logger)

	for _, kind := range strings.Split(peersFlag, ",") {
		switch strings.TrimSpace(kind) {
		case "mqtt":
			orch.Register(mqttadapter.New(peerName+"-mqtt", peerCfg, cloud, reg, sourceCfg,
				logging.FromEnv("mqttadapter", "BRIDGE_MQTTADAPTER_LOG_LEVEL")))
		case "amqp":
			orch.Register(amqpadapter.New(peerName+"-amqp", peerCfg, cloud, reg, sourceCfg,
				logging.FromEnv("amqpadapter", "BRIDGE_AMQPADAPTER_LOG_LEVEL")))
		case "":
			// allow a trailing comma without complaint
		default:
			return fmt.Errorf("shadowbridged: unknown peer adapter %q", kind)
		}
	}

	orch.SetBootstrap(func(ctx context.Context) error {
		return bootstrap(ctx, sourceCfg, cloud, orch, logger)
	})

	notifyCfg := notify.Config{
		Mode:              notify.Mode(sourceCfg.NotificationType),
		CallbackURL:       webhookCallbackURL(sourceCfg),
		WebhookAddr:       fmt.Sprintf(":%d", sourceCfg.GatewayPort),
		WebhookPath:       sourceCfg.GatewayEventsPath,
		WebhookNumRetries: sourceCfg.WebhookNumRetries,
		WebhookRetryWait:  sourceCfg.WebhookRetryWait,
		SkipValidation:    sourceCfg.SkipValidation,
		LongPollURI:       sourceCfg.LongPollURI,
		APIKey:            sourceCfg.APIKey,
	}
	channel := notify.New(notifyCfg, cloud, orch, orch, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer orch.Shutdown()

	// The notification channel and the initial device-discovery bootstrap
	// run as independent concurrent tasks (spec §4.7/§4.3): the fan-out
	// scheduler doesn't wait for the channel to finish bringing itself up,
	// it only needs the source-cloud client the channel also uses.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return channel.Run(gctx) })
	g.Go(func() error { return bootstrap(gctx, sourceCfg, cloud, orch, logger) })

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

// webhookCallbackURL assembles the URL the source cloud is asked to POST
// notifications to, per spec §6's mds_gw_* keys.
func webhookCallbackURL(cfg config.SourceCloud) string {
	base := fmt.Sprintf("http://%s:%d", cfg.GatewayAddress, cfg.GatewayPort)
	path := strings.TrimSuffix(cfg.GatewayContextPath, "/") + cfg.GatewayEventsPath
	return base + path
}

// bootstrap performs discovery, bulk subscription, and bounded-concurrency
// shadow fan-out for every device currently registered upstream (spec
// §4.7/§4.4). It is invoked once at startup and again by Orchestrator.Reset
// after a fatal webhook bring-up failure (spec §7).
func bootstrap(ctx context.Context, cfg config.SourceCloud, cloud *sourcecloud.Client, orch *orchestrator.Orchestrator, logger logging.Logger) error {
	summaries, err := cloud.DiscoverDevices(ctx, cfg.PaginationLimit)
	if err != nil {
		return err
	}
	logger.Infof("shadowbridged: discovered %d device(s)", len(summaries))

	if err := cloud.BulkSubscribe(ctx); err != nil {
		logger.Warnf("shadowbridged: bulk subscribe: %s", err)
	}

	byID := make(map[string]sourcecloud.EndpointSummary, len(summaries))
	ids := make([]string, 0, len(summaries))
	for _, s := range summaries {
		byID[s.ID] = s
		ids = append(ids, s.ID)
	}

	sched := fanout.New(
		fanout.WithWorkers(cfg.MaxShadowCreateThreads),
		fanout.WithErrorHandler(func(deviceID string, err error) {
			logger.Warnf("shadowbridged: fan-out %s: %s", deviceID, err)
		}),
	)

	now := time.Now()
	return sched.Run(ctx, ids, func(ctx context.Context, id string) error {
		resources, err := cloud.ListResources(ctx, id)
		if err != nil {
			return err
		}
		s := byID[id]
		device := model.Device{
			DeviceID:     id,
			EndpointType: s.EndpointType,
			ETag:         s.ETag,
			Discovered:   now,
			Resources:    resources,
		}
		orch.Dispatch(ctx, model.NotificationEvent{Kind: model.EventRegistration, Devices: []model.Device{device}})
		return nil
	})
}
