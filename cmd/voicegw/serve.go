package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/gray-voice-gateway/migrations"

	"github.com/nerrad567/gray-voice-gateway/internal/api"
	"github.com/nerrad567/gray-voice-gateway/internal/audio"
	"github.com/nerrad567/gray-voice-gateway/internal/audit"
	"github.com/nerrad567/gray-voice-gateway/internal/auth"
	"github.com/nerrad567/gray-voice-gateway/internal/codec"
	"github.com/nerrad567/gray-voice-gateway/internal/gateway"
	"github.com/nerrad567/gray-voice-gateway/internal/infrastructure/config"
	"github.com/nerrad567/gray-voice-gateway/internal/infrastructure/database"
	"github.com/nerrad567/gray-voice-gateway/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-voice-gateway/internal/infrastructure/logging"
	"github.com/nerrad567/gray-voice-gateway/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-voice-gateway/internal/mqttserver"
	"github.com/nerrad567/gray-voice-gateway/internal/room"
	"github.com/nerrad567/gray-voice-gateway/internal/udp"
	"github.com/nerrad567/gray-voice-gateway/internal/workerpool"
)

const statsInterval = 10 * time.Second

// run starts every component, blocks until ctx is cancelled, then shuts
// down in reverse order. Returning an error lets main set the exit code.
func run(ctx context.Context, configPath string) error {
	log := logging.Default()
	log.Info("starting voice gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	defer log.Close()
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	loops := gateway.NewLoopStates(db.DB)
	if loadErr := loops.Load(ctx); loadErr != nil {
		return fmt.Errorf("loading loop state: %w", loadErr)
	}

	pool, err := workerpool.New(poolConfig(cfg.WorkerPool), codecFactory(cfg.Audio), log)
	if err != nil {
		return fmt.Errorf("starting codec pool: %w", err)
	}
	defer func() {
		log.Info("draining codec pool")
		pool.Close()
	}()
	pool.Start()

	// The in-process fallback gets its own worker: decoders keep state
	// and must not be shared with the pool.
	direct, err := codec.NewWorker(-1, codec.OpusFactory(cfg.Audio.DeviceOutputRate, cfg.Audio.DeviceInputRate))
	if err != nil {
		return fmt.Errorf("starting fallback decoder: %w", err)
	}
	defer direct.Stop()

	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	calls := audit.NewStore(db.DB, log)
	sinks := gateway.Sinks{calls}
	if influxClient != nil {
		sinks = append(sinks, influxClient)
	}
	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub(cfg.WebSocket, log)
		sinks = append(sinks, hub)
	}

	var encoder audio.Encoder
	if cfg.Audio.Format == "opus" {
		encoder = pool
	}

	gw, err := gateway.New(gateway.Options{
		Session:  cfg.Session,
		Audio:    cfg.Audio,
		PublicIP: cfg.Gateway.PublicIP,
		UDPPort:  cfg.Gateway.UDPPort,
		LiveKit: room.LiveKitParams{
			URL:       cfg.LiveKit.URL,
			APIKey:    cfg.LiveKit.APIKey,
			APISecret: cfg.LiveKit.APISecret,
			TokenTTL:  cfg.LiveKit.GetTokenTTL(),
		},
		Connector: room.NewLiveKitConnector(cfg.Audio.RoomRate, log),
		Validator: auth.NewCredentialValidator(cfg.Security.SignatureKey),
		Encoder:   encoder,
		Decoder:   pool,
		Direct:    direct,
		Loops:     loops,
		Events:    sinks,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	defer gw.Stop()

	media, err := udp.Listen(cfg.Gateway.UDPAddress(), gw, log)
	if err != nil {
		return fmt.Errorf("binding media socket: %w", err)
	}
	gw.SetMedia(media)
	media.Start()

	var relayConn api.ConnectionChecker
	if cfg.Listener.Enabled {
		listener, listenErr := mqttserver.New(mqttserver.Options{
			Gateway:          gw,
			Address:          cfg.Listener.Address,
			WebSocketAddress: cfg.Listener.WebSocketAddress,
			MaxPacketSize:    uint32(cfg.Session.MaxControlPayloadKiB) * 1024, // #nosec G115 -- validated non-negative
			Logger:           log.Logger,
		})
		if listenErr != nil {
			return fmt.Errorf("creating mqtt listener: %w", listenErr)
		}
		if serveErr := listener.Serve(); serveErr != nil {
			return serveErr
		}
		gw.AddBinding("mqtt-listener", listener)
		log.Info("mqtt listener ready", "address", cfg.Listener.Address)
	}

	if cfg.MQTT.Enabled {
		client, mqttErr := mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		client.SetLogger(log)
		client.SetOnConnect(func() { log.Info("MQTT connected") })
		client.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })

		relay := gateway.NewRelay(gw, client, log)
		if startErr := relay.Start(); startErr != nil {
			_ = client.Close()
			return fmt.Errorf("starting broker relay: %w", startErr)
		}
		gw.AddBinding("mqtt-relay", client)
		relayConn = client
		log.Info("broker relay ready",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	}

	if cfg.API.Enabled {
		apiSrv, apiErr := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log,
			Gateway:  gw,
			Calls:    calls,
			Pool:     pool.Stats,
			Media:    media.Stats,
			Relay:    relayConn,
			Hub:      hub,
			DB:       db.DB,
			Version:  version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiSrv.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := apiSrv.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
	}

	gw.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if influxClient != nil {
		g.Go(func() error {
			influxClient.Report(gctx, statsInterval, func(at time.Time) {
				influxClient.WriteGatewayStats(gw.Stats(), at)
				influxClient.WritePoolStats(pool.Stats(), at)
				influxClient.WriteUDPStats(media.Stats(), at)
			})
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	log.Info("initialisation complete, waiting for shutdown signal",
		"udp", cfg.Gateway.UDPAddress(),
		"listener", cfg.Listener.Enabled,
		"relay", cfg.MQTT.Enabled,
	)
	if waitErr := g.Wait(); waitErr != nil {
		return waitErr
	}

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// poolConfig maps the YAML section onto the pool policy. Zero values fall
// back to the pool defaults.
func poolConfig(c config.WorkerPoolConfig) workerpool.Config {
	cfg := workerpool.DefaultConfig()
	cfg.MinWorkers = c.MinWorkers
	cfg.MaxWorkers = c.MaxWorkers
	if c.ScaleUpThreshold > 0 {
		cfg.ScaleUpThreshold = c.ScaleUpThreshold
	}
	if c.ScaleDownThreshold > 0 {
		cfg.ScaleDownThreshold = c.ScaleDownThreshold
	}
	if c.CPUScaleUp > 0 {
		cfg.CPUScaleUp = c.CPUScaleUp
	}
	if c.CPUScaleDown > 0 {
		cfg.CPUScaleDown = c.CPUScaleDown
	}
	if c.LatencyScaleUpMS > 0 {
		cfg.LatencyScaleUp = time.Duration(c.LatencyScaleUpMS) * time.Millisecond
	}
	if c.LatencyScaleDownMS > 0 {
		cfg.LatencyScaleDown = time.Duration(c.LatencyScaleDownMS) * time.Millisecond
	}
	if c.CheckInterval > 0 {
		cfg.CheckInterval = time.Duration(c.CheckInterval) * time.Second
	}
	if c.ScaleUpCooldown > 0 {
		cfg.ScaleUpCooldown = time.Duration(c.ScaleUpCooldown) * time.Second
	}
	if c.ScaleDownCooldown > 0 {
		cfg.ScaleDownCooldown = time.Duration(c.ScaleDownCooldown) * time.Second
	}
	if c.RequestTimeoutMS > 0 {
		cfg.RequestTimeout = time.Duration(c.RequestTimeoutMS) * time.Millisecond
	}
	if c.DrainTimeoutMS > 0 {
		cfg.DrainTimeout = time.Duration(c.DrainTimeoutMS) * time.Millisecond
	}
	return cfg
}

// codecFactory builds pool workers that encode at the device output rate
// and decode at the device input rate.
func codecFactory(a config.AudioConfig) workerpool.Factory {
	opus := codec.OpusFactory(a.DeviceOutputRate, a.DeviceInputRate)
	return func(id int) (workerpool.Worker, error) {
		w, err := codec.NewWorker(id, opus)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}
