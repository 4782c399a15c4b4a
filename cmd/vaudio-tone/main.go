// Command vaudio-tone streams a sine tone through a software virtio audio
// function. It exercises the whole driver stack: ring memory, split
// virtqueues, the control session and the completion runner.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/ehrlich-b/go-vaudio"
	"github.com/ehrlich-b/go-vaudio/internal/config"
	"github.com/ehrlich-b/go-vaudio/internal/doorbell"
	"github.com/ehrlich-b/go-vaudio/internal/interfaces"
	"github.com/ehrlich-b/go-vaudio/internal/logging"
	"github.com/ehrlich-b/go-vaudio/internal/queue"
	"github.com/ehrlich-b/go-vaudio/internal/vdev"
	"github.com/ehrlich-b/go-vaudio/memory"
)

const metricsReadHeaderTimeout = 3 * time.Second

type cmdConfig struct {
	configPath    string
	duration      time.Duration
	toneHz        float64
	amplitude     float64
	out           string
	workers       int
	queueSize     int
	direction     string
	channels      int
	format        string
	frequency     int
	fragmentEvery int
	doorbell      bool
	logLevel      string
	logFormat     string
	metricsListen string
	printConfig   bool
}

var opts = &cmdConfig{}

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "YAML configuration file",
		Destination: &opts.configPath,
	},
	&cli.DurationFlag{
		Name:        "duration",
		Value:       2 * time.Second,
		Usage:       "how long to stream (0 streams until interrupted)",
		Destination: &opts.duration,
	},
	&cli.Float64Flag{
		Name:        "tone",
		Value:       440,
		Usage:       "tone frequency in Hz",
		Destination: &opts.toneHz,
	},
	&cli.Float64Flag{
		Name:        "amplitude",
		Value:       0.5,
		Usage:       "tone amplitude in (0, 1]",
		Destination: &opts.amplitude,
		Action: func(_ *cli.Context, v float64) error {
			if v <= 0 || v > 1 {
				return fmt.Errorf("amplitude %v must be in (0, 1]", v)
			}
			return nil
		},
	},
	&cli.StringFlag{
		Name:        "out",
		Usage:       "write played samples (or recorded samples) to this file",
		Destination: &opts.out,
	},
	&cli.IntFlag{
		Name:        "workers",
		Value:       2,
		Usage:       "device worker pool size (0 processes notifications inline)",
		Destination: &opts.workers,
	},
	&cli.IntFlag{
		Name:        "queue-size",
		Usage:       "descriptors per queue (overrides device.queue_size)",
		Destination: &opts.queueSize,
	},
	&cli.StringFlag{
		Name:        "direction",
		Usage:       "playback or record (overrides stream.direction)",
		Destination: &opts.direction,
	},
	&cli.IntFlag{
		Name:        "channels",
		Usage:       "channel count (overrides stream.channels)",
		Destination: &opts.channels,
	},
	&cli.StringFlag{
		Name:        "format",
		Usage:       "sample format, e.g. s16 (overrides stream.format)",
		Destination: &opts.format,
	},
	&cli.IntFlag{
		Name:        "frequency",
		Usage:       "sample rate in Hz (overrides stream.frequency)",
		Destination: &opts.frequency,
	},
	&cli.IntFlag{
		Name:        "fragment-every",
		Usage:       "leave a physical gap every N pages (overrides memory.fragment_every)",
		Destination: &opts.fragmentEvery,
	},
	&cli.BoolFlag{
		Name:        "doorbell",
		Usage:       "signal notifications on eventfds through io_uring (overrides device.doorbell)",
		Destination: &opts.doorbell,
	},
	&cli.StringFlag{
		Name:        "log-level",
		Usage:       "debug, info, warn or error (overrides log.level)",
		Destination: &opts.logLevel,
	},
	&cli.StringFlag{
		Name:        "log-format",
		Usage:       "text or json (overrides log.format)",
		Destination: &opts.logFormat,
	},
	&cli.StringFlag{
		Name:        "metrics-listen",
		Usage:       "serve prometheus metrics on this address (overrides metrics.listen)",
		Destination: &opts.metricsListen,
	},
	&cli.BoolFlag{
		Name:        "print-config",
		Usage:       "print the effective configuration and exit",
		Destination: &opts.printConfig,
	},
}

func main() {
	app := &cli.App{
		Name:   "vaudio-tone",
		Usage:  "stream a sine tone through a software virtio audio device",
		Flags:  flags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "vaudio-tone: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the file, if any, and applies the flags given on the command line
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}

	if c.IsSet("queue-size") {
		cfg.Device.QueueSize = opts.queueSize
	}
	if c.IsSet("direction") {
		cfg.Stream.Direction = opts.direction
	}
	if c.IsSet("channels") {
		cfg.Stream.Channels = opts.channels
	}
	if c.IsSet("format") {
		cfg.Stream.Format = opts.format
	}
	if c.IsSet("frequency") {
		cfg.Stream.Frequency = opts.frequency
	}
	if c.IsSet("fragment-every") {
		cfg.Memory.FragmentEvery = opts.fragmentEvery
	}
	if c.IsSet("doorbell") {
		cfg.Device.Doorbell = opts.doorbell
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if c.IsSet("log-format") {
		cfg.Log.Format = opts.logFormat
	}
	if c.IsSet("metrics-listen") {
		cfg.Metrics.Listen = opts.metricsListen
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// deviceParams maps the configuration onto device and stream parameters
func deviceParams(cfg *config.Config) (vaudio.DeviceParams, vaudio.StreamParams, error) {
	dir, err := cfg.Direction()
	if err != nil {
		return vaudio.DeviceParams{}, vaudio.StreamParams{}, err
	}
	format, err := cfg.Format()
	if err != nil {
		return vaudio.DeviceParams{}, vaudio.StreamParams{}, err
	}
	endian, err := cfg.Endian()
	if err != nil {
		return vaudio.DeviceParams{}, vaudio.StreamParams{}, err
	}

	params := vaudio.DefaultParams()
	params.QueueSize = cfg.Device.QueueSize
	params.SGLCapacity = cfg.Device.SGLCapacity
	params.PollInterval = cfg.Device.PollInterval
	params.PollAttempts = cfg.Device.PollAttempts
	params.PreserveQueueMemory = cfg.Device.PreserveQueueMemory
	params.ReportedLenFallback = cfg.Device.ReportedLenFallback
	params.Endian = endian

	sp := vaudio.StreamParams{
		Direction: dir,
		Channels:  cfg.Stream.Channels,
		Format:    format,
		Frequency: cfg.Stream.Frequency,
	}
	return params, sp, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if opts.printConfig {
		out, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	}

	logConfig := logging.DefaultConfig()
	logConfig.Level = logging.ParseLevel(cfg.Log.Level)
	logConfig.Format = cfg.Log.Format
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	params, sp, err := deviceParams(cfg)
	if err != nil {
		return err
	}

	arena, err := memory.New(memory.Config{Pages: cfg.Memory.Pages, FragmentEvery: cfg.Memory.FragmentEvery})
	if err != nil {
		return fmt.Errorf("memory arena: %w", err)
	}
	defer arena.Close()

	var sink io.Writer = io.Discard
	var outFile *os.File
	if opts.out != "" {
		if outFile, err = os.Create(opts.out); err != nil {
			return err
		}
		defer outFile.Close()
		sink = outFile
	}

	dev, err := vdev.New(arena, vdev.Options{
		QueueSize: params.QueueSize,
		Sync:      opts.workers <= 0,
		Workers:   opts.workers,
		Sink:      sink,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("software device: %w", err)
	}
	defer dev.Close()

	var tr interfaces.Transport = dev
	if cfg.Device.Doorbell {
		bell, err := doorbell.New(dev, logger, params.ControlQueueID, params.DataQueueID)
		if err != nil {
			return err
		}
		defer func() {
			ok, failed := bell.Kicks(params.DataQueueID)
			logger.Info("doorbell kicks", "data_ok", ok, "data_failed", failed)
			bell.Close()
		}()
		tr = bell
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := &streamer{
		logger: logger,
		done:   make(chan vaudio.Token, params.QueueSize),
	}
	audio, err := vaudio.Open(context.Background(), arena, tr, params, &vaudio.Options{
		Logger:     logger,
		OnComplete: s.complete,
	})
	if err != nil {
		return err
	}

	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics.Listen, audio.Metrics(), logger)
		defer srv.Close()
	}

	pool := queue.NewBufferPool(arena, params.QueueSize)
	defer pool.Close()
	s.pool = pool
	s.dev = audio
	s.record = sp.Direction == vaudio.DirectionRecord
	if outFile != nil {
		s.out = outFile
	}
	s.tone = newTone(sp, params.Endian, opts.toneHz, opts.amplitude)

	streamErr := s.stream(ctx, sp, opts.duration)

	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := vaudio.Close(closeCtx, audio); err != nil {
		logger.Error("error closing device", "error", err)
	}

	snap := audio.MetricsSnapshot()
	played, recorded, dropped := dev.Stats()
	fmt.Printf("buffers: %d submitted, %d completed, %d rejected\n",
		snap.BuffersSubmitted, snap.BuffersCompleted, snap.NotReady+snap.SGLOverflows+snap.SubmitErrors)
	fmt.Printf("bytes: %d played, %d recorded, %d buffers dropped by the device\n", played, recorded, dropped)
	fmt.Printf("latency: avg %v, p99 %v\n",
		time.Duration(snap.AvgLatencyNs), time.Duration(snap.LatencyP99Ns))
	return streamErr
}

func serveMetrics(listen string, m *vaudio.Metrics, logger *logging.Logger) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(vaudio.NewPrometheusCollector(m, "vaudio", prometheus.Labels{"device": "tone"}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}
	go func() {
		logger.Info("prometheus metrics listening", "addr", listen, "path", "/metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

// streamer keeps the device's preferred number of periods in flight
type streamer struct {
	dev    *vaudio.Device
	pool   *queue.BufferPool
	tone   *tone
	logger *logging.Logger
	record bool
	out    io.Writer

	done     chan vaudio.Token
	inflight map[vaudio.Token][]byte
	next     vaudio.Token
}

// complete runs on the device's runner goroutine
func (s *streamer) complete(tok vaudio.Token, _ uint32) {
	s.done <- tok
}

func (s *streamer) submit(size int) error {
	buf, err := s.pool.Get(size)
	if err != nil {
		return err
	}
	if !s.record {
		buf = buf[:s.tone.fill(buf)]
	}
	tok := s.next
	if err := s.dev.Submit(buf, tok); err != nil {
		s.pool.Put(buf)
		return err
	}
	s.inflight[tok] = buf
	s.next++
	return nil
}

func (s *streamer) stream(ctx context.Context, sp vaudio.StreamParams, duration time.Duration) error {
	if err := s.dev.Configure(sp); err != nil {
		return err
	}

	// The device reports its buffer geometry when it completes Init
	var info vaudio.DeviceInfo
	for deadline := time.Now().Add(time.Second); ; {
		if info = s.dev.Info(); info.BufferSize > 0 {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("device did not report buffer geometry")
		}
		time.Sleep(time.Millisecond)
	}
	size, periods := int(info.BufferSize), int(info.Periods)
	if periods > info.QueueSize {
		periods = info.QueueSize
	}
	s.logger.Info("streaming",
		"direction", sp.Direction.String(),
		"buffer_size", size,
		"periods", periods,
		"tone_hz", opts.toneHz)

	s.inflight = make(map[vaudio.Token][]byte, periods)
	for i := 0; i < periods; i++ {
		if err := s.submit(size); err != nil {
			return err
		}
	}
	if err := s.dev.Start(); err != nil {
		return err
	}

	var timeout <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case tok := <-s.done:
			buf := s.inflight[tok]
			delete(s.inflight, tok)
			if s.record && s.out != nil {
				if _, err := s.out.Write(buf); err != nil {
					return err
				}
			}
			s.pool.Put(buf)
			if err := s.submit(size); err != nil {
				if vaudio.IsCode(err, vaudio.ErrCodeNotReady) {
					s.logger.Debug("data queue full, waiting for the next completion")
					continue
				}
				return err
			}
		case <-timeout:
			return s.dev.Stop()
		case <-ctx.Done():
			s.logger.Info("received shutdown signal")
			return s.dev.Stop()
		}
	}
}
