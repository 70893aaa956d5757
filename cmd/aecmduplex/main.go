// Command aecmduplex runs the echo cancellation duplex harness: it captures
// from a microphone, cancels echo and plays the result back, while serving a
// tuning API, health probes, metrics and an Opus monitor stream over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shannonbay/android-webrtc-aecm/internal/app"
	"github.com/shannonbay/android-webrtc-aecm/internal/config"
	"github.com/shannonbay/android-webrtc-aecm/internal/observe"
	"github.com/shannonbay/android-webrtc-aecm/pkg/aecm"
	"github.com/shannonbay/android-webrtc-aecm/pkg/aecm/nlms"
	"github.com/shannonbay/android-webrtc-aecm/pkg/audio/pcmfile"
	"github.com/shannonbay/android-webrtc-aecm/pkg/audio/portaudio"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the audio devices PortAudio can see and exit")
	flag.Parse()

	if *listDevices {
		return printDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "aecmduplex: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "aecmduplex: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("aecmduplex starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "aecmduplex",
		ServiceVersion: version,
		Engine:         cfg.AECM.Engine,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg,
		app.WithRegistry(reg),
		app.WithLogLevel(level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.OnConfigChange)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
		go reloadOnHangup(ctx, watcher)
	}

	slog.Info("harness ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed, err := w.Reload()
			if err != nil {
				slog.Error("config reload failed", "path", w.Path(), "err", err)
				continue
			}
			slog.Info("config reloaded", "path", w.Path(), "changed", changed)
		}
	}
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// nlmsOptions maps the non-zero tuning fields to engine options.
func nlmsOptions(c config.NLMSConfig) []nlms.Option {
	var opts []nlms.Option
	if c.Taps > 0 {
		opts = append(opts, nlms.WithTaps(c.Taps))
	}
	if c.Step > 0 {
		opts = append(opts, nlms.WithStep(c.Step))
	}
	if c.MaxDelayMs > 0 {
		opts = append(opts, nlms.WithMaxDelay(c.MaxDelayMs))
	}
	if c.Seed != 0 {
		opts = append(opts, nlms.WithSeed(c.Seed))
	}
	return opts
}

// registerBuiltinBackends wires the engine and audio factories that ship with
// the harness into reg.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterEngine("nlms", func(c config.AECMConfig) (aecm.Engine, error) {
		return nlms.New(nlmsOptions(c.NLMS)...), nil
	})

	reg.RegisterAudio("portaudio", func(c config.AudioConfig) (config.AudioPorts, error) {
		latency := portaudio.Latency(c.Latency)
		return config.AudioPorts{
			Capture: portaudio.NewCapture(config.Device(c.InputDevice), latency),
			Sink:    portaudio.NewPlayback(config.Device(c.OutputDevice), latency),
		}, nil
	})

	reg.RegisterAudio("file", func(c config.AudioConfig) (config.AudioPorts, error) {
		if c.InputFile == "" || c.OutputFile == "" {
			return config.AudioPorts{}, errors.New("file backend needs input_file and output_file")
		}
		return config.AudioPorts{
			Capture: pcmfile.NewCapture(c.InputFile,
				pcmfile.WithRealtime(c.Realtime),
				pcmfile.WithLoop(c.Loop),
			),
			Sink: pcmfile.NewSink(c.OutputFile),
		}, nil
	})
}

// ── Devices ───────────────────────────────────────────────────────────────────

func printDevices() int {
	devices, err := portaudio.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "aecmduplex: %v\n", err)
		return 1
	}
	for _, d := range devices {
		var marks string
		if d.DefaultInput {
			marks += " [default input]"
		}
		if d.DefaultOutput {
			marks += " [default output]"
		}
		fmt.Printf("%3d  in:%d out:%d  %s%s\n", d.Index, d.Inputs, d.Outputs, d.Name, marks)
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      aecmduplex — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Engine", cfg.AECM.Engine)
	printField("Sample rate", fmt.Sprintf("%d Hz", cfg.AECM.SampleRate))
	printField("Frame size", fmt.Sprintf("%d samples", cfg.AECM.FrameSize))
	printField("Aggressive", cfg.AECM.Mode().String())
	printField("Echo delay", fmt.Sprintf("%d ms", cfg.AECM.EchoDelayMs))
	if cfg.AECM.IsEnabled() {
		printField("Cancellation", "on")
	} else {
		printField("Cancellation", "off (passthrough)")
	}
	printField("Audio", cfg.Audio.Backend)
	if cfg.Monitor.Enabled {
		printField("Monitor", fmt.Sprintf("opus %d bps", cfg.Monitor.Bitrate))
	} else {
		printField("Monitor", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printField("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(name, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", name, value)
}
