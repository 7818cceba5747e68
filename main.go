// Command kairos runs the trigger-decision emulator standalone: the emulator
// core wired to fake readout peers over in-process endpoints, with metrics
// and health served over HTTP. It exists to exercise downstream data-flow
// systems without a real detector.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"kairos/emulator"
	"kairos/internal/endpoint"
	"kairos/internal/fakes"
	"kairos/internal/messages"
	"kairos/logger"
)

type daemonConfig struct {
	Emulator emulator.ConfParams `yaml:"emulator"`
	Run      uint64              `yaml:"run"`
	Fakes    struct {
		TimeSyncIntervalTicks uint64 `yaml:"timesync_interval_ticks"`
		Inhibit               struct {
			Enabled    bool `yaml:"enabled"`
			IntervalMS int  `yaml:"interval_ms"`
		} `yaml:"inhibit"`
		Tokens struct {
			Enabled bool `yaml:"enabled"`
			MeanMS  int  `yaml:"mean_ms"`
			SigmaMS int  `yaml:"sigma_ms"`
		} `yaml:"tokens"`
	} `yaml:"fakes"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Backend string `yaml:"backend"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`
}

func defaultDaemonConfig() daemonConfig {
	cfg := daemonConfig{Emulator: emulator.DefaultConfParams(), Run: 1}
	cfg.Fakes.Tokens.Enabled = true
	cfg.Fakes.Tokens.MeanMS = 100
	cfg.Fakes.Tokens.SigmaMS = 20
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ":9090"
	return cfg
}

func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func main() {
	var (
		configPath string
		jsonLogs   bool
		debug      bool
		runFor     time.Duration
		runNumber  uint64
	)

	cmd := &cobra.Command{
		Use:          "kairos",
		Short:        "Trigger-decision emulator for standalone DAQ tests",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := zapcore.InfoLevel
			if debug {
				level = zapcore.DebugLevel
			}
			lg, err := logger.New(jsonLogs, level)
			if err != nil {
				return err
			}
			defer func() { _ = lg.Sync() }()
			return run(lg, configPath, runFor, runNumber)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVar(&jsonLogs, "json", false, "Emit JSON log lines")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().DurationVar(&runFor, "for", 0, "Stop automatically after this duration (0 = run until signal)")
	cmd.Flags().Uint64Var(&runNumber, "run", 0, "Run number (overrides config)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(lg *zap.Logger, configPath string, runFor time.Duration, runOverride uint64) error {
	cfg, err := loadDaemonConfig(configPath)
	if err != nil {
		return err
	}
	if runOverride != 0 {
		cfg.Run = runOverride
	}

	timeSyncQ := endpoint.NewQueue[messages.TimeSync](1024)
	decisionQ := endpoint.NewQueue[messages.TriggerDecision](64)
	var inhibitQ *endpoint.Queue[messages.TriggerInhibit]
	var tokenQ *endpoint.Queue[messages.TriggerDecisionToken]

	eps := emulator.Endpoints{TimeSyncSource: timeSyncQ, DecisionSink: decisionQ}
	if cfg.Fakes.Inhibit.Enabled {
		inhibitQ = endpoint.NewQueue[messages.TriggerInhibit](64)
		eps.InhibitSource = inhibitQ
	}
	if cfg.Fakes.Tokens.Enabled {
		tokenQ = endpoint.NewQueue[messages.TriggerDecisionToken](256)
		eps.TokenSource = tokenQ
	}

	em, err := emulator.New(eps, emulator.Options{
		Logger:         lg,
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsBackend: cfg.Metrics.Backend,
	})
	if err != nil {
		return err
	}
	if err := em.Configure(cfg.Emulator); err != nil {
		return err
	}

	syncSource := fakes.NewTimeSyncSource(timeSyncQ, cfg.Emulator.ClockFrequencyHz, cfg.Fakes.TimeSyncIntervalTicks, lg)
	receiver := fakes.NewDecisionReceiver(decisionQ, lg)
	var inhibitGen *fakes.InhibitGenerator
	var tokenGen *fakes.TokenGenerator
	if inhibitQ != nil {
		inhibitGen = fakes.NewInhibitGenerator(inhibitQ, time.Duration(cfg.Fakes.Inhibit.IntervalMS)*time.Millisecond, lg)
	}
	if tokenQ != nil {
		tokenGen = fakes.NewTokenGenerator(tokenQ,
			time.Duration(cfg.Fakes.Tokens.MeanMS)*time.Millisecond,
			time.Duration(cfg.Fakes.Tokens.SigmaMS)*time.Millisecond,
			0, lg)
	}

	srv := serveHTTP(em, cfg.Metrics.Addr, lg)
	stopWatch := watchConfig(em, configPath, lg)

	syncSource.Start()
	receiver.Start()
	if inhibitGen != nil {
		inhibitGen.Start()
	}
	if tokenGen != nil {
		tokenGen.Start(messages.RunNumber(cfg.Run))
	}
	if err := em.Start(emulator.StartParams{Run: cfg.Run, TriggerIntervalTicks: cfg.Emulator.TriggerIntervalTicks}); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	if runFor > 0 {
		select {
		case <-sig:
		case <-time.After(runFor):
			lg.Info("run duration elapsed")
		}
	} else {
		<-sig
	}
	lg.Info("shutting down")

	if err := em.Stop(); err != nil {
		lg.Warn("stop failed", zap.Error(err))
	}
	if tokenGen != nil {
		tokenGen.Stop()
	}
	if inhibitGen != nil {
		inhibitGen.Stop()
	}
	syncSource.Stop()
	receiver.Stop()
	if stopWatch != nil {
		stopWatch()
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}

	info := em.Info()
	lg.Info("final statistics",
		zap.Uint64("triggers_total", info.TriggersTotal),
		zap.Uint64("inhibited_total", info.InhibitedTotal),
		zap.Uint64("dropped_sends", info.DroppedSends),
		zap.Uint64("received", receiver.Count()))
	return nil
}

func serveHTTP(em *emulator.Emulator, addr string, lg *zap.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	if h := em.MetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snap := em.Health(r.Context())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(em.Info())
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Warn("metrics server exited", zap.Error(err))
		}
	}()
	lg.Info("serving metrics and health", zap.String("addr", addr))
	return srv
}

// watchConfig flags configuration drift when the config file changes on
// disk. Nothing is applied mid-run; the drift surfaces through health, a
// warning log line and a config event until the operator reconfigures.
func watchConfig(em *emulator.Emulator, path string, lg *zap.Logger) func() {
	if path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		lg.Warn("config watch unavailable", zap.Error(err))
		return nil
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		lg.Warn("config watch unavailable", zap.Error(err))
		_ = watcher.Close()
		return nil
	}
	abs, _ := filepath.Abs(path)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				evAbs, _ := filepath.Abs(ev.Name)
				if evAbs == abs && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					em.NoteConfigDrift(true)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				lg.Warn("config watch error", zap.Error(err))
			}
		}
	}()
	return func() { _ = watcher.Close() }
}
