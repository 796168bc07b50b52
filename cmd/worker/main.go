package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/kardianos/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opscost/opscost/internal/bootstrap"
	"github.com/opscost/opscost/internal/config"
	"github.com/opscost/opscost/internal/logging"
	"github.com/opscost/opscost/internal/worker"
)

// program runs the worker loop under the OS service manager, or in the
// foreground when started interactively
type program struct {
	configPath  string
	metricsAddr string

	app     *bootstrap.App
	worker  *worker.Worker
	metrics *http.Server
	logger  *slog.Logger
}

func (p *program) Start(s service.Service) error {
	cfg, err := loadConfig(p.configPath)
	if err != nil {
		return err
	}

	p.logger = logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	ctx := context.Background()
	p.app, err = bootstrap.New(ctx, cfg, p.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	p.worker = p.app.NewWorker()
	if err := p.worker.Start(ctx); err != nil {
		p.app.Close()
		return err
	}

	if p.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		p.metrics = &http.Server{Addr: p.metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := p.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				p.logger.Error("metrics server error", slog.String("error", err.Error()))
			}
		}()
	}

	p.logger.Info("worker started",
		slog.String("database", cfg.Database.Driver),
		slog.Duration("poll_interval", cfg.Worker.PollInterval),
		slog.Int("max_retries", cfg.Worker.MaxRetries))
	return nil
}

// Stop lets the in-flight job finish before returning
func (p *program) Stop(s service.Service) error {
	if p.logger != nil {
		p.logger.Info("stopping worker")
	}
	if p.worker != nil {
		p.worker.Stop()
	}
	if p.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.metrics.Shutdown(ctx)
	}
	if p.app != nil {
		p.app.Close()
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	configPath := flag.String("config", os.Getenv("OPSCOST_CONFIG"), "Path to config file")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9091)")
	svcCommand := flag.String("service", "", "Service control: install, uninstall, start, stop, status, run")
	flag.Parse()

	args := []string{"-service", "run"}
	if *configPath != "" {
		args = append(args, "-config", *configPath)
	}
	if *metricsAddr != "" {
		args = append(args, "-metrics-addr", *metricsAddr)
	}

	svcConfig := &service.Config{
		Name:        "opscost-worker",
		DisplayName: "opscost Refresh Worker",
		Description: "Processes queued AI usage refresh jobs",
		Arguments:   args,
	}

	prg := &program{configPath: *configPath, metricsAddr: *metricsAddr}
	s, err := service.New(prg, svcConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create service: %v\n", err)
		os.Exit(1)
	}

	switch *svcCommand {
	case "install":
		if _, err := loadConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
			os.Exit(1)
		}
		if err := s.Install(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to install service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Service installed.")

	case "uninstall":
		_ = s.Stop()
		if err := s.Uninstall(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to uninstall service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Service uninstalled.")

	case "start":
		if err := s.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Service started.")

	case "stop":
		if err := s.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to stop service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Service stopped.")

	case "status":
		status, err := s.Status()
		switch {
		case err != nil:
			fmt.Printf("Service status: not installed or error (%v)\n", err)
		case status == service.StatusRunning:
			fmt.Println("Service status: running")
		case status == service.StatusStopped:
			fmt.Println("Service status: stopped")
		default:
			fmt.Println("Service status: unknown")
		}

	case "", "run":
		// Run blocks until SIGINT/SIGTERM or a service manager stop
		if err := s.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Worker error: %v\n", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown -service command %q\n", *svcCommand)
		os.Exit(2)
	}
}
