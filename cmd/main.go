package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/procwatch/agent/internal/config"
	"github.com/procwatch/agent/internal/engine"
	"github.com/procwatch/agent/internal/host"
	"github.com/procwatch/agent/internal/logging"
	"github.com/procwatch/agent/internal/registry"
	"github.com/procwatch/agent/internal/reporting"
	"github.com/procwatch/agent/internal/sources"
)

var options struct {
	Backend         string        `short:"b" long:"backend" description:"Lifecycle backend: event-driven or polling" default:"event-driven"`
	PollInterval    time.Duration `short:"i" long:"poll-interval" description:"Snapshot scan interval" default:"1s"`
	LivenessTimeout time.Duration `long:"liveness-timeout" description:"Retire records unrefreshed for this long (0 = derived from poll interval)"`
	ExitGracePeriod time.Duration `long:"exit-grace" description:"Retention of exiting records for consumer fade-out" default:"2s"`
	EventBufferSize int           `long:"event-buffer" description:"Bounded kernel event buffer size" default:"1024"`
	ExcludeNames    []string      `long:"exclude-name" description:"Never track processes whose name contains this (repeatable)"`
	ImportantNames  []string      `long:"important-name" description:"Always track processes whose name contains this (repeatable)"`
	MinCPUPercent   float64       `long:"min-cpu" description:"Only track processes at or above this cpu percentage (unless important)"`
	MinMemPercent   float64       `long:"min-memory" description:"Only track processes at or above this memory percentage (unless important)"`
	DisplayConfig   string        `short:"c" long:"display-config" description:"Display configuration file (YAML)"`
	JSONReports     bool          `long:"json" description:"Emit JSON reports instead of a process table"`
	Debug           bool          `short:"d" long:"debug" description:"Debug mode"`
}

const (
	exitCodeErr = -1
)

var (
	logger        *zap.Logger
	monitorEngine *engine.Engine
	statsPrinter  *reporting.Printer
	signalsChan   = make(chan os.Signal, 1)
)

func main() {
	_, err := flags.Parse(&options)
	if err != nil {
		fmt.Printf("Failed to parse arguments: %v\n", err)
		os.Exit(exitCodeErr)
	}

	logger, err = logging.NewLogger("procwatch-agent", options.Debug)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(exitCodeErr)
	}

	setupSignalHandling()

	logger.Info("Start agent")
	if err := startAgent(); err != nil {
		logger.Fatal("Failed to start agent", zap.Error(err))
	}
}

func setupSignalHandling() {
	signal.Notify(signalsChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalsChan
		logger.Info("Stop agent")
		if err := stopAgent(); err != nil {
			logger.Fatal("Failed to stop agent", zap.Error(err))
		}
	}()
}

func startAgent() error {
	backend, err := engine.ParseBackend(options.Backend)
	if err != nil {
		return errors.WithMessage(err, "parse backend")
	}

	display := config.DefaultDisplay()
	if options.DisplayConfig != "" {
		display, err = config.LoadDisplay(options.DisplayConfig)
		if err != nil {
			return errors.WithMessage(err, "load display config")
		}
	}

	machineId, err := host.MachineId()
	if err != nil {
		return errors.WithMessage(err, "get machine id")
	}

	engineConfig := &engine.Config{
		Backend:         backend,
		PollInterval:    options.PollInterval,
		LivenessTimeout: options.LivenessTimeout,
		ExitGracePeriod: options.ExitGracePeriod,
		EventBufferSize: options.EventBufferSize,
	}

	processRegistry := registry.NewRegistry(logger)
	pollingSource := sources.NewPollingSource(logger, sources.NewFilter(options.ExcludeNames,
		options.ImportantNames, options.MinCPUPercent, options.MinMemPercent))

	selection := engine.SelectEventSource(logger, engineConfig, func() (sources.EventSource, error) {
		return sources.NewKernelSource(logger, engineConfig.EffectiveEventBufferSize())
	})

	ctx := context.Background()

	monitorEngine, err = engine.NewEngine(ctx, logger, engineConfig, processRegistry, pollingSource, selection)
	if err != nil {
		return errors.WithMessage(err, "new merge engine")
	}

	if err := monitorEngine.Start(); err != nil {
		return errors.WithMessage(err, "start merge engine")
	}

	statsPrinter = reporting.NewPrinter(ctx, logger, processRegistry, display, os.Stdout, machineId,
		options.JSONReports)
	if err := statsPrinter.Start(); err != nil {
		return errors.WithMessage(err, "start stats printer")
	}

	monitorEngine.WaitUntilCompletion()
	statsPrinter.WaitUntilCompletion()
	return nil
}

func stopAgent() error {
	if monitorEngine == nil {
		return errors.New("uninitialized merge engine")
	}

	if statsPrinter != nil {
		statsPrinter.Stop()
	}

	if err := monitorEngine.Stop(); err != nil {
		return errors.WithMessage(err, "stop merge engine")
	}

	return nil
}
