package reporting

import (
	"context"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/procwatch/agent/internal/config"
	"github.com/procwatch/agent/internal/registry"
)

// RegistryView is the read side of the process registry; the printer never
// needs anything else.
type RegistryView interface {
	CurrentView(options registry.ViewOptions) []registry.ProcessRecord
	Statistics() registry.Statistics
}

// Printer is the headless consumer: once per refresh tick it takes one
// projection of the registry and writes it out, as a table or as JSON
// reports.
type Printer struct {
	logger    *zap.Logger
	context   context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	view      RegistryView
	display   *config.Display
	writer    io.Writer
	sessionId string
	machineId string
	emitJSON  bool
}

func NewPrinter(ctx context.Context, rootLogger *zap.Logger, view RegistryView, display *config.Display,
	writer io.Writer, machineId string, emitJSON bool) *Printer {
	logger := rootLogger.Named("stats-printer")
	ctx, cancel := context.WithCancel(ctx)

	return &Printer{
		logger:    logger,
		context:   ctx,
		cancel:    cancel,
		view:      view,
		display:   display,
		writer:    writer,
		sessionId: uuid.New().String(),
		machineId: machineId,
		emitJSON:  emitJSON,
	}
}

func (p *Printer) Start() error {
	p.printHostStatus()

	p.waitGroup.Add(1)
	go p.printLoop()

	return nil
}

func (p *Printer) printHostStatus() {
	report, err := NewHostStatusReport(p.sessionId, p.machineId)
	if err != nil {
		p.logger.Warn("Failed to build host status report", zap.Error(err))
		return
	}

	p.dumpReport(report)
}

func (p *Printer) printLoop() {
	defer p.waitGroup.Done()

	ticker := time.NewTicker(p.display.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.context.Done():
			return
		case <-ticker.C:
			p.printTick()
		}
	}
}

func (p *Printer) printTick() {
	view := p.view.CurrentView(p.display.ViewOptions())
	statistics := p.view.Statistics()

	if p.emitJSON {
		p.dumpReport(NewProcessViewReport(p.sessionId, p.machineId, view, statistics))
		return
	}

	p.printTable(view, statistics)
}

func (p *Printer) printTable(view []registry.ProcessRecord, statistics registry.Statistics) {
	table := tabwriter.NewWriter(p.writer, 0, 4, 2, ' ', 0)

	fmt.Fprintln(table, "PID\tPARENT\tNAME\tSTATE\tORIGIN\tCPU%\tMEM%\tTHREADS")
	for i := range view {
		record := &view[i]
		fmt.Fprintf(table, "%d\t%d\t%s\t%s\t%s\t%.1f\t%.1f\t%d\n",
			record.Pid, record.ParentPid, record.Name, record.State, record.Origin,
			record.CPUPercent, record.MemoryPercent, record.ThreadCount)
	}

	fmt.Fprintf(table, "\n%d processes (%d pending, %d alive, %d exiting), %.1f%% memory, %.1f%% avg cpu, %d threads\n",
		statistics.TotalProcesses, statistics.PendingProcesses, statistics.AliveProcesses,
		statistics.ExitingProcesses, statistics.TotalMemoryPercent, statistics.AverageCPUPercent,
		statistics.TotalThreads)

	if err := table.Flush(); err != nil {
		p.logger.Warn("Failed to flush process table", zap.Error(err))
	}
}

func (p *Printer) dumpReport(report Report) {
	dump, err := report.DumpReport()
	if err != nil {
		p.logger.Warn("Failed to dump report", zap.String("ReportName", report.ReportName()), zap.Error(err))
		return
	}

	fmt.Fprintln(p.writer, string(dump))
}

func (p *Printer) Stop() {
	p.cancel()
}

func (p *Printer) WaitUntilCompletion() {
	p.waitGroup.Wait()
}
