package telemetry

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/grafana/pyroscope-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// ProfilerConfig holds Pyroscope continuous profiling settings.
type ProfilerConfig struct {
	Enabled           bool
	ServerAddress     string
	ApplicationName   string
	BasicAuthUser     string
	BasicAuthPassword string
	// ProfileTypes names the profiles to collect: cpu, alloc_objects,
	// alloc_space, inuse_objects, inuse_space, goroutines, mutex, block.
	ProfileTypes []string
}

const (
	mutexProfileFraction = 5
	blockProfileRate     = 5
)

var profileTypes = map[string][]pyroscope.ProfileType{
	"cpu":           {pyroscope.ProfileCPU},
	"alloc_objects": {pyroscope.ProfileAllocObjects},
	"alloc_space":   {pyroscope.ProfileAllocSpace},
	"inuse_objects": {pyroscope.ProfileInuseObjects},
	"inuse_space":   {pyroscope.ProfileInuseSpace},
	"goroutines":    {pyroscope.ProfileGoroutines},
	"mutex":         {pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration},
	"block":         {pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration},
}

// Profiler owns the Pyroscope session. A disabled profiler is a no-op.
type Profiler struct {
	profiler *pyroscope.Profiler
	logger   *zap.Logger
	mu       sync.Mutex
	stopped  bool
}

// NewProfiler starts continuous profiling when cfg.Enabled is set.
func NewProfiler(cfg ProfilerConfig, logger *zap.Logger) (*Profiler, error) {
	p := &Profiler{logger: logger}
	if !cfg.Enabled {
		logger.Info("Continuous profiling disabled")
		return p, nil
	}
	if cfg.ServerAddress == "" {
		return nil, fmt.Errorf("profiler server address is required when profiling is enabled")
	}
	if cfg.ApplicationName == "" {
		return nil, fmt.Errorf("profiler application name is required when profiling is enabled")
	}

	types, err := resolveProfileTypes(cfg.ProfileTypes)
	if err != nil {
		return nil, err
	}
	for _, name := range cfg.ProfileTypes {
		switch name {
		case "mutex":
			runtime.SetMutexProfileFraction(mutexProfileFraction)
		case "block":
			runtime.SetBlockProfileRate(blockProfileRate)
		}
	}

	tags := map[string]string{}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		tags["hostname"] = hostname
	}
	if pod := os.Getenv("POD_NAME"); pod != "" {
		tags["pod"] = pod
	}

	session, err := pyroscope.Start(pyroscope.Config{
		ApplicationName:   cfg.ApplicationName,
		ServerAddress:     cfg.ServerAddress,
		BasicAuthUser:     cfg.BasicAuthUser,
		BasicAuthPassword: cfg.BasicAuthPassword,
		Logger:            pyroscopeLogger{logger.Named("pyroscope").Sugar()},
		Tags:              tags,
		ProfileTypes:      types,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start Pyroscope profiler: %w", err)
	}
	p.profiler = session

	logger.Info("Pyroscope profiler started",
		zap.String("server_address", cfg.ServerAddress),
		zap.String("application_name", cfg.ApplicationName),
		zap.Strings("profile_types", cfg.ProfileTypes),
	)
	return p, nil
}

func resolveProfileTypes(names []string) ([]pyroscope.ProfileType, error) {
	var out []pyroscope.ProfileType
	for _, name := range names {
		types, ok := profileTypes[name]
		if !ok {
			return nil, fmt.Errorf("unknown profile type %q", name)
		}
		out = append(out, types...)
	}
	return out, nil
}

// Enabled reports whether a Pyroscope session is running.
func (p *Profiler) Enabled() bool {
	return p.profiler != nil
}

// Stop flushes pending profiles. It is safe to call more than once.
func (p *Profiler) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.profiler == nil {
		p.stopped = true
		return nil
	}
	p.stopped = true
	if err := p.profiler.Stop(); err != nil {
		return fmt.Errorf("failed to stop profiler: %w", err)
	}
	p.logger.Info("Pyroscope profiler stopped")
	return nil
}

// EnableSpanProfiles wraps the tracer provider so CPU samples carry the
// span id of the work they belong to. No-op while tracing is disabled.
func (p *Providers) EnableSpanProfiles() {
	if p.tracer == nil {
		return
	}
	p.spans = otelpyroscope.NewTracerProvider(p.tracer)
	otel.SetTracerProvider(p.spans)
	p.logger.Info("Span profiles enabled", zap.String("service_name", p.config.ServiceName))
}

// LabelTask runs a background task under a "task" profiling label so its
// samples can be told apart from request handling.
func LabelTask(name string, run func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		var err error
		pyroscope.TagWrapper(ctx, pyroscope.Labels("task", name), func(c context.Context) {
			err = run(c)
		})
		return err
	}
}

type pyroscopeLogger struct {
	s *zap.SugaredLogger
}

func (l pyroscopeLogger) Infof(format string, args ...any)  { l.s.Infof(format, args...) }
func (l pyroscopeLogger) Debugf(format string, args ...any) { l.s.Debugf(format, args...) }
func (l pyroscopeLogger) Errorf(format string, args ...any) { l.s.Errorf(format, args...) }
