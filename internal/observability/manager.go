package observability

import "context"

type Config struct {
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// Manager bundles the logging, metrics and tracing managers so components take
// a single dependency.
type Manager struct {
	logging *Logger
	metrics *MetricsManager
	tracing *TracingManager
}

func NewManager(config Config) (*Manager, error) {
	logger, err := NewLogger(config.Logging)
	if err != nil {
		return nil, err
	}

	tracing, err := NewTracingManager(config.Tracing)
	if err != nil {
		return nil, err
	}

	return &Manager{
		logging: logger,
		metrics: NewMetricsManager(config.Metrics),
		tracing: tracing,
	}, nil
}

func (m *Manager) GetLogging() *Logger         { return m.logging }
func (m *Manager) GetMetrics() *MetricsManager { return m.metrics }
func (m *Manager) GetTracing() *TracingManager { return m.tracing }

func (m *Manager) Shutdown(ctx context.Context) error {
	return m.tracing.Shutdown(ctx)
}
