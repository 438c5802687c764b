// Package metrics provides a prefixing stats Scope, backed by Prometheus,
// used by the connector package to report counters, gauges, and timings
// without each caller re-deriving a metric name or a registration dance.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Scope is a stats collector that prefixes the name of every stat it
// collects with the scope chain it was created under.
type Scope interface {
	NewScope(scopes ...string) Scope

	Inc(stat string, value int64)
	Gauge(stat string, value int64)
	GaugeDelta(stat string, value int64)
	TimingDuration(stat string, delta time.Duration)
}

// promScope is a Scope that sends data to Prometheus.
type promScope struct {
	registerer prometheus.Registerer
	reg        *autoRegisterer
	prefix     string
}

var _ Scope = &promScope{}

// NewPromScope returns a Scope that registers and populates Prometheus
// collectors the first time each stat name is seen, prefixed by scopes
// joined with periods.
func NewPromScope(registerer prometheus.Registerer, scopes ...string) Scope {
	return &promScope{
		registerer: registerer,
		prefix:     strings.Join(scopes, ".") + ".",
		reg:        newAutoRegisterer(registerer),
	}
}

// NewScope returns a child Scope prefixed by this Scope's prefix plus the
// given scopes joined by periods.
func (s *promScope) NewScope(scopes ...string) Scope {
	scope := strings.Join(scopes, ".")
	return &promScope{
		registerer: s.registerer,
		prefix:     s.prefix + scope + ".",
		reg:        s.reg,
	}
}

func (s *promScope) Inc(stat string, value int64) {
	s.reg.counter(s.prefix + stat).Add(float64(value))
}

func (s *promScope) Gauge(stat string, value int64) {
	s.reg.gauge(s.prefix + stat).Set(float64(value))
}

func (s *promScope) GaugeDelta(stat string, value int64) {
	s.reg.gauge(s.prefix + stat).Add(float64(value))
}

func (s *promScope) TimingDuration(stat string, delta time.Duration) {
	s.reg.summary(s.prefix + stat + "_seconds").Observe(delta.Seconds())
}

// autoRegisterer lazily creates and registers a Prometheus collector the
// first time a given stat name is used, and returns the cached collector
// on every subsequent call — callers never need to pre-declare their
// metric vocabulary.
type autoRegisterer struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	summaries  map[string]prometheus.Summary
}

func newAutoRegisterer(registerer prometheus.Registerer) *autoRegisterer {
	return &autoRegisterer{
		registerer: registerer,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		summaries:  make(map[string]prometheus.Summary),
	}
}

func metricName(stat string) string {
	return strings.NewReplacer(".", "_", "-", "_", "$", "_").Replace(stat)
}

func (a *autoRegisterer) counter(stat string) prometheus.Counter {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.counters[stat]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: metricName(stat)})
	a.registerer.MustRegister(c)
	a.counters[stat] = c
	return c
}

func (a *autoRegisterer) gauge(stat string) prometheus.Gauge {
	a.mu.Lock()
	defer a.mu.Unlock()
	if g, ok := a.gauges[stat]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: metricName(stat)})
	a.registerer.MustRegister(g)
	a.gauges[stat] = g
	return g
}

func (a *autoRegisterer) summary(stat string) prometheus.Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.summaries[stat]; ok {
		return s
	}
	s := prometheus.NewSummary(prometheus.SummaryOpts{Name: metricName(stat)})
	a.registerer.MustRegister(s)
	a.summaries[stat] = s
	return s
}

type noopScope struct{}

// NewNoopScope returns a Scope that discards everything it's given; it's
// the default for callers that don't care about metrics.
func NewNoopScope() Scope {
	return noopScope{}
}

func (ns noopScope) NewScope(scopes ...string) Scope            { return ns }
func (noopScope) Inc(stat string, value int64)                  {}
func (noopScope) Gauge(stat string, value int64)                {}
func (noopScope) GaugeDelta(stat string, value int64)           {}
func (noopScope) TimingDuration(stat string, delta time.Duration) {}
