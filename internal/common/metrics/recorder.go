package metrics

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const RdaPipelineMetricsPrefix = "rda_pipeline_"

// Recorder records named counters and durations. Names are metric suffixes such as
// "fiss_claims_job_calls"; implementations add their own prefix.
type Recorder interface {
	Increment(name string)
	Add(name string, value int)
	ObserveDuration(name string, d time.Duration)
}

// PrometheusRecorder lazily creates and registers a counter or histogram the first time a name is used.
type PrometheusRecorder struct {
	prefix     string
	registerer prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram
}

func NewPrometheusRecorder(prefix string, registerer prometheus.Registerer) *PrometheusRecorder {
	return &PrometheusRecorder{
		prefix:     prefix,
		registerer: registerer,
		counters:   map[string]prometheus.Counter{},
		histograms: map[string]prometheus.Histogram{},
	}
}

func (r *PrometheusRecorder) Increment(name string) {
	r.Add(name, 1)
}

func (r *PrometheusRecorder) Add(name string, value int) {
	if value < 0 {
		return
	}
	r.counter(name).Add(float64(value))
}

func (r *PrometheusRecorder) ObserveDuration(name string, d time.Duration) {
	r.histogram(name).Observe(d.Seconds())
}

func (r *PrometheusRecorder) counter(name string) prometheus.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: r.prefix + name + "_total",
		Help: "Total number of " + name,
	})
	c = register(r.registerer, c).(prometheus.Counter)
	r.counters[name] = c
	return c
}

func (r *PrometheusRecorder) histogram(name string) prometheus.Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    r.prefix + name + "_seconds",
		Help:    name + " latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
	})
	h = register(r.registerer, h).(prometheus.Histogram)
	r.histograms[name] = h
	return h
}

// register returns the collector already registered under the same name, if any.
func register(registerer prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	err := registerer.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return are.ExistingCollector
	}
	log.WithError(err).Warn("Failed to register metric")
	return c
}

// RecordingRecorder keeps values in memory.
type RecordingRecorder struct {
	mu        sync.Mutex
	counters  map[string]int
	durations map[string][]time.Duration
}

func NewRecordingRecorder() *RecordingRecorder {
	return &RecordingRecorder{
		counters:  map[string]int{},
		durations: map[string][]time.Duration{},
	}
}

func (r *RecordingRecorder) Increment(name string) {
	r.Add(name, 1)
}

func (r *RecordingRecorder) Add(name string, value int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += value
}

func (r *RecordingRecorder) ObserveDuration(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations[name] = append(r.durations[name], d)
}

func (r *RecordingRecorder) Value(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

func (r *RecordingRecorder) Observations(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.durations[name])
}
