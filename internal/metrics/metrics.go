package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors recorded by the authorization flow.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer         prometheus.Gatherer
	authorizeOutcome *prometheus.CounterVec
	tokenExchanges   *prometheus.CounterVec
	loginAttempts    *prometheus.CounterVec
	purgedRows       *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates and registers the collectors. Passing a nil registry uses a fresh one.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		authorizeOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authflow_authorize_outcomes_total",
			Help: "Authorization flow steps by resulting state",
		}, []string{"state"}),
		tokenExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authflow_token_exchanges_total",
			Help: "Token endpoint calls by grant type and result",
		}, []string{"grant_type", "result"}),
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authflow_login_attempts_total",
			Help: "Password and federated login attempts by result",
		}, []string{"method", "result"}),
		purgedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authflow_purged_rows_total",
			Help: "Expired rows removed by the maintenance purge",
		}, []string{"kind"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authflow_http_request_duration_seconds",
			Help:    "Latency of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	for _, c := range []prometheus.Collector{m.authorizeOutcome, m.tokenExchanges, m.loginAttempts, m.purgedRows, m.httpDuration} {
		if err := registerCollector(reg, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func registerCollector(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) AuthorizeOutcome(state string) {
	if m == nil {
		return
	}
	m.authorizeOutcome.WithLabelValues(state).Inc()
}

func (m *Metrics) TokenExchange(grantType, result string) {
	if m == nil {
		return
	}
	m.tokenExchanges.WithLabelValues(grantType, result).Inc()
}

func (m *Metrics) LoginAttempt(method string, success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.loginAttempts.WithLabelValues(method, result).Inc()
}

func (m *Metrics) Purged(kind string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.purgedRows.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
