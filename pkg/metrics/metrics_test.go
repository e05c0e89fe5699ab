package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxMetrics(t *testing.T) {
	MailboxOperationsTotal.Reset()

	MailboxOperationsTotal.WithLabelValues("save", "success").Inc()
	MailboxOperationsTotal.WithLabelValues("save", "success").Inc()
	MailboxOperationsTotal.WithLabelValues("move", "error").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(MailboxOperationsTotal.WithLabelValues("save", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(MailboxOperationsTotal.WithLabelValues("move", "error")))
}

func TestHistogramObservations(t *testing.T) {
	MailboxOperationDuration.Reset()
	MailboxOperationDuration.WithLabelValues("list").Observe(0.002)
	MailboxOperationDuration.WithLabelValues("list").Observe(0.2)

	observer, err := MailboxOperationDuration.GetMetricWithLabelValues("list")
	require.NoError(t, err)

	var m dto.Metric
	require.NoError(t, observer.(prometheus.Metric).Write(&m))
	assert.Equal(t, uint64(2), m.GetHistogram().GetSampleCount())
	assert.InDelta(t, 0.202, m.GetHistogram().GetSampleSum(), 1e-9)
}

func TestPrometheusHTTPHandler(t *testing.T) {
	RuleActionsTotal.Reset()
	RuleActionsTotal.WithLabelValues("move").Add(3)

	server := httptest.NewServer(promhttp.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `soramail_rule_actions_total{action="move"} 3`)
}

type fakeAdmission struct{ stats AdmissionStats }

func (f fakeAdmission) Stats() AdmissionStats { return f.stats }

type fakeUsers struct {
	count int
	err   error
}

func (f fakeUsers) Count(context.Context) (int, error) { return f.count, f.err }

func TestCollectorCollect(t *testing.T) {
	AdmissionEntries.Reset()
	UsersTotal.Set(0)

	c := NewCollector(fakeAdmission{AdmissionStats{Issued: 4, Acknowledged: 7}}, fakeUsers{count: 12}, 0)
	c.collect(context.Background())

	assert.Equal(t, 4.0, testutil.ToFloat64(AdmissionEntries.WithLabelValues("issued")))
	assert.Equal(t, 7.0, testutil.ToFloat64(AdmissionEntries.WithLabelValues("acknowledged")))
	assert.Equal(t, 12.0, testutil.ToFloat64(UsersTotal))

	c = NewCollector(nil, fakeUsers{err: errors.New("db down")}, 0)
	c.collect(context.Background())
	assert.Equal(t, 12.0, testutil.ToFloat64(UsersTotal), "gauge keeps last value on error")
}

func TestCollectorStop(t *testing.T) {
	c := NewCollector(nil, nil, 0)
	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()
	c.Stop()
	<-done
}
