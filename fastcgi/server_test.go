package fastcgi

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, caps Capabilities, app Application) (*Server, net.Addr, chan error) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	log, _ := test.NewNullLogger()
	srv := NewServer(app, caps, WithLogger(log))

	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(l)
	}()

	return srv, l.Addr(), served
}

func dial(t *testing.T, addr net.Addr) *Client {
	t.Helper()

	rwc, err := net.Dial(addr.Network(), addr.String())
	require.NoError(t, err)

	client := NewClient(rwc, 4)
	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestServerOverTCP(t *testing.T) {
	app := newRecorder()
	srv, addr, served := startServer(t, Capabilities{MaxConns: 4, MaxReqs: 8, Multiplex: true}, app)

	client := dial(t, addr)

	values, err := client.GetValues(valueMaxConns, valueMaxReqs, valueMpxsConns)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		valueMaxConns:  "4",
		valueMaxReqs:   "8",
		valueMpxsConns: "1",
	}, values)

	body := strings.Repeat("0123456789", 10000)
	_, err = client.Send(NewClientRequest(map[string]string{
		"REQUEST_METHOD": "POST",
		"CONTENT_LENGTH": "100000",
	}, strings.NewReader(body)))
	require.NoError(t, err)

	inv := app.next(t)
	assert.Equal(t, "POST", inv.method)
	assert.Equal(t, body, inv.body)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-served:
		assert.Equal(t, ErrServerClosed, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}

	_, err = client.readRecord()
	assert.Error(t, err, "connections are closed on shutdown")
}

func TestServeAfterShutdown(t *testing.T) {
	srv := NewServer(newRecorder(), Capabilities{})
	require.NoError(t, srv.Shutdown(context.Background()))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	assert.Equal(t, ErrServerClosed, srv.Serve(l))
}

func TestShutdownWaitsForRunningRequests(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	app := ApplicationFunc(func(ctx context.Context, c *Context) error {
		close(started)
		<-release
		return nil
	})
	srv, addr, served := startServer(t, Capabilities{}, app)

	client := dial(t, addr)
	_, err := client.Send(NewClientRequest(nil, nil))
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, srv.Shutdown(ctx), "the request is still running")

	close(release)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, srv.Shutdown(ctx2))

	assert.Equal(t, ErrServerClosed, <-served)
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.recordRead(typeParams)
	m.recordRead(typeParams)
	m.connOpened()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.RecordsRead.WithLabelValues("FCGI_PARAMS")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveConns))

	count, err := testutil.GatherAndCount(reg, "fastcgi_records_read_total", "fastcgi_connections_active")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestInvokeRefusedAfterShutdown(t *testing.T) {
	srv := NewServer(newRecorder(), Capabilities{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	assert.False(t, srv.invoke(nil, testContext(1, true)))
	assert.Equal(t, float64(0), testutil.ToFloat64(srv.metrics.ActiveRequests))
}
