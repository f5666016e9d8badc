package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testService struct {
	Enabled bool   `json:"enabled"`
	Name    string `json:"name"`

	mu       sync.Mutex
	stop     chan struct{}
	serveErr error
	stopped  bool
}

func (s *testService) Init(cfg Config, log logrus.FieldLogger) (bool, error) {
	if err := cfg.Unmarshal(s); err != nil {
		return false, err
	}
	s.stop = make(chan struct{})

	return s.Enabled, nil
}

func (s *testService) Serve() error {
	if s.serveErr != nil {
		return s.serveErr
	}

	<-s.stop

	return nil
}

func (s *testService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stopped {
		s.stopped = true
		close(s.stop)
	}
}

func newTestContainer() Container {
	log, _ := test.NewNullLogger()
	return NewContainer(log)
}

func TestContainerRegister(t *testing.T) {
	c := newTestContainer()
	c.Register("a", &testService{})
	c.Register("b", &testService{})

	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("c"))
	assert.Equal(t, []string{"a", "b"}, c.List())

	svc, status := c.Get("a")
	assert.NotNil(t, svc)
	assert.Equal(t, StatusInactive, status)

	svc, status = c.Get("c")
	assert.Nil(t, svc)
	assert.Equal(t, StatusUndefined, status)
}

func TestContainerInit(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{
		"on":  {"enabled": true, "name": "first"},
		"off": {"enabled": false}
	}`))
	require.NoError(t, err)

	c := newTestContainer()
	on, off, missing := &testService{}, &testService{}, &testService{}
	c.Register("on", on)
	c.Register("off", off)
	c.Register("missing", missing)

	require.NoError(t, c.Init(cfg))

	_, status := c.Get("on")
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, "first", on.Name)

	_, status = c.Get("off")
	assert.Equal(t, StatusInactive, status)

	_, status = c.Get("missing")
	assert.Equal(t, StatusInactive, status)

	assert.Error(t, c.Init(cfg), "services cannot be configured twice")
}

func TestContainerInitError(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"bad": {"enabled": "yes"}}`))
	require.NoError(t, err)

	c := newTestContainer()
	c.Register("bad", &testService{})

	err = c.Init(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[bad]")
}

func TestContainerServeAndStop(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"a": {"enabled": true}, "b": {"enabled": true}}`))
	require.NoError(t, err)

	c := newTestContainer()
	c.Register("a", &testService{})
	c.Register("b", &testService{})
	require.NoError(t, c.Init(cfg))

	done := make(chan error, 1)
	go func() {
		done <- c.Serve()
	}()

	require.Eventually(t, func() bool {
		_, status := c.Get("b")
		return status == StatusServing
	}, time.Second, 5*time.Millisecond)

	c.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}

	_, status := c.Get("a")
	assert.Equal(t, StatusStopped, status)
}

func TestContainerServeFailureStopsOthers(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"ok": {"enabled": true}, "broken": {"enabled": true}}`))
	require.NoError(t, err)

	ok := &testService{}
	broken := &testService{serveErr: errors.New("bind failed")}

	c := newTestContainer()
	c.Register("ok", ok)
	c.Register("broken", broken)
	require.NoError(t, c.Init(cfg))

	err = c.Serve()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind failed")

	ok.mu.Lock()
	defer ok.mu.Unlock()
	assert.True(t, ok.stopped)
}

func TestContainerServeNothing(t *testing.T) {
	assert.NoError(t, newTestContainer().Serve())
}

func TestStatusName(t *testing.T) {
	assert.Equal(t, "serving", StatusName(StatusServing))
	assert.Equal(t, "undefined", StatusName(42))
}
