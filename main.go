package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"fcgihost/fastcgi"
	"fcgihost/service"
)

type HttpHandle struct {
	log logrus.FieldLogger
}

func (h HttpHandle) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.log.WithFields(logrus.Fields{
		"method": r.Method,
		"uri":    r.RequestURI,
		"remote": r.RemoteAddr,
	}).Info("request")

	w.Write([]byte("Hello World"))
}

//metricsService exposes the prometheus registry over http
type metricsService struct {
	Registry *prometheus.Registry

	srv *http.Server
}

func (m *metricsService) Init(cfg service.Config, log logrus.FieldLogger) (bool, error) {
	var c struct {
		Address string `json:"address"`
	}

	if err := cfg.Unmarshal(&c); err != nil {
		return false, err
	}

	if c.Address == "" {
		return false, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	m.srv = &http.Server{Addr: c.Address, Handler: mux}

	return true, nil
}

func (m *metricsService) Serve() error {
	if err := m.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

func (m *metricsService) Stop() {
	_ = m.srv.Close()
}

func probe(network, address string) error {
	rwc, err := net.DialTimeout(network, address, 5*time.Second)
	if err != nil {
		return err
	}

	client := fastcgi.NewClient(rwc, 1)
	defer client.Close()

	values, err := client.GetValues("FCGI_MAX_CONNS", "FCGI_MAX_REQS", "FCGI_MPXS_CONNS")
	if err != nil {
		return err
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fmt.Printf("%s=%s\n", name, values[name])
	}

	return nil
}

func main() {
	var (
		configPath = flag.String("c", "fcgihost.json", "config file")
		verbose    = flag.Bool("v", false, "debug logging")
		probeAddr  = flag.String("probe", "", "query FCGI_GET_VALUES of a running responder at tcp address and exit")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if *probeAddr != "" {
		if err := probe("tcp", *probeAddr); err != nil {
			log.WithError(err).Fatal("probe")
		}
		return
	}

	cfg, err := service.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("config")
	}

	registry := prometheus.NewRegistry()

	c := service.NewContainer(log)
	c.Register(fastcgi.ID, &fastcgi.Service{
		App:      fastcgi.HTTPApplication(HttpHandle{log: log}),
		Registry: registry,
	})
	c.Register("metrics", &metricsService{Registry: registry})

	if err := c.Init(cfg); err != nil {
		log.WithError(err).Fatal("init")
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signals
		log.Info("stopping")
		c.Stop()
	}()

	if err := c.Serve(); err != nil {
		log.WithError(err).Fatal("serve")
	}
}
