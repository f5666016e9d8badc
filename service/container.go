package service

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

//ErrNoConfig is returned by Init methods to disable a service without failing the container.
var ErrNoConfig = fmt.Errorf("no config has been provided")

//Service can serve. Services may also implement Initializer.
type Service interface {
	//Serve serves until Stop is called or an error occurs.
	Serve() error

	//Stop stops the service.
	Stop()
}

//Initializer configures a service from its config section. Returning false disables the service.
type Initializer interface {
	Init(cfg Config, log logrus.FieldLogger) (bool, error)
}

//Container controls all registered services.
type Container interface {
	//Register add new service to the container under given name.
	Register(name string, service interface{})

	//Init configures all underlying services with given configuration.
	Init(cfg Config) error

	//Has checks if svc has been registered.
	Has(service string) bool

	//Get returns svc instance by it's name or nil if svc not found. Method returns current service status
	//as second value.
	Get(service string) (svc interface{}, status int)

	//Serve all configured services. Blocks until every service stops or one fails.
	Serve() error

	//Stop all active services.
	Stop()

	//List service names.
	List() []string
}

//Config provides ability to slice configuration sections and unmarshal configuration data into
//service specific structs.
type Config interface {
	//Get nested config section (sub-map), returns nil if section not found.
	Get(service string) Config

	//Unmarshal unmarshal config data into given struct.
	Unmarshal(out interface{}) error
}

type failure struct {
	name string
	err  error
}

type container struct {
	mu       sync.Mutex
	log      logrus.FieldLogger
	services []*service
}

func NewContainer(log logrus.FieldLogger) Container {
	return &container{
		log:      log,
		services: make([]*service, 0),
	}
}

func (c *container) Register(name string, serviceItem interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.services = append(c.services, &service{
		name:   name,
		svc:    serviceItem,
		status: StatusInactive,
	})
}

func (c *container) Has(target string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.services {
		if e.name == target {
			return true
		}
	}

	return false
}

func (c *container) Get(target string) (svc interface{}, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.services {
		if e.name == target {
			return e.svc, e.getStatus()
		}
	}

	return nil, StatusUndefined
}

func (c *container) Init(cfg Config) error {
	for _, e := range c.services {
		if e.getStatus() >= StatusOK {
			return fmt.Errorf("service [%s] has already been configured", e.name)
		}

		ok, err := c.initService(e, cfg)
		if err != nil {
			//soft error (skipping)
			if errors.Cause(err) == ErrNoConfig {
				c.log.Debugf("[%s]: disabled", e.name)
				continue
			}

			return errors.Wrap(err, fmt.Sprintf("[%s]", e.name))
		}

		if ok {
			e.setStatus(StatusOK)
		} else {
			c.log.Debugf("[%s]: disabled", e.name)
		}
	}

	return nil
}

func (c *container) initService(e *service, cfg Config) (bool, error) {
	i, ok := e.svc.(Initializer)
	if !ok {
		return true, nil
	}

	var segment Config
	if cfg != nil {
		segment = cfg.Get(e.name)
	}

	if segment == nil {
		return false, ErrNoConfig
	}

	return i.Init(segment, c.log.WithField("service", e.name))
}

func (c *container) Serve() error {
	running := 0
	errs := make(chan failure, len(c.services))

	for _, e := range c.services {
		if e.hasStatus(StatusOK) && e.canServe() {
			running++
			c.log.Debugf("[%s]: started", e.name)
			e.setStatus(StatusServing)

			go func(e *service) {
				defer e.setStatus(StatusStopped)

				var err error
				if serr := e.svc.(Service).Serve(); serr != nil {
					err = errors.Wrap(serr, fmt.Sprintf("[%s]", e.name))
				}

				errs <- failure{name: e.name, err: err}
			}(e)
		}
	}

	for ; running > 0; running-- {
		fail := <-errs
		if fail.err != nil {
			c.log.Errorf("[%s]: %s", fail.name, fail.err)
			c.Stop()

			return fail.err
		}
	}

	return nil
}

func (c *container) Stop() {
	for _, e := range c.services {
		if e.hasStatus(StatusServing) {
			e.setStatus(StatusStopping)
			e.svc.(Service).Stop()
			e.setStatus(StatusStopped)

			c.log.Debugf("[%s]: %s", e.name, StatusName(e.getStatus()))
		}
	}
}

func (c *container) List() []string {
	names := make([]string, 0, len(c.services))
	for _, e := range c.services {
		names = append(names, e.name)
	}

	return names
}
