package service

import (
	"sync"
)

const (
	// StatusUndefined when service bus can not find the service.
	StatusUndefined = iota

	// StatusInactive when service has been registered in container.
	StatusInactive

	// StatusOK when service has been properly configured.
	StatusOK

	// StatusServing when service is currently serving.
	StatusServing

	// StatusStopping when service is currently stopping.
	StatusStopping

	// StatusStopped when service being stopped.
	StatusStopped
)

//StatusName returns a printable name of a service status.
func StatusName(status int) string {
	switch status {
	case StatusInactive:
		return "inactive"
	case StatusOK:
		return "ok"
	case StatusServing:
		return "serving"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	default:
		return "undefined"
	}
}

type service struct {
	name   string
	svc    interface{}
	mu     sync.Mutex
	status int
}

func (e *service) getStatus() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.status
}

func (e *service) setStatus(status int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.status = status
}

func (e *service) hasStatus(status int) bool {
	return e.getStatus() == status
}

func (e *service) canServe() bool {
	_, ok := e.svc.(Service)

	return ok
}
