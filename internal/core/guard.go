package core

import "net/http"

// BeginDrain stops the service from granting new locks or starting saves.
// Reads, releases and presence keep working while the server drains.
func (s *Service) BeginDrain() {
	s.draining.Store(true)
}

// Draining reports whether BeginDrain has been called.
func (s *Service) Draining() bool {
	return s.draining.Load()
}

// applyShutdownGuard returns a Failure when the service is draining.
func (s *Service) applyShutdownGuard(kind string) error {
	if s == nil || !s.draining.Load() {
		return nil
	}
	return Failure{
		Code:       CodeShutdownDraining,
		Detail:     "server is shutting down; " + kind + " refused",
		HTTPStatus: http.StatusServiceUnavailable,
		RetryAfter: 1,
	}
}
