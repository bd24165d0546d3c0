package opshttp

import (
	"net/http"

	"github.com/keithlinneman/slidegate/internal/health"
	"github.com/keithlinneman/slidegate/internal/log"
)

type Options struct {
	Logger      log.Logger
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// OnPanic runs once per recovered handler panic.
	OnPanic func()
}
