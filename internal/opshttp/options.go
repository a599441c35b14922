package opshttp

import (
	"net/http"

	"github.com/keithlinneman/transit-web/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Checker
	Readiness   health.Checker
}
