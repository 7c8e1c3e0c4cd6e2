// Package server hosts the Fiber HTTP service that fronts the application
// origin. It owns the middleware chain (recover, request ID), keeps the /-/
// diagnostics prefix out of the proxy path, and builds the shared upstream
// http.Client used both by the proxy handler and by the offline worker.
// Keep exports narrow and accept explicit dependencies.
package server
