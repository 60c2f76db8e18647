package main

import "net/http"

func newMux(server *apiServer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/readyz", server.handleReadyz)
	mux.Handle("/metrics", handleMetrics(server.metrics))
	mux.HandleFunc("/v1/instance/comm", server.handleInstanceComm)
	mux.HandleFunc("/v1/dss/status", server.handleStatus)
	mux.HandleFunc("/v1/dss/flush/", server.handleFlush)
	return mux
}
