// Package metrics records build, phase and subtask metrics.
//
// Components receive a Recorder through injection and default to NoopRecorder,
// so metrics stay optional:
//
//	reg := prometheus.NewRegistry()
//	orch := orchestrator.New(cfg, orchestrator.WithRecorder(metrics.NewPrometheusRecorder(reg)))
//	http.Handle("/metrics", metrics.HTTPHandler(reg))
package metrics
