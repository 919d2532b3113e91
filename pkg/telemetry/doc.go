// Package telemetry provides observability for archstate runs.
//
// It bundles four pieces:
//
//  1. Structured logging with zerolog, scoped by run and state.
//  2. Tracing with OpenTelemetry (stdout or OTLP gRPC exporters).
//  3. Prometheus metrics for runs, states, external commands and downloads,
//     served over HTTP or written to a node_exporter textfile.
//  4. Run events, fanned out to subscribers such as the run store.
//
// Initialize once per process:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// Metrics, Tracer and EventPublisher all accept nil receivers so library code
// can record unconditionally.
package telemetry
