package main

import (
	"github.com/openfroyo/archstate/pkg/config"
	"github.com/openfroyo/archstate/pkg/telemetry"
)

// newTelemetry builds runner telemetry: JSON logs on stderr, no metrics
// server and no event bus. Tracing follows the config, except the stdout
// exporter, which would corrupt the protocol stream.
func newTelemetry(cfg *config.Config) (*telemetry.Telemetry, error) {
	tc := cfg.TelemetryConfig(Version)
	tc.ServiceName = "archstate-runner"
	tc.Logging.Output = "stderr"
	tc.Logging.Format = "json"
	tc.Metrics.Enabled = false
	tc.Metrics.ListenAddress = ""
	tc.Metrics.Textfile = ""
	tc.Events.Enabled = false
	if tc.Tracing.Exporter == "stdout" {
		tc.Tracing.Enabled = false
	}
	return telemetry.NewTelemetry(tc)
}
