package dispatch

import (
	"context"

	"github.com/mattjoyce/outpost/internal/command"
)

func (d *Dispatcher) registerTelemetry() {
	d.Register("send_sensor_data", handler{execute: d.sendSensorData})
}

// sendSensorData runs one telemetry cycle inline and returns the controller's reply.
func (d *Dispatcher) sendSensorData(ctx context.Context, _ command.Request) command.Result {
	if d.deps.Reporter == nil || d.deps.Sampler == nil {
		return command.Failure(command.Unexpected, "Telemetry reporter is not configured", nil)
	}

	ack, err := d.deps.Reporter.Report(ctx, d.deps.Sampler.Sample())
	if err != nil {
		d.logger.Error("failed to send sensor data", "error", err)
		return command.Failure(command.Execution, "Failed to send sensor data to master.", map[string]any{
			"master_error": map[string]any{"error": err.Error()},
		})
	}

	return command.Success(map[string]any{
		"message":         "Sensor data sent to master.",
		"master_response": ack,
	})
}
