package dispatch

import (
	"context"
	"fmt"

	"github.com/mattjoyce/outpost/internal/command"
)

func (d *Dispatcher) registerEcho() {
	d.Register("ping_test", handler{execute: d.pingTest})
	d.Register("display_message", handler{
		validate: func(req command.Request) error {
			// An empty string is still a message.
			if req.Argument == nil {
				return command.NewValidationError("No message provided for display")
			}
			return nil
		},
		execute: d.displayMessage,
	})
}

func (d *Dispatcher) pingTest(_ context.Context, req command.Request) command.Result {
	var echo any
	value := ""
	if req.Argument != nil {
		value = *req.Argument
		echo = value
	}
	return command.Success(map[string]any{
		"message":    fmt.Sprintf("Agent received ping test. Value: %s", value),
		"echo_value": echo,
	})
}

func (d *Dispatcher) displayMessage(_ context.Context, req command.Request) command.Result {
	d.logger.Info("displaying message", "message", *req.Argument)
	return command.Success(map[string]any{
		"message": fmt.Sprintf("Message '%s' received for display", *req.Argument),
	})
}
