package api

import (
	"net/http"
)

// handleOpenAPI serves GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.config.CommandPath, s.dispatcher.Names()))
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the gateway with the
// registered command names as the request enum.
func buildOpenAPIDoc(commandPath string, commands []string) map[string]any {
	resultSchema := map[string]any{
		"type":     "object",
		"required": []string{"status"},
		"properties": map[string]any{
			"status":  map[string]any{"type": "string", "enum": []string{"success", "error"}},
			"message": map[string]any{"type": "string"},
		},
		"additionalProperties": true,
	}
	jsonContent := func(schema map[string]any) map[string]any {
		return map[string]any{"application/json": map[string]any{"schema": schema}}
	}
	bearer := []any{map[string]any{"BearerAuth": []string{}}}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Outpost Agent",
			"version": "1.0",
		},
		"paths": map[string]any{
			commandPath: map[string]any{
				"post": map[string]any{
					"operationId": "executeCommand",
					"summary":     "Run one command on the host",
					"security":    bearer,
					"requestBody": map[string]any{
						"required": true,
						"content": jsonContent(map[string]any{
							"type":     "object",
							"required": []string{"command"},
							"properties": map[string]any{
								"command": map[string]any{"type": "string", "enum": commands},
								"value":   map[string]any{"type": []string{"string", "number", "boolean", "null"}},
							},
						}),
					},
					"responses": map[string]any{
						"200": map[string]any{"description": "Command succeeded", "content": jsonContent(resultSchema)},
						"400": map[string]any{"description": "Invalid request", "content": jsonContent(resultSchema)},
						"401": map[string]any{"description": "Missing or invalid credentials"},
						"403": map[string]any{"description": "Insufficient scope"},
						"500": map[string]any{"description": "Command failed", "content": jsonContent(resultSchema)},
						"503": map[string]any{"description": "Too many commands in flight"},
					},
				},
			},
			"/commands": map[string]any{
				"get": map[string]any{
					"operationId": "listCommands",
					"security":    bearer,
					"responses":   map[string]any{"200": map[string]any{"description": "Registered command names"}},
				},
			},
			"/events": map[string]any{
				"get": map[string]any{
					"operationId": "streamEvents",
					"security":    bearer,
					"responses": map[string]any{
						"200": map[string]any{
							"description": "Server-sent event stream",
							"content":     map[string]any{"text/event-stream": map[string]any{}},
						},
					},
				},
			},
			"/healthz": map[string]any{
				"get": map[string]any{
					"operationId": "healthz",
					"responses":   map[string]any{"200": map[string]any{"description": "Agent is up"}},
				},
			},
		},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}
