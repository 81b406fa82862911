// Package mcpserver registers MCP tools that report sign-in state.
// It adapts the connection manager and credential registry to the MCP
// SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/toolkit-auth/internal/connection"
	"github.com/alexjbarnes/toolkit-auth/internal/models"
)

// Connections is the read side of *connection.Manager the tools use.
type Connections interface {
	Connections() []connection.Connection
	Active() (connection.Connection, bool)
	Catalog() connection.Catalog
	ActiveConnectionForFeature(featureID string) (connection.Connection, error)
	ConnectionStateForFeature(featureID string) (models.AuthState, error)
}

// Credentials is the read side of *credentials.Registry the tools use.
type Credentials interface {
	Identifiers() []models.CredentialIdentifier
}

// RegisterTools adds the auth tools to the given MCP server.
func RegisterTools(server *mcp.Server, conns Connections, creds Credentials) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "auth_status",
		Description: "Show every known connection with its sign-in state, the active connection, and which connection each feature resolves to. Never returns tokens.",
	}, authStatusHandler(conns))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_credentials",
		Description: "List classic AWS credential sources discovered from the environment, shared config files and instance metadata. Optionally filter by credential type.",
	}, listCredentialsHandler(creds))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "active_connection",
		Description: "Resolve the connection a feature uses: its pin, else the active connection, else the first connection with the required scopes.",
	}, activeConnectionHandler(conns))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// AuthStatusInput has no parameters.
type AuthStatusInput struct{}

// ListCredentialsInput holds parameters for list_credentials.
type ListCredentialsInput struct {
	Type string `json:"type,omitempty" jsonschema:"only return this credential type, e.g. static, assume-role or sso-profile"`
}

// ActiveConnectionInput holds parameters for active_connection.
type ActiveConnectionInput struct {
	Feature string `json:"feature" jsonschema:"required,feature id from the catalog"`
}

// --- Results ---

// ConnectionInfo describes a connection without any secret material.
type ConnectionInfo struct {
	ID    string           `json:"id"`
	Label string           `json:"label"`
	Type  connection.Type  `json:"type"`
	State models.AuthState `json:"state"`
}

// FeatureStatus is where a feature resolves to.
type FeatureStatus struct {
	Feature      string           `json:"feature"`
	ConnectionID string           `json:"connection_id,omitempty"`
	State        models.AuthState `json:"state"`
}

// AuthStatusResult is the auth_status output.
type AuthStatusResult struct {
	Active      string           `json:"active,omitempty"`
	Connections []ConnectionInfo `json:"connections"`
	Features    []FeatureStatus  `json:"features"`
}

// ListCredentialsResult is the list_credentials output.
type ListCredentialsResult struct {
	Credentials []models.CredentialIdentifier `json:"credentials"`
	Total       int                           `json:"total"`
}

// ActiveConnectionResult is the active_connection output.
type ActiveConnectionResult struct {
	Feature    string           `json:"feature"`
	Connection *ConnectionInfo  `json:"connection,omitempty"`
	State      models.AuthState `json:"state"`
}

func describe(c connection.Connection) ConnectionInfo {
	info := ConnectionInfo{
		ID:    c.ID(),
		Label: c.Label(),
		Type:  c.Type(),
		State: models.StateAuthorized,
	}

	if b, ok := c.(*connection.BearerConnection); ok && b.Provider != nil {
		info.State = b.Provider.State()
	}

	return info
}

// --- Handlers ---

// Status collects every connection with its state and where each catalog
// feature resolves to.
func Status(conns Connections) (*AuthStatusResult, error) {
	result := &AuthStatusResult{
		Connections: []ConnectionInfo{},
		Features:    []FeatureStatus{},
	}

	if active, ok := conns.Active(); ok {
		result.Active = active.ID()
	}

	for _, c := range conns.Connections() {
		result.Connections = append(result.Connections, describe(c))
	}

	for _, id := range conns.Catalog().IDs() {
		st, err := conns.ConnectionStateForFeature(id)
		if err != nil {
			return nil, err
		}

		fs := FeatureStatus{Feature: id, State: st}
		if c, err := conns.ActiveConnectionForFeature(id); err == nil {
			fs.ConnectionID = c.ID()
		}

		result.Features = append(result.Features, fs)
	}

	return result, nil
}

func authStatusHandler(conns Connections) mcp.ToolHandlerFor[AuthStatusInput, *AuthStatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ AuthStatusInput) (*mcp.CallToolResult, *AuthStatusResult, error) {
		result, err := Status(conns)
		if err != nil {
			return nil, nil, err
		}

		return textResult(result), result, nil
	}
}

func listCredentialsHandler(creds Credentials) mcp.ToolHandlerFor[ListCredentialsInput, *ListCredentialsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListCredentialsInput) (*mcp.CallToolResult, *ListCredentialsResult, error) {
		ids := creds.Identifiers()
		if input.Type != "" {
			ids = slices.DeleteFunc(ids, func(id models.CredentialIdentifier) bool {
				return string(id.Type) != input.Type
			})
		}

		if ids == nil {
			ids = []models.CredentialIdentifier{}
		}

		result := &ListCredentialsResult{Credentials: ids, Total: len(ids)}

		return textResult(result), result, nil
	}
}

func activeConnectionHandler(conns Connections) mcp.ToolHandlerFor[ActiveConnectionInput, *ActiveConnectionResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ActiveConnectionInput) (*mcp.CallToolResult, *ActiveConnectionResult, error) {
		if _, ok := conns.Catalog()[input.Feature]; !ok {
			return nil, nil, fmt.Errorf("unknown feature %q", input.Feature)
		}

		st, err := conns.ConnectionStateForFeature(input.Feature)
		if err != nil {
			return nil, nil, err
		}

		result := &ActiveConnectionResult{Feature: input.Feature, State: st}

		if c, err := conns.ActiveConnectionForFeature(input.Feature); err == nil {
			info := describe(c)
			result.Connection = &info
		}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
