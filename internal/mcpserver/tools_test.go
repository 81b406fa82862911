package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/toolkit-auth/internal/connection"
	autherrors "github.com/alexjbarnes/toolkit-auth/internal/errors"
	"github.com/alexjbarnes/toolkit-auth/internal/models"
)

// stateProvider is a token provider that only reports a fixed state.
type stateProvider struct {
	connection.TokenProvider
	state models.AuthState
}

func (p stateProvider) State() models.AuthState { return p.state }

// fakeConnections resolves features by scope only: a feature uses the
// first connection that grants its scopes, classic ones where allowed.
type fakeConnections struct {
	conns   []connection.Connection
	active  string
	catalog connection.Catalog
}

func (f *fakeConnections) Connections() []connection.Connection { return f.conns }

func (f *fakeConnections) Active() (connection.Connection, bool) {
	for _, c := range f.conns {
		if c.ID() == f.active {
			return c, true
		}
	}
	return nil, false
}

func (f *fakeConnections) Catalog() connection.Catalog { return f.catalog }

func (f *fakeConnections) ActiveConnectionForFeature(featureID string) (connection.Connection, error) {
	feat, ok := f.catalog[featureID]
	if !ok {
		return nil, autherrors.ErrFeatureNotFound
	}

	for _, c := range f.conns {
		switch c := c.(type) {
		case *connection.BearerConnection:
			if c.Grants(feat.RequiredScopes) {
				return c, nil
			}
		case *connection.ClassicConnection:
			if feat.SupportsClassic {
				return c, nil
			}
		}
	}

	return nil, fmt.Errorf("%w for feature %s", autherrors.ErrConnectionNotFound, featureID)
}

func (f *fakeConnections) ConnectionStateForFeature(featureID string) (models.AuthState, error) {
	c, err := f.ActiveConnectionForFeature(featureID)
	if err != nil {
		return models.StateNotAuthenticated, nil
	}
	return describe(c).State, nil
}

type fakeCredentials []models.CredentialIdentifier

func (f fakeCredentials) Identifiers() []models.CredentialIdentifier {
	return append([]models.CredentialIdentifier(nil), f...)
}

const testStartURL = "https://example.awsapps.com/start"

func testConnections() *fakeConnections {
	sso := &connection.BearerConnection{
		StartURL: testStartURL,
		Region:   "us-east-1",
		Scopes:   []string{"codecatalyst:read_write"},
		Provider: stateProvider{state: models.StateNeedsRefresh},
	}
	classic := &connection.ClassicConnection{Identifier: models.CredentialIdentifier{
		ID:          "profile:default",
		DisplayName: "default",
		Type:        models.CredentialTypeStatic,
	}}

	return &fakeConnections{
		conns:   []connection.Connection{sso, classic},
		active:  sso.ID(),
		catalog: connection.DefaultCatalog(),
	}
}

func testCredentials() fakeCredentials {
	return fakeCredentials{
		{ID: "env", DisplayName: "environment", FactoryID: "env", Type: models.CredentialTypeStaticSession},
		{ID: "profile:admin", DisplayName: "admin", FactoryID: "profile", Type: models.CredentialTypeAssumeRole},
		{ID: "profile:default", DisplayName: "default", FactoryID: "profile", Type: models.CredentialTypeStatic},
	}
}

// testSetup registers tools on an MCP server and returns a connected
// client session for calling tools.
func testSetup(t *testing.T, conns Connections, creds Credentials) *mcp.ClientSession {
	t.Helper()

	server := mcp.NewServer(
		&mcp.Implementation{Name: "toolkit-auth-mcp-test", Version: "test"},
		nil,
	)
	RegisterTools(server, conns, creds)

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err := server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(
		&mcp.Implementation{Name: "test-client", Version: "test"},
		nil,
	)
	session, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return session
}

// callTool is a helper that calls a tool and returns the result.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	return result
}

// extractJSON unmarshals the first text content from a CallToolResult.
func extractJSON(t *testing.T, result *mcp.CallToolResult, dest any) {
	t.Helper()
	require.NotEmpty(t, result.Content, "result has no content")
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

// --- auth_status ---

func TestAuthStatus(t *testing.T) {
	session := testSetup(t, testConnections(), testCredentials())

	result := callTool(t, session, "auth_status", map[string]any{})
	require.False(t, result.IsError)

	var status AuthStatusResult
	extractJSON(t, result, &status)

	ssoID := connection.BearerID("us-east-1", testStartURL)
	assert.Equal(t, ssoID, status.Active)
	assert.Equal(t, []ConnectionInfo{
		{ID: ssoID, Label: testStartURL, Type: connection.TypeBearer, State: models.StateNeedsRefresh},
		{ID: "profile:default", Label: "default", Type: connection.TypeClassic, State: models.StateAuthorized},
	}, status.Connections)

	assert.Equal(t, []FeatureStatus{
		{Feature: "codecatalyst", ConnectionID: ssoID, State: models.StateNeedsRefresh},
		{Feature: "codewhisperer", State: models.StateNotAuthenticated},
		{Feature: "explorer", ConnectionID: "profile:default", State: models.StateAuthorized},
	}, status.Features)
}

func TestAuthStatus_NoConnections(t *testing.T) {
	session := testSetup(t, &fakeConnections{catalog: connection.DefaultCatalog()}, fakeCredentials{})

	var status AuthStatusResult
	extractJSON(t, callTool(t, session, "auth_status", map[string]any{}), &status)

	assert.Empty(t, status.Active)
	assert.Empty(t, status.Connections)
	require.Len(t, status.Features, 3)
	for _, f := range status.Features {
		assert.Equal(t, models.StateNotAuthenticated, f.State, f.Feature)
		assert.Empty(t, f.ConnectionID)
	}
}

func TestAuthStatus_NeverLeaksTokens(t *testing.T) {
	session := testSetup(t, testConnections(), testCredentials())

	result := callTool(t, session, "auth_status", map[string]any{})
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)

	assert.NotContains(t, tc.Text, "accessToken")
	assert.NotContains(t, tc.Text, "refreshToken")
}

// --- list_credentials ---

func TestListCredentials_All(t *testing.T) {
	session := testSetup(t, testConnections(), testCredentials())

	var out ListCredentialsResult
	extractJSON(t, callTool(t, session, "list_credentials", map[string]any{}), &out)

	assert.Equal(t, 3, out.Total)
	assert.Equal(t, []models.CredentialIdentifier(testCredentials()), out.Credentials)
}

func TestListCredentials_FilterByType(t *testing.T) {
	session := testSetup(t, testConnections(), testCredentials())

	var out ListCredentialsResult
	extractJSON(t, callTool(t, session, "list_credentials", map[string]any{"type": "assume-role"}), &out)

	require.Equal(t, 1, out.Total)
	assert.Equal(t, "profile:admin", out.Credentials[0].ID)
}

func TestListCredentials_NoMatch(t *testing.T) {
	session := testSetup(t, testConnections(), testCredentials())

	var out ListCredentialsResult
	extractJSON(t, callTool(t, session, "list_credentials", map[string]any{"type": "instance-metadata"}), &out)

	assert.Equal(t, 0, out.Total)
	assert.NotNil(t, out.Credentials)
}

// --- active_connection ---

func TestActiveConnection_Bearer(t *testing.T) {
	session := testSetup(t, testConnections(), testCredentials())

	var out ActiveConnectionResult
	extractJSON(t, callTool(t, session, "active_connection", map[string]any{"feature": "codecatalyst"}), &out)

	assert.Equal(t, "codecatalyst", out.Feature)
	assert.Equal(t, models.StateNeedsRefresh, out.State)
	require.NotNil(t, out.Connection)
	assert.Equal(t, connection.TypeBearer, out.Connection.Type)
}

func TestActiveConnection_NoneQualifies(t *testing.T) {
	session := testSetup(t, testConnections(), testCredentials())

	var out ActiveConnectionResult
	extractJSON(t, callTool(t, session, "active_connection", map[string]any{"feature": "codewhisperer"}), &out)

	assert.Nil(t, out.Connection)
	assert.Equal(t, models.StateNotAuthenticated, out.State)
}

func TestActiveConnection_UnknownFeature(t *testing.T) {
	session := testSetup(t, testConnections(), testCredentials())

	result := callTool(t, session, "active_connection", map[string]any{"feature": "nope"})
	assert.True(t, result.IsError)
}

// --- Tool listing ---

func TestToolsRegistered(t *testing.T) {
	session := testSetup(t, testConnections(), testCredentials())
	ctx := context.Background()

	var names []string
	for tool, err := range session.Tools(ctx, nil) {
		require.NoError(t, err)
		names = append(names, tool.Name)
	}

	assert.ElementsMatch(t, []string{"auth_status", "list_credentials", "active_connection"}, names)
}

var _ connection.TokenProvider = stateProvider{}
