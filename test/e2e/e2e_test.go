package e2e_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/alexjbarnes/toolkit-auth/internal/bearer"
	"github.com/alexjbarnes/toolkit-auth/internal/config"
	"github.com/alexjbarnes/toolkit-auth/internal/connection"
	autherrors "github.com/alexjbarnes/toolkit-auth/internal/errors"
	"github.com/alexjbarnes/toolkit-auth/internal/idp"
	"github.com/alexjbarnes/toolkit-auth/internal/mcpserver"
	"github.com/alexjbarnes/toolkit-auth/internal/models"
)

// whoami calls the emulator's protected endpoint with conn's token source.
func whoami(t *testing.T, h *harness, conn *connection.BearerConnection) idp.Identity {
	t.Helper()

	p, ok := conn.Provider.(*bearer.Provider)
	require.True(t, ok)

	ctx := context.Background()
	resp, err := oauth2.NewClient(ctx, p.TokenSource(ctx)).Get(h.URL + "/whoami")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var id idp.Identity
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&id))

	return id
}

// --- device authorization ---

func TestDeviceLogin_ApprovedByUser(t *testing.T) {
	h := newHarness(t, idp.Options{}, config.FlowDevice)
	a := h.open(t)

	conn, err := a.Login(context.Background(), connection.LoginRequest{
		StartURL: testStartURL,
		Region:   testRegion,
		Scopes:   []string{"codecatalyst:read_write"},
	})
	require.NoError(t, err)

	assert.Len(t, h.Prompter.userCodes(), 1)
	assert.Equal(t, models.StateAuthorized, conn.Provider.State())

	id := whoami(t, h, conn)
	assert.NotEmpty(t, id.ClientID)
}

func TestDeviceLogin_DeniedByUser(t *testing.T) {
	h := newHarness(t, idp.Options{}, config.FlowDevice)
	h.Prompter.approve = false
	a := h.open(t)

	_, err := a.Login(context.Background(), connection.LoginRequest{StartURL: testStartURL, Region: testRegion})
	require.Error(t, err)

	assert.ErrorIs(t, err, autherrors.ErrAccessDenied)
	assert.Empty(t, a.Connections.Connections())
}

func TestDeviceLogin_ReusesRegistration(t *testing.T) {
	h := newHarness(t, idp.Options{AutoApprove: true}, config.FlowDevice)
	a := h.open(t)

	first, err := a.Login(context.Background(), connection.LoginRequest{StartURL: testStartURL, Region: testRegion})
	require.NoError(t, err)
	firstID := whoami(t, h, first).ClientID

	require.NoError(t, a.Connections.Logout(context.Background(), first.ID()))

	second, err := a.Login(context.Background(), connection.LoginRequest{StartURL: testStartURL, Region: testRegion})
	require.NoError(t, err)

	assert.Equal(t, firstID, whoami(t, h, second).ClientID, "the cached client registration is reused")
}

// --- authorization code with PKCE ---

func TestPKCELogin_AutoApproved(t *testing.T) {
	h := newHarness(t, idp.Options{AutoApprove: true}, config.FlowPKCE)
	a := h.open(t)

	conn, err := a.Login(context.Background(), connection.LoginRequest{
		StartURL: testStartURL,
		Region:   testRegion,
		Scopes:   []string{"codewhisperer:completions", "codewhisperer:analysis"},
	})
	require.NoError(t, err)

	opened := h.Prompter.openedURLs()
	require.Len(t, opened, 1)
	assert.True(t, strings.HasPrefix(opened[0], h.URL+"/authorize?"), opened[0])
	assert.Contains(t, opened[0], "code_challenge_method=S256")

	id := whoami(t, h, conn)
	assert.ElementsMatch(t, []string{"codewhisperer:analysis", "codewhisperer:completions"}, id.Scopes)

	assert.Empty(t, h.Prompter.userCodes(), "PKCE sign-in never shows a device code")
}

// --- token lifecycle ---

func TestBearer_RefreshesInsidePrefetchWindow(t *testing.T) {
	h := newHarness(t, idp.Options{AutoApprove: true, TokenTTL: 10 * time.Minute}, config.FlowDevice)
	a := h.open(t)

	conn, err := a.Login(context.Background(), connection.LoginRequest{StartURL: testStartURL, Region: testRegion})
	require.NoError(t, err)

	before, err := conn.Provider.ResolveToken(context.Background())
	require.NoError(t, err)

	after, err := conn.Provider.ResolveToken(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, before.AccessToken, after.AccessToken)
	assert.NotEmpty(t, after.RefreshToken)
}

func TestBearer_SurvivesRestart(t *testing.T) {
	h := newHarness(t, idp.Options{AutoApprove: true}, config.FlowDevice)

	first := h.open(t)
	conn, err := first.Login(context.Background(), connection.LoginRequest{StartURL: testStartURL, Region: testRegion})
	require.NoError(t, err)

	tok, err := conn.Provider.ResolveToken(context.Background())
	require.NoError(t, err)
	first.Close()

	second := h.open(t)
	restored, ok := second.Connections.Bearer(conn.ID())
	require.True(t, ok)

	again, err := restored.Provider.ResolveToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tok.AccessToken, again.AccessToken)
	assert.Len(t, h.Prompter.userCodes(), 1, "the restored connection does not sign in again")
}

func TestLogout_RevokesLocalToken(t *testing.T) {
	h := newHarness(t, idp.Options{AutoApprove: true}, config.FlowDevice)
	a := h.open(t)

	conn, err := a.Login(context.Background(), connection.LoginRequest{StartURL: testStartURL, Region: testRegion})
	require.NoError(t, err)

	require.NoError(t, a.Connections.Logout(context.Background(), conn.ID()))

	_, ok := a.Connections.Bearer(conn.ID())
	assert.False(t, ok)

	_, ok = a.Connections.Active()
	assert.False(t, ok)
}

// --- MCP tools ---

func TestMCP_AuthStatusAfterLogin(t *testing.T) {
	h := newHarness(t, idp.Options{AutoApprove: true}, config.FlowDevice)
	a := h.open(t)

	conn, err := a.Login(context.Background(), connection.LoginRequest{
		StartURL: testStartURL,
		Region:   testRegion,
		Scopes:   []string{"codecatalyst:read_write"},
	})
	require.NoError(t, err)

	session := mcpSession(t, a)

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{Name: "auth_status", Arguments: map[string]any{}})
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := extractTextContent(t, result)

	var status mcpserver.AuthStatusResult
	require.NoError(t, json.Unmarshal([]byte(text), &status))
	assert.Equal(t, conn.ID(), status.Active)

	tok, err := conn.Provider.ResolveToken(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, text, tok.AccessToken)
}

func TestMCP_ActiveConnectionFollowsLogin(t *testing.T) {
	h := newHarness(t, idp.Options{AutoApprove: true}, config.FlowDevice)
	a := h.open(t)
	session := mcpSession(t, a)

	call := func() mcpserver.ActiveConnectionResult {
		result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
			Name:      "active_connection",
			Arguments: map[string]any{"feature": "codecatalyst"},
		})
		require.NoError(t, err)
		require.False(t, result.IsError)

		var out mcpserver.ActiveConnectionResult
		require.NoError(t, json.Unmarshal([]byte(extractTextContent(t, result)), &out))
		return out
	}

	assert.Nil(t, call().Connection)

	_, err := a.Login(context.Background(), connection.LoginRequest{
		StartURL: testStartURL,
		Region:   testRegion,
		Scopes:   []string{"codecatalyst:read_write"},
	})
	require.NoError(t, err)

	out := call()
	require.NotNil(t, out.Connection)
	assert.Equal(t, models.StateAuthorized, out.State)
}

func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}
