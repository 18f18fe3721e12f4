package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/threatdesk/threatdesk/internal/agent"
	"github.com/threatdesk/threatdesk/internal/api/handlers"
	"github.com/threatdesk/threatdesk/internal/api/middleware"
	"github.com/threatdesk/threatdesk/internal/audit"
	"github.com/threatdesk/threatdesk/internal/auth"
	"github.com/threatdesk/threatdesk/internal/config"
	"github.com/threatdesk/threatdesk/internal/llm"
	"github.com/threatdesk/threatdesk/internal/store"
	"github.com/threatdesk/threatdesk/internal/tenant"
	"github.com/threatdesk/threatdesk/internal/tools"
	"github.com/threatdesk/threatdesk/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedClient plays canned model responses in order.
type scriptedClient struct {
	responses []*llm.Response
	err       error
	calls     int
}

func (c *scriptedClient) Complete(_ context.Context, _ *llm.Request) (*llm.Response, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.calls++
	if c.calls > len(c.responses) {
		return &llm.Response{Text: "exhausted", StopReason: "end_turn"}, nil
	}
	return c.responses[c.calls-1], nil
}

func (c *scriptedClient) Model() string { return "scripted" }

type testEnv struct {
	router http.Handler
	store  *store.MemoryStore
	client *scriptedClient
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("THREATDESK_DATA_DIR", "-")

	dataStore := store.NewMemoryStore()
	t.Cleanup(func() { _ = dataStore.Close() })

	client := &scriptedClient{}
	registry := tools.NewRegistry()
	cfg := tools.DefaultConfig()
	cfg.MaxRetries = 0
	loop := agent.NewLoop(client, registry, tools.NewDispatcher(registry, cfg))

	auditLog := audit.NewLogger(dataStore)
	chain := auth.NewProviderChain()
	chain.RegisterProvider(auth.NewGatewayProvider(true))
	chain.RegisterProvider(auth.NewBearerProvider())

	h := handlers.New(dataStore, loop, auditLog, handlers.ChatOptions{
		MaxIterations: 10,
		MaxTokens:     1024,
	}, false)

	router := NewRouter(Deps{
		Handlers: h,
		Auth:     middleware.NewAuth(chain),
		Tenant:   middleware.NewTenant(tenant.NewResolver(dataStore), auditLog),
		Config:   config.Load(),
	})

	return &testEnv{router: router, store: dataStore, client: client}
}

func (e *testEnv) do(t *testing.T, method, path, body string, identify bool, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if identify {
		req.Header.Set("X-Identity-Subject", "sub-alice")
		req.Header.Set("X-Identity-Email", "alice@example.com")
		req.Header.Set("X-Identity-Email-Verified", "true")
		req.Header.Set("X-Identity-Display-Name", "Alice")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthIsPublic(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, "GET", "/health", "", false, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatRequiresIdentity(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, "POST", "/api/v1/chat", `{"message":"hi"}`, false, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "unauthenticated", body["error"])
	assert.NotEmpty(t, body["message"])
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, "POST", "/api/v1/chat", `{"message":"   "}`, true, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeBody(t, rec)["error"])
	assert.Zero(t, e.client.calls, "no model call before validation")
}

func TestChatFirstContactProvisionsAndPersists(t *testing.T) {
	e := newTestEnv(t)
	e.client.responses = []*llm.Response{{
		Text:       "All clear.",
		StopReason: "end_turn",
		Usage:      models.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}}

	rec := e.do(t, "POST", "/api/v1/chat", `{"message":"any new CVEs today?"}`, true, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, "All clear.", body["reply"])
	assert.Equal(t, "final_answer", body["stop_reason"])
	assert.Equal(t, true, body["persisted"])
	convID := body["conversation_id"].(string)
	require.NotEmpty(t, convID)

	// First contact auto-provisioned an organization.
	memberships, err := e.store.ListMembershipsBySubject(context.Background(), "sub-alice")
	require.NoError(t, err)
	require.Len(t, memberships, 1)
	assert.Equal(t, models.RoleOwner, memberships[0].Role)

	// Exactly one user and one assistant turn were stored.
	conv, err := e.store.GetConversation(context.Background(), memberships[0].OrganizationID, convID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, models.TurnRoleUser, conv.Messages[0].Role)
	assert.Equal(t, models.TurnRoleAssistant, conv.Messages[1].Role)
}

func TestChatContinuationGrowsByTwo(t *testing.T) {
	e := newTestEnv(t)
	e.client.responses = []*llm.Response{
		{Text: "first answer", StopReason: "end_turn"},
		{Text: "second answer", StopReason: "end_turn"},
	}

	rec := e.do(t, "POST", "/api/v1/chat", `{"message":"first"}`, true, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	convID := decodeBody(t, rec)["conversation_id"].(string)

	rec = e.do(t, "POST", "/api/v1/chat",
		`{"conversation_id":"`+convID+`","message":"second"}`, true, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	memberships, _ := e.store.ListMembershipsBySubject(context.Background(), "sub-alice")
	conv, err := e.store.GetConversation(context.Background(), memberships[0].OrganizationID, convID)
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 4)
}

func TestChatToolIterationsStayOutOfHistory(t *testing.T) {
	e := newTestEnv(t)
	e.client.responses = []*llm.Response{
		{
			Text:       "checking",
			StopReason: "tool_use",
			ToolCalls:  []models.ToolCall{{ID: "toolu_1", Name: "not_registered", Arguments: map[string]interface{}{}}},
		},
		{Text: "done, nothing exploited", StopReason: "end_turn"},
	}

	rec := e.do(t, "POST", "/api/v1/chat", `{"message":"check CVE-2024-3094"}`, true, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["iterations"])

	memberships, _ := e.store.ListMembershipsBySubject(context.Background(), "sub-alice")
	conv, err := e.store.GetConversation(context.Background(),
		memberships[0].OrganizationID, body["conversation_id"].(string))
	require.NoError(t, err)
	// Tool traffic never lands in durable history.
	require.Len(t, conv.Messages, 2)
}

func TestChatUnknownConversationIs404(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, "POST", "/api/v1/chat",
		`{"conversation_id":"nope","message":"hi"}`, true, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, e.client.calls, "unknown conversation fails before any model call")
}

func TestChatModelFailureIs500(t *testing.T) {
	e := newTestEnv(t)
	e.client.err = errors.New("upstream unreachable")

	rec := e.do(t, "POST", "/api/v1/chat", `{"message":"hi"}`, true, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "model_runtime_error", body["error"])
	// Internal cause withheld outside dev mode.
	assert.NotContains(t, body["message"], "unreachable")
}

func TestCrossTenantRequestDeniedAndAudited(t *testing.T) {
	e := newTestEnv(t)
	e.client.responses = []*llm.Response{{Text: "ok", StopReason: "end_turn"}}

	// Establish a membership first.
	rec := e.do(t, "POST", "/api/v1/chat", `{"message":"hello"}`, true, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "POST", "/api/v1/chat", `{"message":"hello"}`, true,
		map[string]string{middleware.HeaderOrgID: "someone-elses-org"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "cross_tenant_denied", decodeBody(t, rec)["error"])

	denied, err := e.store.ListAuditEvents(context.Background(),
		models.AuditFilter{Outcome: models.AuditDenied})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, "sub-alice", denied[0].ActorID)
}

func TestConversationHiddenFromOtherOrgMembers(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	org := &models.Organization{ID: "org-shared", Name: "Shared", Tier: models.OrgTierPro, Status: models.OrgStatusActive}
	require.NoError(t, e.store.CreateOrganization(ctx, org))
	require.NoError(t, e.store.CreateMembership(ctx, &models.Membership{
		OrganizationID: "org-shared", SubjectID: "sub-alice", Role: models.RoleOwner, IsPrimary: true,
	}))
	require.NoError(t, e.store.CreateMembership(ctx, &models.Membership{
		OrganizationID: "org-shared", SubjectID: "sub-bob", Role: models.RoleMember, IsPrimary: true,
	}))
	require.NoError(t, e.store.CreateConversation(ctx, &models.Conversation{
		ID:             "conv-alice",
		OrganizationID: "org-shared",
		OwnerSubjectID: "sub-alice",
		Messages: []models.Turn{
			{Role: models.TurnRoleUser, Content: "private question"},
			{Role: models.TurnRoleAssistant, Content: "private answer"},
		},
	}))

	// The owner can read it.
	rec := e.do(t, "GET", "/api/v1/conversations/conv-alice", "", true, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A fellow org member cannot read it or continue it.
	bob := map[string]string{"X-Identity-Subject": "sub-bob", "X-Identity-Email": "bob@example.com"}
	rec = e.do(t, "GET", "/api/v1/conversations/conv-alice", "", true, bob)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, "POST", "/api/v1/chat",
		`{"conversation_id":"conv-alice","message":"continue it"}`, true, bob)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, e.client.calls, "ownership check fires before any model call")
}

type brokenConversationStore struct {
	*store.MemoryStore
}

func (b *brokenConversationStore) CreateConversation(context.Context, *models.Conversation) error {
	return errors.New("disk full")
}

func TestChatPersistenceFailureStillReturnsAnswer(t *testing.T) {
	e := newTestEnv(t)
	e.client.responses = []*llm.Response{{Text: "the answer", StopReason: "end_turn"}}

	broken := &brokenConversationStore{MemoryStore: e.store}
	h := handlers.New(broken, agent.NewLoop(e.client, tools.NewRegistry(),
		tools.NewDispatcher(tools.NewRegistry(), tools.DefaultConfig())),
		audit.NewLogger(broken), handlers.ChatOptions{MaxIterations: 10, MaxTokens: 1024}, false)
	chain := auth.NewProviderChain()
	chain.RegisterProvider(auth.NewGatewayProvider(true))
	auditLog := audit.NewLogger(broken)
	router := NewRouter(Deps{
		Handlers: h,
		Auth:     middleware.NewAuth(chain),
		Tenant:   middleware.NewTenant(tenant.NewResolver(broken), auditLog),
		Config:   config.Load(),
	})

	req := httptest.NewRequest("POST", "/api/v1/chat", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("X-Identity-Subject", "sub-alice")
	req.Header.Set("X-Identity-Email", "alice@example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "the answer", body["reply"])
	assert.Equal(t, false, body["persisted"])

	failures, err := e.store.ListAuditEvents(context.Background(),
		models.AuditFilter{Outcome: models.AuditError})
	require.NoError(t, err)
	require.Len(t, failures, 1)
}

func TestListOrganizations(t *testing.T) {
	e := newTestEnv(t)
	e.client.responses = []*llm.Response{{Text: "ok", StopReason: "end_turn"}}
	e.do(t, "POST", "/api/v1/chat", `{"message":"hello"}`, true, nil)

	rec := e.do(t, "GET", "/api/v1/organizations", "", true, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var orgs []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &orgs))
	require.Len(t, orgs, 1)
	assert.Equal(t, "owner", orgs[0]["role"])
	assert.Equal(t, true, orgs[0]["active"])
	assert.Equal(t, "Alice", orgs[0]["name"])
}

func TestAuditTrailVisibleToOwner(t *testing.T) {
	e := newTestEnv(t)
	e.client.responses = []*llm.Response{{Text: "ok", StopReason: "end_turn"}}
	e.do(t, "POST", "/api/v1/chat", `{"message":"hello"}`, true, nil)

	rec := e.do(t, "GET", "/api/v1/audit", "", true, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var events []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.NotEmpty(t, events)
	assert.Equal(t, "chat.message", events[0]["action"])
}
