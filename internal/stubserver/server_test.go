package stubserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"edulms/chatcore/internal/models"
	"edulms/chatcore/internal/rest"
	"edulms/chatcore/internal/stubserver"
)

func newStub(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv := stubserver.New(stubserver.NewMemoryStore(), stubserver.NewMemoryPresence(), "test-secret", zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv.Start(ctx)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func login(t *testing.T, ts *httptest.Server, email, name, role string) (token string, user models.ChatUser) {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"email": email, "name": name, "role": role})
	resp, err := http.Post(ts.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Token string          `json:"token"`
		User  models.ChatUser `json:"user"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Token, out.User
}

func apiFor(t *testing.T, ts *httptest.Server, token string) *rest.Client {
	t.Helper()
	return rest.New(ts.URL+"/api/v1", token, zaptest.NewLogger(t))
}

func TestLogin_IssuesUsableToken(t *testing.T) {
	ts := newStub(t)
	token, user := login(t, ts, "amara@school.test", "Amara", models.RoleAdmin)
	require.NotEmpty(t, token)
	require.NotEmpty(t, user.ID)

	api := apiFor(t, ts, token)
	id, err := api.SelfID()
	require.NoError(t, err)
	assert.Equal(t, user.ID, id)

	// Logging in again with the same email reuses the account.
	_, again := login(t, ts, "amara@school.test", "", "")
	assert.Equal(t, user.ID, again.ID)
}

func TestAuth_RejectsMissingAndBogusTokens(t *testing.T) {
	ts := newStub(t)

	resp, err := http.Get(ts.URL + "/api/v1/chat/users")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, err = apiFor(t, ts, "garbage").Users(context.Background())
	assert.Error(t, err)
}

func TestSendAndHistory_RoundTrip(t *testing.T) {
	ts := newStub(t)
	adminTok, admin := login(t, ts, "admin@school.test", "Admin", models.RoleAdmin)
	_, student := login(t, ts, "sam@school.test", "Sam", models.RoleStudent)

	api := apiFor(t, ts, adminTok)
	ctx := context.Background()

	msg, err := api.Send(ctx, rest.SendRequest{Receiver: student.ID, Message: "welcome"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, models.UserRef(admin.ID), msg.Sender)
	assert.Equal(t, models.UserRef(student.ID), msg.Receiver)
	assert.False(t, msg.CreatedAt.IsZero())

	hist, err := api.History(ctx, student.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, msg.ID, hist[0].ID)
	assert.Equal(t, "welcome", hist[0].Message)
}

func TestSend_RequiresBodyOrImage(t *testing.T) {
	ts := newStub(t)
	adminTok, _ := login(t, ts, "admin@school.test", "Admin", models.RoleAdmin)
	_, student := login(t, ts, "sam@school.test", "Sam", models.RoleStudent)

	_, err := apiFor(t, ts, adminTok).Send(context.Background(), rest.SendRequest{Receiver: student.ID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestRoster_StudentSeesOnlyAdmins(t *testing.T) {
	ts := newStub(t)
	_, _ = login(t, ts, "admin@school.test", "Admin", models.RoleAdmin)
	_, _ = login(t, ts, "teach@school.test", "Teacher", models.RoleTeacher)
	studentTok, _ := login(t, ts, "sam@school.test", "Sam", models.RoleStudent)

	users, err := apiFor(t, ts, studentTok).Users(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, models.RoleAdmin, users[0].Role)
}

func TestRoster_AnnotatesLastMessageAndUnread(t *testing.T) {
	ts := newStub(t)
	adminTok, _ := login(t, ts, "admin@school.test", "Admin", models.RoleAdmin)
	studentTok, student := login(t, ts, "sam@school.test", "Sam", models.RoleStudent)

	ctx := context.Background()
	adminAPI := apiFor(t, ts, adminTok)
	_, err := adminAPI.Send(ctx, rest.SendRequest{Receiver: student.ID, Message: "one"})
	require.NoError(t, err)
	sent, err := adminAPI.Send(ctx, rest.SendRequest{Receiver: student.ID, Message: "two"})
	require.NoError(t, err)

	users, err := apiFor(t, ts, studentTok).Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.NotNil(t, users[0].LastMessage)
	assert.Equal(t, sent.ID, users[0].LastMessage.ID)
	assert.Equal(t, 2, users[0].UnreadCount)

	// Fetching history marks the conversation read.
	_, err = apiFor(t, ts, studentTok).History(ctx, users[0].ID)
	require.NoError(t, err)
	users, err = apiFor(t, ts, studentTok).Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, users[0].UnreadCount)
}

func TestBlock_TogglesAndForbidsSending(t *testing.T) {
	ts := newStub(t)
	adminTok, _ := login(t, ts, "admin@school.test", "Admin", models.RoleAdmin)
	studentTok, student := login(t, ts, "sam@school.test", "Sam", models.RoleStudent)

	ctx := context.Background()
	adminAPI := apiFor(t, ts, adminTok)

	res, err := adminAPI.Block(ctx, student.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "blocked")

	// Both directions go dark while either party is blocked.
	_, err = adminAPI.Send(ctx, rest.SendRequest{Receiver: student.ID, Message: "hi"})
	assert.Error(t, err)
	studentAPI := apiFor(t, ts, studentTok)
	users, err := studentAPI.Users(ctx)
	require.NoError(t, err)
	_, err = studentAPI.Send(ctx, rest.SendRequest{Receiver: users[0].ID, Message: "hi"})
	assert.Error(t, err)

	// Toggling again unblocks.
	res, err = adminAPI.Block(ctx, student.ID)
	require.NoError(t, err)
	assert.Contains(t, res.Message, "unblocked")
	_, err = adminAPI.Send(ctx, rest.SendRequest{Receiver: student.ID, Message: "hi"})
	assert.NoError(t, err)
}

func TestBlock_AdminOnly(t *testing.T) {
	ts := newStub(t)
	_, admin := login(t, ts, "admin@school.test", "Admin", models.RoleAdmin)
	studentTok, _ := login(t, ts, "sam@school.test", "Sam", models.RoleStudent)

	_, err := apiFor(t, ts, studentTok).Block(context.Background(), admin.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestClear_PurgesBothDirections(t *testing.T) {
	ts := newStub(t)
	adminTok, admin := login(t, ts, "admin@school.test", "Admin", models.RoleAdmin)
	studentTok, student := login(t, ts, "sam@school.test", "Sam", models.RoleStudent)

	ctx := context.Background()
	adminAPI := apiFor(t, ts, adminTok)
	studentAPI := apiFor(t, ts, studentTok)

	_, err := adminAPI.Send(ctx, rest.SendRequest{Receiver: student.ID, Message: "a"})
	require.NoError(t, err)
	_, err = studentAPI.Send(ctx, rest.SendRequest{Receiver: admin.ID, Message: "b"})
	require.NoError(t, err)

	require.NoError(t, adminAPI.Clear(ctx, student.ID))

	hist, err := adminAPI.History(ctx, student.ID)
	require.NoError(t, err)
	assert.Empty(t, hist)
	hist, err = studentAPI.History(ctx, admin.ID)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestBulkSend_DeliversToEachRecipient(t *testing.T) {
	ts := newStub(t)
	adminTok, admin := login(t, ts, "admin@school.test", "Admin", models.RoleAdmin)
	_, s1 := login(t, ts, "a@school.test", "A", models.RoleStudent)
	_, s2 := login(t, ts, "b@school.test", "B", models.RoleStudent)

	ctx := context.Background()
	adminAPI := apiFor(t, ts, adminTok)
	require.NoError(t, adminAPI.BulkSend(ctx, []string{s1.ID, s2.ID}, "exam moved to friday"))

	for _, s := range []models.ChatUser{s1, s2} {
		hist, err := adminAPI.History(ctx, s.ID)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, "exam moved to friday", hist[0].Message)
		assert.Equal(t, models.UserRef(admin.ID), hist[0].Sender)
	}
}

func TestBulkSendAll_ReachesEveryone(t *testing.T) {
	ts := newStub(t)
	adminTok, _ := login(t, ts, "admin@school.test", "Admin", models.RoleAdmin)
	_, s1 := login(t, ts, "a@school.test", "A", models.RoleStudent)
	_, s2 := login(t, ts, "b@school.test", "B", models.RoleTeacher)

	ctx := context.Background()
	adminAPI := apiFor(t, ts, adminTok)
	require.NoError(t, adminAPI.BulkSendAll(ctx, "snow day"))

	for _, s := range []models.ChatUser{s1, s2} {
		hist, err := adminAPI.History(ctx, s.ID)
		require.NoError(t, err)
		require.Len(t, hist, 1)
	}
}

func TestBulkSend_AdminOnly(t *testing.T) {
	ts := newStub(t)
	_, admin := login(t, ts, "admin@school.test", "Admin", models.RoleAdmin)
	studentTok, _ := login(t, ts, "sam@school.test", "Sam", models.RoleStudent)

	err := apiFor(t, ts, studentTok).BulkSend(context.Background(), []string{admin.ID}, "spam")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
