package rest_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"edulms/chatcore/internal/models"
	"edulms/chatcore/internal/rest"
)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestSelfID_FromTokenClaims(t *testing.T) {
	token := signToken(t, jwt.MapClaims{"user_id": "u42", "role": "admin"})
	c := rest.New("http://unused", token, zaptest.NewLogger(t))

	id, err := c.SelfID()
	require.NoError(t, err)
	assert.Equal(t, "u42", id)
}

func TestSelfID_MissingClaim(t *testing.T) {
	token := signToken(t, jwt.MapClaims{"role": "admin"})
	c := rest.New("http://unused", token, zaptest.NewLogger(t))

	_, err := c.SelfID()
	assert.ErrorIs(t, err, rest.ErrNoUserClaim)
}

func TestUsers_DecodesAndAuthorizes(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/api/v1/chat/users", r.URL.Path)
		json.NewEncoder(w).Encode([]models.ChatUser{{ID: "a", Name: "Alice", IsOnline: true}})
	}))
	defer srv.Close()

	c := rest.New(srv.URL+"/api/v1", "tok", zaptest.NewLogger(t))
	users, err := c.Users(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "a", users[0].ID)
	assert.Equal(t, "Bearer tok", gotAuth)
}

func TestHistory_NormalizesEmbeddedParties(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/chat/history/u2", r.URL.Path)
		w.Write([]byte(`[{"_id":"m1","sender":{"_id":"u2","name":"Bob"},"receiver":"u1","message":"hi","createdAt":"2025-11-02T10:00:00Z"}]`))
	}))
	defer srv.Close()

	c := rest.New(srv.URL+"/api/v1", "tok", zaptest.NewLogger(t))
	msgs, err := c.History(context.Background(), "u2")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.UserRef("u2"), msgs[0].Sender)
	assert.Equal(t, models.UserRef("u1"), msgs[0].Receiver)
}

func TestSend_TextOnlyOmitsImagePart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/chat/send", r.URL.Path)
		require.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "u2", r.FormValue("receiver"))
		assert.Equal(t, "hello", r.FormValue("message"))
		_, _, err := r.FormFile("image")
		assert.Error(t, err, "no image part expected")

		json.NewEncoder(w).Encode(models.Message{
			ID: "srv-1", Sender: "u1", Receiver: "u2", Message: "hello",
			CreatedAt: time.Now().UTC(),
		})
	}))
	defer srv.Close()

	c := rest.New(srv.URL+"/api/v1", "tok", zaptest.NewLogger(t))
	msg, err := c.Send(context.Background(), rest.SendRequest{Receiver: "u2", Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", msg.ID)
}

func TestSend_WithImageAttachment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("image")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "pic.png", header.Filename)

		json.NewEncoder(w).Encode(models.Message{ID: "srv-2", Image: "uploads/pic.png"})
	}))
	defer srv.Close()

	c := rest.New(srv.URL+"/api/v1", "tok", zaptest.NewLogger(t))
	msg, err := c.Send(context.Background(), rest.SendRequest{
		Receiver:  "u2",
		Image:     strings.NewReader("not-really-a-png"),
		ImageName: "pic.png",
	})
	require.NoError(t, err)
	assert.Equal(t, "uploads/pic.png", msg.Image)
}

func TestBlock_ReturnsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/api/v1/chat/block/u2", r.URL.Path)
		json.NewEncoder(w).Encode(rest.BlockResult{Success: true, Message: "user blocked from chat"})
	}))
	defer srv.Close()

	c := rest.New(srv.URL+"/api/v1", "tok", zaptest.NewLogger(t))
	res, err := c.Block(context.Background(), "u2")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "blocked")
}

func TestClear_RejectedByServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		json.NewEncoder(w).Encode(map[string]bool{"success": false})
	}))
	defer srv.Close()

	c := rest.New(srv.URL+"/api/v1", "tok", zaptest.NewLogger(t))
	assert.Error(t, c.Clear(context.Background(), "u2"))
}

func TestErrorStatusSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"chat is blocked"}`))
	}))
	defer srv.Close()

	c := rest.New(srv.URL+"/api/v1", "tok", zaptest.NewLogger(t))
	_, err := c.Send(context.Background(), rest.SendRequest{Receiver: "u2", Message: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "chat is blocked")
}

func TestBulkSend_PostsRecipients(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/chat/bulk-send", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"success":true,"sent":2}`))
	}))
	defer srv.Close()

	c := rest.New(srv.URL+"/api/v1", "tok", zaptest.NewLogger(t))
	require.NoError(t, c.BulkSend(context.Background(), []string{"a", "b"}, "exam tomorrow"))
	assert.Equal(t, "exam tomorrow", got["message"])
	assert.Len(t, got["recipients"], 2)
}
