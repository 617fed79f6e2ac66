// Package rest is the client for the chat endpoints of the LMS API. Message
// delivery goes through here (reliable), with the socket only mirroring
// afterwards, so sending works even while the realtime channel is down.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"edulms/chatcore/internal/models"
)

// ErrNoUserClaim is returned when the session token carries no user id.
var ErrNoUserClaim = errors.New("rest: token has no user_id claim")

// Client talks to the authenticated chat API.
type Client struct {
	base  string
	token string
	http  *http.Client
	log   *zap.Logger
}

func New(base, token string, log *zap.Logger) *Client {
	return &Client{
		base:  base,
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
		log:   log,
	}
}

// SelfID extracts the current user's id from the session token. The token is
// decoded without signature verification: the server is the one enforcing
// it, the client only needs the claims.
func (c *Client) SelfID() (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, claims); err != nil {
		return "", fmt.Errorf("rest: parse token: %w", err)
	}
	id, ok := claims["user_id"].(string)
	if !ok || id == "" {
		return "", ErrNoUserClaim
	}
	return id, nil
}

// AuthHeader returns the headers the socket handshake should carry.
func (c *Client) AuthHeader() map[string][]string {
	return map[string][]string{"Authorization": {"Bearer " + c.token}}
}

// Users fetches the roster for the current user.
func (c *Client) Users(ctx context.Context) ([]models.ChatUser, error) {
	var users []models.ChatUser
	if err := c.doJSON(ctx, http.MethodGet, "/chat/users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// History fetches the ordered message log for the conversation with
// recipientID.
func (c *Client) History(ctx context.Context, recipientID string) ([]models.Message, error) {
	var msgs []models.Message
	if err := c.doJSON(ctx, http.MethodGet, "/chat/history/"+recipientID, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendRequest is the multipart send payload. Image is optional; when nil the
// request carries no image part at all.
type SendRequest struct {
	Receiver  string
	Message   string
	Image     io.Reader
	ImageName string
}

// Send posts the message and returns the server-confirmed Message, id and
// timestamp assigned. Callers append this confirmed form to the local log;
// there is no speculative echo to roll back.
func (c *Client) Send(ctx context.Context, req SendRequest) (models.Message, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	if err := w.WriteField("receiver", req.Receiver); err != nil {
		return models.Message{}, fmt.Errorf("rest: build send payload: %w", err)
	}
	if req.Message != "" {
		if err := w.WriteField("message", req.Message); err != nil {
			return models.Message{}, fmt.Errorf("rest: build send payload: %w", err)
		}
	}
	if req.Image != nil {
		part, err := w.CreateFormFile("image", req.ImageName)
		if err != nil {
			return models.Message{}, fmt.Errorf("rest: build send payload: %w", err)
		}
		if _, err := io.Copy(part, req.Image); err != nil {
			return models.Message{}, fmt.Errorf("rest: read image: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return models.Message{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/chat/send", &body)
	if err != nil {
		return models.Message{}, err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	var msg models.Message
	if err := c.roundTrip(httpReq, &msg); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// BlockResult is the response of the block toggle endpoint.
type BlockResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Block toggles the chat block on recipientID and reports the new state in
// the result message.
func (c *Client) Block(ctx context.Context, recipientID string) (BlockResult, error) {
	var res BlockResult
	if err := c.doJSON(ctx, http.MethodPut, "/chat/block/"+recipientID, nil, &res); err != nil {
		return BlockResult{}, err
	}
	return res, nil
}

// Clear purges the server-side history for the conversation with
// recipientID.
func (c *Client) Clear(ctx context.Context, recipientID string) error {
	var res struct {
		Success bool `json:"success"`
	}
	if err := c.doJSON(ctx, http.MethodDelete, "/chat/clear/"+recipientID, nil, &res); err != nil {
		return err
	}
	if !res.Success {
		return errors.New("rest: clear rejected by server")
	}
	return nil
}

// BulkSend delivers text to each listed recipient (admin broadcast helper).
func (c *Client) BulkSend(ctx context.Context, recipients []string, text string) error {
	payload := map[string]any{"recipients": recipients, "message": text}
	return c.doJSON(ctx, http.MethodPost, "/chat/bulk-send", payload, nil)
}

// BulkSendAll delivers text to every chat user (admin broadcast helper).
func (c *Client) BulkSendAll(ctx context.Context, text string) error {
	payload := map[string]any{"message": text}
	return c.doJSON(ctx, http.MethodPost, "/chat/bulk-send-all", payload, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.roundTrip(req, out)
}

func (c *Client) roundTrip(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rest: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("rest: %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rest: decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}
