package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sci-core/internal/middleware"
	"sci-core/internal/model"
	"sci-core/internal/service"
	"sci-core/pkg/storage"
	"sci-core/pkg/token"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

// fakeChatService 记录收到的输入，并按 askFn 返回结果。
type fakeChatService struct {
	mu      sync.Mutex
	inputs  []service.AskInput
	history map[string][]model.Turn
	askFn   func(ctx context.Context, in service.AskInput, progress service.Progress) (*model.Turn, error)
}

func newFakeChatService() *fakeChatService {
	return &fakeChatService{history: map[string][]model.Turn{}}
}

func (f *fakeChatService) Ask(ctx context.Context, sessionID string, in service.AskInput, progress service.Progress) (*model.Turn, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
	if f.askFn != nil {
		return f.askFn(ctx, in, progress)
	}
	turn := &model.Turn{ID: "t1", Role: model.RoleAssistant, Content: "answer to " + in.Prompt}
	f.mu.Lock()
	f.history[sessionID] = append(f.history[sessionID], model.Turn{Role: model.RoleUser, Content: in.Prompt}, *turn)
	f.mu.Unlock()
	return turn, nil
}

func (f *fakeChatService) History(_ context.Context, sessionID string) ([]model.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Turn(nil), f.history[sessionID]...), nil
}

func (f *fakeChatService) Reset(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.history, sessionID)
	return nil
}

func (f *fakeChatService) lastInput() service.AskInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[len(f.inputs)-1]
}

type testEnv struct {
	router *gin.Engine
	chat   *fakeChatService
	jwt    *token.JWTManager
}

func newTestEnv(t *testing.T, accessCodeHash string, maxImageBytes int64) *testEnv {
	t.Helper()
	jwtManager := token.NewJWTManager("test-secret", 1)
	chat := newFakeChatService()
	sessionHandler := NewSessionHandler(service.NewSessionService(jwtManager, accessCodeHash), chat)
	chatHandler := NewChatHandler(chat, maxImageBytes, nil)

	r := gin.New()
	r.GET("/healthz", Health)
	api := r.Group("/api/v1")
	api.POST("/sessions", sessionHandler.Create)
	history := api.Group("/sessions/history", middleware.SessionAuth(jwtManager))
	history.GET("", sessionHandler.GetHistory)
	history.DELETE("", sessionHandler.ClearHistory)
	chatGroup := api.Group("/chat", middleware.SessionAuth(jwtManager))
	chatGroup.POST("", chatHandler.Ask)
	chatGroup.GET("/ws", chatHandler.Handle)
	return &testEnv{router: r, chat: chat, jwt: jwtManager}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func (e *testEnv) session(t *testing.T) (string, string) {
	t.Helper()
	sessionID, tok, _, err := e.jwt.NewSession()
	require.NoError(t, err)
	return sessionID, tok
}

func jsonRequest(method, target, tok string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "", 0)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestCreateSession(t *testing.T) {
	t.Run("no access code configured", func(t *testing.T) {
		env := newTestEnv(t, "", 0)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
		w, body := env.do(t, req)
		require.Equal(t, http.StatusOK, w.Code)

		var info service.SessionInfo
		require.NoError(t, json.Unmarshal(body.Data, &info))
		claims, err := env.jwt.VerifyToken(info.Token)
		require.NoError(t, err)
		assert.Equal(t, info.SessionID, claims.SessionID)
	})

	t.Run("access code required", func(t *testing.T) {
		hash, err := bcrypt.GenerateFromPassword([]byte("letmein"), bcrypt.MinCost)
		require.NoError(t, err)
		env := newTestEnv(t, string(hash), 0)

		w, _ := env.do(t, jsonRequest(http.MethodPost, "/api/v1/sessions", "", gin.H{"accessCode": "nope"}))
		assert.Equal(t, http.StatusForbidden, w.Code)

		w, _ = env.do(t, jsonRequest(http.MethodPost, "/api/v1/sessions", "", gin.H{"accessCode": "letmein"}))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestHistoryEndpoints(t *testing.T) {
	env := newTestEnv(t, "", 0)
	sessionID, tok := env.session(t)

	w, _ := env.do(t, jsonRequest(http.MethodGet, "/api/v1/sessions/history", "", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	_, err := env.chat.Ask(context.Background(), sessionID, service.AskInput{Prompt: "hi"}, nil)
	require.NoError(t, err)

	w, body := env.do(t, jsonRequest(http.MethodGet, "/api/v1/sessions/history", tok, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var turns []model.Turn
	require.NoError(t, json.Unmarshal(body.Data, &turns))
	require.Len(t, turns, 2)
	assert.Equal(t, "hi", turns[0].Content)

	w, _ = env.do(t, jsonRequest(http.MethodDelete, "/api/v1/sessions/history", tok, nil))
	require.Equal(t, http.StatusOK, w.Code)
	w, body = env.do(t, jsonRequest(http.MethodGet, "/api/v1/sessions/history", tok, nil))
	require.Equal(t, http.StatusOK, w.Code)
	turns = nil
	require.NoError(t, json.Unmarshal(body.Data, &turns))
	assert.Empty(t, turns)
}

func TestAsk_JSON(t *testing.T) {
	env := newTestEnv(t, "", 0)
	_, tok := env.session(t)

	w, body := env.do(t, jsonRequest(http.MethodPost, "/api/v1/chat", tok, gin.H{"prompt": "2+2?", "mode": "consensus"}))
	require.Equal(t, http.StatusOK, w.Code)
	var turn model.Turn
	require.NoError(t, json.Unmarshal(body.Data, &turn))
	assert.Equal(t, "answer to 2+2?", turn.Content)
	assert.Equal(t, model.ModeConsensus, env.chat.lastInput().Mode)
}

func TestAsk_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"empty prompt", service.ErrEmptyPrompt, http.StatusBadRequest},
		{"invalid mode", service.ErrInvalidMode, http.StatusBadRequest},
		{"no answer", service.ErrNoAnswer, http.StatusServiceUnavailable},
		{"client went away", context.Canceled, statusClientClosedRequest},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "", 0)
			env.chat.askFn = func(context.Context, service.AskInput, service.Progress) (*model.Turn, error) {
				return nil, tt.err
			}
			_, tok := env.session(t)
			w, body := env.do(t, jsonRequest(http.MethodPost, "/api/v1/chat", tok, gin.H{"prompt": "q"}))
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantCode, body.Code)
		})
	}
}

func TestAsk_InvalidJSON(t *testing.T) {
	env := newTestEnv(t, "", 0)
	_, tok := env.session(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	w, _ := env.do(t, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func multipartRequest(t *testing.T, tok, prompt string, image []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("prompt", prompt))
	require.NoError(t, mw.WriteField("mode", "single"))
	if image != nil {
		fw, err := mw.CreateFormFile("image", "photo.png")
		require.NoError(t, err)
		_, err = fw.Write(image)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tok)
	return req
}

func TestAsk_Multipart(t *testing.T) {
	env := newTestEnv(t, "", 1024)
	_, tok := env.session(t)

	w, _ := env.do(t, multipartRequest(t, tok, "what is this?", pngBytes))
	require.Equal(t, http.StatusOK, w.Code)
	in := env.chat.lastInput()
	assert.Equal(t, "what is this?", in.Prompt)
	assert.Equal(t, model.ModeSingle, in.Mode)
	assert.Equal(t, pngBytes, in.Image)

	w, _ = env.do(t, multipartRequest(t, tok, "no image", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, env.chat.lastInput().Image)
}

func TestAsk_MultipartImageTooLarge(t *testing.T) {
	env := newTestEnv(t, "", 16)
	_, tok := env.session(t)

	w, body := env.do(t, multipartRequest(t, tok, "q", bytes.Repeat([]byte{0xff}, 64)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, http.StatusRequestEntityTooLarge, body.Code)
}

func dialWS(t *testing.T, env *testEnv, tok string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/chat/ws?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntilCompletion 读取服务端消息直到 completion。
func readUntilCompletion(t *testing.T, conn *websocket.Conn) []wsServerMessage {
	t.Helper()
	var msgs []wsServerMessage
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var m wsServerMessage
		require.NoError(t, conn.ReadJSON(&m))
		msgs = append(msgs, m)
		if m.Type == "completion" {
			return msgs
		}
	}
}

func types(msgs []wsServerMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

func TestWebSocket_Ask(t *testing.T) {
	env := newTestEnv(t, "", 1024)
	env.chat.askFn = func(ctx context.Context, in service.AskInput, progress service.Progress) (*model.Turn, error) {
		if in.Prompt == "again" {
			return &model.Turn{Role: model.RoleAssistant, Content: "again"}, nil
		}
		progress(service.Event{Stage: service.StageSolving})
		progress(service.Event{Stage: service.StageJudging})
		progress(service.Event{Stage: service.StageChunk, Chunk: "fin"})
		progress(service.Event{Stage: service.StageChunk, Chunk: "al"})
		return &model.Turn{Role: model.RoleAssistant, Content: "final"}, nil
	}
	_, tok := env.session(t)
	conn := dialWS(t, env, tok)

	require.NoError(t, conn.WriteJSON(gin.H{
		"type":   "ask",
		"prompt": "look",
		"image":  gin.H{"mimeType": "image/png", "data": base64.StdEncoding.EncodeToString(pngBytes)},
	}))
	msgs := readUntilCompletion(t, conn)

	assert.Equal(t, []string{"status", "status", "chunk", "chunk", "answer", "completion"}, types(msgs))
	assert.Equal(t, service.StageSolving, msgs[0].Stage)
	assert.Equal(t, service.StageJudging, msgs[1].Stage)
	assert.Equal(t, "fin", msgs[2].Chunk)
	require.NotNil(t, msgs[4].Data)
	assert.Equal(t, "final", msgs[4].Data.Content)
	assert.Equal(t, "finished", msgs[5].Status)
	assert.Equal(t, pngBytes, env.chat.lastInput().Image)

	// 同一连接可以继续提问
	require.NoError(t, conn.WriteJSON(gin.H{"type": "ask", "prompt": "again"}))
	msgs = readUntilCompletion(t, conn)
	assert.Equal(t, []string{"answer", "completion"}, types(msgs))
}

func TestWebSocket_Stop(t *testing.T) {
	env := newTestEnv(t, "", 0)
	started := make(chan struct{})
	env.chat.askFn = func(ctx context.Context, in service.AskInput, progress service.Progress) (*model.Turn, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, tok := env.session(t)
	conn := dialWS(t, env, tok)

	require.NoError(t, conn.WriteJSON(gin.H{"type": "ask", "prompt": "long question"}))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("ask did not start")
	}
	require.NoError(t, conn.WriteJSON(gin.H{"type": "stop"}))

	msgs := readUntilCompletion(t, conn)
	assert.Equal(t, []string{"stop", "completion"}, types(msgs))
}

func TestWebSocket_SecondAskWhileBusy(t *testing.T) {
	env := newTestEnv(t, "", 0)
	started := make(chan struct{})
	release := make(chan struct{})
	env.chat.askFn = func(ctx context.Context, in service.AskInput, progress service.Progress) (*model.Turn, error) {
		close(started)
		<-release
		return &model.Turn{Role: model.RoleAssistant, Content: "first"}, nil
	}
	_, tok := env.session(t)
	conn := dialWS(t, env, tok)

	require.NoError(t, conn.WriteJSON(gin.H{"type": "ask", "prompt": "one"}))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("ask did not start")
	}
	require.NoError(t, conn.WriteJSON(gin.H{"type": "ask", "prompt": "two"}))

	// 第二个问题被拒绝：只有 error，没有 completion
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var rejected wsServerMessage
	require.NoError(t, conn.ReadJSON(&rejected))
	assert.Equal(t, "error", rejected.Type)
	assert.Equal(t, "上一个问题仍在处理中", rejected.Error)

	close(release)
	msgs := readUntilCompletion(t, conn)
	assert.Equal(t, []string{"answer", "completion"}, types(msgs))
	assert.Equal(t, "first", msgs[0].Data.Content)

	env.chat.mu.Lock()
	defer env.chat.mu.Unlock()
	require.Len(t, env.chat.inputs, 1)
	assert.Equal(t, "one", env.chat.inputs[0].Prompt)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrapped: %w", context.Canceled), statusClientClosedRequest},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{storage.ErrImageTooLarge, http.StatusRequestEntityTooLarge},
		{storage.ErrUnsupportedImage, http.StatusBadRequest},
		{service.ErrAccessDenied, http.StatusForbidden},
	}
	for _, tt := range tests {
		got, _ := statusFor(tt.err)
		assert.Equal(t, tt.want, got, tt.err.Error())
	}
}

func TestWebSocket_ErrorsAndBadMessages(t *testing.T) {
	env := newTestEnv(t, "", 0)
	env.chat.askFn = func(context.Context, service.AskInput, service.Progress) (*model.Turn, error) {
		return nil, service.ErrNoAnswer
	}
	_, tok := env.session(t)
	conn := dialWS(t, env, tok)

	require.NoError(t, conn.WriteJSON(gin.H{"type": "ask", "prompt": "q"}))
	msgs := readUntilCompletion(t, conn)
	assert.Equal(t, []string{"error", "completion"}, types(msgs))
	assert.Contains(t, msgs[0].Error, "System Error")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	msgs = readUntilCompletion(t, conn)
	assert.Equal(t, []string{"error", "completion"}, types(msgs))

	require.NoError(t, conn.WriteJSON(gin.H{"type": "ask", "prompt": "q", "image": gin.H{"data": "%%%"}}))
	msgs = readUntilCompletion(t, conn)
	assert.Equal(t, []string{"error", "completion"}, types(msgs))
}

func TestWebSocket_RequiresToken(t *testing.T) {
	env := newTestEnv(t, "", 0)
	srv := httptest.NewServer(env.router)
	defer srv.Close()
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/chat/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))
	assert.True(t, originChecker([]string{"*"})(req))
}
