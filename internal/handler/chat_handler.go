package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sci-core/internal/middleware"
	"sci-core/internal/model"
	"sci-core/internal/service"
	"sci-core/pkg/log"
	"sci-core/pkg/storage"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// multipart 表单中除图片以外的字段最多占用的内存
const formOverhead = 1 << 20

// ChatHandler 负责处理提问请求，支持 REST 与 WebSocket 两种方式。
type ChatHandler struct {
	chatService   service.ChatService
	maxImageBytes int64
	upgrader      websocket.Upgrader
}

// NewChatHandler 创建一个新的 ChatHandler。allowedOrigins 为空或包含 "*" 时允许所有来源。
func NewChatHandler(chatService service.ChatService, maxImageBytes int64, allowedOrigins []string) *ChatHandler {
	return &ChatHandler{
		chatService:   chatService,
		maxImageBytes: maxImageBytes,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
				return true
			}
		}
		return false
	}
}

// AskRequest 定义了 JSON 提问的请求体结构；multipart 请求使用同名表单字段，图片字段为 image。
type AskRequest struct {
	Prompt string `json:"prompt" form:"prompt"`
	Mode   string `json:"mode" form:"mode"`
}

// Ask 处理一次非流式提问，返回助手消息。
func (h *ChatHandler) Ask(c *gin.Context) {
	in, err := h.bindAsk(c)
	if err != nil {
		log.Warnf("Ask: Invalid request payload, error: %v", err)
		status, msg := statusFor(err)
		fail(c, status, msg)
		return
	}

	turn, err := h.chatService.Ask(c.Request.Context(), middleware.SessionID(c), in, nil)
	if err != nil {
		status, msg := statusFor(err)
		switch {
		case status == statusClientClosedRequest:
			log.Infof("Ask: 客户端已断开，会话: %s", middleware.SessionID(c))
		case status >= http.StatusInternalServerError:
			log.Error("Ask: failed to answer", err)
		}
		fail(c, status, msg)
		return
	}
	ok(c, turn)
}

func (h *ChatHandler) bindAsk(c *gin.Context) (service.AskInput, error) {
	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		var req AskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return service.AskInput{}, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		return service.AskInput{Prompt: req.Prompt, Mode: model.Mode(req.Mode)}, nil
	}

	if h.maxImageBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxImageBytes+formOverhead)
	}
	if err := c.Request.ParseMultipartForm(formOverhead); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return service.AskInput{}, storage.ErrImageTooLarge
		}
		return service.AskInput{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	in := service.AskInput{
		Prompt: c.PostForm("prompt"),
		Mode:   model.Mode(c.PostForm("mode")),
	}

	fh, err := c.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return in, nil
	}
	if err != nil {
		return service.AskInput{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if h.maxImageBytes > 0 && fh.Size > h.maxImageBytes {
		return service.AskInput{}, storage.ErrImageTooLarge
	}
	f, err := fh.Open()
	if err != nil {
		return service.AskInput{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	defer f.Close()
	in.Image, err = io.ReadAll(f)
	if err != nil {
		return service.AskInput{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return in, nil
}

// wsImage 是 WebSocket 消息里 base64 编码的图片。mimeType 仅作参考，实际类型以内容嗅探为准。
type wsImage struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type wsClientMessage struct {
	Type   string   `json:"type"` // ask | stop
	Prompt string   `json:"prompt"`
	Mode   string   `json:"mode"`
	Image  *wsImage `json:"image"`
}

type wsServerMessage struct {
	Type      string      `json:"type"` // status | chunk | answer | error | stop | completion
	Stage     string      `json:"stage,omitempty"`
	Chunk     string      `json:"chunk,omitempty"`
	Data      *model.Turn `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Status    string      `json:"status,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// wsWriter 串行化对同一连接的写操作。
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) send(msg wsServerMessage) {
	msg.Timestamp = time.Now().UnixMilli()
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteJSON(msg); err != nil {
		log.Warnf("写入 WebSocket 消息失败: %v", err)
	}
}

func (w *wsWriter) fail(message string) {
	w.send(wsServerMessage{Type: "error", Error: message})
	w.send(wsServerMessage{Type: "completion", Status: "finished", Message: "响应已完成"})
}

func (m wsClientMessage) toAskInput(maxImageBytes int64) (service.AskInput, error) {
	in := service.AskInput{Prompt: m.Prompt, Mode: model.Mode(m.Mode)}
	if m.Image == nil || m.Image.Data == "" {
		return in, nil
	}
	data := m.Image.Data
	// 兼容 data URL
	if i := strings.Index(data, ";base64,"); strings.HasPrefix(data, "data:") && i >= 0 {
		data = data[i+len(";base64,"):]
	}
	if maxImageBytes > 0 && int64(base64.StdEncoding.DecodedLen(len(data))) > maxImageBytes+2 {
		return service.AskInput{}, storage.ErrImageTooLarge
	}
	img, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return service.AskInput{}, fmt.Errorf("%w: invalid image encoding: %v", errBadRequest, err)
	}
	in.Image = img
	return in, nil
}

// Handle 处理一个 WebSocket 连接。每个连接同一时间只处理一个提问，收到 stop 时取消正在进行的提问。
func (h *ChatHandler) Handle(c *gin.Context) {
	sessionID := middleware.SessionID(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	if h.maxImageBytes > 0 {
		conn.SetReadLimit(h.maxImageBytes*4/3 + formOverhead)
	}
	log.Infof("WebSocket 连接已建立，会话: %s", sessionID)

	w := &wsWriter{conn: conn}
	connCtx, cancelConn := context.WithCancel(context.Background())
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		cancelAsk context.CancelFunc
	)
	defer wg.Wait()
	defer cancelConn()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("从 WebSocket 读取消息失败: %v", err)
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			w.fail("无效的消息格式")
			continue
		}

		switch msg.Type {
		case "stop":
			mu.Lock()
			if cancelAsk != nil {
				cancelAsk()
			}
			mu.Unlock()
		case "ask":
			mu.Lock()
			busy := cancelAsk != nil
			mu.Unlock()
			if busy {
				w.send(wsServerMessage{Type: "error", Error: "上一个问题仍在处理中"})
				continue
			}
			in, err := msg.toAskInput(h.maxImageBytes)
			if err != nil {
				_, text := statusFor(err)
				w.fail(text)
				continue
			}

			askCtx, cancel := context.WithCancel(connCtx)
			mu.Lock()
			cancelAsk = cancel
			mu.Unlock()
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.runAsk(askCtx, w, sessionID, in)
				mu.Lock()
				cancelAsk = nil
				mu.Unlock()
				cancel()
				// 先释放占用再通知完成，客户端收到 completion 后即可发下一个问题
				w.send(wsServerMessage{Type: "completion", Status: "finished", Message: "响应已完成"})
			}()
		default:
			w.fail("未知的消息类型")
		}
	}
}

// runAsk 执行一次提问并推送进度与结果，completion 由调用方发送。
func (h *ChatHandler) runAsk(ctx context.Context, w *wsWriter, sessionID string, in service.AskInput) {
	turn, err := h.chatService.Ask(ctx, sessionID, in, func(e service.Event) {
		if e.Stage == service.StageChunk {
			w.send(wsServerMessage{Type: "chunk", Chunk: e.Chunk})
			return
		}
		w.send(wsServerMessage{Type: "status", Stage: e.Stage})
	})
	switch {
	case errors.Is(err, context.Canceled):
		log.Info("收到停止指令，已中断提问")
		w.send(wsServerMessage{Type: "stop", Message: "响应已停止"})
	case err != nil:
		status, text := statusFor(err)
		if status >= http.StatusInternalServerError {
			log.Error("处理提问失败", err)
		}
		w.send(wsServerMessage{Type: "error", Error: text})
	default:
		w.send(wsServerMessage{Type: "answer", Data: turn})
	}
}
