// Package server – chat.go exposes an OpenAI-compatible completion endpoint
// backed by the browser agent. The conversation history is serialized to an
// XML envelope the model is told to treat as context, since the page only
// accepts a single prompt string.
package server

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jholhewres/promptrelay/pkg/promptrelay/protocol"
)

const requestTimeout = 120 * time.Second

// ChatRequest is the OpenAI chat completion request subset we honor.
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type ChatMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type cdata struct {
	Value string `xml:",cdata"`
}

type promptXMLMessage struct {
	Role    string `xml:"role,attr"`
	Content cdata  `xml:",innerxml"`
}

type promptXML struct {
	XMLName  xml.Name            `xml:"chat_history"`
	Messages []*promptXMLMessage `xml:"message"`
}

// messagesToXML renders the conversation as a single prompt. CDATA keeps the
// message bodies byte-exact regardless of markup inside them.
func messagesToXML(messages []ChatMessage) (string, error) {
	doc := &promptXML{}
	for _, msg := range messages {
		doc.Messages = append(doc.Messages, &promptXMLMessage{
			Role:    msg.Role,
			Content: cdata{Value: "\n" + msg.Content + "\n"},
		})
	}
	data, err := xml.MarshalIndent(doc, "", "    ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ChatHandler serves /v1/chat/completions.
type ChatHandler struct {
	hub    *Hub
	tasks  *TaskManager
	store  *Store
	logger *slog.Logger

	// One request at a time; the page can only run one generation.
	semaphore chan struct{}
	apiKey    string
}

// NewChatHandler creates the handler. An empty apiKey disables auth.
func NewChatHandler(hub *Hub, tm *TaskManager, store *Store, apiKey string, logger *slog.Logger) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{
		hub:       hub,
		tasks:     tm,
		store:     store,
		logger:    logger.With("component", "chat"),
		semaphore: make(chan struct{}, 1),
		apiKey:    apiKey,
	}
}

func (h *ChatHandler) Handle(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
		defer func() { <-h.semaphore }()
	default:
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": gin.H{
				"message": "server is already processing a request, please try again later",
				"type":    "rate_limit_error",
			},
		})
		return
	}

	if !h.authorize(c) {
		return
	}

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	hasUserMessage := false
	for _, msg := range req.Messages {
		if msg.Role == "user" {
			hasUserMessage = true
			break
		}
	}
	if !hasUserMessage {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no user message found"})
		return
	}

	prompt, err := messagesToXML(req.Messages)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to serialize messages: %v", err)})
		return
	}

	if !h.hub.Connected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agent not connected"})
		return
	}
	if !h.hub.IsReady() {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": gin.H{
				"message": "agent is busy, please try again later",
				"type":    "rate_limit_error",
			},
		})
		return
	}

	taskID := fmt.Sprintf("chatcmpl-%s", uuid.New().String())

	var msgID int64
	if h.store != nil {
		if id, err := h.store.SaveMessage("", "user", prompt, MessagePending); err == nil {
			msgID = id
		} else {
			h.logger.Warn("persist prompt failed", "error", err)
		}
	}

	replyCh := h.tasks.CreateTask(taskID)
	defer h.tasks.RemoveTask(taskID)

	if err := h.hub.Send(protocol.NewSendMessage(taskID, prompt, "")); err != nil {
		h.logger.Error("dispatch to agent failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agent not connected"})
		return
	}
	h.markMessage(msgID, MessageSent)

	modelName := req.Model
	if modelName == "" {
		modelName = "gemini"
	}

	if req.Stream {
		h.handleStream(c, taskID, modelName, replyCh, msgID)
	} else {
		h.handleNonStream(c, taskID, modelName, replyCh, msgID)
	}
}

func (h *ChatHandler) authorize(c *gin.Context) bool {
	if h.apiKey == "" {
		return true
	}
	auth := c.GetHeader("Authorization")
	if auth == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{
				"message": "missing Authorization header",
				"type":    "authentication_error",
			},
		})
		return false
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == auth || token != h.apiKey {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{
				"message": "invalid API key",
				"type":    "authentication_error",
			},
		})
		return false
	}
	return true
}

// handleNonStream waits for the terminal reply and returns it whole.
func (h *ChatHandler) handleNonStream(c *gin.Context, taskID, modelName string, replyCh chan *Reply, msgID int64) {
	reply, err := h.tasks.WaitForDone(taskID, replyCh, requestTimeout)
	if err != nil {
		h.logger.Warn("task failed", "task", taskID, "error", err)
		h.markMessage(msgID, MessageFailed)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.persistReply(msgID, reply)

	finishReason := "stop"
	c.JSON(http.StatusOK, ChatResponse{
		ID:      taskID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   modelName,
		Choices: []Choice{
			{
				Index: 0,
				Message: &ChatMessage{
					Role:    "assistant",
					Content: reply.Text,
				},
				FinishReason: &finishReason,
			},
		},
	})
}

// handleStream pushes SSE chunks as the agent reports progress. Each
// PROCESSING update carries the full text so far; the delta is the suffix
// past what was already sent. The terminal DONE text is a different rendering
// (markdown via the copy path), so no delta is appended for it.
func (h *ChatHandler) handleStream(c *gin.Context, taskID, modelName string, replyCh chan *Reply, msgID int64) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	writeSSE(c.Writer, flusher, ChatResponse{
		ID:      taskID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   modelName,
		Choices: []Choice{
			{Index: 0, Delta: &ChatMessage{Role: "assistant"}},
		},
	})

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	prevText := ""
	for {
		select {
		case reply, ok := <-replyCh:
			if !ok {
				return
			}

			switch reply.Status {
			case StatusError:
				h.logger.Warn("stream task failed", "task", taskID, "error", reply.Error)
				h.markMessage(msgID, MessageFailed)
				return

			case protocol.StatusProcessing:
				delta := reply.Text
				if strings.HasPrefix(reply.Text, prevText) {
					delta = reply.Text[len(prevText):]
				}
				prevText = reply.Text
				if delta == "" {
					continue
				}
				writeSSE(c.Writer, flusher, ChatResponse{
					ID:      taskID,
					Object:  "chat.completion.chunk",
					Created: time.Now().Unix(),
					Model:   modelName,
					Choices: []Choice{
						{Index: 0, Delta: &ChatMessage{Content: delta}},
					},
				})

			case protocol.StatusDone:
				h.persistReply(msgID, reply)

				finishReason := "stop"
				writeSSE(c.Writer, flusher, ChatResponse{
					ID:      taskID,
					Object:  "chat.completion.chunk",
					Created: time.Now().Unix(),
					Model:   modelName,
					Choices: []Choice{
						{Index: 0, Delta: &ChatMessage{}, FinishReason: &finishReason},
					},
				})
				fmt.Fprintf(c.Writer, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}

		case <-timer.C:
			h.logger.Warn("stream timeout", "task", taskID)
			return
		}
	}
}

func (h *ChatHandler) markMessage(msgID int64, msgStatus string) {
	if h.store == nil || msgID == 0 {
		return
	}
	if err := h.store.UpdateMessageStatus(msgID, msgStatus); err != nil {
		h.logger.Warn("update message status failed", "error", err)
	}
}

func (h *ChatHandler) persistReply(msgID int64, reply *Reply) {
	if h.store == nil {
		return
	}
	h.markMessage(msgID, MessageReceived)
	if err := h.store.SaveConversation(reply.ConversationID, ""); err != nil {
		h.logger.Warn("persist conversation failed", "error", err)
	}
	if _, err := h.store.SaveMessage(reply.ConversationID, "model", reply.Text, MessageReceived); err != nil {
		h.logger.Warn("persist reply failed", "error", err)
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()
}
