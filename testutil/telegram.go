package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"strings"
	"sync"
	"testing"
	"time"
)

// BotCall is one request received by MockBotServer.
type BotCall struct {
	Method   string
	Params   url.Values
	FileName string
	FileSize int64
}

// MockBotServer creates a test server that mocks the Telegram Bot API.
// Requests are routed by method name (the last path element of /bot<token>/<method>).
type MockBotServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu        sync.Mutex
	calls     []BotCall
	updates   []map[string]any
	messageID int
}

// NewMockBotServer creates a mock Bot API answering getMe, sendMessage, sendDocument and getUpdates.
func NewMockBotServer(t *testing.T) *MockBotServer {
	t.Helper()
	m := &MockBotServer{Handlers: make(map[string]http.HandlerFunc)}
	m.Handlers["getMe"] = func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, map[string]any{"id": 1, "is_bot": true, "first_name": "Relay", "username": "relay_test_bot"})
	}
	m.Handlers["sendMessage"] = m.sentMessage
	m.Handlers["sendDocument"] = m.sentMessage
	m.Handlers["getUpdates"] = m.serveUpdates
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := path.Base(r.URL.Path)
		m.record(method, r)
		m.mu.Lock()
		handler, ok := m.Handlers[method]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		writeError(w, http.StatusNotFound, "Not Found: method not found", 0)
	}))
	t.Cleanup(m.Close)
	return m
}

// Endpoint returns the API endpoint format expected by the bot client.
func (m *MockBotServer) Endpoint() string { return m.URL + "/bot%s/%s" }

// MockError makes method fail with the given code and description.
func (m *MockBotServer) MockError(method string, code int, description string, retryAfter int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[method] = func(w http.ResponseWriter, r *http.Request) {
		writeError(w, code, description, retryAfter)
	}
}

// Handle replaces the handler for method.
func (m *MockBotServer) Handle(method string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[method] = h
}

// QueueUpdates makes the next getUpdates call return updates.
func (m *MockBotServer) QueueUpdates(updates ...map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, updates...)
}

// Calls returns every recorded call to method, in order.
func (m *MockBotServer) Calls(method string) []BotCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BotCall
	for _, c := range m.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// WaitForCalls polls until method has been called n times or timeout elapses.
func (m *MockBotServer) WaitForCalls(method string, n int, timeout time.Duration) []BotCall {
	deadline := time.Now().Add(timeout)
	for {
		calls := m.Calls(method)
		if len(calls) >= n || time.Now().After(deadline) {
			return calls
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (m *MockBotServer) record(method string, r *http.Request) {
	call := BotCall{Method: method}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			call.Params = url.Values(r.MultipartForm.Value)
			for _, files := range r.MultipartForm.File {
				for _, fh := range files {
					call.FileName = fh.Filename
					call.FileSize = fh.Size
				}
			}
		}
	} else if err := r.ParseForm(); err == nil {
		call.Params = r.PostForm
	}
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

func (m *MockBotServer) sentMessage(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.messageID++
	id := m.messageID
	m.mu.Unlock()
	writeOK(w, map[string]any{
		"message_id": id,
		"date":       time.Now().Unix(),
		"chat":       map[string]any{"id": 0, "type": "group"},
	})
}

func (m *MockBotServer) serveUpdates(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	updates := m.updates
	m.updates = nil
	m.mu.Unlock()
	if len(updates) == 0 {
		// Stand in for long polling so clients do not spin.
		time.Sleep(20 * time.Millisecond)
		updates = []map[string]any{}
	}
	writeOK(w, updates)
}

// TextUpdate builds a getUpdates entry carrying a text message.
func TextUpdate(updateID int, chatID int64, chatType string, messageID int, senderID int64, text string, replyTo int) map[string]any {
	msg := map[string]any{
		"message_id": messageID,
		"date":       time.Now().Unix(),
		"chat":       map[string]any{"id": chatID, "type": chatType},
		"from":       map[string]any{"id": senderID, "is_bot": false, "first_name": "user"},
		"text":       text,
	}
	if replyTo != 0 {
		msg["reply_to_message"] = map[string]any{
			"message_id": replyTo,
			"date":       time.Now().Unix(),
			"chat":       map[string]any{"id": chatID, "type": chatType},
		}
	}
	return map[string]any{"update_id": updateID, "message": msg}
}

func writeOK(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result}) //nolint:errcheck // test mock response
}

func writeError(w http.ResponseWriter, code int, description string, retryAfter int) {
	body := map[string]any{"ok": false, "error_code": code, "description": description}
	if retryAfter > 0 {
		body["parameters"] = map[string]any{"retry_after": retryAfter}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // test mock response
}
