// Package browser – browser.go drives the chat web application through the
// Chrome DevTools Protocol (CDP). It owns the Chrome process (or attaches to
// a running one), the browser-level WebSocket and the current page
// connection. The automation agent talks to this package only through its
// capability methods; no selector knowledge lives here.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// Config configures the browser driver.
type Config struct {
	// ChromePath is the Chrome/Chromium binary. Auto-detected if empty.
	ChromePath string

	// Headless runs the browser without a visible window.
	Headless bool

	// TargetURL is the URL prefix identifying pages of the chat application.
	TargetURL string

	// NewChatURL is opened when no matching page exists.
	NewChatURL string

	// TimeoutSeconds is the max time for a single CDP operation.
	TimeoutSeconds int
}

// Manager manages the Chrome process and CDP connections.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	cmd         *exec.Cmd
	port        int
	browserURL  string
	browserConn *websocket.Conn
	pageConn    *websocket.Conn
	pageTarget  *Target
	msgID       int
	started     bool

	// lastAccessed tracks when each page target was last used by this
	// process, for most-recently-active tab selection.
	lastAccessed map[string]time.Time
}

// Target is a CDP target as reported by /json/list.
type Target struct {
	TargetID             string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// NewManager creates a browser manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 30
	}
	return &Manager{
		cfg:          cfg,
		logger:       logger.With("component", "browser"),
		lastAccessed: make(map[string]time.Time),
	}
}

// findChrome locates the Chrome/Chromium binary.
func (m *Manager) findChrome() string {
	if m.cfg.ChromePath != "" {
		return m.cfg.ChromePath
	}
	candidates := []string{
		"google-chrome",
		"google-chrome-stable",
		"chromium-browser",
		"chromium",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/snap/bin/chromium",
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	}
	for _, c := range candidates {
		if path, err := exec.LookPath(c); err == nil {
			return path
		}
	}
	return ""
}

// allocatePort finds a free TCP port.
func allocatePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port, nil
}

// Start launches Chrome with CDP enabled. Idempotent: a live browser with a
// live page connection is reused.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		if m.isAlive() && m.pageConn != nil {
			return nil
		}
		m.logger.Warn("chrome process died or connection lost, restarting")
		m.cleanup()
	}

	return m.startChrome(ctx)
}

// startChrome starts the Chrome process. MUST be called with m.mu held.
func (m *Manager) startChrome(ctx context.Context) error {
	chromePath := m.findChrome()
	if chromePath == "" {
		return fmt.Errorf("chrome/chromium not found; install Chrome or set agent.chrome_path in config")
	}

	port, err := allocatePort()
	if err != nil {
		return fmt.Errorf("failed to allocate CDP port: %w", err)
	}

	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-popup-blocking",
		"--disable-background-networking",
		"--disable-sync",
		"--disable-default-apps",
		"--disable-dev-shm-usage",
		"--no-sandbox",
		"--disable-gpu",
		"--disable-crash-reporter",
		"--log-level=3",
	}
	if m.cfg.Headless {
		args = append(args, "--headless=new")
	}
	args = append(args, "about:blank")

	m.cmd = exec.CommandContext(ctx, chromePath, args...)
	m.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := m.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start chrome: %w", err)
	}
	m.logger.Info("chrome started", "pid", m.cmd.Process.Pid, "port", port)

	wsURL, err := m.waitForCDP(port, 30*time.Second)
	if err != nil {
		m.killProcessGroup()
		return fmt.Errorf("CDP not ready: %w", err)
	}
	m.port = port
	m.browserURL = wsURL

	browserConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		m.killProcessGroup()
		return fmt.Errorf("browser websocket connection failed: %w", err)
	}
	m.browserConn = browserConn
	m.started = true
	return nil
}

// waitForCDP polls the CDP /json/version endpoint until it responds.
func (m *Manager) waitForCDP(port int, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	url := fmt.Sprintf("http://127.0.0.1:%d/json/version", port)

	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		req, _ := http.NewRequestWithContext(ctx, "GET", url, nil)
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil {
			var info struct {
				WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
			}
			if json.NewDecoder(resp.Body).Decode(&info) == nil && info.WebSocketDebuggerURL != "" {
				resp.Body.Close()
				return info.WebSocketDebuggerURL, nil
			}
			resp.Body.Close()
		}
		time.Sleep(200 * time.Millisecond)
	}
	return "", fmt.Errorf("timeout waiting for CDP on port %d", port)
}

// listTargets gets targets via the HTTP /json/list endpoint.
func (m *Manager) listTargets() ([]Target, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/json/list", m.port)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("target list request failed: %w", err)
	}
	defer resp.Body.Close()

	var targets []Target
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, fmt.Errorf("failed to parse targets: %w", err)
	}
	return targets, nil
}

// createTarget creates a new page target without focusing it.
func (m *Manager) createTarget(url string) (string, error) {
	result, err := m.sendBrowserCDP("Target.createTarget", map[string]any{
		"url":        url,
		"background": true,
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", fmt.Errorf("failed to parse createTarget response: %w", err)
	}
	return resp.TargetID, nil
}

// sendBrowserCDP sends a CDP command on the browser connection.
func (m *Manager) sendBrowserCDP(method string, params map[string]any) (json.RawMessage, error) {
	if m.browserConn == nil {
		return nil, fmt.Errorf("browser connection not established")
	}
	return m.roundTrip(m.browserConn, method, params)
}

// sendPageCDP sends a CDP command on the page connection.
func (m *Manager) sendPageCDP(method string, params map[string]any) (json.RawMessage, error) {
	if m.pageConn == nil {
		return nil, fmt.Errorf("page connection not established")
	}
	return m.roundTrip(m.pageConn, method, params)
}

// roundTrip writes one CDP command and reads until its response arrives,
// skipping interleaved events. MUST be called with m.mu held.
func (m *Manager) roundTrip(conn *websocket.Conn, method string, params map[string]any) (json.RawMessage, error) {
	m.msgID++
	id := m.msgID
	msg := map[string]any{"id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}

	if err := conn.WriteJSON(msg); err != nil {
		return nil, fmt.Errorf("CDP write error: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Duration(m.cfg.TimeoutSeconds) * time.Second))
	for {
		var resp struct {
			ID     int             `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := conn.ReadJSON(&resp); err != nil {
			return nil, fmt.Errorf("CDP read error: %w", err)
		}
		if resp.ID == id {
			if resp.Error != nil {
				return nil, fmt.Errorf("CDP error: %s", resp.Error.Message)
			}
			return resp.Result, nil
		}
	}
}

// sendCDP sends a CDP command to the current page, reconnecting or
// restarting Chrome when the connection is gone.
func (m *Manager) sendCDP(method string, params map[string]any) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result, err := m.sendPageCDP(method, params)
	if err == nil {
		return result, nil
	}

	if !isConnectionError(err) {
		return nil, err
	}
	m.logger.Warn("page connection lost, attempting recovery", "error", err)

	if !m.isAlive() {
		m.cleanup()
		if err := m.startChrome(context.Background()); err != nil {
			return nil, fmt.Errorf("chrome restart failed: %w", err)
		}
	}
	if m.pageTarget != nil {
		if err := m.attachLocked(m.pageTarget.TargetID); err != nil {
			return nil, fmt.Errorf("page reattach failed: %w", err)
		}
	}
	return m.sendPageCDP(method, params)
}

// attachLocked connects the page WebSocket for a target. MUST be called with
// m.mu held.
func (m *Manager) attachLocked(targetID string) error {
	targets, err := m.listTargets()
	if err != nil {
		return err
	}
	for i := range targets {
		if targets[i].TargetID == targetID && targets[i].WebSocketDebuggerURL != "" {
			if m.pageConn != nil {
				m.pageConn.Close()
				m.pageConn = nil
			}
			conn, _, err := websocket.DefaultDialer.Dial(targets[i].WebSocketDebuggerURL, nil)
			if err != nil {
				return fmt.Errorf("page websocket connection failed: %w", err)
			}
			m.pageConn = conn
			m.pageTarget = &targets[i]
			m.lastAccessed[targetID] = time.Now()
			for _, domain := range []string{"Page.enable", "DOM.enable", "Runtime.enable"} {
				if _, err := m.sendPageCDP(domain, nil); err != nil {
					m.logger.Warn("CDP domain enable failed", "domain", domain, "error", err)
				}
			}
			return nil
		}
	}
	return fmt.Errorf("target %s not found", targetID)
}

// isConnectionError reports whether an error means the link itself is gone.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "closed") ||
		strings.Contains(s, "EOF") ||
		strings.Contains(s, "not established")
}

// Stop kills the Chrome process and closes connections.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanup()
	m.logger.Info("chrome stopped")
}

// cleanup closes connections and kills the Chrome process. MUST be called
// with m.mu held.
func (m *Manager) cleanup() {
	if m.pageConn != nil {
		m.pageConn.Close()
		m.pageConn = nil
	}
	if m.browserConn != nil {
		m.browserConn.Close()
		m.browserConn = nil
	}
	m.pageTarget = nil
	m.killProcessGroup()
	m.started = false
}

// killProcessGroup kills Chrome and all its child processes.
func (m *Manager) killProcessGroup() {
	if m.cmd == nil || m.cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(m.cmd.Process.Pid)
	if err == nil {
		syscall.Kill(-pgid, syscall.SIGKILL)
	} else {
		m.cmd.Process.Kill()
	}
	m.cmd.Wait()
	m.cmd = nil
}

// isAlive checks whether the Chrome process is still running.
func (m *Manager) isAlive() bool {
	if m.cmd == nil || m.cmd.Process == nil {
		return false
	}
	return m.cmd.Process.Signal(syscall.Signal(0)) == nil
}
