package integrations

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/servicehero/flowd/internal/isolation"
	"github.com/servicehero/flowd/pkg/schema"
)

// ProviderConfig describes how to launch and identify a provider subprocess.
type ProviderConfig struct {
	Name    string   `json:"name"`    // integration name workflow steps reference
	Command string   `json:"command"` // MCP server binary path
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"` // extra environment variables, KEY=VALUE

	// Limits, when set, runs the subprocess under the platform isolator
	// (cgroups v2 on Linux, timeout-only elsewhere).
	Limits *isolation.ResourceLimits `json:"limits,omitempty"`
}

// ProviderStatus is a point-in-time snapshot of one managed provider.
type ProviderStatus struct {
	Status     string `json:"status"`
	PID        int    `json:"pid,omitempty"`
	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`
	Actions    int    `json:"actions"`
}

// ProviderManager runs external integration providers as MCP subprocesses,
// speaking JSON-RPC over stdin/stdout. Each provider's tools are registered
// as actions of an integration named after the provider, so workflow steps
// address them as service=<provider> action=<tool>.
type ProviderManager struct {
	registry  *Registry
	providers map[string]*managedProvider
	mu        sync.RWMutex
	logger    *slog.Logger
	isolator  isolation.Isolator

	healthInterval time.Duration
	callTimeout    time.Duration
}

type managedProvider struct {
	config ProviderConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser

	// lines carries stdout lines from the single reader pump. Closed on EOF.
	lines chan []byte
	// exited is closed by the wait goroutine once the process is gone.
	exited  chan struct{}
	exitErr error

	reqMu  sync.Mutex // one in-flight request at a time
	nextID atomic.Int64

	mu       sync.Mutex
	status   string // starting, healthy, unhealthy, crashed, stopped
	errCount int
	lastErr  string
	actions  []ActionInfo

	cancelFunc context.CancelFunc
	isoCleanup func() // releases isolator resources, no-op when unisolated
}

// NewProviderManager creates a ProviderManager registering into registry.
func NewProviderManager(registry *Registry, logger *slog.Logger) *ProviderManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProviderManager{
		registry:       registry,
		providers:      make(map[string]*managedProvider),
		logger:         logger,
		isolator:       isolation.NewIsolator(),
		healthInterval: 30 * time.Second,
		callTimeout:    30 * time.Second,
	}
}

// Launch starts a provider subprocess, performs the MCP handshake, discovers
// its tools, and registers it as an integration.
func (pm *ProviderManager) Launch(ctx context.Context, config ProviderConfig) error {
	if config.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "provider name must not be empty")
	}
	if config.Command == "" {
		return schema.NewError(schema.ErrCodeValidation, "provider command must not be empty")
	}

	pm.mu.Lock()
	if _, exists := pm.providers[config.Name]; exists {
		pm.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "provider %q already running", config.Name)
	}
	pm.mu.Unlock()

	providerCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(providerCtx, config.Command, config.Args...)
	if len(config.Env) > 0 {
		cmd.Env = append(os.Environ(), config.Env...)
	}

	// Wrap before attaching pipes: the isolator clones the command, and pipes
	// must belong to the clone that actually starts.
	isoCleanup := func() {}
	if config.Limits != nil {
		wrapped, cleanup, err := pm.isolator.Wrap(providerCtx, cmd, *config.Limits)
		if err != nil {
			cancel()
			return fmt.Errorf("isolate provider %q: %w", config.Name, err)
		}
		cmd = wrapped
		isoCleanup = cleanup
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		isoCleanup()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		isoCleanup()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		isoCleanup()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	mp := &managedProvider{
		config:     config,
		cmd:        cmd,
		stdin:      stdin,
		lines:      make(chan []byte, 16),
		exited:     make(chan struct{}),
		status:     "starting",
		cancelFunc: cancel,
		isoCleanup: isoCleanup,
	}

	if err := cmd.Start(); err != nil {
		cancel()
		isoCleanup()
		return fmt.Errorf("start provider %q: %w", config.Name, err)
	}

	// One pump per process lifetime. Per-request readers would race over the
	// stream and drop bytes between requests.
	go pm.pumpLines(mp, stdout)
	go pm.pumpStderr(config.Name, stderr)
	go func() {
		mp.exitErr = cmd.Wait()
		mp.isoCleanup()
		close(mp.exited)
	}()

	if err := pm.handshake(ctx, mp); err != nil {
		pm.teardown(mp)
		return fmt.Errorf("handshake with provider %q: %w", config.Name, err)
	}

	actions, err := pm.discoverTools(ctx, mp)
	if err != nil {
		pm.teardown(mp)
		return fmt.Errorf("discover tools of provider %q: %w", config.Name, err)
	}

	mp.mu.Lock()
	mp.status = "healthy"
	mp.actions = actions
	mp.mu.Unlock()

	pm.mu.Lock()
	pm.providers[config.Name] = mp
	pm.mu.Unlock()

	if err := pm.registry.Register(&providerIntegration{mgr: pm, name: config.Name, actions: actions}); err != nil {
		pm.removeProvider(config.Name, mp)
		pm.teardown(mp)
		return err
	}

	go pm.healthCheckLoop(providerCtx, mp)

	pm.logger.Info("provider launched",
		slog.String("provider", config.Name),
		slog.Int("actions", len(actions)),
	)
	return nil
}

func (pm *ProviderManager) pumpLines(mp *managedProvider, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		select {
		case mp.lines <- line:
		case <-mp.exited:
			return
		}
	}
	close(mp.lines)
}

func (pm *ProviderManager) pumpStderr(name string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		pm.logger.Warn("provider stderr",
			slog.String("provider", name),
			slog.String("line", scanner.Text()),
		)
	}
}

func (pm *ProviderManager) handshake(ctx context.Context, mp *managedProvider) error {
	_, err := mp.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "flowd",
			"version": "1.0.0",
		},
	}, 10*time.Second)
	if err != nil {
		return err
	}
	// Notification, no response expected.
	return mp.notify("notifications/initialized")
}

func (pm *ProviderManager) discoverTools(ctx context.Context, mp *managedProvider) ([]ActionInfo, error) {
	result, err := mp.call(ctx, "tools/list", map[string]any{}, 10*time.Second)
	if err != nil {
		return nil, err
	}

	var listed struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(result, &listed); err != nil {
		return nil, fmt.Errorf("unexpected tools/list response: %w", err)
	}

	actions := make([]ActionInfo, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		if t.Name == "" {
			continue
		}
		actions = append(actions, ActionInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return actions, nil
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call sends one JSON-RPC request and waits for the response with a matching
// id, skipping notifications and replies to timed-out earlier requests.
func (mp *managedProvider) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := mp.nextID.Add(1)
	data, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	data = append(data, '\n')

	mp.reqMu.Lock()
	defer mp.reqMu.Unlock()

	if _, err := mp.stdin.Write(data); err != nil {
		return nil, fmt.Errorf("write %s request: %w", method, err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	want := strconv.FormatInt(id, 10)
	for {
		select {
		case line, ok := <-mp.lines:
			if !ok {
				return nil, fmt.Errorf("provider closed stdout during %s", method)
			}
			var resp struct {
				ID     json.Number     `json:"id"`
				Result json.RawMessage `json:"result"`
				Error  *rpcError       `json:"error"`
			}
			if err := json.Unmarshal(line, &resp); err != nil {
				continue // not JSON-RPC, likely stray output
			}
			if resp.ID.String() != want {
				continue // notification or reply to an abandoned request
			}
			if resp.Error != nil {
				return nil, resp.Error
			}
			return resp.Result, nil
		case <-deadline.C:
			return nil, fmt.Errorf("%s timeout after %s", method, timeout)
		case <-mp.exited:
			return nil, fmt.Errorf("provider exited during %s", method)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (mp *managedProvider) notify(method string) error {
	data, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
	})
	if err != nil {
		return err
	}
	data = append(data, '\n')
	mp.reqMu.Lock()
	defer mp.reqMu.Unlock()
	_, err = mp.stdin.Write(data)
	return err
}

// healthCheckLoop periodically pings the provider and escalates to a restart
// after three consecutive failures, or immediately when the process exits.
func (pm *ProviderManager) healthCheckLoop(ctx context.Context, mp *managedProvider) {
	ticker := time.NewTicker(pm.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mp.exited:
			if pm.stopped(mp) {
				return
			}
			pm.recordError(mp, fmt.Sprintf("process exited: %v", mp.exitErr))
			pm.restartProvider(ctx, mp)
			return
		case <-ticker.C:
			if _, err := mp.call(ctx, "ping", map[string]any{}, 5*time.Second); err != nil {
				if pm.stopped(mp) {
					return
				}
				if pm.recordError(mp, err.Error()) >= 3 {
					mp.mu.Lock()
					mp.status = "unhealthy"
					mp.mu.Unlock()
					pm.logger.Warn("provider unhealthy",
						slog.String("provider", mp.config.Name),
						slog.String("error", err.Error()),
					)
					pm.restartProvider(ctx, mp)
					return
				}
			} else {
				mp.mu.Lock()
				mp.errCount = 0
				mp.status = "healthy"
				mp.mu.Unlock()
			}
		}
	}
}

func (pm *ProviderManager) stopped(mp *managedProvider) bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.status == "stopped"
}

func (pm *ProviderManager) recordError(mp *managedProvider, msg string) int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.errCount++
	mp.lastErr = msg
	return mp.errCount
}

// restartProvider tears the provider down and relaunches it with exponential
// backoff. Its integration is deregistered for the duration, so steps naming
// it fail with NOT_CONFIGURED instead of hanging.
func (pm *ProviderManager) restartProvider(ctx context.Context, mp *managedProvider) {
	mp.mu.Lock()
	errCount := mp.errCount
	mp.status = "crashed"
	mp.mu.Unlock()

	pm.registry.Deregister(mp.config.Name)
	pm.removeProvider(mp.config.Name, mp)
	pm.teardown(mp)

	// Exponential backoff: min(1s * 2^errCount, 60s)
	delay := time.Duration(math.Min(
		float64(time.Second)*math.Pow(2, float64(errCount)),
		float64(60*time.Second),
	))

	pm.logger.Info("restarting provider",
		slog.String("provider", mp.config.Name),
		slog.Duration("backoff", delay),
	)

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := pm.Launch(ctx, mp.config); err != nil {
		pm.logger.Error("failed to restart provider",
			slog.String("provider", mp.config.Name),
			slog.String("error", err.Error()),
		)
	}
}

// teardown force-stops the subprocess and waits for it to be reaped.
func (pm *ProviderManager) teardown(mp *managedProvider) {
	_ = mp.stdin.Close()
	mp.cancelFunc()
	if mp.cmd.Process != nil {
		select {
		case <-mp.exited:
		case <-time.After(5 * time.Second):
			_ = mp.cmd.Process.Kill()
			<-mp.exited
		}
	}
}

func (pm *ProviderManager) removeProvider(name string, mp *managedProvider) {
	pm.mu.Lock()
	if cur, ok := pm.providers[name]; ok && cur == mp {
		delete(pm.providers, name)
	}
	pm.mu.Unlock()
}

// StopProvider gracefully stops a provider subprocess and deregisters its
// integration.
func (pm *ProviderManager) StopProvider(name string) error {
	pm.mu.Lock()
	mp, ok := pm.providers[name]
	if !ok {
		pm.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "provider %q not found", name)
	}
	delete(pm.providers, name)
	pm.mu.Unlock()

	mp.mu.Lock()
	mp.status = "stopped"
	mp.mu.Unlock()

	pm.registry.Deregister(name)

	// Closing stdin signals shutdown; escalate to kill after a grace period.
	_ = mp.stdin.Close()
	select {
	case <-mp.exited:
	case <-time.After(5 * time.Second):
		if mp.cmd.Process != nil {
			_ = mp.cmd.Process.Kill()
		}
		<-mp.exited
	}
	mp.cancelFunc()

	pm.logger.Info("provider stopped", slog.String("provider", name))
	return nil
}

// StopAll stops every managed provider.
func (pm *ProviderManager) StopAll() error {
	pm.mu.RLock()
	names := make([]string, 0, len(pm.providers))
	for name := range pm.providers {
		names = append(names, name)
	}
	pm.mu.RUnlock()

	var lastErr error
	for _, name := range names {
		if err := pm.StopProvider(name); err != nil {
			lastErr = err
			pm.logger.Error("failed to stop provider",
				slog.String("provider", name),
				slog.String("error", err.Error()),
			)
		}
	}
	return lastErr
}

// Status returns the current status of all managed providers.
func (pm *ProviderManager) Status() map[string]ProviderStatus {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	result := make(map[string]ProviderStatus, len(pm.providers))
	for name, mp := range pm.providers {
		mp.mu.Lock()
		st := ProviderStatus{
			Status:     mp.status,
			ErrorCount: mp.errCount,
			LastError:  mp.lastErr,
			Actions:    len(mp.actions),
		}
		mp.mu.Unlock()
		if mp.cmd.Process != nil {
			st.PID = mp.cmd.Process.Pid
		}
		result[name] = st
	}
	return result
}

// providerIntegration exposes a managed provider's tools through the
// Integration interface. It resolves the live subprocess at call time so a
// restart does not strand executions on a dead pipe.
type providerIntegration struct {
	mgr     *ProviderManager
	name    string
	actions []ActionInfo
}

func (p *providerIntegration) Name() string { return p.name }

func (p *providerIntegration) Actions() []ActionInfo {
	out := make([]ActionInfo, len(p.actions))
	copy(out, p.actions)
	return out
}

func (p *providerIntegration) Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	p.mgr.mu.RLock()
	mp, ok := p.mgr.providers[p.name]
	p.mgr.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotConfigured, "provider %q is not running", p.name)
	}

	result, err := mp.call(ctx, "tools/call", map[string]any{
		"name":      action,
		"arguments": params,
	}, p.mgr.callTimeout)
	if err != nil {
		return nil, schema.NewIntegrationError(true, "provider_call",
			fmt.Sprintf("%s.%s failed: %v", p.name, action, err)).WithCause(err)
	}

	return parseToolResult(p.name, action, result)
}

// parseToolResult maps an MCP tools/call result onto a step output. A JSON
// object in the text content becomes the output directly; anything else is
// wrapped under "output".
func parseToolResult(provider, action string, result json.RawMessage) (map[string]any, error) {
	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, schema.NewIntegrationError(false, "bad_response",
			fmt.Sprintf("%s.%s returned an unparseable result", provider, action)).WithCause(err)
	}

	var text string
	for _, c := range parsed.Content {
		if c.Type == "text" {
			text = c.Text
			break
		}
	}

	if parsed.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, schema.NewIntegrationError(false, "tool_error",
			fmt.Sprintf("%s.%s: %s", provider, action, text))
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil && obj != nil {
		return obj, nil
	}
	return map[string]any{"output": text}, nil
}

var _ Integration = (*providerIntegration)(nil)
