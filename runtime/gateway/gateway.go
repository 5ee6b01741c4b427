// Package gateway mediates tool calls issued by tool-mode components. Agents
// never hold tool credentials or endpoints: the orchestrator opens a session
// scoped to the agent's graph neighborhood, the gateway issues an opaque
// HMAC-signed bearer token bound to (runId, nodeRef, sessionId), and every
// dispatch re-verifies the session covers the target tool and the arguments
// satisfy the tool's declared schema.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"

	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/event"
	"github.com/strandsec/strand/runtime/orchestrator"
	"github.com/strandsec/strand/runtime/telemetry"
)

var (
	// ErrNotPermitted is returned when a call names a tool outside the
	// session's scope.
	ErrNotPermitted = errors.New("tool not permitted for session")
	// ErrInvalidToken is returned for unknown, expired, or forged tokens.
	ErrInvalidToken = errors.New("invalid session token")
	// ErrInvalidArguments is returned when tool arguments fail the tool's
	// declared input schema.
	ErrInvalidArguments = errors.New("tool arguments do not satisfy schema")
	// ErrRateLimited is returned when the session exceeds its call budget.
	ErrRateLimited = errors.New("tool call rate limit exceeded")
)

type (
	// ToolBackend serves the tools of one target node, typically a
	// container-hosted tool server.
	ToolBackend interface {
		ListTools(ctx context.Context) ([]component.ToolInfo, error)
		CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
	}

	// BackendResolver locates or starts the backend serving a target node.
	// The release func returns the backend to its pool; it is called on
	// session close.
	BackendResolver interface {
		Backend(ctx context.Context, runID, nodeRef, componentID string) (ToolBackend, func(), error)
	}

	// Config tunes the gateway.
	Config struct {
		// Secret signs session tokens. Required.
		Secret []byte
		// CallsPerSecond and Burst bound each session's dispatch rate.
		CallsPerSecond float64
		Burst          int
	}

	// Gateway issues tool sessions and dispatches calls.
	Gateway struct {
		cfg      Config
		backends BackendResolver
		hub      *event.Hub
		logger   telemetry.Logger
		metrics  telemetry.Metrics

		mu       sync.RWMutex
		sessions map[string]*session // by session id
	}

	// target is one reachable node within a session.
	target struct {
		orchestrator.ToolTarget
		backend ToolBackend
		release func()
		// serialize is non-nil when the backing server is non-reentrant.
		serialize *sync.Mutex
	}

	// toolEntry maps a tool name to its serving target and compiled schema.
	toolEntry struct {
		target *target
		info   component.ToolInfo
		schema *jsonschema.Schema
	}

	session struct {
		gw       *Gateway
		id       string
		runID    string
		nodeRef  string
		tenantID string
		token    string
		limiter  *rate.Limiter
		targets  []*target

		mu     sync.Mutex
		tools  map[string]*toolEntry // populated lazily by ListTools
		closed bool
	}
)

// New builds a gateway. backends may be nil when no container components are
// registered; sessions then expose no tools.
func New(cfg Config, backends BackendResolver, hub *event.Hub, logger telemetry.Logger, metrics telemetry.Metrics) (*Gateway, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("gateway: signing secret is required")
	}
	if cfg.CallsPerSecond <= 0 {
		cfg.CallsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Gateway{
		cfg:      cfg,
		backends: backends,
		hub:      hub,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[string]*session),
	}, nil
}

// Open starts a session for one tool-mode activation. Implements
// orchestrator.ToolBroker.
func (g *Gateway) Open(ctx context.Context, spec orchestrator.ToolSessionSpec) (orchestrator.ToolSession, error) {
	s := &session{
		gw:       g,
		id:       uuid.NewString(),
		runID:    spec.RunID,
		nodeRef:  spec.NodeRef,
		tenantID: spec.TenantID,
		limiter:  rate.NewLimiter(rate.Limit(g.cfg.CallsPerSecond), g.cfg.Burst),
	}
	s.token = g.sign(s.id, spec.RunID, spec.NodeRef)
	for _, t := range spec.Targets {
		if g.backends == nil {
			break
		}
		backend, release, err := g.backends.Backend(ctx, spec.RunID, t.NodeRef, t.ComponentID)
		if err != nil {
			s.releaseTargets()
			return nil, fmt.Errorf("backend for %s: %w", t.NodeRef, err)
		}
		tgt := &target{ToolTarget: t, backend: backend, release: release}
		if t.NonReentrant {
			tgt.serialize = &sync.Mutex{}
		}
		s.targets = append(s.targets, tgt)
	}
	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()
	g.logger.Debug(ctx, "tool session opened",
		"session", s.id, "run", spec.RunID, "node", spec.NodeRef, "targets", len(s.targets))
	return s, nil
}

// authenticate resolves a bearer token to its session. Used by the HTTP
// surface; in-process callers hold the session directly.
func (g *Gateway) authenticate(token string) (*session, error) {
	id, ok := splitToken(token)
	if !ok {
		return nil, ErrInvalidToken
	}
	g.mu.RLock()
	s := g.sessions[id]
	g.mu.RUnlock()
	if s == nil {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal([]byte(token), []byte(s.token)) {
		return nil, ErrInvalidToken
	}
	return s, nil
}

// sign builds the opaque token: session id dot HMAC over the binding triple.
func (g *Gateway) sign(sessionID, runID, nodeRef string) string {
	mac := hmac.New(sha256.New, g.cfg.Secret)
	mac.Write([]byte(sessionID))
	mac.Write([]byte{0})
	mac.Write([]byte(runID))
	mac.Write([]byte{0})
	mac.Write([]byte(nodeRef))
	return sessionID + "." + hex.EncodeToString(mac.Sum(nil))
}

func splitToken(token string) (sessionID string, ok bool) {
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			return token[:i], true
		}
	}
	return "", false
}

func (g *Gateway) drop(id string) {
	g.mu.Lock()
	delete(g.sessions, id)
	g.mu.Unlock()
}

// ID returns the session identifier.
func (s *session) ID() string { return s.id }

// Token returns the bearer token for the HTTP surface.
func (s *session) Token() string { return s.token }

// Port returns the in-process tool port for the session.
func (s *session) Port() component.ToolPort { return s }

// Close revokes the token and releases backing servers. Idempotent.
func (s *session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.gw.drop(s.id)
	s.releaseTargets()
	s.gw.logger.Debug(ctx, "tool session closed", "session", s.id, "run", s.runID)
	return nil
}

func (s *session) releaseTargets() {
	for _, t := range s.targets {
		if t.release != nil {
			t.release()
		}
	}
}

// ListTools returns the union of tools across the session's targets.
func (s *session) ListTools(ctx context.Context) ([]component.ToolInfo, error) {
	entries, err := s.toolIndex(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]component.ToolInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.info)
	}
	return out, nil
}

// CallTool dispatches after verifying the session is live, covers the tool,
// the arguments validate, and the rate budget allows it.
func (s *session) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrInvalidToken
	}
	entries, err := s.toolIndex(ctx)
	if err != nil {
		return nil, err
	}
	entry, ok := entries[name]
	if !ok {
		s.emitCall(ctx, name, "", true, "tool outside session scope")
		return nil, fmt.Errorf("tool %q: %w", name, ErrNotPermitted)
	}
	if entry.schema != nil {
		var doc any
		if err := json.Unmarshal(args, &doc); err != nil {
			s.emitCall(ctx, name, entry.target.NodeRef, true, "arguments are not valid JSON")
			return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
		if err := entry.schema.Validate(doc); err != nil {
			s.emitCall(ctx, name, entry.target.NodeRef, true, "schema validation failed")
			return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
	}
	if !s.limiter.Allow() {
		s.emitCall(ctx, name, entry.target.NodeRef, true, "rate limited")
		return nil, ErrRateLimited
	}

	s.emitCall(ctx, name, entry.target.NodeRef, false, "")
	if entry.target.serialize != nil {
		entry.target.serialize.Lock()
		defer entry.target.serialize.Unlock()
	}
	start := time.Now()
	res, err := entry.target.backend.CallTool(ctx, name, args)
	dur := time.Since(start)
	s.gw.metrics.RecordTimer("strand.gateway.call", dur, "tool", name)
	s.emitResult(ctx, name, err, dur)
	return res, err
}

// toolIndex lazily builds the tool name index, compiling input schemas once.
func (s *session) toolIndex(ctx context.Context) (map[string]*toolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tools != nil {
		return s.tools, nil
	}
	tools := make(map[string]*toolEntry)
	for _, t := range s.targets {
		infos, err := t.backend.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tools for %s: %w", t.NodeRef, err)
		}
		for _, info := range infos {
			entry := &toolEntry{target: t, info: info}
			if len(info.InputSchema) > 0 {
				schema, err := compileSchema(info.InputSchema)
				if err != nil {
					s.gw.logger.Warn(ctx, "tool schema does not compile",
						"tool", info.Name, "node", t.NodeRef, "err", err)
				} else {
					entry.schema = schema
				}
			}
			if _, dup := tools[info.Name]; !dup {
				tools[info.Name] = entry
			}
		}
	}
	s.tools = tools
	return tools, nil
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("tool.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("tool.json")
}

func (s *session) emitCall(ctx context.Context, tool, targetRef string, rejected bool, reason string) {
	if s.gw.hub == nil {
		return
	}
	if _, err := s.gw.hub.Publish(ctx, event.New(s.runID, s.nodeRef, event.KindToolCall, event.ToolCallPayload{
		SessionID: s.id,
		Tool:      tool,
		TargetRef: targetRef,
		Rejected:  rejected,
		Reason:    reason,
	})); err != nil {
		s.gw.logger.Error(ctx, "publish tool.call", "run", s.runID, "err", err)
	}
}

func (s *session) emitResult(ctx context.Context, tool string, callErr error, dur time.Duration) {
	if s.gw.hub == nil {
		return
	}
	payload := event.ToolResultPayload{
		SessionID:      s.id,
		Tool:           tool,
		OK:             callErr == nil,
		DurationMillis: dur.Milliseconds(),
	}
	if callErr != nil {
		payload.Error = callErr.Error()
	}
	if _, err := s.gw.hub.Publish(ctx, event.New(s.runID, s.nodeRef, event.KindToolResult, payload)); err != nil {
		s.gw.logger.Error(ctx, "publish tool.result", "run", s.runID, "err", err)
	}
}
