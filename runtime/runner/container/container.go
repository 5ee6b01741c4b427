// Package container manages containerized tool servers. Activations borrow a
// server from a warm pool keyed by (image, command, env digest); misses
// create a container, bind a free host port, and health-check it before the
// first call. Terminal output streams into the artifact store as ordered
// chunks. Image references and container ids are validated against strict
// patterns before any engine call, and images outside the allow-list are
// refused unless the tenant carries the elevated capability.
package container

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/strandsec/strand/runtime/artifact"
	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/event"
	"github.com/strandsec/strand/runtime/gateway"
	"github.com/strandsec/strand/runtime/registry"
	"github.com/strandsec/strand/runtime/telemetry"
)

const (
	// healthDeadline bounds container startup: the /health endpoint must
	// answer 200 within this window or the attempt fails with kind=startup.
	healthDeadline = 60 * time.Second
	// serverPort is the in-container port tool servers listen on.
	serverPort = "8080/tcp"
	// stopTimeout is how long a container gets to exit cleanly.
	stopTimeout = 10
)

type (
	// DockerAPI is the engine surface the runner needs. *client.Client
	// satisfies it; tests substitute a fake.
	DockerAPI interface {
		ContainerCreate(ctx context.Context, config *containertypes.Config, hostConfig *containertypes.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (containertypes.CreateResponse, error)
		ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error
		ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error
		ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error
		ContainerLogs(ctx context.Context, containerID string, options containertypes.LogsOptions) (io.ReadCloser, error)
	}

	// SecretSource resolves component env secrets just in time. Resolved
	// values are registered with the scrubber before they reach a container.
	SecretSource interface {
		Resolve(ctx context.Context, tenantID, componentID string) (map[string]string, error)
	}

	// Config tunes the runner.
	Config struct {
		// ImageAllowList enumerates launchable images. An entry ending in /
		// allows the whole repository prefix.
		ImageAllowList []string
		// ElevatedTenants may launch images outside the allow-list.
		ElevatedTenants []string
		// HostIP is where bound ports are reachable. Defaults to 127.0.0.1.
		HostIP string
	}

	poolKey struct {
		image     string
		command   string
		envDigest string
	}

	// instance is one managed container.
	instance struct {
		key      poolKey
		id       string
		name     string
		hostPort int
		caller   *rpcCaller
	}

	// Runner implements runner.Runner for container components and
	// gateway.BackendResolver for tool sessions.
	Runner struct {
		cfg      Config
		docker   DockerAPI
		reg      *registry.Registry
		arts     artifact.Store
		hub      *event.Hub
		scrubber *event.Scrubber
		secrets  SecretSource
		logger   telemetry.Logger

		mu   sync.Mutex
		idle map[poolKey][]*instance
	}
)

// New builds a container runner. secrets and scrubber are optional.
func New(cfg Config, docker DockerAPI, reg *registry.Registry, arts artifact.Store, hub *event.Hub, scrubber *event.Scrubber, secrets SecretSource, logger telemetry.Logger) *Runner {
	if cfg.HostIP == "" {
		cfg.HostIP = "127.0.0.1"
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Runner{
		cfg:      cfg,
		docker:   docker,
		reg:      reg,
		arts:     arts,
		hub:      hub,
		scrubber: scrubber,
		secrets:  secrets,
		logger:   logger,
		idle:     make(map[poolKey][]*instance),
	}
}

// Run executes one attempt of a plain container component: borrow a server,
// stream its terminal output, invoke the declared tool with the bound inputs,
// and map the reply onto output ports.
func (r *Runner) Run(ctx context.Context, def *registry.Definition, act component.Activation) (component.Result, error) {
	inst, failure, err := r.acquire(ctx, def, act.TenantID)
	if err != nil {
		return component.Result{}, err
	}
	if failure != nil {
		return component.Result{Failure: failure}, nil
	}

	logCtx, stopLogs := context.WithCancel(ctx)
	go r.streamLogs(logCtx, inst, act.RunID, act.NodeRef)

	args, err := json.Marshal(map[string]any{
		"params":         act.Params,
		"inputs":         act.Inputs,
		"resume":         act.ResumePayload,
		"idempotencyKey": act.IdempotencyKey,
	})
	if err != nil {
		stopLogs()
		r.release(inst, true)
		return component.Result{}, fmt.Errorf("encode tool arguments: %w", err)
	}

	callCtx := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}
	tool := def.Runner.Tool
	if tool == "" {
		tool = "run"
	}
	raw, callErr := inst.caller.callTool(callCtx, tool, args)
	stopLogs()
	if callErr != nil {
		f := classifyCallError(callErr, def.ID)
		r.release(inst, f.Kind != component.KindNetwork)
		return component.Result{Failure: f}, nil
	}
	r.release(inst, true)

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return component.Fail(component.KindInternal,
			fmt.Sprintf("component %s returned malformed JSON: %v", def.ID, err)), nil
	}
	if obj, ok := decoded.(map[string]any); ok {
		return component.Succeed(obj), nil
	}
	return component.Succeed(component.Values{"output": decoded}), nil
}

// Backend borrows a server for a gateway tool session. Implements
// gateway.BackendResolver; the release func returns the server to the pool.
func (r *Runner) Backend(ctx context.Context, runID, nodeRef, componentID string) (gateway.ToolBackend, func(), error) {
	def, err := r.reg.Get(componentID)
	if err != nil {
		return nil, nil, err
	}
	inst, failure, err := r.acquire(ctx, def, "")
	if err != nil {
		return nil, nil, err
	}
	if failure != nil {
		return nil, nil, failure
	}
	release := func() { r.release(inst, true) }
	return &backend{caller: inst.caller}, release, nil
}

// backend adapts an rpcCaller to the gateway's ToolBackend.
type backend struct {
	caller *rpcCaller
}

func (b *backend) ListTools(ctx context.Context) ([]component.ToolInfo, error) {
	return b.caller.listTools(ctx)
}

func (b *backend) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	return b.caller.callTool(ctx, name, args)
}

// acquire returns a warm instance or launches one. A non-nil failure is a
// component-level outcome (policy refusal, startup timeout); err is an
// infrastructure fault.
func (r *Runner) acquire(ctx context.Context, def *registry.Definition, tenantID string) (*instance, *component.Failure, error) {
	image := def.Runner.Image
	if err := validImageRef(image); err != nil {
		return nil, &component.Failure{Kind: component.KindValidation, Message: err.Error()}, nil
	}
	if !r.imageAllowed(image, tenantID) {
		return nil, &component.Failure{
			Kind:    component.KindConfiguration,
			Message: fmt.Sprintf("image %s is not on the allow-list for tenant %q", image, tenantID),
		}, nil
	}

	env, err := r.resolveEnv(ctx, tenantID, def)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve env for %s: %w", def.ID, err)
	}
	key := poolKey{
		image:     image,
		command:   strings.Join(append([]string{def.Runner.Command}, def.Runner.Args...), " "),
		envDigest: envDigest(env),
	}

	r.mu.Lock()
	if pool := r.idle[key]; len(pool) > 0 {
		inst := pool[len(pool)-1]
		r.idle[key] = pool[:len(pool)-1]
		r.mu.Unlock()
		return inst, nil, nil
	}
	r.mu.Unlock()

	inst, err := r.launch(ctx, key, def, env)
	if err != nil {
		var startup *startupError
		if errors.As(err, &startup) {
			return nil, &component.Failure{
				Kind:      component.KindStartup,
				Message:   startup.Error(),
				Retryable: true,
			}, nil
		}
		return nil, nil, err
	}
	return inst, nil, nil
}

// release returns a healthy instance to the pool or tears it down.
func (r *Runner) release(inst *instance, healthy bool) {
	if healthy {
		r.mu.Lock()
		r.idle[inst.key] = append(r.idle[inst.key], inst)
		r.mu.Unlock()
		return
	}
	r.teardown(inst)
}

func (r *Runner) teardown(inst *instance) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := validContainerID(inst.id); err != nil {
		r.logger.Error(ctx, "refusing teardown", "container", inst.name, "err", err)
		return
	}
	timeout := stopTimeout
	if err := r.docker.ContainerStop(ctx, inst.id, containertypes.StopOptions{Timeout: &timeout}); err != nil {
		r.logger.Warn(ctx, "stop container", "container", inst.name, "err", err)
	}
	if err := r.docker.ContainerRemove(ctx, inst.id, containertypes.RemoveOptions{Force: true}); err != nil {
		r.logger.Warn(ctx, "remove container", "container", inst.name, "err", err)
	}
}

// Shutdown tears down every pooled instance.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	var all []*instance
	for key, pool := range r.idle {
		all = append(all, pool...)
		delete(r.idle, key)
	}
	r.mu.Unlock()
	for _, inst := range all {
		r.teardown(inst)
	}
}

// startupError marks launch failures that map to failure{kind=startup}.
type startupError struct {
	msg string
}

func (e *startupError) Error() string { return e.msg }

// launch creates, starts, and health-checks a fresh container.
func (r *Runner) launch(ctx context.Context, key poolKey, def *registry.Definition, env []string) (*instance, error) {
	hostPort, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("allocate host port: %w", err)
	}
	name := "strand-" + uuid.NewString()

	// The image's entry wrapper reads MCP_COMMAND and MCP_ARGS to start the
	// tool server; the container command itself stays untouched.
	if def.Runner.Command != "" {
		env = append(env, "MCP_COMMAND="+def.Runner.Command)
		if len(def.Runner.Args) > 0 {
			args, err := json.Marshal(def.Runner.Args)
			if err != nil {
				return nil, fmt.Errorf("encode server args: %w", err)
			}
			env = append(env, "MCP_ARGS="+string(args))
		}
	}
	created, err := r.docker.ContainerCreate(ctx,
		&containertypes.Config{
			Image:        key.image,
			Env:          env,
			ExposedPorts: nat.PortSet{nat.Port(serverPort): struct{}{}},
			Labels:       map[string]string{"dev.strand.component": def.ID},
		},
		&containertypes.HostConfig{
			PortBindings: nat.PortMap{
				nat.Port(serverPort): []nat.PortBinding{{
					HostIP:   r.cfg.HostIP,
					HostPort: strconv.Itoa(hostPort),
				}},
			},
		},
		&network.NetworkingConfig{}, nil, name)
	if err != nil {
		return nil, &startupError{msg: fmt.Sprintf("create container for %s: %v", def.ID, err)}
	}
	inst := &instance{key: key, id: created.ID, name: name, hostPort: hostPort}

	if err := r.docker.ContainerStart(ctx, created.ID, containertypes.StartOptions{}); err != nil {
		r.teardown(inst)
		return nil, &startupError{msg: fmt.Sprintf("start container for %s: %v", def.ID, err)}
	}
	endpoint := fmt.Sprintf("http://%s:%d", r.cfg.HostIP, hostPort)
	if err := r.waitHealthy(ctx, endpoint+"/health"); err != nil {
		r.teardown(inst)
		return nil, &startupError{msg: fmt.Sprintf("container for %s never became healthy: %v", def.ID, err)}
	}
	caller, err := newRPCCaller(ctx, endpoint+"/rpc")
	if err != nil {
		r.teardown(inst)
		return nil, &startupError{msg: fmt.Sprintf("handshake with %s: %v", def.ID, err)}
	}
	inst.caller = caller
	r.logger.Info(ctx, "tool server started",
		"component", def.ID, "image", key.image, "container", name, "port", hostPort)
	return inst, nil
}

// waitHealthy polls the health endpoint until 200 or the startup deadline.
func (r *Runner) waitHealthy(ctx context.Context, url string) error {
	deadline := time.Now().Add(healthDeadline)
	client := &http.Client{Timeout: 2 * time.Second}
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no healthy response within %v", healthDeadline)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (r *Runner) imageAllowed(image, tenantID string) bool {
	for _, t := range r.cfg.ElevatedTenants {
		if t == tenantID && tenantID != "" {
			return true
		}
	}
	for _, allowed := range r.cfg.ImageAllowList {
		if strings.HasSuffix(allowed, "/") {
			if strings.HasPrefix(image, allowed) {
				return true
			}
			continue
		}
		if image == allowed {
			return true
		}
	}
	return false
}

// resolveEnv merges just-in-time secrets into the container env and registers
// every secret value with the scrubber.
func (r *Runner) resolveEnv(ctx context.Context, tenantID string, def *registry.Definition) ([]string, error) {
	if r.secrets == nil {
		return nil, nil
	}
	secrets, err := r.secrets.Resolve(ctx, tenantID, def.ID)
	if err != nil {
		return nil, err
	}
	env := make([]string, 0, len(secrets))
	for k, v := range secrets {
		if r.scrubber != nil {
			r.scrubber.Register(v)
		}
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env, nil
}

func envDigest(env []string) string {
	sum := sha256.Sum256([]byte(strings.Join(env, "\n")))
	return hex.EncodeToString(sum[:])
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = l.Close()
	}()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// classifyCallError maps transport and server errors onto the failure
// taxonomy.
func classifyCallError(err error, componentID string) *component.Failure {
	msg := fmt.Sprintf("component %s: %v", componentID, err)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &component.Failure{Kind: component.KindTimeout, Message: msg, Retryable: true, Cause: err}
	case errors.Is(err, context.Canceled):
		return &component.Failure{Kind: component.KindCancel, Message: msg, Cause: err}
	}
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) {
		return &component.Failure{Kind: component.KindInternal, Message: msg, Cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &component.Failure{Kind: component.KindTimeout, Message: msg, Retryable: true, Cause: err}
	}
	return &component.Failure{Kind: component.KindNetwork, Message: msg, Retryable: true, Cause: err}
}
