package registry

import (
	"encoding/json"
	"time"

	"github.com/strandsec/strand/runtime/component"
)

// TypeKind discriminates the DataType sum.
type TypeKind string

const (
	// KindPrimitive is a primitive type named by DataType.Name
	// (text, number, boolean, json, secret).
	KindPrimitive TypeKind = "primitive"
	// KindList is a homogeneous list; DataType.Elem is the element type.
	KindList TypeKind = "list"
	// KindMap is a string-keyed map; DataType.Elem is the value type.
	KindMap TypeKind = "map"
	// KindContract is a named data-type agreement between two ports. A
	// contract matches only a same-named contract.
	KindContract TypeKind = "contract"
	// KindAny matches anything.
	KindAny TypeKind = "any"
)

// Primitive type names.
const (
	PrimText    = "text"
	PrimNumber  = "number"
	PrimBoolean = "boolean"
	PrimJSON    = "json"
	PrimSecret  = "secret"
)

// ConnectionKind distinguishes port connection semantics.
type ConnectionKind string

const (
	// ConnData is a single-value data connection resolved before activation.
	ConnData ConnectionKind = "data"
	// ConnStream is a chunked stream connection (terminal output).
	ConnStream ConnectionKind = "stream"
)

// RunnerKind selects how a component executes.
type RunnerKind string

const (
	// RunInline executes the component in-process on the worker.
	RunInline RunnerKind = "inline"
	// RunContainer executes the component against a container-hosted tool
	// server managed by the container runner.
	RunContainer RunnerKind = "container"
)

type (
	// DataType is the sum of port data types. Exactly one shape is valid per
	// Kind: primitives and contracts carry Name, lists and maps carry Elem,
	// and any carries nothing.
	DataType struct {
		Kind TypeKind  `json:"kind"`
		Name string    `json:"name,omitempty"`
		Elem *DataType `json:"elem,omitempty"`
	}

	// PortSpec declares a named, typed connection point on a component.
	PortSpec struct {
		// ID is the port identifier referenced by edge handles.
		ID string `json:"id"`
		// Type is the port's data type.
		Type DataType `json:"type"`
		// Required marks an input that must be satisfied by an edge or a
		// literal for the graph to validate.
		Required bool `json:"required,omitempty"`
		// AllowAny relaxes type checking for this port: any upstream type
		// is accepted regardless of Type.
		AllowAny bool `json:"allowAny,omitempty"`
		// Connection selects data versus stream semantics.
		Connection ConnectionKind `json:"connection,omitempty"`
	}

	// ParamSpec declares a configuration parameter. The core treats editor
	// hints opaquely; only Secret participates in validation (raw-credential
	// heuristics).
	ParamSpec struct {
		ID       string         `json:"id"`
		Label    string         `json:"label,omitempty"`
		Required bool           `json:"required,omitempty"`
		Secret   bool           `json:"secret,omitempty"`
		Default  any            `json:"default,omitempty"`
		Editor   map[string]any `json:"editor,omitempty"`
	}

	// RetryPolicy bounds automatic retries for a component's activations.
	RetryPolicy struct {
		// MaxAttempts is the total number of attempts including the first.
		// Zero or one means no retries.
		MaxAttempts int `json:"maxAttempts"`
		// InitialBackoff is the delay before the first retry.
		InitialBackoff time.Duration `json:"initialBackoff"`
		// MaxBackoff caps the delay between retries.
		MaxBackoff time.Duration `json:"maxBackoff"`
		// Multiplier grows the backoff after each retry; 2.0 is exponential.
		Multiplier float64 `json:"multiplier"`
		// NonRetryableKinds lists failure kinds that terminate immediately
		// even when the kind is retryable by default.
		NonRetryableKinds []component.FailureKind `json:"nonRetryableKinds,omitempty"`
	}

	// Capabilities flags special component roles.
	Capabilities struct {
		// ToolMode marks an AI-agent component that invokes downstream tool
		// servers through the session-scoped gateway.
		ToolMode bool `json:"toolMode,omitempty"`
		// Trigger marks an entry-point component. A valid graph contains
		// exactly one trigger node.
		Trigger bool `json:"trigger,omitempty"`
		// Sink marks a terminal-value analytics sink.
		Sink bool `json:"sink,omitempty"`
	}

	// Runner names the execution vehicle for a component. Container runners
	// carry the image reference and default command.
	Runner struct {
		Kind RunnerKind `json:"kind"`
		// Image is the container image reference (container kind only).
		Image string `json:"image,omitempty"`
		// Command and Args bootstrap the tool server inside the container.
		Command string   `json:"command,omitempty"`
		Args    []string `json:"args,omitempty"`
		// Tool is the tool name exposed by the server that the orchestrator
		// invokes for plain (non tool-mode) container components.
		Tool string `json:"tool,omitempty"`
		// NonReentrant asks the gateway to serialize concurrent calls to the
		// backing server.
		NonReentrant bool `json:"nonReentrant,omitempty"`
	}

	// ResolvePortsFunc computes effective ports from parameters for
	// components with dynamic ports. It must be pure: same params, same
	// ports. It is invoked by the validator and the plan compiler, never at
	// activation time.
	ResolvePortsFunc func(params map[string]any) (inputs, outputs []PortSpec, err error)

	// Definition is a registry entry: the immutable, process-wide description
	// of a component.
	Definition struct {
		// ID is the stable component reference, for example "core.http.request".
		ID string `json:"id"`
		// Version is the component semver.
		Version string `json:"version"`
		// Description is a short human-readable summary.
		Description string `json:"description,omitempty"`
		// Inputs and Outputs are the declared ports, in declaration order.
		Inputs  []PortSpec `json:"inputs,omitempty"`
		Outputs []PortSpec `json:"outputs,omitempty"`
		// Params declares the configuration surface.
		Params []ParamSpec `json:"params,omitempty"`
		// ParamSchema, when set, is a JSON Schema the supplied params must
		// satisfy. Enforced by the graph validator.
		ParamSchema json.RawMessage `json:"paramSchema,omitempty"`
		// Runner selects inline or container execution.
		Runner Runner `json:"runner"`
		// Retry bounds automatic retries.
		Retry RetryPolicy `json:"retry"`
		// Capabilities flags trigger, sink, and tool-mode roles.
		Capabilities Capabilities `json:"capabilities"`
		// Deterministic marks components whose outputs depend only on their
		// bound inputs and params, enabling cached-artifact reuse across runs
		// with identical plan signatures.
		Deterministic bool `json:"deterministic,omitempty"`
		// Timeout is the per-activation deadline. Zero uses the engine default.
		Timeout time.Duration `json:"timeout,omitempty"`
		// ResolvePorts computes effective ports from params (dynamic ports).
		// Nil for components with static ports.
		ResolvePorts ResolvePortsFunc `json:"-"`
		// Execute is the inline entry point. Nil for container components.
		Execute component.ExecuteFunc `json:"-"`
	}
)

// Convenience constructors for the common types.

// Text returns the text primitive type.
func Text() DataType { return DataType{Kind: KindPrimitive, Name: PrimText} }

// Number returns the number primitive type.
func Number() DataType { return DataType{Kind: KindPrimitive, Name: PrimNumber} }

// Boolean returns the boolean primitive type.
func Boolean() DataType { return DataType{Kind: KindPrimitive, Name: PrimBoolean} }

// JSON returns the json primitive type.
func JSON() DataType { return DataType{Kind: KindPrimitive, Name: PrimJSON} }

// Secret returns the secret primitive type.
func Secret() DataType { return DataType{Kind: KindPrimitive, Name: PrimSecret} }

// List returns a list type with the given element type.
func List(elem DataType) DataType { return DataType{Kind: KindList, Elem: &elem} }

// Map returns a string-keyed map type with the given value type.
func Map(value DataType) DataType { return DataType{Kind: KindMap, Elem: &value} }

// Contract returns a named contract type.
func Contract(name string) DataType { return DataType{Kind: KindContract, Name: name} }

// Any returns the any type.
func Any() DataType { return DataType{Kind: KindAny} }

// Compatible reports whether a value of type src may flow into a port of
// type dst. Identical kinds match; any matches anything in either position;
// contracts match same-named contracts only.
func Compatible(src, dst DataType) bool {
	if src.Kind == KindAny || dst.Kind == KindAny {
		return true
	}
	if src.Kind != dst.Kind {
		return false
	}
	switch src.Kind {
	case KindPrimitive, KindContract:
		return src.Name == dst.Name
	case KindList, KindMap:
		if src.Elem == nil || dst.Elem == nil {
			return src.Elem == dst.Elem
		}
		return Compatible(*src.Elem, *dst.Elem)
	}
	return false
}

// String renders the type for diagnostics, for example "list<text>".
func (t DataType) String() string {
	switch t.Kind {
	case KindPrimitive:
		return t.Name
	case KindContract:
		return "contract<" + t.Name + ">"
	case KindList:
		if t.Elem == nil {
			return "list<?>"
		}
		return "list<" + t.Elem.String() + ">"
	case KindMap:
		if t.Elem == nil {
			return "map<?>"
		}
		return "map<" + t.Elem.String() + ">"
	case KindAny:
		return "any"
	}
	return string(t.Kind)
}

// EffectivePorts returns the component's effective input and output ports for
// the given params, applying ResolvePorts when declared.
func (d *Definition) EffectivePorts(params map[string]any) (inputs, outputs []PortSpec, err error) {
	if d.ResolvePorts == nil {
		return d.Inputs, d.Outputs, nil
	}
	return d.ResolvePorts(params)
}

// NonRetryable reports whether the policy forbids retrying the given kind.
func (p RetryPolicy) NonRetryable(kind component.FailureKind) bool {
	for _, k := range p.NonRetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}
