package components

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/registry"
)

// Trigger components are the graph entrypoints. The orchestrator merges the
// run's trigger payload into the entrypoint activation's inputs; a trigger
// echoes those inputs onto its output ports so downstream nodes bind against
// declared, typed ports rather than the raw payload.

// ManualTrigger starts runs submitted directly by a user. Its output ports
// are declared per workflow through the "fields" param so editors get typed
// handles; the whole payload is always available on "payload".
func ManualTrigger() *registry.Definition {
	return &registry.Definition{
		ID:          "trigger.manual",
		Version:     "1.0.0",
		Description: "Starts a run from a direct submission with user-supplied inputs.",
		Outputs: []registry.PortSpec{
			{ID: "payload", Type: registry.JSON()},
		},
		Capabilities: registry.Capabilities{Trigger: true},
		Runner:       registry.Runner{Kind: registry.RunInline},
		ResolvePorts: resolveTriggerPorts,
		Execute:      echoTrigger,
	}
}

// WebhookTrigger starts runs from verified webhook deliveries.
func WebhookTrigger() *registry.Definition {
	return &registry.Definition{
		ID:          "trigger.webhook",
		Version:     "1.0.0",
		Description: "Starts a run from a signature-verified webhook delivery.",
		Outputs: []registry.PortSpec{
			{ID: "body", Type: registry.JSON()},
			{ID: "source", Type: registry.Text()},
			{ID: "deliveryId", Type: registry.Text()},
		},
		Capabilities: registry.Capabilities{Trigger: true},
		Runner:       registry.Runner{Kind: registry.RunInline},
		Execute: func(_ context.Context, act component.Activation) component.Result {
			return component.Succeed(component.Values{
				"body":       act.Inputs["body"],
				"source":     act.Inputs["source"],
				"deliveryId": act.Inputs["deliveryId"],
			})
		},
	}
}

// ScheduleTrigger starts runs fired by the cron scheduler.
func ScheduleTrigger() *registry.Definition {
	return &registry.Definition{
		ID:          "trigger.schedule",
		Version:     "1.0.0",
		Description: "Starts a run on a cron schedule.",
		Outputs: []registry.PortSpec{
			{ID: "scheduleId", Type: registry.Text()},
			{ID: "firingInstant", Type: registry.Text()},
		},
		Capabilities: registry.Capabilities{Trigger: true},
		Runner:       registry.Runner{Kind: registry.RunInline},
		Execute: func(_ context.Context, act component.Activation) component.Result {
			return component.Succeed(component.Values{
				"scheduleId":    act.Inputs["scheduleId"],
				"firingInstant": act.Inputs["firingInstant"],
			})
		},
	}
}

// resolveTriggerPorts derives the manual trigger's output ports from its
// "fields" param, a map of port id to primitive type name. The "payload"
// port is always present.
func resolveTriggerPorts(params map[string]any) (inputs, outputs []registry.PortSpec, err error) {
	outputs = []registry.PortSpec{{ID: "payload", Type: registry.JSON()}}
	fields, ok := params["fields"].(map[string]any)
	if !ok {
		return nil, outputs, nil
	}
	ids := make([]string, 0, len(fields))
	for id := range fields {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		typeName, ok := fields[id].(string)
		if !ok {
			return nil, nil, fmt.Errorf("trigger field %q: type name must be a string", id)
		}
		t, err := primitiveType(typeName)
		if err != nil {
			return nil, nil, fmt.Errorf("trigger field %q: %w", id, err)
		}
		outputs = append(outputs, registry.PortSpec{ID: id, Type: t})
	}
	return nil, outputs, nil
}

func primitiveType(name string) (registry.DataType, error) {
	switch name {
	case registry.PrimText:
		return registry.Text(), nil
	case registry.PrimNumber:
		return registry.Number(), nil
	case registry.PrimBoolean:
		return registry.Boolean(), nil
	case registry.PrimJSON:
		return registry.JSON(), nil
	}
	return registry.DataType{}, fmt.Errorf("unknown primitive type %q", name)
}

// echoTrigger copies the merged trigger payload onto the declared output
// ports and exposes the whole map as "payload". A payload missing a declared
// field is a validation failure; the manual trigger also rejects these at
// submit time, so this guards submissions that bypassed that path.
func echoTrigger(_ context.Context, act component.Activation) component.Result {
	if fields, ok := act.Params["fields"].(map[string]any); ok {
		var missing []string
		for id := range fields {
			if _, ok := act.Inputs[id]; !ok {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return component.Fail(component.KindValidation,
				"submission is missing declared fields: "+strings.Join(missing, ", "))
		}
	}
	out := component.Values{}
	payload := make(map[string]any, len(act.Inputs))
	for k, v := range act.Inputs {
		out[k] = v
		payload[k] = v
	}
	out["payload"] = payload
	return component.Succeed(out)
}
