package components

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/registry"
	"github.com/strandsec/strand/runtime/sink"
)

// FindingsSink indexes structured findings from upstream nodes into the
// analytics store. Retryable indexer failures (network, server transients)
// count against the retry policy; schema rejections fail terminally.
func FindingsSink(indexer sink.Indexer) *registry.Definition {
	return &registry.Definition{
		ID:          "sink.findings",
		Version:     "1.0.0",
		Description: "Indexes findings into the tenant's analytics store.",
		Inputs: []registry.PortSpec{
			{ID: "items", Type: registry.List(registry.Contract("finding")), AllowAny: true, Required: true},
		},
		Outputs: []registry.PortSpec{
			{ID: "indexed", Type: registry.Number()},
		},
		Capabilities: registry.Capabilities{Sink: true},
		Runner:       registry.Runner{Kind: registry.RunInline},
		Retry: registry.RetryPolicy{
			MaxAttempts:    4,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     time.Minute,
			Multiplier:     2.0,
		},
		Timeout: 2 * time.Minute,
		Execute: func(ctx context.Context, act component.Activation) component.Result {
			return executeFindingsSink(ctx, indexer, act)
		},
	}
}

func executeFindingsSink(ctx context.Context, indexer sink.Indexer, act component.Activation) component.Result {
	raw, ok := act.Inputs["items"]
	if !ok || raw == nil {
		return component.Succeed(component.Values{"indexed": 0})
	}
	items, err := toRawItems(raw)
	if err != nil {
		return component.FailErr(component.KindValidation, "findings input is not a list", err)
	}
	batch := sink.Batch{
		RunID:      act.RunID,
		WorkflowID: act.WorkflowID,
		TenantID:   act.TenantID,
		NodeRef:    act.NodeRef,
		Items:      items,
	}
	n, err := indexer.Index(ctx, batch)
	if err != nil {
		if sink.Retryable(err) {
			return component.FailErr(component.KindNetwork, "index findings", err)
		}
		return component.FailErr(component.KindValidation, "findings rejected by index", err)
	}
	act.Log.Logf(ctx, "indexed %d findings", n)
	return component.Succeed(component.Values{"indexed": n})
}

func toRawItems(v any) ([]json.RawMessage, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
	items := make([]json.RawMessage, 0, len(list))
	for i, item := range list {
		encoded, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		items = append(items, encoded)
	}
	return items, nil
}
