package components

import (
	"time"

	"github.com/strandsec/strand/runtime/registry"
)

// SecurityTools returns the container-hosted scanner catalogue. Each entry
// wraps a tool server image managed by the container runner; the orchestrator
// invokes the named tool for plain nodes and exposes the server's whole tool
// set to agent sessions through the gateway.
func SecurityTools() []*registry.Definition {
	scanRetry := registry.RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     2 * time.Minute,
		Multiplier:     2.0,
	}
	return []*registry.Definition{
		{
			ID:          "recon.subfinder",
			Version:     "1.0.0",
			Description: "Enumerates subdomains for a target domain.",
			Inputs: []registry.PortSpec{
				{ID: "domain", Type: registry.Text(), Required: true},
			},
			Outputs: []registry.PortSpec{
				{ID: "subdomains", Type: registry.List(registry.Text())},
			},
			Runner: registry.Runner{
				Kind:  registry.RunContainer,
				Image: "ghcr.io/strandsec/tools/subfinder:1",
				Tool:  "enumerate",
			},
			Retry:   scanRetry,
			Timeout: 10 * time.Minute,
		},
		{
			ID:          "scan.httpx",
			Version:     "1.0.0",
			Description: "Probes hosts for live HTTP services.",
			Inputs: []registry.PortSpec{
				{ID: "hosts", Type: registry.List(registry.Text()), Required: true},
			},
			Outputs: []registry.PortSpec{
				{ID: "services", Type: registry.List(registry.JSON())},
			},
			Runner: registry.Runner{
				Kind:  registry.RunContainer,
				Image: "ghcr.io/strandsec/tools/httpx:1",
				Tool:  "probe",
			},
			Retry:   scanRetry,
			Timeout: 15 * time.Minute,
		},
		{
			ID:          "scan.nuclei",
			Version:     "1.0.0",
			Description: "Runs template-based vulnerability scans against targets.",
			Inputs: []registry.PortSpec{
				{ID: "targets", Type: registry.List(registry.Text()), Required: true},
				{ID: "templates", Type: registry.List(registry.Text())},
			},
			Outputs: []registry.PortSpec{
				{ID: "findings", Type: registry.List(registry.Contract("finding"))},
				{ID: "log", Type: registry.Text(), Connection: registry.ConnStream},
			},
			Runner: registry.Runner{
				Kind: registry.RunContainer,
				// The nuclei server keeps template caches warm between calls
				// and does not tolerate concurrent scans.
				Image:        "ghcr.io/strandsec/tools/nuclei:1",
				Tool:         "scan",
				NonReentrant: true,
			},
			Retry:   scanRetry,
			Timeout: 30 * time.Minute,
		},
	}
}
