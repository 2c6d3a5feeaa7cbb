// Package model abstracts the generative client workers call to produce
// assets. The interface keeps the worker testable and lets deployments swap
// providers without touching job logic.
package model

import "context"

type (
	// Request describes one generation. A refinement carries the parent
	// asset's content plus the client's notes.
	Request struct {
		// Prompt is the client's description of what to produce.
		Prompt string
		// AssetType names the artifact kind (e.g. "svg", "text"). Defaults to
		// "text".
		AssetType string
		// BaseContent is the parent asset's content when refining.
		BaseContent string
		// Notes are the refinement instructions.
		Notes string
	}

	// Output is the produced artifact content.
	Output struct {
		Content   string
		AssetType string
	}

	// Generator produces asset content. Implementations must honor ctx
	// cancellation; the worker bounds each call with its own timeout.
	Generator interface {
		Generate(ctx context.Context, req Request) (*Output, error)
	}
)
