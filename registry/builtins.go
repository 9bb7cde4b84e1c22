package registry

import "github.com/arbor-labs/arborflow/core"

// registerBuiltins registers the built-in node types. Called once by
// Global() during singleton initialization. Declaration order here is
// the palette order.
func registerBuiltins(r *Registry) {
	r.Register(TypeDef{
		Type:        core.NodeStart,
		Category:    "flow",
		DisplayName: "Start",
		Description: "Entry point of the workflow; every run begins here",
		Ports: PortSchema{
			Outputs: []Port{
				{Name: core.HandleOutput, Kind: "message", MaxEdges: 1},
			},
		},
	})

	r.Register(TypeDef{
		Type:        core.NodeAgent,
		Category:    "ai",
		DisplayName: "Agent",
		Description: "Run a model with instructions, tools, and an optional structured output shape",
		Ports: PortSchema{
			Inputs: []Port{
				{Name: core.HandleInput, Kind: "message"},
			},
			Outputs: []Port{
				{Name: core.HandleOutput, Kind: "message", MaxEdges: 1},
			},
		},
	})

	r.Register(TypeDef{
		Type:        core.NodeIfElse,
		Category:    "control",
		DisplayName: "If / Else",
		Description: "Route the run down the first branch whose condition matches the previous result",
		Ports: PortSchema{
			Inputs: []Port{
				{Name: core.HandleInput, Kind: "message"},
			},
			Outputs: []Port{
				// One source handle materializes per condition.
				{Name: "condition", Kind: "message", MaxEdges: 1, Dynamic: true},
				{Name: core.HandleElse, Kind: "message", MaxEdges: 1},
			},
		},
	})

	r.Register(TypeDef{
		Type:        core.NodeEnd,
		Category:    "flow",
		DisplayName: "End",
		Description: "Terminal node; reaching it completes the run",
		Ports: PortSchema{
			Inputs: []Port{
				{Name: core.HandleInput, Kind: "message"},
			},
		},
	})

	r.Register(TypeDef{
		Type:        core.NodeNote,
		Category:    "annotation",
		DisplayName: "Note",
		Description: "Free-floating canvas annotation; never executed and never connected",
		Ports:       PortSchema{},
	})
}
