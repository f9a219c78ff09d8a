package supervisor

// DefaultDependencyGraph is the static service-to-dependencies map published
// on GET /status for diagnostics.
var DefaultDependencyGraph = map[string][]string{
	"api-gateway":    {"model-router", "memory-engine"},
	"pipecat":        {"api-gateway"},
	"openclaw":       {},
	"model-router":   {},
	"memory-engine":  {},
	"eva-os":         {},
	"orchestrator":   {"api-gateway", "openclaw", "memory-engine"},
	"vision-capture": {},
	"perception":     {"vision-capture"},
}

// DefaultServices is the canonical set of supervised services and their
// default host/port, overridable per deployment.
var DefaultServices = []ServiceConfig{
	{Name: "api-gateway", Host: "127.0.0.1", Port: 7000},
	{Name: "model-router", Host: "127.0.0.1", Port: 7010},
	{Name: "memory-engine", Host: "127.0.0.1", Port: 7020},
	{Name: "pipecat", Host: "127.0.0.1", Port: 7030},
	{Name: "openclaw", Host: "127.0.0.1", Port: 7040},
	{Name: "orchestrator", Host: "127.0.0.1", Port: 8000},
	{Name: "vision-capture", Host: "127.0.0.1", Port: 7060},
	{Name: "perception", Host: "127.0.0.1", Port: 7070},
}
