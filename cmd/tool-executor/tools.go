package main

import (
	"github.com/vegasmandawg/sonia-core/internal/config"
	"github.com/vegasmandawg/sonia-core/internal/executor"
)

// registerTools wires the built-in shell and file tool implementations. The
// allowlist is intentionally narrow: the policy engine's own rules are the
// primary gate, this is a second, independent floor.
func registerTools(exec *executor.Executor, sandbox *executor.Sandbox, cfg config.ToolExecutor) {
	timeoutSeconds := int(cfg.ToolTimeout.Seconds())
	if timeoutSeconds <= 0 {
		timeoutSeconds = 5
	}

	shellExec, err := executor.NewShellExecutor("/bin/sh", []string{
		`^(ls|cat|pwd|echo|grep|find|head|tail|wc)\b`,
	})
	if err == nil {
		exec.Register(executor.ToolSpec{
			Name:               "shell.run",
			Category:           "shell",
			RiskTier:           executor.RiskProcess,
			Params:             []executor.ParamSpec{{Name: "command", Type: executor.ParamString, Required: true}},
			RateLimitPerMinute: 30,
			TimeoutSeconds:     timeoutSeconds,
		}, shellExec.Impl())
	}

	fileExec := executor.NewFileExecutor(sandbox, executor.DefaultMaxFileSize)
	exec.Register(executor.ToolSpec{
		Name:               "file.read",
		Category:           "file",
		RiskTier:           executor.RiskReadOnly,
		Params:             []executor.ParamSpec{{Name: "path", Type: executor.ParamString, Required: true}},
		RateLimitPerMinute: 120,
		TimeoutSeconds:     timeoutSeconds,
	}, fileExec.ReadImpl())
	exec.Register(executor.ToolSpec{
		Name:               "file.write",
		Category:           "file",
		RiskTier:           executor.RiskLocalWrite,
		Params:             []executor.ParamSpec{{Name: "path", Type: executor.ParamString, Required: true}, {Name: "content", Type: executor.ParamString, Required: true}},
		ApprovalRequired:   true,
		RateLimitPerMinute: 60,
		TimeoutSeconds:     timeoutSeconds,
	}, fileExec.WriteImpl())
}
