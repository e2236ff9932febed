package preflight

import (
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/models"
)

// CheckAll reports whether the session shell and ps(1) are available. A
// missing ps only degrades foreground process names to the shell name; a
// missing shell makes every Create fail.
func CheckAll(shell string, logger *zap.Logger) []models.ToolStatus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	tools := []models.ToolStatus{
		checkTool("shell", shell),
		checkTool("ps", "ps"),
	}
	for _, tool := range tools {
		if tool.Installed {
			logger.Info("tool found", zap.String("tool", tool.Name), zap.String("path", tool.Path))
		} else {
			logger.Warn("tool not found", zap.String("tool", tool.Name))
		}
	}
	return tools
}

func checkTool(name, program string) models.ToolStatus {
	// LookPath also validates absolute paths, checking the file is executable.
	path, err := exec.LookPath(program)
	if err != nil {
		return models.ToolStatus{Name: name, Installed: false}
	}
	return models.ToolStatus{Name: name, Installed: true, Path: path}
}
