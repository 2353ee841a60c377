package market

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"taskfleet/pkg/cli"
)

// cliBinary names the marketplace CLI used to stream task logs; the node
// API has no endpoint for them.
func cliBinary() string {
	if runtime.GOOS == "darwin" {
		return "sonmcli_darwin_x86_64"
	}
	return "sonmcli"
}

// TaskLogs captures the last tail lines of a task's logs into path.
func (c *Client) TaskLogs(ctx context.Context, dealID, taskID, tail, path string) error {
	if err := cli.ValidateIdentifier("deal id", dealID); err != nil {
		return err
	}
	if err := cli.ValidateIdentifier("task id", taskID); err != nil {
		return err
	}
	if err := cli.ValidateIdentifier("tail", tail); err != nil {
		return err
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	defer out.Close()

	cmd := exec.CommandContext(ctx, cliBinary(), "task", "logs", dealID, taskID, "--tail", tail)
	cmd.Stdout = out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s task logs: %w", cliBinary(), err)
	}
	return nil
}
