package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/bubblerlabs/hatchwatch/hatchwatch"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := hatchwatch.Version
	originalCommitSHA := hatchwatch.CommitSHA
	originalBuildTime := hatchwatch.BuildTime

	t.Cleanup(
		func() {
			hatchwatch.Version = originalVersion
			hatchwatch.CommitSHA = originalCommitSHA
			hatchwatch.BuildTime = originalBuildTime
		},
	)

	hatchwatch.Version = "1.0.0"
	hatchwatch.CommitSHA = "abc123"
	hatchwatch.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		hatchwatch.Version,
		hatchwatch.CommitSHA,
		hatchwatch.BuildTime,
	)
	assert.Equal(t, expected, output)
}
