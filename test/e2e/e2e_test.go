//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mallocalotBinary string

// TestMain builds the binary once for all tests
func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "mallocalot-e2e")
	if err != nil {
		fmt.Printf("Failed to create temp dir: %v\n", err)
		os.Exit(1)
	}

	mallocalotBinary = filepath.Join(dir, "mallocalot")
	fmt.Println("Building mallocalot binary...")
	cmd := exec.Command("go", "build", "-o", mallocalotBinary, "./cmd/mallocalot")
	cmd.Dir = "../.."
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Printf("Failed to build mallocalot: %v\n", err)
		os.RemoveAll(dir)
		os.Exit(1)
	}

	// Run tests
	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

// Helper to run mallocalot with an isolated home and extra MALLOCALOT_* settings
func runMallocalot(t *testing.T, env map[string]string, args ...string) (stdout, stderr string, exitCode int) {
	t.Helper()

	cmd := exec.Command(mallocalotBinary, args...)
	cmd.Env = append(os.Environ(), "HOME="+t.TempDir())
	for k, v := range env {
		cmd.Env = append(cmd.Env, "MALLOCALOT_"+k+"="+v)
	}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	stdout = outBuf.String()
	stderr = errBuf.String()

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}

	return stdout, stderr, exitCode
}

// fast settings: no delays
func quick(extra map[string]string) map[string]string {
	env := map[string]string{
		"INTER_ATTEMPT_DELAY": "0s",
		"POST_LOOP_PAUSE":     "0s",
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

func TestVersion(t *testing.T) {
	stdout, _, exitCode := runMallocalot(t, nil, "--version")
	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout, "mallocalot version")
}

func TestStress_Completes(t *testing.T) {
	stdout, stderr, exitCode := runMallocalot(t, quick(map[string]string{"MAX_ATTEMPTS": "5"}))
	require.Equal(t, 0, exitCode, stderr)

	expected := "malloc 50000 0 (tot: 0)\n" +
		"malloc 50000 1 (tot: 50000)\n" +
		"malloc 50000 2 (tot: 100000)\n" +
		"malloc 50000 3 (tot: 150000)\n" +
		"malloc 50000 4 (tot: 200000)\n"
	assert.Equal(t, expected, stdout)
	assert.Contains(t, stderr, "allocation loop finished")
}

func TestStress_HeapBudgetExhausted(t *testing.T) {
	stdout, stderr, exitCode := runMallocalot(t, quick(nil),
		"--allocator", "heap", "--heap-limit", "100000", "--attempts", "10")
	require.Equal(t, 0, exitCode, stderr)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "malloc 50000 2 (tot: 100000)", lines[2])
	assert.Equal(t, "!! malloc failed.", lines[3])
}

func TestStress_ZeroAttempts(t *testing.T) {
	stdout, stderr, exitCode := runMallocalot(t, quick(map[string]string{"MAX_ATTEMPTS": "0"}))
	require.Equal(t, 0, exitCode, stderr)
	assert.Empty(t, stdout)
}

func TestStress_InvalidConfig(t *testing.T) {
	_, stderr, exitCode := runMallocalot(t, quick(map[string]string{"BLOCK_SIZE": "0"}))
	assert.NotEqual(t, 0, exitCode)
	assert.Contains(t, stderr, "invalid configuration")
}

func TestDoctor_JSON(t *testing.T) {
	stdout, stderr, exitCode := runMallocalot(t, nil, "doctor", "--json")
	require.Equal(t, 0, exitCode, stderr)

	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, runtime.GOOS, info["os"])
	assert.NotEmpty(t, info["cgroups_version"])
}

func TestLaunch_Command(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("launch sampling is linux only")
	}

	stdout, stderr, exitCode := runMallocalot(t, nil, "launch", "--format", "json", "--", "/bin/sh", "-c", "echo hello")
	require.Equal(t, 0, exitCode, stderr)
	assert.Equal(t, "hello\n", stdout)

	// report is the last JSON document on stderr
	idx := strings.Index(stderr, "{\n")
	require.GreaterOrEqual(t, idx, 0, stderr)
	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(stderr[idx:]), &report))
	assert.Equal(t, "exited", report["outcome"])
	assert.EqualValues(t, 0, report["exit_code"])
}

func TestLaunch_AddressSpaceExhaustsMmap(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("prlimit is linux only")
	}

	env := quick(map[string]string{
		"MAX_ATTEMPTS": "200",
		"BLOCK_SIZE":   "67108864",
	})
	stdout, stderr, exitCode := runMallocalot(t, env, "launch", "--address-space", "2G")
	require.Equal(t, 0, exitCode, stderr)
	if strings.Contains(stderr, "address space limit not applied") {
		t.Skip("prlimit not permitted in this environment")
	}

	assert.Contains(t, stdout, "malloc 67108864 0 (tot: 0)")
	assert.True(t, strings.HasSuffix(stdout, "!! malloc failed.\n"), stdout)
}
