package compile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outlayer-network/outlayer/protocol"
)

// TestClassifyGitError covers the closed failure taxonomy: git/clone
// failures map to one of a small enumerated set of classes, never a
// raw passthrough.
func TestClassifyGitError(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   protocol.CompileFailureClass
	}{
		{"not found", "remote: Repository not found.", protocol.CompileRepoNotFound},
		{"does not exist", "fatal: repository does not exist", protocol.CompileRepoNotFound},
		{"permission denied", "fatal: Permission denied (publickey).", protocol.CompileRepoAccessDenied},
		{"authentication", "remote: Authentication failed", protocol.CompileRepoAccessDenied},
		{"dns failure", "fatal: unable to access: Could not resolve host: github.com", protocol.CompileNetworkError},
		{"generic network", "network is unreachable", protocol.CompileNetworkError},
		{"unrecognized", "fatal: some other git failure", protocol.CompileGitError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := classifyGitError(tc.output, errors.New("exit status 128"))
			require.Equal(t, tc.want, f.Class)
			require.Equal(t, tc.output, f.Raw)
		})
	}
}

// TestClassifyRustError covers the rust-specific sub-taxonomy
// ("rust_compilation_error", "dependency_not_found",
// "build_script_error").
func TestClassifyRustError(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   protocol.CompileFailureClass
	}{
		{"dependency resolution", "error: failed to get `serde` as a dependency", protocol.CompileDependencyNotFound},
		{"no matching package", "error: no matching package named `foo` found", protocol.CompileDependencyNotFound},
		{"build script", "error: failed to run custom build command for `foo v0.1.0` (build.rs)", protocol.CompileBuildScriptError},
		{"generic rustc error", "error[E0308]: mismatched types", protocol.CompileRustError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := classifyRustError(tc.output)
			require.Equal(t, tc.want, f.Class)
		})
	}
}

// TestFetchSource_UnknownKindRejected verifies an unrecognized source
// descriptor kind is classified rather than causing a panic or silent
// fallthrough.
func TestFetchSource_UnknownKindRejected(t *testing.T) {
	ws := &Workspace{Dir: t.TempDir()}
	f := fetchSource(context.Background(), ws, protocol.CodeSource{Kind: "bogus"})
	require.NotNil(t, f)
	require.Equal(t, protocol.CompileInvalidRepoURL, f.Class)
}

// TestWorkspace_IsolatedPerJob verifies two jobs get distinct scratch
// directories.
func TestWorkspace_IsolatedPerJob(t *testing.T) {
	base := t.TempDir()
	wsA, err := NewWorkspace(base, "job-a")
	require.NoError(t, err)
	defer wsA.Close()

	wsB, err := NewWorkspace(base, "job-b")
	require.NoError(t, err)
	defer wsB.Close()

	require.NotEqual(t, wsA.Dir, wsB.Dir)
}

// TestValidateTarget enforces the build-target allow-list before any
// source fetch: unknown targets are rejected with
// UnsupportedBuildTarget, the empty target selects the default
// toolchain, and configured entries pass.
func TestValidateTarget(t *testing.T) {
	allowed := []string{"rust-wasm32-wasi", "tinygo-wasi"}

	require.Nil(t, ValidateTarget("", allowed))
	require.Nil(t, ValidateTarget("rust-wasm32-wasi", allowed))
	require.Nil(t, ValidateTarget("tinygo-wasi", allowed))

	err := ValidateTarget("emscripten", allowed)
	require.NotNil(t, err)
	require.Equal(t, protocol.CodeUnsupportedBuildTarget, err.Code)

	// A narrowed allow-list rejects targets the toolchain would
	// otherwise accept.
	err = ValidateTarget("tinygo-wasi", []string{"rust-wasm32-wasi"})
	require.NotNil(t, err)
	require.Equal(t, protocol.CodeUnsupportedBuildTarget, err.Code)
}

// TestShellQuote keeps toolchain arguments intact through the ulimit
// wrapper shell, including embedded single quotes.
func TestShellQuote(t *testing.T) {
	require.Equal(t, "'cargo' 'build' '--release'", shellQuote("cargo", "build", "--release"))
	require.Equal(t, `'echo' 'it'\''s'`, shellQuote("echo", "it's"))
}
