// Package compile runs a sandboxed build of a source descriptor into a
// single WASM artifact. Work happens inside a
// freshly created, per-job scratch workspace directory, never shared
// across jobs. Network access is not restricted by this package: the
// fetch and build steps both run with the host's network access.
// Failures are reported only as the closed CompileFailureClass
// taxonomy of protocol/errors.go.
package compile

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/outlayer-network/outlayer/internal/log"
	"github.com/outlayer-network/outlayer/protocol"
)

var logger = log.NewModuleLogger(log.ModuleCompile)

// Limits caps one compile job; defaults are 2 vCPU, 2 GiB, 5 minutes.
type Limits struct {
	Wall   time.Duration // context timeout on the build step
	Memory uint64        // bytes, applied as RLIMIT_AS on the toolchain process
	CPUs   int           // sizes RLIMIT_CPU together with Wall
}

func DefaultLimits() Limits {
	return Limits{Wall: 5 * time.Minute, Memory: 2 << 30, CPUs: 2}
}

// Result is a successful compile's output.
type Result struct {
	Checksum    string
	Artifact    []byte
	CompileTimeMs uint64
}

// Failure is a classified compile failure; raw stderr/stdout is
// retained only in Raw, never returned across the job-completion
// boundary.
type Failure struct {
	Class protocol.CompileFailureClass
	Raw   string
}

func (f *Failure) Error() string { return fmt.Sprintf("compile: %s", f.Class) }

// Workspace allocates and tears down the private per-job scratch
// directory.
type Workspace struct {
	Dir string
}

func NewWorkspace(baseDir, jobID string) (*Workspace, error) {
	dir := filepath.Join(baseDir, "job-"+jobID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("compile: failed to create workspace: %w", err)
	}
	return &Workspace{Dir: dir}, nil
}

func (w *Workspace) Close() error {
	return os.RemoveAll(w.Dir)
}

// ValidateTarget rejects a build target absent from the configured
// allow-list before any source is fetched. An empty target is always
// accepted (it selects the default toolchain); an empty allow-list
// accepts only the targets runBuild itself knows.
func ValidateTarget(target string, allowed []string) *protocol.Error {
	if target == "" {
		return nil
	}
	if len(allowed) == 0 {
		allowed = []string{"rust-wasm32-wasi", "tinygo-wasi"}
	}
	for _, a := range allowed {
		if target == a {
			return nil
		}
	}
	return protocol.New(protocol.CodeUnsupportedBuildTarget, "build target %q is not allow-listed", target)
}

// Build fetches the source (cloning a repo or downloading a URL
// archive), verifies any expected hash, then runs the build-target's
// toolchain inside the workspace under the given limits, producing a
// single WASM artifact. The caller validates the build target via
// ValidateTarget before any workspace or network work.
func Build(ctx context.Context, ws *Workspace, source protocol.CodeSource, limits Limits) (*Result, *Failure) {
	start := time.Now()

	if err := fetchSource(ctx, ws, source); err != nil {
		return nil, err
	}

	buildCtx, cancel := context.WithTimeout(ctx, limits.Wall)
	defer cancel()

	artifactPath, err := runBuild(buildCtx, ws, source.BuildTarget, limits)
	if err != nil {
		return nil, err
	}

	artifact, readErr := os.ReadFile(artifactPath)
	if readErr != nil {
		return nil, &Failure{Class: protocol.CompileGenericError, Raw: readErr.Error()}
	}
	sum := sha256.Sum256(artifact)
	checksum := hex.EncodeToString(sum[:])

	return &Result{
		Checksum:      checksum,
		Artifact:      artifact,
		CompileTimeMs: uint64(time.Since(start).Milliseconds()),
	}, nil
}

// fetchSource resolves the source descriptor into ws.Dir, downloading
// it over the network.
func fetchSource(ctx context.Context, ws *Workspace, source protocol.CodeSource) *Failure {
	switch source.Kind {
	case protocol.SourceKindRepo:
		return cloneRepo(ctx, ws, source.Repo, source.Commit)
	case protocol.SourceKindURL:
		return downloadURL(ctx, ws, source.URL, source.ExpectedHash)
	case protocol.SourceKindProject:
		return cloneProject(ctx, ws, source.ProjectOwner, source.ProjectName)
	default:
		return &Failure{Class: protocol.CompileInvalidRepoURL, Raw: fmt.Sprintf("unknown source kind %q", source.Kind)}
	}
}

func cloneRepo(ctx context.Context, ws *Workspace, repo, commit string) *Failure {
	if repo == "" {
		return &Failure{Class: protocol.CompileInvalidRepoURL, Raw: "empty repository url"}
	}
	if out, err := run(ctx, ws.Dir, "git", "clone", "--depth", "50", repo, "."); err != nil {
		return classifyGitError(out, err)
	}
	if commit != "" {
		if out, err := run(ctx, ws.Dir, "git", "checkout", commit); err != nil {
			return &Failure{Class: protocol.CompileGitError, Raw: out}
		}
	}
	return nil
}

func cloneProject(ctx context.Context, ws *Workspace, owner, name string) *Failure {
	repo := fmt.Sprintf("https://projects.outlayer.network/%s/%s.git", owner, name)
	return cloneRepo(ctx, ws, repo, "")
}

func classifyGitError(output string, err error) *Failure {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist"):
		return &Failure{Class: protocol.CompileRepoNotFound, Raw: output}
	case strings.Contains(lower, "permission denied") || strings.Contains(lower, "authentication"):
		return &Failure{Class: protocol.CompileRepoAccessDenied, Raw: output}
	case strings.Contains(lower, "could not resolve host") || strings.Contains(lower, "network"):
		return &Failure{Class: protocol.CompileNetworkError, Raw: output}
	default:
		return &Failure{Class: protocol.CompileGitError, Raw: output}
	}
}

func downloadURL(ctx context.Context, ws *Workspace, url, expectedHash string) *Failure {
	if url == "" {
		return &Failure{Class: protocol.CompileInvalidRepoURL, Raw: "empty source url"}
	}
	archivePath := filepath.Join(ws.Dir, "source.tar.gz")
	if out, err := run(ctx, ws.Dir, "curl", "-fsSL", "-o", archivePath, url); err != nil {
		return &Failure{Class: protocol.CompileNetworkError, Raw: out}
	}
	data, err := os.ReadFile(archivePath)
	if err != nil {
		return &Failure{Class: protocol.CompileNetworkError, Raw: err.Error()}
	}
	if expectedHash != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != expectedHash {
			return &Failure{Class: protocol.CompileInvalidRepoURL, Raw: "source hash mismatch"}
		}
	}
	if out, err := run(ctx, ws.Dir, "tar", "-xzf", archivePath, "-C", ws.Dir); err != nil {
		return &Failure{Class: protocol.CompileGenericError, Raw: out}
	}
	return nil
}

// runBuild invokes the build-target's toolchain, a small enumerated
// set, under the configured resource caps, and returns the path to
// the produced artifact. Targets are validated by ValidateTarget
// before any fetch; the default case is a backstop.
func runBuild(ctx context.Context, ws *Workspace, buildTarget string, limits Limits) (string, *Failure) {
	switch buildTarget {
	case "rust-wasm32-wasi", "":
		out, err := runLimited(ctx, ws.Dir, limits, "cargo", "build", "--release", "--target", "wasm32-wasi")
		if err != nil {
			return "", classifyRustError(out)
		}
		artifact, findErr := findArtifact(ws.Dir, "target/wasm32-wasi/release", ".wasm")
		if findErr != nil {
			return "", &Failure{Class: protocol.CompileGenericError, Raw: findErr.Error()}
		}
		return artifact, nil
	case "tinygo-wasi":
		out, err := runLimited(ctx, ws.Dir, limits, "tinygo", "build", "-o", "out.wasm", "-target=wasi", ".")
		if err != nil {
			return "", &Failure{Class: protocol.CompileGenericError, Raw: out}
		}
		return filepath.Join(ws.Dir, "out.wasm"), nil
	default:
		return "", &Failure{Class: protocol.CompileGenericError, Raw: fmt.Sprintf("unsupported build target %q", buildTarget)}
	}
}

func classifyRustError(output string) *Failure {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "error: failed to get") || strings.Contains(lower, "no matching package"):
		return &Failure{Class: protocol.CompileDependencyNotFound, Raw: output}
	case strings.Contains(lower, "build.rs") || strings.Contains(lower, "build script"):
		return &Failure{Class: protocol.CompileBuildScriptError, Raw: output}
	default:
		return &Failure{Class: protocol.CompileRustError, Raw: output}
	}
}

func findArtifact(root, relDir, ext string) (string, error) {
	dir := filepath.Join(root, relDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ext) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("compile: no %s artifact found in %s", ext, dir)
}

// runLimited runs a build step with memory and CPU-time rlimits
// applied in the child before exec, via the shell's ulimit builtin:
// RLIMIT_AS from limits.Memory, RLIMIT_CPU sized to the wall budget
// times the vCPU allowance. The final exec replaces the shell, so the
// context cancellation from the wall-clock timeout still kills the
// toolchain process directly.
func runLimited(ctx context.Context, dir string, limits Limits, name string, args ...string) (string, error) {
	prefix := ""
	if limits.Memory > 0 {
		prefix += fmt.Sprintf("ulimit -v %d; ", limits.Memory>>10) // KiB
	}
	if limits.Wall > 0 && limits.CPUs > 0 {
		cpuSeconds := int64(limits.Wall.Seconds()) * int64(limits.CPUs)
		prefix += fmt.Sprintf("ulimit -t %d; ", cpuSeconds)
	}
	if prefix == "" {
		return run(ctx, dir, name, args...)
	}
	script := prefix + "exec " + shellQuote(name, args...)
	return run(ctx, dir, "/bin/sh", "-c", script)
}

func shellQuote(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	for _, s := range append([]string{name}, args...) {
		parts = append(parts, "'"+strings.ReplaceAll(s, "'", `'\''`)+"'")
	}
	return strings.Join(parts, " ")
}

func run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined
	err := cmd.Run()
	if err != nil {
		logger.Warn("build step failed", "cmd", name, "args", args, "err", err)
	}
	return combined.String(), err
}
