package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/casegraph/swarm/pkg/contracts"
	"github.com/casegraph/swarm/pkg/store"
)

// WASMBinding evaluates policy inside a sandboxed WASI module. The
// module receives the EvalContext JSON on stdin and must write a
// wasmVerdict JSON to stdout. Deny-by-default: any compile, runtime,
// or decode failure is a deny.
//
// The sandbox grants nothing beyond stdio: no filesystem, no network,
// no environment, so the policy module stays deterministic.
type WASMBinding struct {
	runtime  wazero.Runtime
	modCfg   wazero.ModuleConfig
	wasm     []byte
	version  string
	timeout  time.Duration
	mu       sync.Mutex
	compiled wazero.CompiledModule
}

type wasmVerdict struct {
	Allowed          bool     `json:"allowed"`
	Reason           string   `json:"reason,omitempty"`
	Obligations      []string `json:"obligations,omitempty"`
	SuggestedActions []string `json:"suggested_actions,omitempty"`
}

// NewWASMBinding loads the policy module from path.
func NewWASMBinding(ctx context.Context, path string, timeout time.Duration) (*WASMBinding, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read wasm module: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig())
	wasi_snapshot_preview1.MustInstantiate(ctx, r)
	b := &WASMBinding{
		runtime: r,
		modCfg:  wazero.NewModuleConfig().WithName("swarm-policy").WithStartFunctions("_start"),
		wasm:    wasm,
		version: "wasm:" + sha256Hex(wasm),
		timeout: timeout,
	}
	b.compiled, err = r.CompileModule(ctx, wasm)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("policy: compile wasm module: %w", err)
	}
	return b, nil
}

// Name implements Binding.
func (b *WASMBinding) Name() string { return "wasm" }

// Evaluate implements Binding.
func (b *WASMBinding) Evaluate(ctx context.Context, ec EvalContext) (contracts.DecisionRecord, bool, error) {
	rec := contracts.DecisionRecord{
		DecisionID:    uuid.NewString(),
		Timestamp:     store.UTCNow(),
		PolicyVersion: b.version,
		Result:        contracts.DecisionDeny,
		Binding:       b.Name(),
	}
	input, err := json.Marshal(ec)
	if err != nil {
		return rec, false, fmt.Errorf("policy: encode wasm input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cfg := b.modCfg.
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	// wazero module instantiation is not safe for concurrent use of one
	// compiled module with the same name; serialize evaluations.
	b.mu.Lock()
	mod, err := b.runtime.InstantiateModule(ctx, b.compiled, cfg)
	if mod != nil {
		_ = mod.Close(ctx)
	}
	b.mu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return rec, false, fmt.Errorf("policy: wasm evaluation timed out after %v", b.timeout)
		}
		return rec, false, fmt.Errorf("policy: wasm run: %w (stderr: %s)", err, stderr.String())
	}

	var v wasmVerdict
	if err := json.Unmarshal(stdout.Bytes(), &v); err != nil {
		return rec, false, fmt.Errorf("policy: decode wasm verdict: %w", err)
	}
	rec.Reason = v.Reason
	rec.Obligations = v.Obligations
	rec.SuggestedActions = v.SuggestedActions
	if v.Allowed {
		rec.Result = contracts.DecisionAllow
	}
	return rec, v.Allowed, nil
}

// Close releases the wazero runtime.
func (b *WASMBinding) Close(ctx context.Context) error {
	return b.runtime.Close(ctx)
}
