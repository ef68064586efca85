// Package enclave models the trusted execution environment the request
// engine runs inside. It owns the sealing key: in hardware mode the key is
// derived from the enclave identity, in simulation mode it is generated at
// initialization and optionally persisted so sealed blobs survive restarts
// during development.
package enclave

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/r3e-network/neo-service-layer-sub002/internal/crypto"
)

// Mode selects how the runtime obtains its sealing key.
type Mode string

const (
	ModeSimulation Mode = "simulation"
	ModeHardware   Mode = "hardware"
)

// ErrNotReady is returned by operations invoked before Initialize or after
// Shutdown.
var ErrNotReady = errors.New("enclave runtime not initialized")

// Config holds runtime configuration.
type Config struct {
	Mode      Mode
	EnclaveID string
	// SealingKeyPath persists the simulation sealing key across restarts.
	// Ignored in hardware mode.
	SealingKeyPath string
}

// Runtime is the enclave runtime surface the subsystems build on. Seal and
// Unseal bind data to this enclave instance; GenerateRandom is the only
// entropy source used for key material.
type Runtime interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Health(ctx context.Context) error

	EnclaveID() string
	Mode() Mode

	Seal(plaintext []byte) ([]byte, error)
	Unseal(ciphertext []byte) ([]byte, error)
	GenerateRandom(size int) ([]byte, error)

	GetMeasurement() ([]byte, error)
}

type runtime struct {
	mu         sync.RWMutex
	cfg        Config
	sealingKey []byte
	ready      bool
}

// New creates a runtime. The sealing key is not available until Initialize.
func New(cfg Config) (Runtime, error) {
	if cfg.EnclaveID == "" {
		return nil, fmt.Errorf("enclave id is required")
	}
	switch cfg.Mode {
	case ModeSimulation, ModeHardware:
	default:
		return nil, fmt.Errorf("unknown enclave mode %q", cfg.Mode)
	}
	return &runtime{cfg: cfg}, nil
}

// Initialize provisions the sealing key. Calling it on a ready runtime is a
// no-op.
func (r *runtime) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ready {
		return nil
	}

	key, err := r.loadSealingKey()
	if err != nil {
		return fmt.Errorf("load sealing key: %w", err)
	}
	r.sealingKey = key
	r.ready = true
	return nil
}

func (r *runtime) loadSealingKey() ([]byte, error) {
	if r.cfg.Mode == ModeHardware {
		// Stand-in for the CPU-bound sealing identity: stable for a given
		// enclave id, never written to disk.
		return crypto.Sha256([]byte("sealing-key:" + r.cfg.EnclaveID)), nil
	}

	if r.cfg.SealingKeyPath != "" {
		key, err := os.ReadFile(r.cfg.SealingKeyPath)
		if err == nil && len(key) == crypto.KeySize {
			return key, nil
		}
	}

	key, err := crypto.NewDataKey()
	if err != nil {
		return nil, err
	}
	if r.cfg.SealingKeyPath != "" {
		if err := os.WriteFile(r.cfg.SealingKeyPath, key, 0o600); err != nil {
			return nil, fmt.Errorf("persist sealing key: %w", err)
		}
	}
	return key, nil
}

// Shutdown zeroes the sealing key and marks the runtime unavailable.
func (r *runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealingKey != nil {
		crypto.ZeroBytes(r.sealingKey)
		r.sealingKey = nil
	}
	r.ready = false
	return nil
}

func (r *runtime) Health(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return ErrNotReady
	}
	return nil
}

func (r *runtime) EnclaveID() string { return r.cfg.EnclaveID }

func (r *runtime) Mode() Mode { return r.cfg.Mode }

// Seal encrypts plaintext under the sealing key. Only this runtime (or, in
// hardware mode, a runtime with the same enclave identity) can unseal it.
func (r *runtime) Seal(plaintext []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return nil, ErrNotReady
	}
	return crypto.Encrypt(r.sealingKey, plaintext)
}

// Unseal decrypts a blob produced by Seal.
func (r *runtime) Unseal(ciphertext []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return nil, ErrNotReady
	}
	return crypto.Decrypt(r.sealingKey, ciphertext)
}

// GenerateRandom returns size cryptographically secure random bytes.
func (r *runtime) GenerateRandom(size int) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return nil, ErrNotReady
	}
	return crypto.GenerateRandomBytes(size)
}

// GetMeasurement returns a digest binding the enclave identity and mode,
// reported alongside health so callers can tell deployments apart.
func (r *runtime) GetMeasurement() ([]byte, error) {
	return crypto.Sha256([]byte("measurement:" + string(r.cfg.Mode) + ":" + r.cfg.EnclaveID)), nil
}

// SecureBuffer holds transient sensitive bytes and zeroes them on release.
type SecureBuffer struct {
	data []byte
}

// NewSecureBuffer allocates a zeroed buffer of the given size.
func NewSecureBuffer(size int) *SecureBuffer {
	return &SecureBuffer{data: make([]byte, size)}
}

// NewSecureBufferFrom copies b into a fresh buffer. The caller keeps
// ownership of b.
func NewSecureBufferFrom(b []byte) *SecureBuffer {
	buf := &SecureBuffer{data: make([]byte, len(b))}
	copy(buf.data, b)
	return buf
}

// Data exposes the underlying bytes. The slice is invalid after Zero.
func (b *SecureBuffer) Data() []byte { return b.data }

// Zero overwrites the buffer contents.
func (b *SecureBuffer) Zero() {
	crypto.ZeroBytes(b.data)
}
