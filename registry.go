package calr

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnimplementedAlgorithm is matched by every registry lookup failure.
var ErrUnimplementedAlgorithm = errors.New("algorithm not implemented")

// Plugin is the common surface of every algorithm implementation.
type Plugin interface {
	// Name returns the wire identifier of the algorithm.
	Name() string
}

// UnimplementedAlgorithmError reports a name with no registered plugin.
type UnimplementedAlgorithmError struct {
	Algorithm  string
	Capability string
}

func (e *UnimplementedAlgorithmError) Error() string {
	return fmt.Sprintf("the implementation of the algorithm %q for the type %s has not been provided",
		e.Algorithm, e.Capability)
}

// Is makes errors.Is(err, ErrUnimplementedAlgorithm) hold.
func (*UnimplementedAlgorithmError) Is(target error) bool {
	return target == ErrUnimplementedAlgorithm
}

// Registry maps algorithm names to plugins of one capability family.
// It is immutable after construction and safe for concurrent use.
type Registry[T Plugin] struct {
	capability string
	plugins    map[string]T
}

// NewRegistry builds a registry for the named capability.
// It panics when two plugins share a name.
func NewRegistry[T Plugin](capability string, plugins ...T) *Registry[T] {
	r := &Registry[T]{
		capability: capability,
		plugins:    make(map[string]T, len(plugins)),
	}
	for _, p := range plugins {
		name := p.Name()
		if _, dup := r.plugins[name]; dup {
			panic(fmt.Sprintf("calr: duplicate %s plugin %q", capability, name))
		}
		r.plugins[name] = p
	}
	return r
}

// Resolve returns the plugin registered under name. Matching is exact and case-sensitive.
func (r *Registry[T]) Resolve(name string) (T, error) {
	if r != nil {
		if p, ok := r.plugins[name]; ok {
			return p, nil
		}
	}
	var zero T
	capability := ""
	if r != nil {
		capability = r.capability
	}
	return zero, &UnimplementedAlgorithmError{Algorithm: name, Capability: capability}
}

// Names returns the registered algorithm names in sorted order.
func (r *Registry[T]) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Capability returns the family name used in error messages.
func (r *Registry[T]) Capability() string {
	if r == nil {
		return ""
	}
	return r.capability
}

// Capability family names.
const (
	CapabilityCompressor          = "Compressor"
	CapabilitySymmetricEncryptor  = "SymmetricEncryptor"
	CapabilityAsymmetricEncryptor = "AsymmetricEncryptor"
	CapabilitySigner              = "Signer"
)

// DefaultCompressors returns every built-in compressor.
func DefaultCompressors() *Registry[Compressor] {
	return NewRegistry[Compressor](CapabilityCompressor,
		NewBrotliCompressor(),
		NewZstdCompressor(),
		NewLZ4Compressor(),
	)
}

// DefaultSymmetricEncryptors returns every built-in chunked AEAD.
func DefaultSymmetricEncryptors() *Registry[SymmetricEncryptor] {
	return NewRegistry[SymmetricEncryptor](CapabilitySymmetricEncryptor,
		NewAES256GCMChunked(),
		NewChaCha20Poly1305Chunked(),
	)
}

// DefaultAsymmetricEncryptors returns every built-in key wrapper.
func DefaultAsymmetricEncryptors() *Registry[AsymmetricEncryptor] {
	return NewRegistry[AsymmetricEncryptor](CapabilityAsymmetricEncryptor,
		NewRSAOAEPSHA256(),
	)
}

// DefaultSigners returns every built-in signer.
func DefaultSigners() *Registry[Signer] {
	return NewRegistry[Signer](CapabilitySigner,
		NewRSAPSSSHA256(),
	)
}
