// Package namespace derives the isolation scope for all store operations.
//
// A namespace combines an opaque tenant identifier (resolved by the external
// auth layer) with a dataset identifier from the request path. Every store
// operation is confined to exactly one namespace; no cross-namespace
// visibility exists anywhere in the system.
package namespace

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Sentinel errors for namespace resolution.
var (
	// ErrInvalidTenant indicates an empty or malformed tenant identifier.
	ErrInvalidTenant = errors.New("invalid tenant identifier")

	// ErrInvalidDataset indicates an empty or malformed dataset identifier.
	ErrInvalidDataset = errors.New("invalid dataset identifier")

	// ErrInvalidKey indicates a namespace key that cannot be parsed.
	ErrInvalidKey = errors.New("invalid namespace key")
)

// collectionPrefix marks collection names derived from namespace keys.
const collectionPrefix = "ns_"

// Namespace is the composite isolation key (tenant, dataset).
type Namespace struct {
	// Tenant is the opaque user identifier resolved by the auth layer.
	Tenant string

	// Dataset is the client-chosen dataset (vault) identifier.
	Dataset string
}

// Resolve composes a namespace from tenant and dataset identifiers.
func Resolve(tenant, dataset string) (Namespace, error) {
	if tenant == "" {
		return Namespace{}, fmt.Errorf("%w: tenant must not be empty", ErrInvalidTenant)
	}
	if dataset == "" {
		return Namespace{}, fmt.Errorf("%w: dataset must not be empty", ErrInvalidDataset)
	}
	return Namespace{Tenant: tenant, Dataset: dataset}, nil
}

// Key returns the canonical string form of the namespace.
//
// Both components are percent-escaped before joining with "/", so the
// mapping is injective: no two distinct (tenant, dataset) pairs produce
// the same key, even when identifiers themselves contain "/".
func (n Namespace) Key() string {
	return url.QueryEscape(n.Tenant) + "/" + url.QueryEscape(n.Dataset)
}

// String implements fmt.Stringer.
func (n Namespace) String() string {
	return n.Key()
}

// ParseKey is the exact inverse of Key.
func ParseKey(key string) (Namespace, error) {
	parts := strings.SplitN(key, "/", 2)
	if len(parts) != 2 {
		return Namespace{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	tenant, err := url.QueryUnescape(parts[0])
	if err != nil {
		return Namespace{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	dataset, err := url.QueryUnescape(parts[1])
	if err != nil {
		return Namespace{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return Resolve(tenant, dataset)
}

// CollectionName returns a backend-safe collection name for this namespace.
//
// Backends restrict collection names to ^[a-z0-9_]+$, while tenant and
// dataset identifiers are opaque. Hex-encoding the key keeps the mapping
// injective and reversible (see ParseCollectionName) without constraining
// what identifiers clients may use.
func (n Namespace) CollectionName() string {
	return collectionPrefix + hex.EncodeToString([]byte(n.Key()))
}

// ParseCollectionName is the exact inverse of CollectionName.
func ParseCollectionName(name string) (Namespace, error) {
	encoded, ok := strings.CutPrefix(name, collectionPrefix)
	if !ok {
		return Namespace{}, fmt.Errorf("%w: missing %q prefix in %q", ErrInvalidKey, collectionPrefix, name)
	}
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return Namespace{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return ParseKey(string(raw))
}

// EncodeID percent-encodes a document ID before it reaches the store.
//
// IDs containing reserved characters ("/", "%", whitespace) would otherwise
// collide with backend delimiter conventions. DecodeID is the exact inverse.
func EncodeID(id string) string {
	return url.QueryEscape(id)
}

// DecodeID reverses EncodeID on the way out of the store.
// An ID that was never encoded decodes to itself when it contains no
// percent escapes; malformed escapes return the input unchanged.
func DecodeID(id string) string {
	decoded, err := url.QueryUnescape(id)
	if err != nil {
		return id
	}
	return decoded
}
