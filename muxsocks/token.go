package muxsocks

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// Token kinds.
const (
	TokenKindForward   = "forward"
	TokenKindReverse   = "reverse"
	TokenKindConnector = "connector"
)

// HashToken derives the registry key for a plaintext token. Only digests
// are ever stored or logged.
func HashToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// generateRandomToken produces a fresh plaintext token with length/2 bytes
// of randomness, hex encoded.
func generateRandomToken(length int) string {
	b := make([]byte, length/2)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// ReverseTokenOptions represents configuration options for a reverse token
type ReverseTokenOptions struct {
	Token                string
	Port                 int
	Username             string
	Password             string
	AllowManageConnector bool // Providers may manage connector tokens over the link
}

// DefaultReverseTokenOptions returns default options for reverse token
func DefaultReverseTokenOptions() *ReverseTokenOptions {
	return &ReverseTokenOptions{
		Token: "",
		Port:  0,
	}
}

// reverseTokenState is the registry's record of one reverse token.
type reverseTokenState struct {
	Port                 int
	Username             string
	Password             string
	AllowManageConnector bool
}

// TokenRegistry holds every credential the server accepts, keyed by SHA-256
// digest. Readers (auth, dispatch) dominate; writers are rare.
type TokenRegistry struct {
	mu sync.RWMutex

	forward   map[string]struct{}
	reverse   map[string]*reverseTokenState
	connector map[string]string // connector digest -> reverse digest (or internal route key)
}

// NewTokenRegistry creates an empty registry.
func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{
		forward:   make(map[string]struct{}),
		reverse:   make(map[string]*reverseTokenState),
		connector: make(map[string]string),
	}
}

func (t *TokenRegistry) exists(digest string) bool {
	if _, ok := t.forward[digest]; ok {
		return true
	}
	if _, ok := t.reverse[digest]; ok {
		return true
	}
	_, ok := t.connector[digest]
	return ok
}

// AddForward registers a forward token. An empty plain auto-generates one.
// Returns the plaintext and its digest.
func (t *TokenRegistry) AddForward(plain string) (string, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if plain == "" {
		plain = generateRandomToken(32)
	}
	digest := HashToken(plain)
	if t.exists(digest) {
		return "", "", fmt.Errorf("token already exists")
	}
	t.forward[digest] = struct{}{}
	return plain, digest, nil
}

// AddReverse registers a reverse token with its listener port and SOCKS
// credentials. The caller allocates the port beforehand; -1 marks an
// autonomy token that binds no listener.
func (t *TokenRegistry) AddReverse(plain string, port int, opts *ReverseTokenOptions) (string, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if plain == "" {
		plain = generateRandomToken(32)
	}
	digest := HashToken(plain)
	if t.exists(digest) {
		return "", "", fmt.Errorf("token already exists")
	}
	t.reverse[digest] = &reverseTokenState{
		Port:                 port,
		Username:             opts.Username,
		Password:             opts.Password,
		AllowManageConnector: opts.AllowManageConnector,
	}
	return plain, digest, nil
}

// AddConnector registers a connector token attached to the reverse token
// identified by reverseDigest. The reverse digest need not be a registered
// token: autonomy pairings attach connectors to an internal route key owned
// by a single provider session.
func (t *TokenRegistry) AddConnector(plain string, reverseDigest string, requireReverse bool) (string, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if plain == "" {
		plain = generateRandomToken(32)
	}
	digest := HashToken(plain)
	if t.exists(digest) {
		return "", "", fmt.Errorf("connector token already exists")
	}
	if requireReverse {
		if _, ok := t.reverse[reverseDigest]; !ok {
			return "", "", fmt.Errorf("reverse token does not exist")
		}
	}
	t.connector[digest] = reverseDigest
	return plain, digest, nil
}

// LookupKind classifies a digest. Returns the token kind and true when the
// digest is registered.
func (t *TokenRegistry) LookupKind(digest string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, ok := t.forward[digest]; ok {
		return TokenKindForward, true
	}
	if _, ok := t.reverse[digest]; ok {
		return TokenKindReverse, true
	}
	if _, ok := t.connector[digest]; ok {
		return TokenKindConnector, true
	}
	return "", false
}

// ReverseState returns the reverse token record for a digest.
func (t *TokenRegistry) ReverseState(digest string) (*reverseTokenState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.reverse[digest]
	return state, ok
}

// ConnectorTarget returns the route key a connector digest attaches to.
func (t *TokenRegistry) ConnectorTarget(digest string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	target, ok := t.connector[digest]
	return target, ok
}

// ConnectorsFor lists the connector digests attached to a route key.
func (t *TokenRegistry) ConnectorsFor(reverseDigest string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for digest, target := range t.connector {
		if target == reverseDigest {
			out = append(out, digest)
		}
	}
	return out
}

// RemoveForward deletes a forward token digest.
func (t *TokenRegistry) RemoveForward(digest string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.forward[digest]; !ok {
		return false
	}
	delete(t.forward, digest)
	return true
}

// RemoveConnector deletes a connector token digest.
func (t *TokenRegistry) RemoveConnector(digest string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.connector[digest]; !ok {
		return false
	}
	delete(t.connector, digest)
	return true
}

// RemoveReverse deletes a reverse token digest and every connector digest
// attached to it. Returns the removed state and the cascaded connector
// digests so the caller can tear down peers and release the port.
func (t *TokenRegistry) RemoveReverse(digest string) (*reverseTokenState, []string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.reverse[digest]
	if !ok {
		return nil, nil, false
	}
	delete(t.reverse, digest)

	var cascaded []string
	for connectorDigest, target := range t.connector {
		if target == digest {
			delete(t.connector, connectorDigest)
			cascaded = append(cascaded, connectorDigest)
		}
	}
	return state, cascaded, true
}

// Snapshot returns digests by kind for the management API.
func (t *TokenRegistry) Snapshot() (forward []string, reverse map[string]*reverseTokenState, connector map[string]string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for digest := range t.forward {
		forward = append(forward, digest)
	}
	reverse = make(map[string]*reverseTokenState, len(t.reverse))
	for digest, state := range t.reverse {
		copied := *state
		reverse[digest] = &copied
	}
	connector = make(map[string]string, len(t.connector))
	for digest, target := range t.connector {
		connector[digest] = target
	}
	return forward, reverse, connector
}
