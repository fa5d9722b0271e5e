package api

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Headers of a signed request
const (
	HeaderAddress   = "X-Intentflow-Address"
	HeaderNonce     = "X-Intentflow-Nonce"
	HeaderSignature = "X-Intentflow-Signature"
)

var (
	errMissingSignature = errors.New("missing signature headers")
	errBadSignature     = errors.New("signature does not match address")
	errStaleNonce       = errors.New("nonce already used")
	errNonceWindow      = errors.New("nonce timestamp outside the accepted window")
)

// RequestDigest is the EIP-191 hash a caller signs for one request.
func RequestDigest(method, path string, nonce uint64, body []byte) []byte {
	msg := make([]byte, 0, len(method)+len(path)+len(body)+24)
	msg = append(msg, method...)
	msg = append(msg, '|')
	msg = append(msg, path...)
	msg = append(msg, '|')
	msg = strconv.AppendUint(msg, nonce, 10)
	msg = append(msg, '|')
	msg = append(msg, body...)
	return accounts.TextHash(msg)
}

// SignRequest signs a request with key, returning the hex signature header value.
func SignRequest(key *ecdsa.PrivateKey, method, path string, nonce uint64, body []byte) (string, error) {
	sig, err := crypto.Sign(RequestDigest(method, path, nonce, body), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// recoverSigner checks the signature headers and returns the signer.
func recoverSigner(method, path, addrHeader, nonceHeader, sigHeader string, body []byte) (common.Address, uint64, error) {
	if addrHeader == "" || nonceHeader == "" || sigHeader == "" {
		return common.Address{}, 0, errMissingSignature
	}
	if !common.IsHexAddress(addrHeader) {
		return common.Address{}, 0, fmt.Errorf("invalid address %q", addrHeader)
	}
	nonce, err := strconv.ParseUint(nonceHeader, 10, 64)
	if err != nil {
		return common.Address{}, 0, fmt.Errorf("invalid nonce: %v", err)
	}
	sig, err := hexutil.Decode(sigHeader)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, 0, fmt.Errorf("invalid signature encoding")
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(RequestDigest(method, path, nonce, body), sig)
	if err != nil {
		return common.Address{}, 0, fmt.Errorf("recover signer: %v", err)
	}
	signer := crypto.PubkeyToAddress(*pub)
	if signer != common.HexToAddress(addrHeader) {
		return common.Address{}, 0, errBadSignature
	}
	return signer, nonce, nil
}

// NonceTracker rejects replayed requests. Nonces are unix nanosecond
// timestamps within the window around now, increasing per signer.
type NonceTracker struct {
	mu     sync.Mutex
	last   map[common.Address]uint64
	window time.Duration
	now    func() time.Time
}

// NewNonceTracker creates a tracker accepting nonces up to window away from now.
func NewNonceTracker(window time.Duration) *NonceTracker {
	return &NonceTracker{
		last:   make(map[common.Address]uint64),
		window: window,
		now:    time.Now,
	}
}

// Use records nonce for signer, failing if it is not above the last one seen.
func (t *NonceTracker) Use(signer common.Address, nonce uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	ts := time.Unix(0, int64(nonce))
	if ts.Before(now.Add(-t.window)) || ts.After(now.Add(t.window)) {
		return errNonceWindow
	}
	if last, ok := t.last[signer]; ok && nonce <= last {
		return errStaleNonce
	}
	t.last[signer] = nonce
	return nil
}

// Prune forgets signers whose last nonce is older than the window. Any nonce
// at or below it is then rejected by the window check instead.
func (t *NonceTracker) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	cutoff := t.now().Add(-t.window)
	for signer, last := range t.last {
		if time.Unix(0, int64(last)).Before(cutoff) {
			delete(t.last, signer)
			removed++
		}
	}
	return removed
}
