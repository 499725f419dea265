package precheck

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gridguard/gridguard/pkg/coordination"
	sharedmath "github.com/gridguard/gridguard/pkg/shared/math"
	"github.com/gridguard/gridguard/pkg/rules"
)

const (
	maxInputLength       = 50_000
	highEntropyThreshold = 5.5
	entropyMinLength     = 200
	blocklistRefreshTTL  = 60 * time.Second
)

// Result is the outcome of one pre-check pass.
type Result struct {
	Blocked    bool
	ReasonCode string
}

// Detector runs the deterministic pre-check gate. It owns a process-local,
// TTL-bounded cache of the dynamic blocklist so the hot path never blocks
// on a Redis round trip; a stale cache is kept (not cleared) when the
// coordination store is unreachable, per spec.md §4.4.
type Detector struct {
	engine *rules.Engine
	store  coordination.Store

	mu            sync.Mutex
	blocklist     map[string]struct{}
	lastRefreshed time.Time
}

func NewDetector(engine *rules.Engine, store coordination.Store) *Detector {
	return &Detector{engine: engine, store: store, blocklist: map[string]struct{}{}}
}

// Check runs the full pre-check order: length -> quick_check -> dynamic
// blocklist -> canary scan -> entropy. It never performs I/O itself — the
// blocklist cache is refreshed by RefreshBlocklist, called by a background
// loop owned by the server, not inline with the request.
func (d *Detector) Check(text string) Result {
	if isBlank(text) {
		return Result{Blocked: false}
	}

	if len(text) > maxInputLength {
		return Result{Blocked: true, ReasonCode: "INPUT_TOO_LONG"}
	}

	normalized := strings.TrimSpace(text)

	if blocked, reasonCode, _ := d.engine.QuickCheck(normalized); blocked {
		return Result{Blocked: true, ReasonCode: reasonCode}
	}

	lower := strings.ToLower(normalized)
	d.mu.Lock()
	for term := range d.blocklist {
		if strings.Contains(lower, term) {
			d.mu.Unlock()
			return Result{Blocked: true, ReasonCode: "DYNAMIC_BLOCKLIST"}
		}
	}
	d.mu.Unlock()

	if hasCanary(normalized) {
		return Result{Blocked: true, ReasonCode: "SAFETY_CANARY_DETECTED"}
	}

	// Entropy can false-positive on base64-encoded images or other
	// legitimate encoded content pasted into a prompt; there is no
	// content-type signal available at this layer to exempt them.
	if len(normalized) > entropyMinLength {
		if sharedmath.ShannonEntropy(normalized) > highEntropyThreshold {
			return Result{Blocked: true, ReasonCode: "HIGH_ENTROPY_PAYLOAD"}
		}
	}

	return Result{Blocked: false}
}

// RefreshBlocklist pulls the current dynamic blocklist from the
// coordination store if the cache has aged past its TTL. On store failure
// the existing cache is retained unmodified — fail-closed for the pre-check
// gate means "keep blocking what we already know", not "forget everything".
func (d *Detector) RefreshBlocklist(ctx context.Context) {
	d.mu.Lock()
	stale := time.Since(d.lastRefreshed) < blocklistRefreshTTL
	d.mu.Unlock()
	if stale {
		return
	}

	terms, err := d.store.BlocklistSnapshot(ctx)
	if err != nil {
		return
	}

	next := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		next[strings.ToLower(t)] = struct{}{}
	}

	d.mu.Lock()
	d.blocklist = next
	d.lastRefreshed = time.Now()
	d.mu.Unlock()
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
