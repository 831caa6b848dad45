package classify

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"go.uber.org/zap"
)

// GateConfig controls when cloud classification may be triggered.
type GateConfig struct {
	// Cooldown is the minimum interval between cloud triggers for one item.
	Cooldown time.Duration
	// StabilityWindow is how many recent bbox centers must be observed
	// before an item counts as stable.
	StabilityWindow int
	// StabilityEpsilon is the maximum normalized center drift across the
	// window for the item to count as stable.
	StabilityEpsilon float64
	// HashTTL is how long a sent thumbnail hash suppresses duplicates.
	HashTTL time.Duration
}

// DefaultGateConfig returns the gate settings used when none are configured.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Cooldown:         3 * time.Second,
		StabilityWindow:  3,
		StabilityEpsilon: 0.02,
		HashTTL:          60 * time.Second,
	}
}

// Gate rations cloud classification calls. The first stage checks a
// per-item cooldown and bbox stability; the second deduplicates on the
// thumbnail content hash so visually identical crops are sent once.
type Gate struct {
	mu  sync.Mutex
	cfg GateConfig
	clk clock.Clock

	lastTrigger map[string]time.Time
	sentHashes  map[string]time.Time
}

// NewGate creates a gate. A nil clock uses the wall clock.
func NewGate(cfg GateConfig, clk clock.Clock) *Gate {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 3 * time.Second
	}
	if cfg.StabilityWindow <= 0 {
		cfg.StabilityWindow = 3
	}
	if cfg.StabilityEpsilon <= 0 {
		cfg.StabilityEpsilon = 0.02
	}
	if cfg.HashTTL <= 0 {
		cfg.HashTTL = 60 * time.Second
	}
	return &Gate{
		cfg:         cfg,
		clk:         clk,
		lastTrigger: make(map[string]time.Time),
		sentHashes:  make(map[string]time.Time),
	}
}

// ShouldTriggerCloud is the first gate stage. centers is the item's recent
// bbox center history, oldest first. The item passes when its cooldown has
// elapsed and its center has settled within the stability window.
func (g *Gate) ShouldTriggerCloud(itemID string, centers []r2.Point) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clk.Now()
	if last, ok := g.lastTrigger[itemID]; ok && now.Sub(last) < g.cfg.Cooldown {
		return false
	}
	if !g.stable(centers) {
		return false
	}
	return true
}

func (g *Gate) stable(centers []r2.Point) bool {
	n := g.cfg.StabilityWindow
	if len(centers) < n {
		return false
	}
	window := centers[len(centers)-n:]
	ref := window[0]
	for _, c := range window[1:] {
		if c.Sub(ref).Norm() > g.cfg.StabilityEpsilon {
			return false
		}
	}
	return true
}

// HashThumbnail returns the dedup key for a thumbnail's pixel data.
func HashThumbnail(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// AllowThumbnail is the second gate stage: it reports whether a thumbnail
// with the given content hash may be sent, i.e. no identical thumbnail was
// sent within the hash TTL.
func (g *Gate) AllowThumbnail(hash string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clk.Now()
	if sent, ok := g.sentHashes[hash]; ok && now.Sub(sent) < g.cfg.HashTTL {
		zap.L().Debug("gate: duplicate thumbnail suppressed", zap.String("hash", hash[:12]))
		return false
	}
	return true
}

// OnClassificationTriggered records that a cloud call was actually made for
// the item with the given thumbnail hash, starting its cooldown and hash TTL.
func (g *Gate) OnClassificationTriggered(itemID, hash string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clk.Now()
	g.lastTrigger[itemID] = now
	if hash != "" {
		g.sentHashes[hash] = now
	}
	g.pruneLocked(now)
}

func (g *Gate) pruneLocked(now time.Time) {
	for h, sent := range g.sentHashes {
		if now.Sub(sent) >= g.cfg.HashTTL {
			delete(g.sentHashes, h)
		}
	}
}

// Forget drops the cooldown state for a removed item.
func (g *Gate) Forget(itemID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.lastTrigger, itemID)
}

// Reset clears all cooldowns and sent hashes.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastTrigger = make(map[string]time.Time)
	g.sentHashes = make(map[string]time.Time)
}
