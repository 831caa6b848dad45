package classify

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
)

func stableCenters(n int) []r2.Point {
	pts := make([]r2.Point, n)
	for i := range pts {
		pts[i] = r2.Point{X: 0.5, Y: 0.5}
	}
	return pts
}

func newTestGate() (*Gate, *clock.Mock) {
	clk := clock.NewMock()
	g := NewGate(GateConfig{
		Cooldown:         3 * time.Second,
		StabilityWindow:  3,
		StabilityEpsilon: 0.02,
		HashTTL:          60 * time.Second,
	}, clk)
	return g, clk
}

func TestGateRequiresStability(t *testing.T) {
	g, _ := newTestGate()

	if g.ShouldTriggerCloud("item-1", stableCenters(2)) {
		t.Fatal("should not trigger with too few observations")
	}

	moving := []r2.Point{{X: 0.1, Y: 0.1}, {X: 0.3, Y: 0.3}, {X: 0.5, Y: 0.5}}
	if g.ShouldTriggerCloud("item-1", moving) {
		t.Fatal("should not trigger while the bbox is moving")
	}

	if !g.ShouldTriggerCloud("item-1", stableCenters(3)) {
		t.Fatal("should trigger for a stable item")
	}
}

func TestGateStabilityUsesRecentWindow(t *testing.T) {
	g, _ := newTestGate()

	// Early movement is irrelevant once the last window is settled.
	centers := []r2.Point{{X: 0.1, Y: 0.1}, {X: 0.9, Y: 0.9}, {X: 0.5, Y: 0.5}, {X: 0.5, Y: 0.5}, {X: 0.505, Y: 0.5}}
	if !g.ShouldTriggerCloud("item-1", centers) {
		t.Fatal("should trigger when the recent window is stable")
	}
}

func TestGateCooldown(t *testing.T) {
	g, clk := newTestGate()
	centers := stableCenters(3)

	if !g.ShouldTriggerCloud("item-1", centers) {
		t.Fatal("first trigger should pass")
	}
	g.OnClassificationTriggered("item-1", "")

	if g.ShouldTriggerCloud("item-1", centers) {
		t.Fatal("should be in cooldown immediately after a trigger")
	}

	clk.Add(2 * time.Second)
	if g.ShouldTriggerCloud("item-1", centers) {
		t.Fatal("should still be in cooldown at 2s")
	}

	// Cooldown is per item.
	if !g.ShouldTriggerCloud("item-2", centers) {
		t.Fatal("a different item should not share the cooldown")
	}

	clk.Add(time.Second + time.Millisecond)
	if !g.ShouldTriggerCloud("item-1", centers) {
		t.Fatal("cooldown should have elapsed")
	}
}

func TestGateThumbnailDedup(t *testing.T) {
	g, clk := newTestGate()

	hash := HashThumbnail([]byte("jpeg-bytes"))
	if !g.AllowThumbnail(hash) {
		t.Fatal("fresh hash should be allowed")
	}
	g.OnClassificationTriggered("item-1", hash)

	// The same crop attached to another item is still a duplicate.
	if g.AllowThumbnail(hash) {
		t.Fatal("recently sent hash should be suppressed")
	}
	if !g.AllowThumbnail(HashThumbnail([]byte("other-bytes"))) {
		t.Fatal("a different hash should be allowed")
	}

	clk.Add(61 * time.Second)
	if !g.AllowThumbnail(hash) {
		t.Fatal("hash should expire after the TTL")
	}
}

func TestGateForgetAndReset(t *testing.T) {
	g, _ := newTestGate()
	centers := stableCenters(3)
	hash := HashThumbnail([]byte("jpeg-bytes"))

	g.OnClassificationTriggered("item-1", hash)

	g.Forget("item-1")
	if !g.ShouldTriggerCloud("item-1", centers) {
		t.Fatal("forget should clear the item cooldown")
	}
	if g.AllowThumbnail(hash) {
		t.Fatal("forget should not clear sent hashes")
	}

	g.Reset()
	if !g.AllowThumbnail(hash) {
		t.Fatal("reset should clear sent hashes")
	}
}

func TestHashThumbnailDeterministic(t *testing.T) {
	a := HashThumbnail([]byte("pixels"))
	b := HashThumbnail([]byte("pixels"))
	if a != b {
		t.Fatal("same data must hash equally")
	}
	if a == HashThumbnail([]byte("pixels2")) {
		t.Fatal("different data must hash differently")
	}
}
