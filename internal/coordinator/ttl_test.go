package coordinator

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestTTLCache(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	cache := NewTTLCache(30*time.Minute, clock)

	if !cache.Due("t1/oc_1") {
		t.Fatal("expected unknown key to be due")
	}
	if !cache.TryClaim("t1/oc_1") {
		t.Fatal("expected first claim to succeed")
	}
	if cache.TryClaim("t1/oc_1") {
		t.Error("expected second claim within ttl to fail")
	}

	clock.Advance(29 * time.Minute)
	if cache.Due("t1/oc_1") {
		t.Error("expected key to be fresh before ttl")
	}

	clock.Advance(time.Minute)
	if !cache.Due("t1/oc_1") {
		t.Error("expected key to be due once ttl elapsed")
	}

	cache.Mark("t1/oc_2")
	cache.Forget("t1/oc_2")
	if !cache.Due("t1/oc_2") {
		t.Error("expected forgotten key to be due")
	}
}
