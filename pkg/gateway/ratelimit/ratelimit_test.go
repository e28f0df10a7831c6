package ratelimit

import (
	"testing"
	"time"
)

func TestAllow_BurstThenDeny(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 2})
	now := time.Now()

	if d := l.Allow("k1", now); !d.Allowed {
		t.Fatalf("first should be allowed")
	}
	if d := l.Allow("k1", now); !d.Allowed {
		t.Fatalf("second should be allowed (burst)")
	}
	d := l.Allow("k1", now)
	if d.Allowed {
		t.Fatalf("third should be denied")
	}
	if d.RetryAfter < 1 {
		t.Fatalf("RetryAfter=%d, want >= 1", d.RetryAfter)
	}
}

func TestAllow_RefillsOverTime(t *testing.T) {
	l := New(Config{RPS: 2, Burst: 1})
	now := time.Now()

	if d := l.Allow("k1", now); !d.Allowed {
		t.Fatalf("first should be allowed")
	}
	if d := l.Allow("k1", now); d.Allowed {
		t.Fatalf("second should be denied")
	}
	if d := l.Allow("k1", now.Add(time.Second)); !d.Allowed {
		t.Fatalf("should refill after 1s at 2 rps")
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1})
	now := time.Now()

	if d := l.Allow("a", now); !d.Allowed {
		t.Fatalf("a should be allowed")
	}
	if d := l.Allow("b", now); !d.Allowed {
		t.Fatalf("b should be allowed")
	}
	if d := l.Allow("a", now); d.Allowed {
		t.Fatalf("a should now be denied")
	}
}

func TestAllow_DisabledWhenUnconfigured(t *testing.T) {
	l := New(Config{})
	now := time.Now()
	for i := 0; i < 100; i++ {
		if d := l.Allow("k", now); !d.Allowed {
			t.Fatalf("unconfigured limiter should always allow")
		}
	}
}

func TestAllow_BoundedEntries(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1, MaxEntries: 4, EntryTTL: time.Minute})
	now := time.Now()
	for i := 0; i < 64; i++ {
		l.Allow(KeyFromAPIKey(string(rune('a'+i))), now)
	}
	l.mu.Lock()
	n := len(l.m)
	l.mu.Unlock()
	if n > 4 {
		t.Fatalf("entries=%d, want <= 4", n)
	}
}
