package locks

import "testing"

func TestTryAcquireExcludesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	if !km.TryAcquire("repo-1") {
		t.Fatalf("first acquire should succeed")
	}
	if km.TryAcquire("repo-1") {
		t.Fatalf("second acquire on held key should fail")
	}
	if !km.TryAcquire("repo-2") {
		t.Fatalf("different key should be independent")
	}
	km.Release("repo-1")
	if !km.TryAcquire("repo-1") {
		t.Fatalf("acquire after release should succeed")
	}
}
