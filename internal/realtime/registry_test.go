package realtime

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegistryAddIsIdempotent(t *testing.T) {
	registry := NewRegistry()

	if !registry.Add("user-1", "conn-a") {
		t.Fatalf("expected first add to report a new connection")
	}
	if registry.Add("user-1", "conn-a") {
		t.Fatalf("expected duplicate add to report false")
	}
	if count := registry.Count("user-1"); count != 1 {
		t.Fatalf("expected 1 connection, got %d", count)
	}
}

func TestRegistryListReturnsAllConnections(t *testing.T) {
	registry := NewRegistry()
	for _, id := range []string{"conn-c", "conn-a", "conn-b"} {
		registry.Add("user-1", id)
	}

	listed := registry.List("user-1")
	expected := []string{"conn-a", "conn-b", "conn-c"}
	if len(listed) != len(expected) {
		t.Fatalf("expected %d connections, got %v", len(expected), listed)
	}
	for i := range expected {
		if listed[i] != expected[i] {
			t.Fatalf("expected %v, got %v", expected, listed)
		}
	}
}

func TestRegistryListIsSnapshot(t *testing.T) {
	registry := NewRegistry()
	registry.Add("user-1", "conn-a")

	listed := registry.List("user-1")
	registry.Add("user-1", "conn-b")
	listed[0] = "mutated"

	if len(listed) != 1 {
		t.Fatalf("expected snapshot to keep its length, got %v", listed)
	}
	current := registry.List("user-1")
	if len(current) != 2 || current[0] != "conn-a" {
		t.Fatalf("expected registry unaffected by snapshot mutation, got %v", current)
	}
}

func TestRegistryRemoveRetainsEmptyEntry(t *testing.T) {
	registry := NewRegistry()
	registry.Add("user-1", "conn-a")

	if !registry.Remove("user-1", "conn-a") {
		t.Fatalf("expected remove of existing connection to report true")
	}
	if registry.Remove("user-1", "conn-a") {
		t.Fatalf("expected second remove to report false")
	}
	if registry.Remove("user-2", "conn-a") {
		t.Fatalf("expected remove for unknown user to report false")
	}
	if len(registry.List("user-1")) != 0 {
		t.Fatalf("expected no connections left")
	}
	if registry.Users() != 1 {
		t.Fatalf("expected empty user entry to be retained, got %d users", registry.Users())
	}
}

func TestRegistryConcurrentAdds(t *testing.T) {
	registry := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			registry.Add("user-1", fmt.Sprintf("conn-%d", i%25))
		}(i)
	}
	wg.Wait()

	if count := registry.Count("user-1"); count != 25 {
		t.Fatalf("expected 25 distinct connections, got %d", count)
	}
}
