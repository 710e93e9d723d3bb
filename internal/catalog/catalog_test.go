package catalog

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAllocatedAssignsLowestPort(t *testing.T) {
	s := openTestStore(t)

	sb, err := s.CreateAllocated("user-1", 21000, 21010, func(p int) *Sandbox {
		return &Sandbox{ContainerName: "clawbowl-user1", State: StateCreating, GatewayToken: "tok1"}
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sb.Port != 21000 {
		t.Fatalf("expected port 21000, got %d", sb.Port)
	}

	sb2, err := s.CreateAllocated("user-2", 21000, 21010, func(p int) *Sandbox {
		return &Sandbox{ContainerName: "clawbowl-user2", State: StateCreating, GatewayToken: "tok2"}
	})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if sb2.Port != 21001 {
		t.Fatalf("expected port 21001, got %d", sb2.Port)
	}
}

func TestCreateAllocatedExhaustion(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateAllocated("user-1", 21000, 21000, func(p int) *Sandbox {
		return &Sandbox{ContainerName: "clawbowl-user1", State: StateCreating}
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = s.CreateAllocated("user-2", 21000, 21000, func(p int) *Sandbox {
		return &Sandbox{ContainerName: "clawbowl-user2", State: StateCreating}
	})
	if err == nil {
		t.Fatalf("expected error on port exhaustion")
	}
}

func TestDeleteFreesPort(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateAllocated("user-1", 21000, 21000, func(p int) *Sandbox {
		return &Sandbox{ContainerName: "clawbowl-user1", State: StateCreating}
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Delete("user-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	sb, err := s.CreateAllocated("user-2", 21000, 21000, func(p int) *Sandbox {
		return &Sandbox{ContainerName: "clawbowl-user2", State: StateCreating}
	})
	if err != nil {
		t.Fatalf("create after delete: %v", err)
	}
	if sb.Port != 21000 {
		t.Fatalf("expected freed port 21000 reused, got %d", sb.Port)
	}
}

func TestUpdateAndListByState(t *testing.T) {
	s := openTestStore(t)
	sb, err := s.CreateAllocated("user-1", 21000, 21000, func(p int) *Sandbox {
		return &Sandbox{ContainerName: "clawbowl-user1", State: StateCreating}
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sb.State = StateRunning
	sb.ContainerID = "abc123"
	if err := s.Update(sb); err != nil {
		t.Fatalf("update: %v", err)
	}

	running, err := s.ListByState(StateRunning)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(running) != 1 || running[0].UserID != "user-1" {
		t.Fatalf("expected one running sandbox for user-1, got %+v", running)
	}
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get("nobody")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
