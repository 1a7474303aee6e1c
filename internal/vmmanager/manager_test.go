package vmmanager

import "testing"

func TestAllocatorReusesFreedContextIDBeforeAdvancing(t *testing.T) {
	a := newAllocator(100, "172.16.0.", 100, 102)

	id1, err := a.allocateContextID()
	if err != nil {
		t.Fatalf("allocateContextID: %v", err)
	}
	if id1 != 100 {
		t.Fatalf("expected first context id 100, got %d", id1)
	}

	id2, err := a.allocateContextID()
	if err != nil {
		t.Fatalf("allocateContextID: %v", err)
	}
	if id2 != 101 {
		t.Fatalf("expected second context id 101, got %d", id2)
	}

	a.freeContextID(id1)

	id3, err := a.allocateContextID()
	if err != nil {
		t.Fatalf("allocateContextID: %v", err)
	}
	if id3 != id1 {
		t.Fatalf("expected freed context id %d to be reused, got %d", id1, id3)
	}
}

func TestAllocatorContextIDBaseClampedToMinimum(t *testing.T) {
	a := newAllocator(0, "172.16.0.", 100, 102)
	if a.nextContextID != 3 {
		t.Fatalf("expected context id base clamped to 3, got %d", a.nextContextID)
	}
}

func TestAllocatorIPExhaustionReturnsAllocationError(t *testing.T) {
	a := newAllocator(100, "172.16.0.", 200, 201)

	if _, _, err := a.allocateIP(); err != nil {
		t.Fatalf("first allocateIP: %v", err)
	}
	if _, _, err := a.allocateIP(); err != nil {
		t.Fatalf("second allocateIP: %v", err)
	}

	if _, _, err := a.allocateIP(); err == nil {
		t.Fatal("expected allocation error once range is exhausted")
	}
}

func TestAllocatorFreedIPReusedAfterExhaustion(t *testing.T) {
	a := newAllocator(100, "172.16.0.", 200, 201)

	ip1, octet1, err := a.allocateIP()
	if err != nil {
		t.Fatalf("allocateIP: %v", err)
	}
	if _, _, err := a.allocateIP(); err != nil {
		t.Fatalf("allocateIP: %v", err)
	}

	a.freeIP(octet1)

	ip3, _, err := a.allocateIP()
	if err != nil {
		t.Fatalf("allocateIP after free: %v", err)
	}
	if ip3 != ip1 {
		t.Fatalf("expected freed ip %s to be reused, got %s", ip1, ip3)
	}
}

func TestIPBaseFromBridge(t *testing.T) {
	if got := ipBaseFromBridge("172.16.0.1"); got != "172.16.0." {
		t.Fatalf("unexpected ip base: %s", got)
	}
	if got := ipBaseFromBridge("malformed"); got != "172.16.0." {
		t.Fatalf("expected fallback ip base, got %s", got)
	}
}

func TestGenerateMACDeterministicFromOctet(t *testing.T) {
	if got := generateMAC(100); got != "02:FC:00:00:00:64" {
		t.Fatalf("unexpected mac: %s", got)
	}
}
