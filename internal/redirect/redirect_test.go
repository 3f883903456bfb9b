package redirect

import (
	"errors"
	"testing"
)

func TestDetectMoved(t *testing.T) {
	r, ok := Detect([]byte("-MOVED 12182 10.0.0.2:7001\r\n"))
	if !ok {
		t.Fatal("expected a redirect")
	}
	if r.Kind != Moved || r.Slot != 12182 || r.Address != "10.0.0.2:7001" {
		t.Fatalf("unexpected redirect: %+v", r)
	}
}

func TestDetectAsk(t *testing.T) {
	r, ok := Detect([]byte("-ASK 12182 10.0.0.2:7001\r\n"))
	if !ok {
		t.Fatal("expected a redirect")
	}
	if r.Kind != Ask || r.Slot != 12182 || r.Address != "10.0.0.2:7001" {
		t.Fatalf("unexpected redirect: %+v", r)
	}
}

func TestDetectTrailingBytesTolerated(t *testing.T) {
	r, ok := Detect([]byte("-MOVED 0 10.0.0.1:7000\r\nextra garbage after the frame"))
	if !ok || r.Slot != 0 || r.Address != "10.0.0.1:7000" {
		t.Fatalf("trailing bytes should be tolerated: %+v ok=%v", r, ok)
	}
}

func TestDetectNonRedirectReplies(t *testing.T) {
	cases := [][]byte{
		[]byte("+OK\r\n"),
		[]byte("-ERR unknown command\r\n"),
		[]byte("$3\r\nfoo\r\n"),
		[]byte("-MOVEDX 1 a:1\r\n"),
		[]byte("-MOVED\r\n"),
		[]byte("-MOVED onlyslot\r\n"),
	}
	for _, c := range cases {
		if _, ok := Detect(c); ok {
			t.Errorf("unexpected redirect detected in %q", c)
		}
	}
}

func TestValidateAddress(t *testing.T) {
	if err := ValidateAddress("10.0.0.2:7001"); err != nil {
		t.Fatalf("valid address rejected: %v", err)
	}
	badCases := []string{"", ":7001", "10.0.0.2", "10.0.0.2:notaport", "10.0.0.2:99999"}
	for _, addr := range badCases {
		if err := ValidateAddress(addr); err == nil {
			t.Errorf("expected %q to be rejected", addr)
		}
	}
}

func TestContextBudget(t *testing.T) {
	c := NewContext(12182, 3)
	addrs := []string{"a:1", "b:1", "c:1", "d:1"}
	var lastErr error
	dials := 0
	for _, a := range addrs {
		lastErr = c.Record(&Redirect{Kind: Moved, Slot: 12182, Address: a})
		if lastErr != nil {
			break
		}
		dials++
	}
	if !errors.Is(lastErr, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", lastErr)
	}
	if dials != 3 {
		t.Fatalf("expected exactly max_redirects=3 successful hops before the budget trips, got %d", dials)
	}
}

func TestContextLoopDetection(t *testing.T) {
	c := NewContext(1, 5)
	if err := c.Record(&Redirect{Kind: Moved, Slot: 1, Address: "a:1"}); err != nil {
		t.Fatalf("first hop: %v", err)
	}
	if err := c.Record(&Redirect{Kind: Moved, Slot: 2, Address: "b:1"}); err != nil {
		t.Fatalf("second hop: %v", err)
	}
	err := c.Record(&Redirect{Kind: Moved, Slot: 1, Address: "a:1"})
	if !errors.Is(err, ErrLoopDetected) {
		t.Fatalf("expected ErrLoopDetected on repeated (slot, address), got %v", err)
	}
}

func TestContextSlotBoundaries(t *testing.T) {
	c := NewContext(0, 1)
	if err := c.Record(&Redirect{Kind: Moved, Slot: 0, Address: "a:1"}); err != nil {
		t.Fatalf("slot 0: %v", err)
	}
	c2 := NewContext(16383, 1)
	if err := c2.Record(&Redirect{Kind: Moved, Slot: 16383, Address: "a:1"}); err != nil {
		t.Fatalf("slot 16383: %v", err)
	}
}
