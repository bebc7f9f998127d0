package fragment

import (
	"bytes"
	"testing"
	"time"

	"github.com/driftmesh/meshcore/internal/protocol"
)

func testID(b byte) [protocol.MessageIDSize]byte {
	var id [protocol.MessageIDSize]byte
	for i := range id {
		id[i] = b
	}
	return id
}

func decodeAll(t *testing.T, fragments [][]byte) []protocol.FragmentHeader {
	t.Helper()
	headers := make([]protocol.FragmentHeader, len(fragments))
	for i, f := range fragments {
		h, _, err := protocol.DecodeFragment(f)
		if err != nil {
			t.Fatalf("DecodeFragment(%d) error = %v", i, err)
		}
		headers[i] = h
	}
	return headers
}

func TestSplit_SingleFragment(t *testing.T) {
	payload := []byte("short message")
	fragments, err := Split(payload, 180)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(fragments) != 1 {
		t.Fatalf("got %d fragments, want 1", len(fragments))
	}
}

func TestSplit_MultipleFragments(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 100)
	fragments, err := Split(payload, 23)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(fragments) < 6 {
		t.Fatalf("got %d fragments, want at least 6", len(fragments))
	}

	headers := decodeAll(t, fragments)
	for i, h := range headers {
		if int(h.Total) != len(fragments) {
			t.Errorf("fragment %d total = %d, want %d", i, h.Total, len(fragments))
		}
		if int(h.Index) != i {
			t.Errorf("fragment %d index = %d, want %d", i, h.Index, i)
		}
	}
}

func TestSplit_TooManyFragments(t *testing.T) {
	payload := make([]byte, 256*16)
	_, err := Split(payload, 4+16)
	if err == nil {
		t.Error("Split() should fail when more than 255 fragments are needed")
	}
}

func TestSplit_FragmentSizeTooSmall(t *testing.T) {
	_, err := Split([]byte("x"), protocol.FragmentHeaderSize)
	if err == nil {
		t.Error("Split() should fail when maxFragmentSize leaves no payload room")
	}
}

func TestAssembler_Roundtrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xCD}, 300)
	fragments, err := Split(payload, 40)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}

	asm := NewAssembler(256, time.Minute)
	id := testID(0x01)

	var assembled []byte
	for _, f := range fragments {
		h, body, err := protocol.DecodeFragment(f)
		if err != nil {
			t.Fatalf("DecodeFragment() error = %v", err)
		}
		out, err := asm.Add(id, h, body)
		if err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		if out != nil {
			assembled = out
		}
	}

	if !bytes.Equal(assembled, payload) {
		t.Error("reassembled payload does not match original")
	}
	if asm.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0 after completion", asm.Pending())
	}
}

func TestAssembler_ReverseArrivalOrder(t *testing.T) {
	payload := bytes.Repeat([]byte{0xEF}, 100)
	fragments, err := Split(payload, 23)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}

	asm := NewAssembler(256, time.Minute)
	id := testID(0x02)

	var assembled []byte
	for i := len(fragments) - 1; i >= 0; i-- {
		h, body, err := protocol.DecodeFragment(fragments[i])
		if err != nil {
			t.Fatalf("DecodeFragment() error = %v", err)
		}
		out, err := asm.Add(id, h, body)
		if err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		if out != nil {
			assembled = out
		}
	}

	if !bytes.Equal(assembled, payload) {
		t.Error("reassembled payload in reverse arrival order does not match original")
	}
}

func TestAssembler_DuplicateFragmentCounted(t *testing.T) {
	payload := bytes.Repeat([]byte{0x01}, 100)
	fragments, err := Split(payload, 23)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}

	asm := NewAssembler(256, time.Minute)
	id := testID(0x03)

	h, body, _ := protocol.DecodeFragment(fragments[0])
	if _, err := asm.Add(id, h, body); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if _, err := asm.Add(id, h, body); err != nil {
		t.Fatalf("Add() duplicate error = %v", err)
	}

	if asm.Stats().Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", asm.Stats().Duplicates)
	}
}

func TestAssembler_TotalMismatchRejected(t *testing.T) {
	asm := NewAssembler(256, time.Minute)
	id := testID(0x04)

	h1 := protocol.FragmentHeader{Index: 0, Total: 3, PayloadLen: 1}
	if _, err := asm.Add(id, h1, []byte{0x00}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	h2 := protocol.FragmentHeader{Index: 1, Total: 4, PayloadLen: 1}
	if _, err := asm.Add(id, h2, []byte{0x00}); err == nil {
		t.Error("Add() should reject a fragment whose total disagrees with the pending set")
	}
}

func TestAssembler_ExpiredMessageIsDropped(t *testing.T) {
	asm := NewAssembler(256, time.Millisecond)
	id := testID(0x05)

	h := protocol.FragmentHeader{Index: 0, Total: 2, PayloadLen: 1}
	if _, err := asm.Add(id, h, []byte{0x00}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	expired := asm.Sweep()
	if expired != 1 {
		t.Errorf("Sweep() expired = %d, want 1", expired)
	}
	if asm.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0 after sweep", asm.Pending())
	}
	if asm.Stats().Expired != 1 {
		t.Errorf("Stats().Expired = %d, want 1", asm.Stats().Expired)
	}
}

func TestAssembler_EvictsOldestWhenFull(t *testing.T) {
	asm := NewAssembler(2, time.Minute)

	for i := 0; i < 3; i++ {
		id := testID(byte(i))
		h := protocol.FragmentHeader{Index: 0, Total: 2, PayloadLen: 1}
		if _, err := asm.Add(id, h, []byte{0x00}); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	if asm.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2 (bounded by maxPending)", asm.Pending())
	}
	if asm.Stats().Evicted != 1 {
		t.Errorf("Stats().Evicted = %d, want 1", asm.Stats().Evicted)
	}
}
