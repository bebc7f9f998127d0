package mesh

import (
	"context"
	"testing"
	"time"
)

func TestEngine_StartTwiceFails(t *testing.T) {
	e := testEngine(newPairedBearer())

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer e.Stop()

	if err := e.Start(context.Background()); err != ErrAlreadyStarted {
		t.Fatalf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestEngine_CommandAfterStopReturnsErrStopped(t *testing.T) {
	e := testEngine(newPairedBearer())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if _, err := e.SendBroadcast([]byte("hi")); err != ErrStopped {
		t.Fatalf("SendBroadcast() after Stop error = %v, want ErrStopped", err)
	}
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	e := testEngine(newPairedBearer())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("first Stop() error = %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestEngine_WipeZeroesKeypair(t *testing.T) {
	e := testEngine(newPairedBearer())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.Destroy(ctx); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}

	if !identityIsZero(e.keypair.PrivateKey) {
		t.Error("Destroy() left private key non-zero")
	}
}

func identityIsZero(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}

func TestEngine_EventsClosedAfterStop(t *testing.T) {
	e := testEngine(newPairedBearer())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case _, ok := <-e.Events():
		if ok {
			t.Error("Events() channel should be closed or drained after Stop")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Events() to close")
	}
}
