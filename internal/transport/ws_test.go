package transport

import (
	"context"
	"testing"
	"time"
)

func TestWSCarrier_RoundTrip(t *testing.T) {
	carrier := NewWSCarrier()

	listener, err := carrier.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer listener.Close()

	addr := listener.(*wsListener).netLn.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientLinkCh := make(chan Link, 1)
	clientErrCh := make(chan error, 1)
	go func() {
		link, err := carrier.Dial(ctx, addr)
		if err != nil {
			clientErrCh <- err
			return
		}
		clientLinkCh <- link
	}()

	serverLink, err := listener.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	defer serverLink.Close()

	var clientLink Link
	select {
	case clientLink = <-clientLinkCh:
	case err := <-clientErrCh:
		t.Fatalf("Dial() error = %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for dial")
	}
	defer clientLink.Close()

	if err := clientLink.Send([]byte("hello mesh")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	got, err := serverLink.Recv()
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if string(got) != "hello mesh" {
		t.Errorf("Recv() = %q, want %q", got, "hello mesh")
	}

	if err := serverLink.Send([]byte("ack")); err != nil {
		t.Fatalf("server Send() error = %v", err)
	}
	got, err = clientLink.Recv()
	if err != nil {
		t.Fatalf("client Recv() error = %v", err)
	}
	if string(got) != "ack" {
		t.Errorf("client Recv() = %q, want %q", got, "ack")
	}
}

func TestWSCarrier_DialUnreachableFails(t *testing.T) {
	carrier := NewWSCarrier()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := carrier.Dial(ctx, "127.0.0.1:1"); err == nil {
		t.Error("Dial() to an unreachable address should error")
	}
}
