package dummy

import (
	"bufio"
	"context"
	"net"
	"testing"
)

func TestReadReturnsErasedValue(t *testing.T) {
	m := New(256, 0xff)
	buf := make([]byte, 16)
	if err := m.Read(context.Background(), buf, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, b := range buf {
		if b != 0xff {
			t.Fatalf("buf[%d] = %#x, want 0xff", i, b)
		}
	}
}

func TestWriteAppliesAndSemantics(t *testing.T) {
	m := New(16, 0xff)
	ctx := context.Background()
	if err := m.Write(ctx, []byte{0x0f}, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Write(ctx, []byte{0xf0}, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 1)
	_ = m.Read(ctx, buf, 0)
	if buf[0] != 0x00 {
		t.Errorf("got %#x, want 0x00 (0x0f & 0xf0)", buf[0])
	}
}

func TestEraseRestoresErasedValue(t *testing.T) {
	m := New(16, 0xff)
	ctx := context.Background()
	_ = m.Write(ctx, []byte{0x00, 0x00}, 4)
	if err := m.Erase(ctx, 4, 2); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	buf := make([]byte, 2)
	_ = m.Read(ctx, buf, 4)
	if buf[0] != 0xff || buf[1] != 0xff {
		t.Errorf("got %x, want erased", buf)
	}
}

func TestOutOfRangeAccessErrors(t *testing.T) {
	m := New(4, 0xff)
	ctx := context.Background()
	if err := m.Read(ctx, make([]byte, 8), 0); err == nil {
		t.Error("expected error reading past end of buffer")
	}
	if err := m.Write(ctx, make([]byte, 8), 0); err == nil {
		t.Error("expected error writing past end of buffer")
	}
}

func TestServerReadWriteErase(t *testing.T) {
	m := New(256, 0xff)
	srv, err := Listen("127.0.0.1:0", m)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	if _, err := conn.Write([]byte("write 10 deadbeef\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if line != "OK\n" {
		t.Fatalf("got %q, want \"OK\\n\"", line)
	}

	if _, err := conn.Write([]byte("read 10 4\n")); err != nil {
		t.Fatalf("read request: %v", err)
	}
	line, err = reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if line != "OK deadbeef\n" {
		t.Fatalf("got %q, want \"OK deadbeef\\n\"", line)
	}

	if _, err := conn.Write([]byte("erase 10 4\n")); err != nil {
		t.Fatalf("erase request: %v", err)
	}
	line, err = reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if line != "OK\n" {
		t.Fatalf("got %q, want \"OK\\n\"", line)
	}
}
