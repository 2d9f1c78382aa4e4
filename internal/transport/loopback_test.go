package transport

import (
	"errors"
	"testing"
)

func TestLoopbackDeliversInOrder(t *testing.T) {
	l := NewLoopback(2)
	buf := []byte("a")
	if err := l.Send(buf); err != nil {
		t.Fatalf("send: %v", err)
	}
	buf[0] = 'z' // Send must have copied
	if err := l.Send([]byte("b")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := l.Send([]byte("c")); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	var got string
	if n := l.Poll(func(f []byte) { got += string(f) }, 0); n != 2 || got != "ab" {
		t.Fatalf("n=%d got=%q", n, got)
	}
}

func TestLoopbackFilterAndControl(t *testing.T) {
	l := NewLoopback(8)
	l.Filter = func(f []byte) bool { return f[0] != 'x' }
	_ = l.Send([]byte("x"))
	_ = l.Send([]byte("y"))
	if l.Pending() != 1 {
		t.Fatalf("filtered frame should be dropped")
	}
	_ = l.SendStatus(StatusMessage{Type: StatusNak, Position: 64})
	_ = l.SendStatus(StatusMessage{Type: StatusUpdate, Position: 128})
	var types []StatusType
	if n := l.PollControl(func(m StatusMessage) { types = append(types, m.Type) }, 1); n != 1 {
		t.Fatalf("limit not honoured")
	}
	l.PollControl(func(m StatusMessage) { types = append(types, m.Type) }, 0)
	if len(types) != 2 || types[0] != StatusNak || types[1].String() != "status" {
		t.Fatalf("types %v", types)
	}
}
