package null

import (
	"context"
	"testing"

	schema "gitlab.diskarte.net/engineering/redis-mirror"
)

func TestWriterDiscards(t *testing.T) {
	w := &Writer{}
	ctx := context.Background()
	if typ, err := w.TypeOf(ctx, "k"); err != nil || typ != schema.TypeNone {
		t.Fatalf("TypeOf() = %s, %v", typ, err)
	}
	for i := 0; i < 3; i++ {
		if err := w.Write(ctx, &schema.Entry{Key: "k", Value: schema.StringValue("abcd"), TTL: schema.NoExpiry}); err != nil {
			t.Fatal(err)
		}
	}
	if w.Writes() != 3 || w.Bytes() != 12 {
		t.Fatalf("writes %d bytes %d", w.Writes(), w.Bytes())
	}
}

func TestWriterHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (&Writer{}).Write(ctx, &schema.Entry{Key: "k", Value: schema.StringValue("a")}); err == nil {
		t.Fatal("expected context error")
	}
}
