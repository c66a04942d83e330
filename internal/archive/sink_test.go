package archive

import "testing"

func TestNewSinkRequiresDB(t *testing.T) {
	if _, err := NewSink(nil, nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestCounterArray(t *testing.T) {
	got := counterArray([]float64{1, 2.5, 0})
	if got != "{1,2.5,0}" {
		t.Fatalf("counterArray = %q", got)
	}
	if counterArray(nil) != "{}" {
		t.Fatalf("empty array = %q", counterArray(nil))
	}
}
