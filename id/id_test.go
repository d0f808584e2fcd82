package id

import (
	"encoding/json"
	"testing"
)

func TestNewAndString(t *testing.T) {
	t.Parallel()

	tid := NewTaskID()
	if tid.IsNil() {
		t.Fatal("NewTaskID returned the nil ID")
	}
	if got := tid.Prefix(); got != PrefixTask {
		t.Fatalf("got prefix %q, want %q", got, PrefixTask)
	}

	gid := NewGroupID()
	if got := gid.Prefix(); got != PrefixGroup {
		t.Fatalf("got prefix %q, want %q", got, PrefixGroup)
	}
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()

	orig := NewTaskID()
	parsed, err := Parse(orig.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.String() != orig.String() {
		t.Fatalf("got %q, want %q", parsed.String(), orig.String())
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{"empty string", ""},
		{"garbage", "not-a-typeid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.input); err == nil {
				t.Fatalf("Parse(%q) succeeded, want error", tt.input)
			}
		})
	}
}

func TestParseWithPrefix(t *testing.T) {
	t.Parallel()

	gid := NewGroupID()
	if _, err := ParseTaskID(gid.String()); err == nil {
		t.Fatal("ParseTaskID accepted a group id")
	}
	if _, err := ParseWithPrefix(gid.String(), PrefixGroup); err != nil {
		t.Fatalf("ParseWithPrefix: %v", err)
	}
}

func TestNilBehavior(t *testing.T) {
	t.Parallel()

	if !Nil.IsNil() {
		t.Fatal("Nil.IsNil() = false")
	}
	if !Nil.IsZero() {
		t.Fatal("Nil.IsZero() = false")
	}
	if got := Nil.String(); got != "" {
		t.Fatalf("Nil.String() = %q, want empty", got)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	t.Parallel()

	orig := NewTaskID()
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back ID
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.String() != orig.String() {
		t.Fatalf("got %q, want %q", back.String(), orig.String())
	}

	// Empty text unmarshals to Nil.
	var empty ID
	if err := empty.UnmarshalText(nil); err != nil {
		t.Fatalf("UnmarshalText(nil): %v", err)
	}
	if !empty.IsNil() {
		t.Fatal("empty text did not yield the nil ID")
	}
}

func TestSQLValueAndScan(t *testing.T) {
	t.Parallel()

	orig := NewTaskID()
	v, err := orig.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}

	var back ID
	if err := back.Scan(v); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if back.String() != orig.String() {
		t.Fatalf("got %q, want %q", back.String(), orig.String())
	}

	var null ID
	if err := null.Scan(nil); err != nil {
		t.Fatalf("Scan(nil): %v", err)
	}
	if !null.IsNil() {
		t.Fatal("Scan(nil) did not yield the nil ID")
	}
}
