package paramstring

import "testing"

func TestParseKeyValuePairs(t *testing.T) {
	got, err := Parse("bus=0,cs=1,speed=1000000")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := map[string]string{"bus": "0", "cs": "1", "speed": "1000000"}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("got[%q] = %q, want %q", k, got[k], v)
		}
	}
	if len(got) != len(want) {
		t.Errorf("got %d keys, want %d", len(got), len(want))
	}
}

func TestParseBooleanSwitch(t *testing.T) {
	got, err := Parse("fast-verify")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if v, ok := got["fast-verify"]; !ok || v != "" {
		t.Errorf("got %q, want empty-string value for a bare switch", v)
	}
}

func TestParseMixedSwitchesAndValues(t *testing.T) {
	got, err := Parse("bus=0, fast-verify ,cs=1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got["bus"] != "0" || got["cs"] != "1" || got["fast-verify"] != "" {
		t.Errorf("got %v", got)
	}
}

func TestParseRejectsDuplicateKey(t *testing.T) {
	_, err := Parse("bus=0,bus=1")
	if err == nil {
		t.Fatal("expected error for duplicate key")
	}
}

func TestParseRejectsEmptyKey(t *testing.T) {
	_, err := Parse("=value")
	if err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestParseEmptyString(t *testing.T) {
	got, err := Parse("")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want empty map", got)
	}
}
