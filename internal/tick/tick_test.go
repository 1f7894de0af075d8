package tick

import (
	"testing"

	"postengine/pkg/logx"
)

func TestNewAcceptsSpecForms(t *testing.T) {
	for _, spec := range []string{
		"",              // default
		"@every 30s",
		"@hourly",
		"*/5 * * * *",
	} {
		if _, err := New(Config{Spec: spec}, nil, logx.Nop()); err != nil {
			t.Fatalf("spec %q rejected: %v", spec, err)
		}
	}
}

func TestNewRejectsBadSpec(t *testing.T) {
	for _, spec := range []string{
		"@every soon",
		"* * *",
		"61 * * * *",
	} {
		if _, err := New(Config{Spec: spec}, nil, logx.Nop()); err == nil {
			t.Fatalf("spec %q accepted", spec)
		}
	}
}

func TestNewRejectsBadTimezone(t *testing.T) {
	if _, err := New(Config{Spec: "@hourly", Timezone: "Mars/Olympus"}, nil, logx.Nop()); err == nil {
		t.Fatal("bad timezone accepted")
	}
}
