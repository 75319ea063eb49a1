package passphrase

import (
	"errors"
	"testing"
)

func TestSourcePrefersEnvironment(t *testing.T) {
	t.Setenv("REWARDD_TEST_PASSPHRASE", "correct horse")
	src := NewSource("REWARDD_TEST_PASSPHRASE", "signer keystore")
	src.prompt = func(string) (string, error) {
		t.Fatalf("prompt should not run when the env var is set")
		return "", nil
	}
	value, err := src.Get()
	if err != nil || value != "correct horse" {
		t.Fatalf("unexpected passphrase %q err=%v", value, err)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("REWARDD_TEST_PASSPHRASE", "   ")
	if _, err := NewSource("REWARDD_TEST_PASSPHRASE", "signer keystore").Get(); err == nil {
		t.Fatalf("expected error for blank passphrase")
	}
}

func TestSourcePromptsOnceAndCaches(t *testing.T) {
	calls := 0
	src := NewSource("", "signer keystore")
	src.prompt = func(label string) (string, error) {
		calls++
		if label != "signer keystore" {
			t.Fatalf("unexpected label %q", label)
		}
		return "s3cret", nil
	}
	for i := 0; i < 2; i++ {
		value, err := src.Get()
		if err != nil || value != "s3cret" {
			t.Fatalf("unexpected passphrase %q err=%v", value, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected a single prompt, got %d", calls)
	}
}

func TestSourcePropagatesPromptFailure(t *testing.T) {
	src := NewSource("REWARDD_UNSET_PASSPHRASE", "")
	src.prompt = func(string) (string, error) { return "", errors.New("no tty") }
	if _, err := src.Get(); err == nil {
		t.Fatalf("expected prompt error")
	}
}
