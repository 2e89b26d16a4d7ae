package mux

import "testing"

func TestWithSuffix_InsertsBeforeExtension(t *testing.T) {
	if got := withSuffix("/work/audio.mp3", "-padded"); got != "/work/audio-padded.mp3" {
		t.Fatalf("withSuffix() = %q, want /work/audio-padded.mp3", got)
	}
}

func TestWithSuffix_HandlesNoExtension(t *testing.T) {
	if got := withSuffix("/work/audio", "-trimmed"); got != "/work/audio-trimmed" {
		t.Fatalf("withSuffix() = %q, want /work/audio-trimmed", got)
	}
}
