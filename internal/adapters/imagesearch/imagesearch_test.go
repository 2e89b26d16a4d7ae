package imagesearch

import "testing"

func TestExt_UsesURLPathExtension(t *testing.T) {
	if got := ext("https://example.com/photos/cat.png?size=large"); got != ".png" {
		t.Fatalf("ext() = %q, want .png", got)
	}
}

func TestExt_FallsBackToJPGWhenNoExtension(t *testing.T) {
	if got := ext("https://example.com/photos/cat"); got != ".jpg" {
		t.Fatalf("ext() = %q, want .jpg", got)
	}
}

func TestExt_FallsBackToJPGWhenExtensionTooLong(t *testing.T) {
	if got := ext("https://example.com/file.jpegxxxxx"); got != ".jpg" {
		t.Fatalf("ext() = %q, want .jpg for an implausibly long extension", got)
	}
}

func TestExt_FallsBackToJPGOnUnparseableURL(t *testing.T) {
	if got := ext("://not a url"); got != ".jpg" {
		t.Fatalf("ext() = %q, want .jpg for an unparseable URL", got)
	}
}
