package blobstore

import (
	"strings"
	"testing"
)

func TestContentKeyIsStableForSameBytes(t *testing.T) {
	first, err := contentKey(strings.NewReader("hello"), ".JPG")
	if err != nil {
		t.Fatalf("contentKey: %v", err)
	}
	second, err := contentKey(strings.NewReader("hello"), ".JPG")
	if err != nil {
		t.Fatalf("contentKey: %v", err)
	}
	if first != second {
		t.Fatalf("same bytes produced different keys: %q vs %q", first, second)
	}

	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824.jpg"
	if first != want {
		t.Fatalf("key: want=%q got=%q", want, first)
	}
}

func TestContentKeyDiffersByContent(t *testing.T) {
	a, err := contentKey(strings.NewReader("a"), ".png")
	if err != nil {
		t.Fatalf("contentKey: %v", err)
	}
	b, err := contentKey(strings.NewReader("b"), ".png")
	if err != nil {
		t.Fatalf("contentKey: %v", err)
	}
	if a == b {
		t.Fatalf("distinct bytes produced the same key %q", a)
	}
}

func TestResolvePublicBaseURL(t *testing.T) {
	tests := []struct {
		name     string
		cdn      string
		emulator string
		want     string
	}{
		{name: "default gcs", want: "https://storage.googleapis.com/imgs"},
		{name: "cdn wins", cdn: "cdn.example.com/", want: "https://cdn.example.com"},
		{name: "emulator", emulator: "http://localhost:4443/", want: "http://localhost:4443/imgs"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("IMAGE_CDN_DOMAIN", tc.cdn)
			t.Setenv("STORAGE_EMULATOR_HOST", tc.emulator)
			got := resolvePublicBaseURL("imgs")
			if got != tc.want {
				t.Fatalf("base url: want=%q got=%q", tc.want, got)
			}
		})
	}
}
