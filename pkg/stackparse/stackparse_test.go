package stackparse

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

const uafReport = `=================================================================
==5512==ERROR: AddressSanitizer: heap-use-after-free on address 0x6040000001a8
READ of size 8 at 0x6040000001a8 thread T0
    #0 0x55f0aa8210e4 in mozilla::dom::Element::Blur() /gecko/dom/base/Element.cpp:432:7
    #1 0x55f0aa821211 in nsFocusManager::Clear() /gecko/dom/base/nsFocusManager.cpp:88:12
    #2 0x55f0aa821400 in main /gecko/browser/main.cpp:30:3

0x6040000001a8 is located 8 bytes inside of 48-byte region
==5512==ABORTING
`

func TestParse_SanitizerReport(t *testing.T) {
	got := Parse([]byte(uafReport))
	want := &Stack{
		Reason: "heap-use-after-free on address 0x6040000001a8",
		Frames: []Frame{
			{Function: "mozilla::dom::Element::Blur()", Location: "/gecko/dom/base/Element.cpp:432:7"},
			{Function: "nsFocusManager::Clear()", Location: "/gecko/dom/base/nsFocusManager.cpp:88:12"},
			{Function: "main", Location: "/gecko/browser/main.cpp:30:3"},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_AssertionFailure(t *testing.T) {
	input := "Assertion failure: aOffset <= mLength, at /gecko/xpcom/string/nsTString.cpp:118\n"
	got := Parse([]byte(input))
	want := &Stack{Reason: "Assertion failure: aOffset <= mLength, at /gecko/xpcom/string/nsTString.cpp:118"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_BenignOutput(t *testing.T) {
	if got := Parse([]byte("page loaded\nexit status 0\n")); got != nil {
		t.Errorf("Parse() = %+v, want nil", got)
	}
}

func TestParse_FrameListEndsAtNonFrameLine(t *testing.T) {
	input := `==1==ERROR: LeakSanitizer: detected memory leaks
    #0 0x4f0000 in malloc /src/alloc.cc:10
    #1 0x4f0100 in create_node /src/tree.cc:44
Indirect leak of 16 byte(s) in 1 object(s)
    #0 0x4f0000 in malloc /src/alloc.cc:10
`
	got := Parse([]byte(input))
	if len(got.Frames) != 2 {
		t.Fatalf("Parse() found %d frames, want 2", len(got.Frames))
	}
}

func TestSignature(t *testing.T) {
	withFrames := Parse([]byte(uafReport))
	if got, want := withFrames.Signature(), "[@ mozilla::dom::Element::Blur()]"; got != want {
		t.Errorf("Signature() = %q, want %q", got, want)
	}

	noFrames := &Stack{Reason: "stack-overflow"}
	if got := noFrames.Signature(); got != "stack-overflow" {
		t.Errorf("Signature() = %q, want reason", got)
	}

	var nilStack *Stack
	if got := nilStack.Signature(); got != "" {
		t.Errorf("Signature() on nil = %q, want empty", got)
	}
}

func TestMajorHash_IgnoresLineNumbers(t *testing.T) {
	a := Parse([]byte(uafReport))
	b := &Stack{
		Reason: a.Reason,
		Frames: []Frame{
			{Function: "mozilla::dom::Element::Blur()", Location: "/gecko/dom/base/Element.cpp:999:1"},
			{Function: "nsFocusManager::Clear()", Location: "/gecko/dom/base/nsFocusManager.cpp:1:1"},
			{Function: "main", Location: "/gecko/browser/main.cpp:2:2"},
		},
	}

	if a.MajorHash() != b.MajorHash() {
		t.Error("MajorHash() should not depend on source locations")
	}
	if a.MinorHash() == b.MinorHash() {
		t.Error("MinorHash() should depend on source locations")
	}
}

func TestMajorHash_FoldsDeepFrames(t *testing.T) {
	frames := make([]Frame, 0, MajorDepth+3)
	for i := 0; i < MajorDepth; i++ {
		frames = append(frames, Frame{Function: "shared"})
	}
	a := &Stack{Reason: "r", Frames: append(append([]Frame{}, frames...), Frame{Function: "tail_a"})}
	b := &Stack{Reason: "r", Frames: append(append([]Frame{}, frames...), Frame{Function: "tail_b"})}

	// frames beyond MajorDepth do not contribute
	if a.MajorHash() != b.MajorHash() {
		t.Error("MajorHash() should fold only the top frames")
	}
	if a.MinorHash() == b.MinorHash() {
		t.Error("MinorHash() should cover every frame")
	}
}

func TestCrashHash_DependsOnReason(t *testing.T) {
	frames := []Frame{{Function: "fn", Location: "a.cc:1"}}
	a := &Stack{Reason: "heap-use-after-free", Frames: frames}
	b := &Stack{Reason: "heap-buffer-overflow", Frames: frames}

	if a.CrashHash() == b.CrashHash() {
		t.Error("CrashHash() should depend on the failure reason")
	}
}

func TestHashes_NilStack(t *testing.T) {
	var s *Stack
	if s.MajorHash() != "" || s.MinorHash() != "" || s.CrashHash() != "" {
		t.Error("hashes on a nil stack should be empty")
	}
}
