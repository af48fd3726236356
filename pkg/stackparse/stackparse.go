// Package stackparse extracts crash identities from sanitizer and assertion
// log output: a short human-readable signature and two stack grouping
// hashes, a coarse "major" hash over the top frame functions and a fine
// "minor" hash over every frame including source locations.
package stackparse

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// MajorDepth is the number of top frames folded into the major hash.
const MajorDepth = 5

// Frame is a single stack frame.
type Frame struct {
	// Function is the symbolized function name.
	Function string
	// Location is the source location (file:line[:col]) when available.
	Location string
}

// Stack is a parsed failure: the sanitizer (or assertion) reason and the
// stack frames that were recovered, innermost first.
type Stack struct {
	Reason string
	Frames []Frame
}

var (
	sanitizerRE = regexp.MustCompile(`ERROR: (\w+Sanitizer): (.+)`)
	frameRE     = regexp.MustCompile(`^\s*#\d+\s+0x[0-9a-fA-F]+\s+in\s+(\S+)\s*(\S*)`)
	assertRE    = regexp.MustCompile(`Assertion failure: (.+)`)
)

// Parse scans raw log output for a sanitizer report or assertion failure.
// It returns nil when the text contains neither.
func Parse(data []byte) *Stack {
	var stack *Stack
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if m := sanitizerRE.FindStringSubmatch(line); m != nil {
			stack = &Stack{Reason: strings.TrimSpace(m[2])}
			continue
		}
		if m := assertRE.FindStringSubmatch(line); m != nil && stack == nil {
			stack = &Stack{Reason: "Assertion failure: " + strings.TrimSpace(m[1])}
			continue
		}
		if stack == nil {
			continue
		}
		if m := frameRE.FindStringSubmatch(line); m != nil {
			stack.Frames = append(stack.Frames, Frame{
				Function: m[1],
				Location: m[2],
			})
		} else if len(stack.Frames) > 0 {
			// the frame list ended, ignore trailing report output
			break
		}
	}
	return stack
}

// Signature returns the short crash identity, "[@ function]" when a top
// frame exists, otherwise the failure reason.
func (s *Stack) Signature() string {
	if s == nil {
		return ""
	}
	if len(s.Frames) > 0 {
		return fmt.Sprintf("[@ %s]", s.Frames[0].Function)
	}
	return s.Reason
}

// MajorHash folds the top MajorDepth frame functions into a coarse
// grouping hash. Crashes in the same leaf call path share a major hash
// even when line numbers differ.
func (s *Stack) MajorHash() string {
	if s == nil {
		return ""
	}
	h := sha1.New()
	for i, frame := range s.Frames {
		if i >= MajorDepth {
			break
		}
		fmt.Fprintln(h, frame.Function)
	}
	if len(s.Frames) == 0 {
		fmt.Fprintln(h, s.Reason)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MinorHash folds every frame, including source locations, into a fine
// grouping hash.
func (s *Stack) MinorHash() string {
	if s == nil {
		return ""
	}
	h := sha1.New()
	for _, frame := range s.Frames {
		fmt.Fprintf(h, "%s|%s\n", frame.Function, frame.Location)
	}
	if len(s.Frames) == 0 {
		fmt.Fprintln(h, s.Reason)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CrashHash identifies the full failure for any-crash deduplication.
func (s *Stack) CrashHash() string {
	if s == nil {
		return ""
	}
	h := sha1.New()
	fmt.Fprintln(h, s.Reason)
	for _, frame := range s.Frames {
		fmt.Fprintf(h, "%s|%s\n", frame.Function, frame.Location)
	}
	return hex.EncodeToString(h.Sum(nil))
}
