// Package contract implements output contract enforcement for backend
// responses, currently the patch_with_citations contract.
package contract

import (
	"bytes"
	"os/exec"
	"strings"

	"github.com/troika/troika/internal/common/errors"
)

// PatchFormat classifies the patch found in a response.
type PatchFormat string

const (
	PatchUnifiedDiff   PatchFormat = "unified_diff"
	PatchSearchReplace PatchFormat = "search_replace"
	PatchUnknown       PatchFormat = "unknown"
	PatchNone          PatchFormat = "none"
)

// Check is the result of inspecting a response against the contract.
type Check struct {
	HasPatch       bool
	HasCitations   bool
	Format         PatchFormat
	ExtractedPatch string
	Errors         []*errors.AppError
}

// CheckPatchWithCitations inspects a response for a unified-diff block and a
// citations section.
func CheckPatchWithCitations(text string) Check {
	c := Check{
		HasCitations: hasCitations(text),
		Format:       detectPatchFormat(text),
	}
	c.HasPatch, c.ExtractedPatch = extractPatch(text, c.Format)

	if !c.HasPatch {
		c.Errors = append(c.Errors, errors.ContractMissingPatch())
	}
	if !c.HasCitations {
		c.Errors = append(c.Errors, errors.ContractMissingCitations())
	}
	return c
}

// ApplyCheck is the outcome of the syntactic patch validation.
type ApplyCheck struct {
	OK     bool
	Output string
}

// ValidateApplyCheck runs `git apply --check` against the working tree. No
// file is modified.
func ValidateApplyCheck(repoRoot, patch string) (ApplyCheck, error) {
	rev := exec.Command("git", "rev-parse", "--is-inside-work-tree")
	rev.Dir = repoRoot
	if err := rev.Run(); err != nil {
		return ApplyCheck{OK: false, Output: "not a git repository (git rev-parse failed)"}, nil
	}

	// git reports "corrupt patch" when input lacks a trailing newline.
	if !strings.HasSuffix(patch, "\n") {
		patch += "\n"
	}

	cmd := exec.Command("git", "apply", "--check", "--whitespace=nowarn", "-")
	cmd.Dir = repoRoot
	cmd.Stdin = strings.NewReader(patch)
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	err := cmd.Run()
	out := strings.TrimSpace(combined.String())
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return ApplyCheck{OK: false, Output: out}, nil
		}
		return ApplyCheck{}, errors.IOFailed("failed to run git apply --check", err)
	}
	return ApplyCheck{OK: true, Output: out}, nil
}

// hasCitations accepts the CITATIONS section plus a couple of conventions
// agents commonly produce.
func hasCitations(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "citations:") ||
		strings.Contains(lower, "> source:") ||
		strings.Contains(lower, "[cite:")
}

func detectPatchFormat(text string) PatchFormat {
	if strings.Contains(text, "diff --git ") ||
		(strings.Contains(text, "--- a/") && strings.Contains(text, "+++ b/")) {
		return PatchUnifiedDiff
	}
	if strings.Contains(text, "<<<<<<< SEARCH") && strings.Contains(text, ">>>>>>> REPLACE") {
		return PatchSearchReplace
	}
	if strings.TrimSpace(text) == "" {
		return PatchNone
	}
	return PatchUnknown
}

func extractPatch(text string, format PatchFormat) (bool, string) {
	switch format {
	case PatchUnifiedDiff:
		if p, ok := extractFenced(text, "diff"); ok {
			has := strings.Contains(p, "diff --git ") ||
				(strings.Contains(p, "--- a/") && strings.Contains(p, "+++ b/"))
			return has, p
		}
		if i := strings.Index(text, "diff --git "); i >= 0 {
			return true, strings.TrimSpace(text[i:])
		}
		if i := strings.Index(text, "--- a/"); i >= 0 {
			return true, strings.TrimSpace(text[i:])
		}
		return false, ""
	case PatchSearchReplace:
		// Present but not git-applicable; nothing to extract.
		return true, ""
	default:
		return false, ""
	}
}

func extractFenced(text, info string) (string, bool) {
	start := "```" + info
	rest := text
	for {
		i := strings.Index(rest, start)
		if i < 0 {
			return "", false
		}
		after := rest[i+len(start):]
		after = strings.TrimPrefix(after, "\r\n")
		after = strings.TrimPrefix(after, "\n")
		if end := strings.Index(after, "```"); end >= 0 {
			block := strings.TrimSpace(after[:end])
			if block != "" {
				return block, true
			}
		}
		rest = after
	}
}
