package prompts

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
)

// DefaultMinLength is the shortest prompt body accepted.
const DefaultMinLength = 50

// Words a prompt body must mention, matched case-insensitively.
var requiredTerms = []string{"role", "capabilities"}

// ValidationIssue is one reason a prompt file was rejected.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError aggregates the issues found in one prompt file.
type ValidationError struct {
	Path   string
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.Message
	}
	return fmt.Sprintf("prompt %s invalid: %s", e.Path, strings.Join(msgs, "; "))
}

// validateBody checks the prompt text after front matter is stripped.
func validateBody(path, body string, minLength int) error {
	var issues []ValidationIssue
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		issues = append(issues, ValidationIssue{Code: "empty", Message: "prompt is empty"})
	} else if len(trimmed) < minLength {
		issues = append(issues, ValidationIssue{
			Code:    "too_short",
			Message: fmt.Sprintf("prompt has %d characters, minimum is %d", len(trimmed), minLength),
		})
	}
	lower := strings.ToLower(trimmed)
	for _, term := range requiredTerms {
		if trimmed != "" && !strings.Contains(lower, term) {
			issues = append(issues, ValidationIssue{
				Code:    "missing_" + term,
				Message: fmt.Sprintf("prompt must mention %q", term),
			})
		}
	}
	if len(issues) == 0 {
		return nil
	}
	cause := &ValidationError{Path: path, Issues: issues}
	codes := make([]string, len(issues))
	for i, issue := range issues {
		codes[i] = issue.Code
	}
	return sdkerrors.Wrap(sdkerrors.ErrValidation, "PROMPT_INVALID", "prompt file failed validation", cause).
		WithDetail("path", path).
		WithDetail("issues", codes)
}

// frontMatter is the optional YAML header of a prompt file.
type frontMatter struct {
	Version     string                 `yaml:"version"`
	Description string                 `yaml:"description"`
	Tags        []string               `yaml:"tags"`
	Extra       map[string]interface{} `yaml:",inline"`
}

var fmDelimiter = []byte("---")

// splitFrontMatter separates a leading "---" YAML block from the markdown body.
// Files without a header are returned unchanged with an empty header.
func splitFrontMatter(path string, data []byte) (frontMatter, string, error) {
	var fm frontMatter
	normalized := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, append(fmDelimiter, '\n')) {
		return fm, string(data), nil
	}
	rest := normalized[len(fmDelimiter)+1:]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return fm, "", sdkerrors.Validation("PROMPT_INVALID", "unterminated front matter").
			WithDetail("path", path)
	}
	header := rest[:end]
	body := rest[end+len("\n---"):]
	body = bytes.TrimPrefix(body, []byte("\n"))

	if err := yaml.Unmarshal(header, &fm); err != nil {
		return fm, "", sdkerrors.Wrap(sdkerrors.ErrValidation, "PROMPT_INVALID", "malformed front matter", err).
			WithDetail("path", path)
	}
	return fm, string(body), nil
}

func (fm frontMatter) metadata() map[string]interface{} {
	md := make(map[string]interface{}, len(fm.Extra)+2)
	for k, v := range fm.Extra {
		md[k] = v
	}
	if fm.Description != "" {
		md["description"] = fm.Description
	}
	if len(fm.Tags) > 0 {
		md["tags"] = fm.Tags
	}
	if len(md) == 0 {
		return nil
	}
	return md
}
