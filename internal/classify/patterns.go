package classify

import (
	"regexp"
	"strings"
)

// Pattern sets for grading raw agent output. All matches are
// case-insensitive on word boundaries; classification only ever reads the
// combined lowercased stdout+stderr text, like the provider error
// classifier these rules grew out of.

var hardFailurePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bpermission denied\b`),
	regexp.MustCompile(`(?i)\boperation not permitted\b`),
	regexp.MustCompile(`(?i)\bread-only file system\b`),
	regexp.MustCompile(`(?i)\bauthentication failed\b`),
	regexp.MustCompile(`(?i)\bunauthorized\b`),
	regexp.MustCompile(`(?i)\bforbidden\b`),
	regexp.MustCompile(`(?i)\bnot a git repository\b`),
	regexp.MustCompile(`(?i)\brepository not found\b`),
	regexp.MustCompile(`(?i)\bcommand not found\b`),
	regexp.MustCompile(`(?i)\bno such file or directory\b`),
	regexp.MustCompile(`(?i)\bindex\.lock\b`),
}

var retryableFailurePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\btime(d)? ?out\b`),
	regexp.MustCompile(`(?i)\btemporary failure\b`),
	regexp.MustCompile(`(?i)\btemporarily unavailable\b`),
	regexp.MustCompile(`(?i)\bconnection (reset|aborted|refused)\b`),
	regexp.MustCompile(`(?i)\bcould not resolve host\b`),
	regexp.MustCompile(`(?i)\bnetwork (is )?unreachable\b`),
	regexp.MustCompile(`(?i)\brate limit`),
	regexp.MustCompile(`(?i)\btoo many requests\b`),
	regexp.MustCompile(`(?i)\bhttp[ /]?429\b`),
	regexp.MustCompile(`(?i)\bhttp[ /]?5\d\d\b`),
	regexp.MustCompile(`(?i)\bservice unavailable\b`),
}

// testCommandPatterns recognize test invocations inside extracted shell
// commands.
var testCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bpytest\b`),
	regexp.MustCompile(`(?i)\btox\b`),
	regexp.MustCompile(`(?i)\bmake\s+(?:\S+\s+)*test\b`),
	regexp.MustCompile(`(?i)\bbun\s+test\b`),
	regexp.MustCompile(`(?i)\b(?:npm|pnpm|yarn)\s+(?:run\s+)?test\b`),
	regexp.MustCompile(`(?i)\bhatch\s+run\b.*\btest`),
}

// lintCommandPatterns recognize lint/validation invocations.
var lintCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bmake\s+(?:\S+\s+)*lint\b`),
	regexp.MustCompile(`(?i)\bruff\b`),
	regexp.MustCompile(`(?i)\beslint\b`),
	regexp.MustCompile(`(?i)\bflake8\b`),
	regexp.MustCompile(`(?i)\bmypy\b`),
	regexp.MustCompile(`(?i)\bpyright\b`),
	regexp.MustCompile(`(?i)\btypecheck\b`),
	regexp.MustCompile(`(?i)\bpre-commit\b`),
}

// safetyViolationPatterns flag commands the agent must never run
// unsupervised: privilege escalation and global tool installs.
var safetyViolationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bsudo\b`),
	regexp.MustCompile(`(?i)\bbrew\s+install\b`),
	regexp.MustCompile(`(?i)\b(?:npm|pnpm)\s+(?:install|i|add)?\s*-g\b`),
	regexp.MustCompile(`(?i)\byarn\s+global\b`),
	regexp.MustCompile(`(?i)\buv\s+tool\s+install\b`),
	regexp.MustCompile(`(?i)\bpoetry\s+self\b`),
}

// pushCommandPatterns detect the agent committing or pushing on its own.
var pushCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bgit\s+commit\b`),
	regexp.MustCompile(`(?i)\bgit\s+push\b`),
	regexp.MustCompile(`(?i)\bfinish\.sh\b`),
}

// failedTestMarkerPatterns detect failing test runs inside the captured
// output stream.
var failedTestMarkerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b\d+\s+(?:tests?\s+)?failed\b`),
	regexp.MustCompile(`(?im)^FAILED\b`),
	regexp.MustCompile(`(?i)\bfailures?=[1-9]\d*\b`),
	regexp.MustCompile(`(?im)^\s*FAIL\b`),
}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

func matchingCommands(patterns []*regexp.Regexp, commands []string) []string {
	var out []string
	for _, cmd := range commands {
		if matchesAny(patterns, cmd) {
			out = append(out, cmd)
		}
	}
	return out
}

func countFailedTestMarkers(text string) int {
	n := 0
	for _, p := range failedTestMarkerPatterns {
		n += len(p.FindAllStringIndex(text, -1))
	}
	return n
}

// matchesAllowlist reports whether any configured allowlist expression
// matches the combined output. Invalid expressions are skipped; policy
// loading validates them upfront.
func matchesAllowlist(allowlist []string, text string) (string, bool) {
	for _, expr := range allowlist {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			continue
		}
		if re.MatchString(text) {
			return expr, true
		}
	}
	return "", false
}
