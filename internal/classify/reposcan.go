package classify

import (
	"io/fs"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// RepoScan summarizes whether a workspace has any detectable test
// infrastructure. It feeds the no-test-infra semantic override.
type RepoScan struct {
	HasTestDirectory  bool `json:"has_test_directory"`
	HasTestFiles      bool `json:"has_test_files"`
	HasTestDependency bool `json:"has_test_dependency"`
	HasTestWorkflow   bool `json:"has_test_workflow"`
}

func (s RepoScan) HasTestInfrastructure() bool {
	return s.HasTestDirectory || s.HasTestFiles || s.HasTestDependency || s.HasTestWorkflow
}

var testDirPatterns = []string{
	"tests", "test", "spec", "**/tests", "**/test", "**/__tests__",
}

var testFilePatterns = []string{
	"**/test_*.py", "**/*_test.py", "**/*_test.go",
	"**/*.test.{js,jsx,ts,tsx}", "**/*.spec.{js,ts}",
	"**/conftest.py",
}

// manifest files whose contents may declare a test dependency.
var manifestFiles = []string{
	"pyproject.toml", "setup.cfg", "setup.py", "tox.ini",
	"requirements.txt", "requirements-dev.txt", "package.json", "Makefile",
}

var testDependencyHints = []string{
	"pytest", "unittest", "tox", "jest", "vitest", "mocha", "bun test",
	"\"test\":",
}

// ScanRepo inspects dir for test infrastructure. Scan errors degrade to
// "not found": the override fails closed toward requiring test evidence.
func ScanRepo(dir string) RepoScan {
	fsys := os.DirFS(dir)
	var scan RepoScan

	for _, pat := range testDirPatterns {
		matches, err := doublestar.Glob(fsys, pat, doublestar.WithFailOnIOErrors())
		if err != nil {
			continue
		}
		for _, m := range matches {
			if isDir(fsys, m) {
				scan.HasTestDirectory = true
				break
			}
		}
		if scan.HasTestDirectory {
			break
		}
	}

	for _, pat := range testFilePatterns {
		files, err := doublestar.Glob(fsys, pat)
		if err == nil && len(files) > 0 {
			scan.HasTestFiles = true
			break
		}
	}

	for _, name := range manifestFiles {
		b, err := fs.ReadFile(fsys, name)
		if err != nil {
			continue
		}
		content := strings.ToLower(string(b))
		for _, hint := range testDependencyHints {
			if strings.Contains(content, hint) {
				scan.HasTestDependency = true
				break
			}
		}
		if scan.HasTestDependency {
			break
		}
	}

	workflows, err := doublestar.Glob(fsys, ".github/workflows/*.{yml,yaml}")
	if err == nil {
		for _, wf := range workflows {
			b, err := fs.ReadFile(fsys, wf)
			if err != nil {
				continue
			}
			if strings.Contains(strings.ToLower(string(b)), "test") {
				scan.HasTestWorkflow = true
				break
			}
		}
	}

	return scan
}

func isDir(fsys fs.FS, path string) bool {
	info, err := fs.Stat(fsys, path)
	return err == nil && info.IsDir()
}
