// Package parser extracts structured FILE, EXEC and SUBTASK blocks from raw
// model output. Matching is literal and line-oriented; a block missing its
// terminator is not recognized and its text stays in the residual explanation.
package parser

import (
	"fmt"
	"strings"
)

const (
	markerFile       = "FILE"
	markerEndFile    = "END_FILE"
	markerContent    = "CONTENT"
	markerExec       = "EXEC"
	markerEndExec    = "END_EXEC"
	markerSubtask    = "SUBTASK"
	markerEndSubtask = "END_SUBTASK"

	prefixPath        = "path:"
	prefixCwd         = "cwd:"
	prefixCmd         = "cmd:"
	prefixTitle       = "title:"
	prefixAgent       = "agent:"
	prefixDescription = "description:"
)

// FileIntent is a request to write one file relative to the workspace root.
type FileIntent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// CommandIntent is a request to run one shell command relative to the
// workspace root.
type CommandIntent struct {
	Cwd     string `json:"cwd"`
	Command string `json:"command"`
}

// SubtaskIntent is a child-task declaration emitted by a model.
type SubtaskIntent struct {
	Title       string `json:"title"`
	Agent       string `json:"agent"`
	Description string `json:"description"`
}

// Result holds everything recovered from one model response.
type Result struct {
	Files       []FileIntent
	Commands    []CommandIntent
	Subtasks    []SubtaskIntent
	Explanation string
}

// HasFileMarkers reports whether the raw text contains a FILE header at all,
// well-formed or not. The scorer rewards the attempt separately from the
// parsed outcome.
func HasFileMarkers(raw string) bool {
	for _, line := range strings.Split(raw, "\n") {
		if strings.TrimSpace(line) == markerFile {
			return true
		}
	}
	return false
}

// Parse scans raw model output for structured blocks. Blocks may appear in
// any order and repeat; the residual explanation is the input with recognized
// blocks removed and runs of blank lines collapsed.
func Parse(raw string) Result {
	lines := strings.Split(raw, "\n")
	var result Result
	var residual []string

	for i := 0; i < len(lines); {
		switch strings.TrimSpace(lines[i]) {
		case markerFile:
			if intent, next, ok := parseFileBlock(lines, i); ok {
				result.Files = append(result.Files, intent)
				i = next
				continue
			}
		case markerExec:
			if intent, next, ok := parseExecBlock(lines, i); ok {
				result.Commands = append(result.Commands, intent)
				i = next
				continue
			}
		case markerSubtask:
			if intent, next, ok := parseSubtaskBlock(lines, i); ok {
				result.Subtasks = append(result.Subtasks, intent)
				i = next
				continue
			}
		}
		residual = append(residual, lines[i])
		i++
	}

	result.Explanation = collapseBlankLines(residual)
	return result
}

// parseFileBlock expects: FILE / path: <rel> / CONTENT / <bytes...> / END_FILE.
// Content is preserved byte for byte between the CONTENT and END_FILE lines.
func parseFileBlock(lines []string, start int) (FileIntent, int, bool) {
	i := start + 1
	if i >= len(lines) || !strings.HasPrefix(strings.TrimSpace(lines[i]), prefixPath) {
		return FileIntent{}, 0, false
	}
	path := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[i]), prefixPath))
	if path == "" {
		return FileIntent{}, 0, false
	}

	i++
	if i >= len(lines) || strings.TrimSpace(lines[i]) != markerContent {
		return FileIntent{}, 0, false
	}

	i++
	contentStart := i
	for ; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == markerEndFile {
			content := strings.Join(lines[contentStart:i], "\n")
			return FileIntent{Path: path, Content: content}, i + 1, true
		}
	}
	return FileIntent{}, 0, false
}

// parseExecBlock expects: EXEC / cwd: <rel> / cmd: <line> / END_EXEC.
func parseExecBlock(lines []string, start int) (CommandIntent, int, bool) {
	i := start + 1
	if i >= len(lines) || !strings.HasPrefix(strings.TrimSpace(lines[i]), prefixCwd) {
		return CommandIntent{}, 0, false
	}
	cwd := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[i]), prefixCwd))

	i++
	if i >= len(lines) || !strings.HasPrefix(strings.TrimSpace(lines[i]), prefixCmd) {
		return CommandIntent{}, 0, false
	}
	cmd := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[i]), prefixCmd))
	if cmd == "" {
		return CommandIntent{}, 0, false
	}

	i++
	if i >= len(lines) || strings.TrimSpace(lines[i]) != markerEndExec {
		return CommandIntent{}, 0, false
	}
	if cwd == "" {
		cwd = "."
	}
	return CommandIntent{Cwd: cwd, Command: cmd}, i + 1, true
}

// parseSubtaskBlock expects: SUBTASK / title: / agent: / description: ... /
// END_SUBTASK. The description may continue over multiple lines.
func parseSubtaskBlock(lines []string, start int) (SubtaskIntent, int, bool) {
	i := start + 1
	if i >= len(lines) || !strings.HasPrefix(strings.TrimSpace(lines[i]), prefixTitle) {
		return SubtaskIntent{}, 0, false
	}
	title := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[i]), prefixTitle))
	if title == "" {
		return SubtaskIntent{}, 0, false
	}

	i++
	if i >= len(lines) || !strings.HasPrefix(strings.TrimSpace(lines[i]), prefixAgent) {
		return SubtaskIntent{}, 0, false
	}
	agent := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[i]), prefixAgent))
	if agent == "" {
		agent = "auto"
	}

	i++
	if i >= len(lines) || !strings.HasPrefix(strings.TrimSpace(lines[i]), prefixDescription) {
		return SubtaskIntent{}, 0, false
	}
	descLines := []string{strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[i]), prefixDescription))}

	i++
	for ; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == markerEndSubtask {
			description := strings.TrimSpace(strings.Join(descLines, "\n"))
			return SubtaskIntent{Title: title, Agent: agent, Description: description}, i + 1, true
		}
		descLines = append(descLines, lines[i])
	}
	return SubtaskIntent{}, 0, false
}

func collapseBlankLines(lines []string) string {
	var out []string
	blank := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if blank {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// RenderFile produces the canonical wire form of a file block.
func RenderFile(intent FileIntent) string {
	return fmt.Sprintf("%s\n%s %s\n%s\n%s\n%s", markerFile, prefixPath, intent.Path, markerContent, intent.Content, markerEndFile)
}

// RenderExec produces the canonical wire form of an exec block.
func RenderExec(intent CommandIntent) string {
	return fmt.Sprintf("%s\n%s %s\n%s %s\n%s", markerExec, prefixCwd, intent.Cwd, prefixCmd, intent.Command, markerEndExec)
}

// RenderSubtask produces the canonical wire form of a subtask block.
func RenderSubtask(intent SubtaskIntent) string {
	return fmt.Sprintf("%s\n%s %s\n%s %s\n%s %s\n%s",
		markerSubtask, prefixTitle, intent.Title, prefixAgent, intent.Agent,
		prefixDescription, intent.Description, markerEndSubtask)
}
