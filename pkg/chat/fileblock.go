package chat

import (
	"regexp"
	"strings"
)

// fileBlock is one file-write directive extracted from an LLM reply. The
// framing is a fenced block whose info string is "file:<relative path>".
type fileBlock struct {
	Path    string
	Content string
}

var fileBlockPattern = regexp.MustCompile("(?s)```file:([^\n`]+)\n(.*?)```")

// extractFileBlocks pulls every file-write block out of reply and returns the
// blocks plus the visible text with the framing stripped.
func extractFileBlocks(reply string) ([]fileBlock, string) {
	matches := fileBlockPattern.FindAllStringSubmatch(reply, -1)
	if len(matches) == 0 {
		return nil, reply
	}
	blocks := make([]fileBlock, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, fileBlock{
			Path:    strings.TrimSpace(m[1]),
			Content: m[2],
		})
	}
	visible := fileBlockPattern.ReplaceAllString(reply, "")
	visible = strings.TrimSpace(collapseBlankLines(visible))
	return blocks, visible
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

func collapseBlankLines(s string) string {
	return blankRuns.ReplaceAllString(s, "\n\n")
}
