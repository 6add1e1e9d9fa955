package controller

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
)

// NewReadline builds the production line editor with history in
// historyFile and completion of commands, flags, paths and device names.
func NewReadline(historyFile string, deviceNames func() []string) (*readline.Instance, error) {
	devices := readline.PcItemDynamic(func(string) []string {
		if deviceNames == nil {
			return nil
		}
		return deviceNames()
	})
	paths := readline.PcItemDynamic(completePath)
	completer := readline.NewPrefixCompleter(
		readline.PcItem("add",
			readline.PcItem("--file", paths),
			readline.PcItem("--folder", paths),
			readline.PcItem("--device", devices),
		),
		readline.PcItem("list-devices"),
		readline.PcItem("reorder"),
		readline.PcItem("dequeue"),
		readline.PcItem("clear"),
		readline.PcItem("status"),
		readline.PcItem("messages"),
		readline.PcItem("set_thread_count"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
	return readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     historyFile,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
}

// completePath offers entries of the directory named by the last word.
func completePath(line string) []string {
	fields := strings.Fields(line)
	word := ""
	if len(fields) > 0 && !strings.HasSuffix(line, " ") {
		word = fields[len(fields)-1]
	}
	dir := filepath.Dir(word)
	if strings.HasSuffix(word, string(filepath.Separator)) {
		dir = word
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := filepath.Join(dir, e.Name())
		if dir == "." && !strings.HasPrefix(word, ".") {
			name = e.Name()
		}
		if e.IsDir() {
			name += string(filepath.Separator)
		}
		out = append(out, name)
	}
	return out
}
