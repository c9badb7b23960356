package remote

import (
	"strings"

	"github.com/shaiso/batchflow/internal/engine"
)

const defaultShebang = "#!/bin/bash"

// RenderScript собирает job script: заголовок исполнителя (ресурсный запрос)
// и запуск команды внутри рабочей директории.
func RenderScript(header string, hc engine.HeaderContext, command string) (string, error) {
	rendered, err := engine.RenderHeader(header, hc)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	rendered = strings.TrimRight(rendered, "\n")
	if !strings.HasPrefix(rendered, "#!") {
		b.WriteString(defaultShebang)
		b.WriteString("\n")
	}
	if rendered != "" {
		b.WriteString(rendered)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString("cd " + Quote(hc.WorkDir) + " || exit 1\n")
	b.WriteString(command)
	b.WriteString("\n")

	return b.String(), nil
}

// Quote экранирует строку для POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
