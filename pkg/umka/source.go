package umka

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// ScriptSource is a named piece of script text. The text is borrowed for the
// duration of the compile and never modified.
type ScriptSource struct {
	Name string
	Text []byte
}

// Digest identifies the source by name and content.
func (s ScriptSource) Digest() uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(s.Name)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(s.Text)
	return d.Sum64()
}

// ReadScript reads a script file. The source is named by the file's base
// name, which is what the VM reports in diagnostics.
func ReadScript(path string) (ScriptSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ScriptSource{}, fmt.Errorf("read script: %w", err)
	}
	return ScriptSource{Name: filepath.Base(path), Text: data}, nil
}
