package worker

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultKillGrace is the wait between the polite and the forced kill
const DefaultKillGrace = 5 * time.Second

// Command describes one worker launch. Env is passed to the process as is:
// the supervisor never adds the server's own environment.
type Command struct {
	Program    string        // executable or interpreter, looked up in PATH when it has no separator
	EntryPoint string        // script run by Program; must exist before spawn (optional)
	Args       []string      // arguments after Program, entry point included
	Env        []string      // complete environment, KEY=VALUE
	Dir        string        // working directory
	Timeout    time.Duration // zero disables the deadline
	KillGrace  time.Duration // zero selects DefaultKillGrace
}

// Argv returns the command line for logs and job records
func (c Command) Argv() []string {
	return append([]string{c.Program}, c.Args...)
}

func (c Command) killGrace() time.Duration {
	if c.KillGrace <= 0 {
		return DefaultKillGrace
	}
	return c.KillGrace
}

// entryPointPath resolves EntryPoint against Dir
func (c Command) entryPointPath() string {
	if c.Dir != "" && !filepath.IsAbs(c.EntryPoint) {
		return filepath.Join(c.Dir, c.EntryPoint)
	}
	return c.EntryPoint
}

// BuildEnv assembles a worker environment. When inherit is set the server
// environment is the base; extra entries override it. The result is sorted
// so it is stable in logs.
func BuildEnv(inherit bool, extra map[string]string) []string {
	values := make(map[string]string)
	if inherit {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				values[k] = v
			}
		}
	}
	for k, v := range extra {
		values[k] = v
	}

	env := make([]string, 0, len(values))
	for k, v := range values {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}
