package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNewDefaultConfig_Valid(t *testing.T) {
	config := NewDefaultConfig()

	require.NoError(t, config.Validate())
	assert.Equal(t, 8085, config.Server.Port)
	assert.Equal(t, "python3", config.Worker.Program)
	assert.Equal(t, "1", config.Worker.Env["PYTHONUNBUFFERED"])
	assert.Equal(t, 30*time.Minute, config.WorkerTimeout())
	assert.Equal(t, 5*time.Second, config.KillGrace())
	assert.Equal(t, "Mapa_de_Salas.docx", config.ArtifactDownloadName())
	assert.Equal(t, 10*time.Second, config.WriteTimeout())
}

func TestLoadFromFiles_TOML(t *testing.T) {
	path := writeConfigFile(t, "salas.toml", `
[server]
port = 9090

[worker]
program = "sh"
entry_point = ""
timeout = "45s"

[stream]
encoding = "windows-1252"
stderr_prefix = "ERR "
write_timeout = "3s"
`)

	config, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, config.Server.Port)
	assert.Equal(t, "localhost", config.Server.Host, "unset keys keep defaults")
	assert.Equal(t, "sh", config.Worker.Program)
	assert.Empty(t, config.Worker.EntryPoint)
	assert.Equal(t, 45*time.Second, config.WorkerTimeout())
	assert.Equal(t, "windows-1252", config.Stream.Encoding)
	assert.Equal(t, "ERR ", config.Stream.StderrPrefix)
	assert.Equal(t, 3*time.Second, config.WriteTimeout())
	require.NoError(t, config.Validate())
}

func TestLoadFromFiles_YAMLOverridesTOML(t *testing.T) {
	base := writeConfigFile(t, "base.toml", `
[server]
port = 9090
host = "0.0.0.0"
`)
	override := writeConfigFile(t, "override.yaml", `
server:
  port: 9191
artifact:
  path: out/report.docx
  download_name: report.docx
`)

	config, err := LoadFromFiles(base, override)
	require.NoError(t, err)

	assert.Equal(t, 9191, config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Host)
	assert.Equal(t, "out/report.docx", config.Artifact.Path)
	assert.Equal(t, "report.docx", config.ArtifactDownloadName())
}

func TestLoadFromFiles_MissingFile(t *testing.T) {
	_, err := LoadFromFiles(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestLoadFromFiles_EnvOverrides(t *testing.T) {
	t.Setenv("SALAS_SERVER_PORT", "7070")
	t.Setenv("SALAS_WORKER_PROGRAM", "/usr/bin/python3")
	t.Setenv("SALAS_LOG_OUTPUT", "stdout, file")
	t.Setenv("SALAS_SCHEDULER_SCHEDULE", "0 7 * * *")

	config, err := LoadFromFiles()
	require.NoError(t, err)

	assert.Equal(t, 7070, config.Server.Port)
	assert.Equal(t, "/usr/bin/python3", config.Worker.Program)
	assert.Equal(t, []string{"stdout", "file"}, config.Logging.Output)
	assert.True(t, config.Scheduler.Enabled)
	assert.Equal(t, "0 7 * * *", config.Scheduler.Schedule)
}

func TestApplyFlagOverrides(t *testing.T) {
	config := NewDefaultConfig()

	ApplyFlagOverrides(config, 0, "")
	assert.Equal(t, 8085, config.Server.Port)

	ApplyFlagOverrides(config, 9000, "127.0.0.1")
	assert.Equal(t, 9000, config.Server.Port)
	assert.Equal(t, "127.0.0.1", config.Server.Host)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing program", func(c *Config) { c.Worker.Program = "" }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"bad timeout", func(c *Config) { c.Worker.Timeout = "soon" }},
		{"negative grace", func(c *Config) { c.Worker.KillGrace = "-1s" }},
		{"bad write timeout", func(c *Config) { c.Stream.WriteTimeout = "whenever" }},
		{"unknown encoding", func(c *Config) { c.Stream.Encoding = "klingon" }},
		{"utf-16 encoding", func(c *Config) { c.Stream.Encoding = "utf-16le" }},
		{"tiny line buffer", func(c *Config) { c.Stream.MaxLineBytes = 10 }},
		{"missing artifact", func(c *Config) { c.Artifact.Path = "" }},
		{"frequent schedule", func(c *Config) {
			c.Scheduler.Enabled = true
			c.Scheduler.Schedule = "*/2 * * * *"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewDefaultConfig()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestZeroTimeoutDisablesDeadline(t *testing.T) {
	config := NewDefaultConfig()
	config.Worker.Timeout = "0"

	require.NoError(t, config.Validate())
	assert.Equal(t, time.Duration(0), config.WorkerTimeout())
}

func TestValidateJobSchedule(t *testing.T) {
	assert.NoError(t, ValidateJobSchedule("0 6 * * 1"))
	assert.NoError(t, ValidateJobSchedule("*/15 * * * *"))
	assert.Error(t, ValidateJobSchedule("* * * * *"))
	assert.Error(t, ValidateJobSchedule("*/1 * * * *"))
	assert.Error(t, ValidateJobSchedule("not a cron"))
}

func TestLookupEncoding(t *testing.T) {
	enc, err := LookupEncoding("")
	require.NoError(t, err)
	assert.NotNil(t, enc)

	_, err = LookupEncoding("latin1")
	assert.NoError(t, err)

	_, err = LookupEncoding("utf-16")
	assert.Error(t, err)
}
