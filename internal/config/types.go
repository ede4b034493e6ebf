package config

// Config is the daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Files may be JSON or YAML; unknown fields are rejected so typos fail fast.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Tasks     []TaskConfig    `json:"tasks"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig selects and configures the shared task store.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	Table       string `json:"table,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig tunes the claim loop.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "1s"
//   - processing_timeout: "60s"
//   - timezone: UTC
type SchedulerConfig struct {
	PollInterval      string `json:"poll_interval,omitempty"`
	ProcessingTimeout string `json:"processing_timeout,omitempty"`
	Timezone          string `json:"timezone,omitempty"`
}

// TaskConfig declares one recurring task executed as a shell command.
//
// RenewEvery is the lease-renewal period for long-running commands; 0
// disables background renewal (fine for commands that finish well inside
// the processing timeout).
type TaskConfig struct {
	ID         string `json:"id"`
	Schedule   string `json:"schedule"`
	Command    string `json:"command"`
	Timeout    string `json:"timeout,omitempty"`
	RenewEvery string `json:"renew_every,omitempty"`
}
