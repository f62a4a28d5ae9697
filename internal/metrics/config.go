package metrics

// Config selects and configures a metrics backend.
type Config struct {
	// Backend is "statsd" or "disabled". Empty means "disabled".
	Backend string `yaml:"backend"`
	Statsd  StatsdConfig `yaml:"statsd"`
	Prefix  string       `yaml:"prefix"`
}

// StatsdConfig configures the statsd backend.
type StatsdConfig struct {
	HostPort string `yaml:"host_port"`
}
