package config

// SchedulerConfig controls the sleep-time scheduler's trigger and timing.
type SchedulerConfig struct {
	// SleepAgentMessageTrigger enqueues a curation task after every N user
	// turns. A value <= 0 disables the scheduler entirely.
	SleepAgentMessageTrigger int `yaml:"sleep_agent_message_trigger"`

	// MinSleepInterval and MaxSleepInterval bound the idle poll backoff, in
	// seconds.
	MinSleepInterval float64 `yaml:"min_sleep_interval"`
	MaxSleepInterval float64 `yaml:"max_sleep_interval"`

	// PauseDelayAfterMain is how long, in seconds, the scheduler stays
	// paused after the foreground loop goes idle.
	PauseDelayAfterMain float64 `yaml:"pause_delay_after_main"`

	// MaxConcurrentTasks bounds the concurrent-scheduler variant's worker
	// pool. Zero means the sequential scheduler.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`
}
