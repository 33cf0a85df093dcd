package config

// ToolsConfig toggles sandbox tool families and per-tool approval gating.
type ToolsConfig struct {
	// UseWeb enables the web-search/fetch tool family.
	UseWeb bool `yaml:"use_web"`

	// UseFilesystem enables the filesystem tool family.
	UseFilesystem bool `yaml:"use_filesystem"`

	// ApprovalRequired maps a tool name to whether invoking it requires
	// user approval before execution.
	ApprovalRequired map[string]bool `yaml:"approval_required"`
}
