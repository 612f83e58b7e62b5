package kv

// Settings keys. Provider credentials are stored under KeyAPIKeyPrefix+provider.
const (
	KeyAPIKeyPrefix       = "api_key:"
	KeyProvider           = "llm_provider"
	KeyAssistantName      = "assistant_name"
	KeyUserName           = "user_name"
	KeyCronJobs           = "cron_jobs"
	KeyCronLeader         = "cron_leader"
	KeyInstalledTools     = "installed_tools"
	KeyToolSchemaCache    = "tool_schema_cache"
	KeySchemaPins         = "mcp_schema_pins"
	KeyMCPBOM             = "mcp_bom"
	KeyCostHistory        = "cost_history"
	KeyUsageStats         = "usage_stats"
	KeyChatHistory        = "chat_history"
	KeyPanelGeometry      = "panel_geometry"
	KeyOnboardingComplete = "onboarding_complete"
	KeyDailyCap           = "daily_cap_usd"
	KeyAuditRetention     = "audit_retention_days"
	KeyPIIScrubEnabled    = "pii_scrub_enabled"
	KeyComposioAPIKey     = "composio_api_key"
	KeyLocalMCPPorts      = "local_mcp_ports"
	KeyLudicrousEnabled   = "ludicrous_enabled"
	KeyPanelOpen          = "panel_open"
)
