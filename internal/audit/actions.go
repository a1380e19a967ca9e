package audit

// Audit actions recorded by the command and revocation subsystems.
const (
	ActionCommandEnqueued  = "command_enqueued"
	ActionCommandDelivered = "command_delivered"
	ActionCommandCancelled = "command_cancelled"
	ActionDenyAdded        = "deny_added"
	ActionDenyRemoved      = "deny_removed"
	ActionKeyRotated       = "key_rotated"
	ActionRoutePassIssued  = "route_pass_issued"
	ActionTimeSynced       = "time_synced"
)

// Entity types referenced by audit entries.
const (
	EntityCommand   = "command"
	EntityDenyEntry = "deny_entry"
	EntityRoutePass = "route_pass"
	EntitySigner    = "signer"
)

// Sources of audit entries.
const (
	SourceAPI      = "api"
	SourceListener = "listener"
	SourceSystem   = "system"
)
