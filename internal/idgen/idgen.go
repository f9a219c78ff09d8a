// Package idgen generates opaque, type-prefixed identifiers used across the
// durable state store and memory ledger (mem_, ses_, conf_, dl_, obx_, act_).
package idgen

import "github.com/google/uuid"

const (
	PrefixMemory       = "mem_"
	PrefixSession      = "ses_"
	PrefixConfirmation = "conf_"
	PrefixDeadLetter   = "dl_"
	PrefixOutbox       = "obx_"
	PrefixAction       = "act_"
	PrefixTurn         = "turn_"
	PrefixConflict     = "cfl_"
	PrefixBackup       = "bkp_"
)

// New returns a new opaque id with the given type prefix.
func New(prefix string) string {
	return prefix + uuid.NewString()
}
