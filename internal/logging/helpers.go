package logging

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// ConfigInfo logs to the config category
func ConfigInfo(format string, args ...interface{}) {
	Get(CategoryConfig).Info(format, args...)
}

// ConfigWarn logs warning to the config category
func ConfigWarn(format string, args ...interface{}) {
	Get(CategoryConfig).Warn(format, args...)
}

// Ledger logs to the ledger category
func Ledger(format string, args ...interface{}) {
	Get(CategoryLedger).Info(format, args...)
}

// LedgerDebug logs debug to the ledger category
func LedgerDebug(format string, args ...interface{}) {
	Get(CategoryLedger).Debug(format, args...)
}

// LedgerWarn logs warning to the ledger category
func LedgerWarn(format string, args ...interface{}) {
	Get(CategoryLedger).Warn(format, args...)
}

// Space logs to the space category
func Space(format string, args ...interface{}) {
	Get(CategorySpace).Info(format, args...)
}

// SpaceDebug logs debug to the space category
func SpaceDebug(format string, args ...interface{}) {
	Get(CategorySpace).Debug(format, args...)
}

// SpaceWarn logs warning to the space category
func SpaceWarn(format string, args ...interface{}) {
	Get(CategorySpace).Warn(format, args...)
}

// SpaceError logs error to the space category
func SpaceError(format string, args ...interface{}) {
	Get(CategorySpace).Error(format, args...)
}

// StagesDebug logs debug to the stages category
func StagesDebug(format string, args ...interface{}) {
	Get(CategoryStages).Debug(format, args...)
}

// StagesError logs error to the stages category
func StagesError(format string, args ...interface{}) {
	Get(CategoryStages).Error(format, args...)
}

// DeriveDebug logs debug to the derive category
func DeriveDebug(format string, args ...interface{}) {
	Get(CategoryDerive).Debug(format, args...)
}

// DeriveError logs error to the derive category
func DeriveError(format string, args ...interface{}) {
	Get(CategoryDerive).Error(format, args...)
}

// Context logs to the context category
func Context(format string, args ...interface{}) {
	Get(CategoryContext).Info(format, args...)
}

// ContextDebug logs debug to the context category
func ContextDebug(format string, args ...interface{}) {
	Get(CategoryContext).Debug(format, args...)
}

// ContextWarn logs warning to the context category
func ContextWarn(format string, args ...interface{}) {
	Get(CategoryContext).Warn(format, args...)
}

// JournalDebug logs debug to the journal category
func JournalDebug(format string, args ...interface{}) {
	Get(CategoryJournal).Debug(format, args...)
}

// JournalError logs error to the journal category
func JournalError(format string, args ...interface{}) {
	Get(CategoryJournal).Error(format, args...)
}

// BusDebug logs debug to the bus category
func BusDebug(format string, args ...interface{}) {
	Get(CategoryBus).Debug(format, args...)
}

// BusWarn logs warning to the bus category
func BusWarn(format string, args ...interface{}) {
	Get(CategoryBus).Warn(format, args...)
}
