package events

// Topic constants for price change events emitted by the override ledger.
const (
	TopicOverrideSet     = "tariff.override.set"
	TopicOverrideCleared = "tariff.override.cleared"
	TopicBulkAdjusted    = "tariff.bulk_adjusted"
)

// DefaultTopics returns the canonical list of topics recorded in price history.
func DefaultTopics() []string {
	return []string{
		TopicOverrideSet,
		TopicOverrideCleared,
		TopicBulkAdjusted,
	}
}
