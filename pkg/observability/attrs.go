package observability

import "go.opentelemetry.io/otel/attribute"

// Semantic convention attributes for spans and metrics.
var (
	AttrVault     = attribute.Key("spendguard.vault")
	AttrPolicy    = attribute.Key("spendguard.policy")
	AttrRecipient = attribute.Key("spendguard.recipient")
	AttrCaller    = attribute.Key("spendguard.caller")
	AttrAmount    = attribute.Key("spendguard.amount")
	AttrSequence  = attribute.Key("spendguard.sequence")

	AttrAllowed    = attribute.Key("spendguard.allowed")
	AttrReasonCode = attribute.Key("spendguard.reason_code")
	AttrReason     = attribute.Key("spendguard.reason")

	AttrOperation = attribute.Key("spendguard.operation")
)
