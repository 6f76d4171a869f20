package eventbus

// DeliveryStrategy determines behaviour when a subscriber's channel is full.
type DeliveryStrategy string

const (
	// StrategyDropOldest removes the oldest event from the channel and enqueues the new one.
	StrategyDropOldest DeliveryStrategy = "drop-oldest"
	// StrategyDropNewest discards the incoming event when the channel is full.
	StrategyDropNewest DeliveryStrategy = "drop-newest"
)

// DeliveryPolicy controls how a topic handles backpressure.
type DeliveryPolicy struct {
	Strategy DeliveryStrategy
}

var defaultPolicy = DeliveryPolicy{Strategy: StrategyDropOldest}

// defaultPolicies maps known topics to their delivery policies. Registration
// topics drive regeneration, so losing the newest event there would silently
// skip a rebuild; informational topics tolerate dropping fresh events instead.
var defaultPolicies = map[Topic]DeliveryPolicy{
	TopicRegistryService:    {Strategy: StrategyDropOldest},
	TopicRegistryDevice:     {Strategy: StrategyDropOldest},
	TopicRegistryThing:      {Strategy: StrategyDropOldest},
	TopicRegistryCapability: {Strategy: StrategyDropOldest},
	TopicGenerationFailed:   {Strategy: StrategyDropNewest},
	TopicUIDispatched:       {Strategy: StrategyDropNewest},
}

// policyFor returns the delivery policy for a topic, falling back to defaultPolicy.
func policyFor(topic Topic, overrides map[Topic]DeliveryPolicy) DeliveryPolicy {
	if overrides != nil {
		if p, ok := overrides[topic]; ok {
			return p
		}
	}
	if p, ok := defaultPolicies[topic]; ok {
		return p
	}
	return defaultPolicy
}
