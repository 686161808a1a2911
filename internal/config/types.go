package config

// Pool strategies
const (
	StrategyHealthBased      = "health-based"
	StrategyRoundRobin       = "round-robin"
	StrategyLeastConnections = "least-connections"
)

// ValidStrategies lists the accepted pool.strategy values
var ValidStrategies = map[string]bool{
	StrategyHealthBased:      true,
	StrategyRoundRobin:       true,
	StrategyLeastConnections: true,
}

// ValidLevels lists the accepted logging.level values
var ValidLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}
