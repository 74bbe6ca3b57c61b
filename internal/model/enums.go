package model

type AccountStatus string

const (
	StatusAvailable  AccountStatus = "available"
	StatusInUse      AccountStatus = "in_use"
	StatusRefreshing AccountStatus = "refreshing"
	StatusExpired    AccountStatus = "expired"
	StatusRetired    AccountStatus = "retired"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusInUse, StatusRefreshing, StatusExpired, StatusRetired:
		return true
	}
	return false
}

// Terminal statuses never return to circulation and may be pruned.
func (s AccountStatus) Terminal() bool {
	return s == StatusExpired || s == StatusRetired
}

type PoolHealth string

const (
	HealthHealthy  PoolHealth = "healthy"
	HealthGood     PoolHealth = "good"
	HealthLow      PoolHealth = "low"
	HealthCritical PoolHealth = "critical"
)

// HealthFor grades available supply against the configured pool floor.
func HealthFor(available, minPoolSize int) PoolHealth {
	switch {
	case available >= minPoolSize*2:
		return HealthHealthy
	case available >= minPoolSize:
		return HealthGood
	case available > 0:
		return HealthLow
	default:
		return HealthCritical
	}
}
