package connector

import "github.com/Konsultn-Engineering/poolguard/guard"

// ConnectionStats combines pool statistics with guard activity.
type ConnectionStats struct {
	OpenConnections int
	InUse           int
	Idle            int
	Guard           guard.Stats
}
