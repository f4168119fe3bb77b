package config

import "time"

// AttendanceConfig holds the operator-set parameters of the attendance core.
//
//   - token TTL: longer widens the replay window, shorter causes more client clock-skew failures.
//   - refresh cadence: shorter tightens the anti-screenshot guarantee at the cost of more registry writes.
type AttendanceConfig interface {
	GetTokenTTL() time.Duration
	GetRefreshCadence() time.Duration
	GetClockSkew() time.Duration
	GetPresentGrace() time.Duration
	GetSessionRetention() time.Duration
	GetOperationTimeout() time.Duration
	GetTokenSecret() string
}

type Attendance struct{}

var _ AttendanceConfig = Attendance{}

func (Attendance) GetTokenTTL() time.Duration {
	return GetEnvDuration("TOKEN_TTL", 30*time.Second)
}

func (Attendance) GetRefreshCadence() time.Duration {
	return GetEnvDuration("REFRESH_CADENCE", 15*time.Second)
}

func (Attendance) GetClockSkew() time.Duration {
	return GetEnvDuration("CLOCK_SKEW", 0)
}

func (Attendance) GetPresentGrace() time.Duration {
	return GetEnvDuration("PRESENT_GRACE", 15*time.Minute)
}

func (Attendance) GetSessionRetention() time.Duration {
	return GetEnvDuration("SESSION_RETENTION", 30*24*time.Hour)
}

func (Attendance) GetOperationTimeout() time.Duration {
	return GetEnvDuration("OP_TIMEOUT", 3*time.Second)
}

// GetTokenSecret returns the master secret attendance tokens are derived from.
// An empty value makes the server generate an ephemeral secret at startup.
func (Attendance) GetTokenSecret() string {
	return GetEnv("TOKEN_SECRET", "")
}
