package domain

// RefreshStatus describes where the refresh scheduler currently is.
type RefreshStatus string

const (
	RefreshStatusIdle     RefreshStatus = "IDLE"
	RefreshStatusFetching RefreshStatus = "FETCHING"
	RefreshStatusMissing  RefreshStatus = "MISSING"
	RefreshStatusReady    RefreshStatus = "READY"
	RefreshStatusError    RefreshStatus = "ERROR"
	RefreshStatusWatching RefreshStatus = "WATCHING"
)

func (s RefreshStatus) String() string {
	return string(s)
}

// Credentials are submitted on login.
type Credentials struct {
	Email    string
	Password string
}
