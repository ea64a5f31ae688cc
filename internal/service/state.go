package service

import "github.com/spec-kit/inspect-session/internal/domain"

type refreshEvent int

const (
	evFetch refreshEvent = iota
	evFetched
	evRejected
	evFailed
	evPoll
	evLogin
	evLogout
)

func (e refreshEvent) String() string {
	switch e {
	case evFetch:
		return "fetch"
	case evFetched:
		return "fetched"
	case evRejected:
		return "rejected"
	case evFailed:
		return "failed"
	case evPoll:
		return "poll"
	case evLogin:
		return "login"
	case evLogout:
		return "logout"
	default:
		return "unknown"
	}
}

// transitions lists the permitted moves of the refresh scheduler. Login and
// logout are accepted from every status and handled in next.
var transitions = map[domain.RefreshStatus]map[refreshEvent]domain.RefreshStatus{
	domain.RefreshStatusIdle: {
		evFetch: domain.RefreshStatusFetching,
	},
	domain.RefreshStatusFetching: {
		evFetched:  domain.RefreshStatusReady,
		evRejected: domain.RefreshStatusMissing,
		evFailed:   domain.RefreshStatusError,
	},
	domain.RefreshStatusMissing: {
		evFetch: domain.RefreshStatusFetching,
	},
	domain.RefreshStatusError: {
		evFetch: domain.RefreshStatusFetching,
	},
	domain.RefreshStatusReady: {
		evFetch: domain.RefreshStatusFetching,
		evPoll:  domain.RefreshStatusWatching,
	},
	domain.RefreshStatusWatching: {
		evFetch: domain.RefreshStatusFetching,
		evPoll:  domain.RefreshStatusWatching,
	},
}

// next returns the status reached from s on ev, or false if ev is not
// permitted in s.
func next(s domain.RefreshStatus, ev refreshEvent) (domain.RefreshStatus, bool) {
	switch ev {
	case evLogin:
		return domain.RefreshStatusWatching, true
	case evLogout:
		return domain.RefreshStatusIdle, true
	}
	to, ok := transitions[s][ev]
	return to, ok
}
