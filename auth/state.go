package auth

import (
	"net/http"

	"github.com/ggoodman/ucwa-go/channel"
	"github.com/ggoodman/ucwa-go/hal"
)

// MaxErrors is the number of unexpected responses tolerated before the
// bootstrap is reset.
const MaxErrors = 6

// State is a step of the bootstrap sequence. States only increase on
// success.
type State int

const (
	StateStart State = iota
	StateAwaitingAuthorization
	StateExchangingToken
	StateAuthenticated
	StateApplicationCreated
	StateAvailabilitySet
	StateReady
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateAwaitingAuthorization:
		return "awaiting_authorization"
	case StateExchangingToken:
		return "exchanging_token"
	case StateAuthenticated:
		return "authenticated"
	case StateApplicationCreated:
		return "application_created"
	case StateAvailabilitySet:
		return "availability_set"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Session is the mutable part of a bootstrap attempt.
type Session struct {
	State  State
	Errors int
	// Challenge is the token endpoint taken from the last 401.
	Challenge string
}

// Outcome tells the driver what to do after a transition.
type Outcome int

const (
	// Proceed runs the entry action of the (possibly unchanged) state.
	Proceed Outcome = iota
	// Redirect follows the redirect link without changing state.
	Redirect
	// Reset abandons the attempt.
	Reset
)

func (o Outcome) String() string {
	switch o {
	case Proceed:
		return "proceed"
	case Redirect:
		return "redirect"
	case Reset:
		return "reset"
	default:
		return "unknown"
	}
}

// Transition applies one response to s. The redirect href is returned with
// the Redirect outcome.
//
//	redirect link      -> Redirect, state unchanged
//	200/201/204        -> state+1; an applications link jumps to Authenticated
//	401                -> record challenge; Errors+1 while awaiting
//	                      authorization, otherwise state+1
//	400/404            -> Reset
//	transport failure  -> Reset
//	anything else      -> Errors+1, Reset once Errors exceeds MaxErrors
func Transition(s Session, resp *channel.Response) (Session, Outcome, string) {
	if resp == nil || resp.Err != nil {
		return Session{}, Reset, ""
	}
	if resp.Document != nil {
		if href, ok := resp.Document.Link(hal.RelRedirect); ok && href != "" {
			return s, Redirect, href
		}
	}

	s.Challenge = ""
	switch resp.Status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		s.State++
		if resp.Document != nil {
			if _, ok := resp.Document.Link(hal.RelApplications); ok {
				s.State = StateAuthenticated
			}
		}
	case http.StatusUnauthorized:
		s.Challenge = challengeLink(resp)
		if s.State == StateAwaitingAuthorization {
			s.Errors++
		} else {
			s.State++
		}
	case http.StatusBadRequest, http.StatusNotFound:
		return Session{}, Reset, ""
	default:
		s.Errors++
		if s.Errors > MaxErrors {
			return Session{}, Reset, ""
		}
	}
	return s, Proceed, ""
}

func challengeLink(resp *channel.Response) string {
	params, ok := resp.Header.Challenge("WWW-Authenticate", "MsRtcOAuth")
	if !ok {
		return ""
	}
	return params.Get("href")
}
