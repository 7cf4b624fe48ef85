package auth

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FormContentType is sent with token requests.
const FormContentType = "application/x-www-form-urlencoded;charset='utf-8'"

// Grant types, in order of preference.
const (
	GrantPassword     = "password"
	GrantAnonMeeting  = "urn:microsoft.rtc:anonmeeting"
	GrantWindows      = "urn:microsoft.rtc:windows"
	conferencePattern = `sip:([^;@]+)@([^;@]+);gruu;opaque=app:conf:focus:id:([a-zA-Z0-9]+).*`
)

var conferenceRe = regexp.MustCompile(conferencePattern)

// Credentials holds what the bootstrap can authenticate with.
type Credentials struct {
	Username      string
	Password      string
	ConferenceURI string
	ConferenceID  string
}

// grant picks a strategy and renders the token request body. Username and
// password win, then an anonymous meeting; once any error has been seen the
// implicit windows grant is used.
func (c Credentials) grant(failures int) (string, string) {
	switch {
	case c.Username != "" && c.Password != "" && failures < 1:
		return GrantPassword, "grant_type=password&username=" + url.QueryEscape(c.Username) +
			"&password=" + url.QueryEscape(c.Password)
	case c.ConferenceURI != "" && c.ConferenceID != "" && failures < 1:
		return GrantAnonMeeting, "grant_type=" + GrantAnonMeeting + "&ms_rtc_conferenceuri=" +
			url.QueryEscape(c.ConferenceURI) + "&password=" + url.QueryEscape(c.ConferenceID)
	default:
		return GrantWindows, "grant_type=" + GrantWindows
	}
}

// ParseConferenceURI extracts the conference id from a URI of the form
// sip:<user>@<domain>;gruu;opaque=app:conf:focus:id:<id>.
func ParseConferenceURI(uri string) (string, bool) {
	m := conferenceRe.FindStringSubmatch(uri)
	if len(m) != 4 {
		return "", false
	}
	return m[3], true
}

// ConferenceURIFromJoinURL converts a meeting join URL such as
// https://meet.contoso.com/john/G03W98W4 into its conference URI.
func ConferenceURIFromJoinURL(joinURL string) (string, error) {
	u, err := url.Parse(joinURL)
	if err != nil {
		return "", fmt.Errorf("join url: %w", err)
	}
	host := u.Hostname()
	dot := strings.IndexByte(host, '.')
	if dot < 0 || dot == len(host)-1 {
		return "", fmt.Errorf("join url %q: host has no domain", joinURL)
	}
	domain := host[dot+1:]

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("join url %q: expected /<user>/<id>", joinURL)
	}
	return "sip:" + parts[0] + "@" + domain + ";gruu;opaque=app:conf:focus:id:" + parts[1], nil
}

// ErrNoExpiry is returned by TokenExpiry for tokens that carry no exp claim.
var ErrNoExpiry = errors.New("auth: token has no expiry")

// TokenExpiry reads the exp claim of a JWT access token without verifying
// it. Tokens that are not JWTs yield an error.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("inspect token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("inspect token: %w", err)
	}
	if exp == nil {
		return time.Time{}, ErrNoExpiry
	}
	return exp.Time, nil
}
