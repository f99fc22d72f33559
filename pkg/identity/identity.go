// Package identity resolves the owner key that partitions saved results:
// an authenticated user id when a session is present, otherwise a
// per-browser anonymous id carried in a server-set cookie.
//
// Signing in does not migrate the anonymous partition into the
// authenticated one; the anonymous cache partition is retained, so
// signing out again restores the pre-sign-in history.
package identity

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// AnonymousCookieName carries the anonymous visitor id.
	AnonymousCookieName = "calc_session"

	anonymousPrefix = "anon_"
	cookieMaxAge    = 365 * 24 * 60 * 60
)

// Owner is the resolved partition for a request.
type Owner struct {
	// Key is the partition key: a stable authenticated user id, or
	// "anon_<uuid>" for anonymous visitors.
	Key string
	// Anonymous reports that no authenticated session was found.
	Anonymous bool
	// New reports that the anonymous id was minted for this request and
	// the caller must set the cookie on the outgoing response.
	New bool
}

// SessionReader looks up the authenticated user id for a request. An
// empty id means "not signed in". The session mechanism itself is owned
// by the host application; this package only consumes its answer.
type SessionReader interface {
	UserID(r *http.Request) (string, error)
}

// SessionReaderFunc adapts a function to the SessionReader interface.
type SessionReaderFunc func(r *http.Request) (string, error)

func (f SessionReaderFunc) UserID(r *http.Request) (string, error) { return f(r) }

// TrustedHeaderSessionReader trusts an authenticating reverse proxy to
// stamp the signed-in user id on a request header.
type TrustedHeaderSessionReader struct {
	Header string
}

func (t TrustedHeaderSessionReader) UserID(r *http.Request) (string, error) {
	return r.Header.Get(t.Header), nil
}

type Resolver struct {
	sessions      SessionReader
	secureCookies bool
	logger        *logrus.Entry
	newUUID       func() string
}

// NewResolver returns a resolver that consults sessions first and falls
// back to the anonymous cookie. sessions may be nil when the deployment
// has no authentication at all. secureCookies should be true in
// production so minted cookies only travel over HTTPS.
func NewResolver(sessions SessionReader, secureCookies bool, logger *logrus.Entry) *Resolver {
	return &Resolver{
		sessions:      sessions,
		secureCookies: secureCookies,
		logger:        logger,
		newUUID:       func() string { return uuid.NewString() },
	}
}

// Resolve determines the owner for a request. Authenticated identity
// always takes priority; a session lookup error is logged and treated as
// "not authenticated" so the request degrades to anonymous resolution
// instead of failing.
func (r *Resolver) Resolve(req *http.Request) Owner {
	if r.sessions != nil {
		id, err := r.sessions.UserID(req)
		if err != nil {
			r.logger.WithError(err).Warn("session lookup failed, falling back to anonymous identity")
		} else if id != "" {
			return Owner{Key: id}
		}
	}

	if cookie, err := req.Cookie(AnonymousCookieName); err == nil {
		if parsed, err := uuid.Parse(cookie.Value); err == nil {
			return Owner{Key: anonymousPrefix + parsed.String(), Anonymous: true}
		}
	}

	return Owner{Key: anonymousPrefix + r.newUUID(), Anonymous: true, New: true}
}

// Cookie builds the outgoing cookie that makes a freshly minted anonymous
// identity stable across requests. Callers set it only when owner.New is
// true.
func (r *Resolver) Cookie(owner Owner) *http.Cookie {
	return &http.Cookie{
		Name:     AnonymousCookieName,
		Value:    strings.TrimPrefix(owner.Key, anonymousPrefix),
		Path:     "/",
		MaxAge:   cookieMaxAge,
		HttpOnly: true,
		Secure:   r.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}
