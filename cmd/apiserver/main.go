package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/omnicalc/saved-results/pkg/cache"
	"github.com/omnicalc/saved-results/pkg/db"
	"github.com/omnicalc/saved-results/pkg/identity"
	"github.com/omnicalc/saved-results/pkg/syncer"
)

type options struct {
	port                int
	production          bool
	allowAnonymousSaves bool
	trustedUserHeader   string
	allowedOrigins      string

	db    db.Options
	cache cache.Options
}

func gatherOptions() options {
	o := options{}
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	fs.IntVar(&o.port, "port", 8080, "Port number where the server will listen to")
	fs.BoolVar(&o.production, "production", false, "Mark minted anonymous cookies Secure (HTTPS only)")
	fs.BoolVar(&o.allowAnonymousSaves, "allow-anonymous-saves", true, "Allow saving results without a signed-in session")
	fs.StringVar(&o.trustedUserHeader, "trusted-user-header", "", "Request header the authenticating proxy stamps with the signed-in user id; empty disables authenticated identity")
	fs.StringVar(&o.allowedOrigins, "allowed-origins", "", "Comma-separated extra hosts allowed to issue mutating requests")

	o.db.Bind(fs)
	o.cache.Bind(fs)

	fs.Parse(os.Args[1:])
	return o
}

func main() {
	logger := logrus.WithField("component", "apiserver")
	o := gatherOptions()

	var store db.SavedResultsStore
	if o.db.Enabled() {
		if err := o.db.Validate(); err != nil {
			logger.WithError(err).Fatal("invalid database configuration")
		}
		var err error
		store, err = o.db.NewSavedResultsStore()
		if err != nil {
			logger.WithError(err).Fatal("couldn't initialize the saved results store")
		}
	} else {
		logger.Warn("no database configured, running local-cache-only")
		store = db.NotConfigured()
	}

	localCache, err := o.cache.New()
	if err != nil {
		logger.WithError(err).Fatal("couldn't initialize the local cache")
	}

	var sessions identity.SessionReader
	if o.trustedUserHeader != "" {
		sessions = identity.TrustedHeaderSessionReader{Header: o.trustedUserHeader}
	}
	resolver := identity.NewResolver(sessions, o.production, logger)

	sync := syncer.New(localCache, store, logger)

	s, err := newServer(logger, resolver, sync,
		NewSameOriginChecker(strings.Split(o.allowedOrigins, ",")),
		o.db.Enabled(), o.allowAnonymousSaves)
	if err != nil {
		logger.WithError(err).Fatal("couldn't construct the server")
	}

	srv := &http.Server{Addr: fmt.Sprintf(":%d", o.port), Handler: s.routes()}

	go func() {
		logger.Infof("Listening on %d port", o.port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	sigTerm := make(chan os.Signal, 1)
	signal.Notify(sigTerm, syscall.SIGTERM, syscall.SIGINT)
	<-sigTerm

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("couldn't shut down cleanly")
	}
	// Drain fire-and-forget propagation so queued writes aren't dropped.
	sync.Flush()
}
