package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	v1 "github.com/omnicalc/saved-results/pkg/apis/results/v1"
	"github.com/omnicalc/saved-results/pkg/db"
)

type options struct {
	schedule        string
	retention       time.Duration
	retentionString string
	ownerCap        int

	db db.Options
}

func gatherOptions() options {
	o := options{}
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	fs.StringVar(&o.schedule, "schedule", "@every 30m", "Cron schedule for the cleaning pass")
	fs.StringVar(&o.retentionString, "retention", "", "How long saved results are kept; empty disables retention pruning")
	fs.IntVar(&o.ownerCap, "owner-cap", v1.MaxSavedResults, "Maximum rows kept per owner; the oldest beyond it are pruned")

	o.db.Bind(fs)

	if err := fs.Parse(os.Args[1:]); err != nil {
		logrus.WithError(err).Fatal("couldn't parse arguments")
	}
	return o
}

func (o *options) validate() error {
	if _, err := cron.ParseStandard(o.schedule); err != nil {
		return fmt.Errorf("couldn't parse schedule: %w", err)
	}
	if o.retentionString != "" {
		var err error
		o.retention, err = time.ParseDuration(o.retentionString)
		if err != nil {
			return fmt.Errorf("couldn't parse duration: %w", err)
		}
	}
	if o.ownerCap <= 0 {
		return fmt.Errorf("--owner-cap must be positive")
	}
	return o.db.Validate()
}

type controller struct {
	ctx       context.Context
	store     db.SavedResultsStore
	retention time.Duration
	ownerCap  int
	logger    *logrus.Entry
}

func (c *controller) clean() error {
	var errs []error

	if c.retention > 0 {
		pruned, err := c.store.PruneExpired(c.ctx, c.retention)
		if err != nil {
			errs = append(errs, fmt.Errorf("couldn't prune expired saved results: %w", err))
		} else if pruned > 0 {
			c.logger.WithField("pruned", pruned).Info("Expired saved results deleted...")
		}
	}

	pruned, err := c.store.PruneOverCap(c.ctx, c.ownerCap)
	if err != nil {
		errs = append(errs, fmt.Errorf("couldn't prune over-cap saved results: %w", err))
	} else if pruned > 0 {
		c.logger.WithField("pruned", pruned).Info("Over-cap saved results deleted...")
	}

	return errors.Join(errs...)
}

func main() {
	logger := logrus.WithField("component", "janitor")
	o := gatherOptions()
	if err := o.validate(); err != nil {
		logger.WithError(err).Fatal("validation error")
	}

	store, err := o.db.NewSavedResultsStore()
	if err != nil {
		logger.WithError(err).Fatal("couldn't initialize the saved results store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := controller{
		ctx:       ctx,
		store:     store,
		retention: o.retention,
		ownerCap:  o.ownerCap,
		logger:    logger,
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(o.schedule, func() {
		start := time.Now()
		if err := c.clean(); err != nil {
			logger.WithError(err).Error("Errors occurred while cleaning the saved results")
		}
		logger.Infof("Sync time: %v", time.Since(start))
	}); err != nil {
		logger.WithError(err).Fatal("couldn't schedule the cleaning pass")
	}
	scheduler.Start()
	logger.WithField("schedule", o.schedule).Info("Starting janitor")

	sigTerm := make(chan os.Signal, 1)
	signal.Notify(sigTerm, syscall.SIGTERM, syscall.SIGINT)
	<-sigTerm

	logger.Info("Stopping janitor")
	<-scheduler.Stop().Done()
}
