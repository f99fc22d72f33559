package db

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Options struct {
	dbPort     int
	dbUsername string
	dbPassword string
	dbHost     string
	dbName     string
	dbLogLevel int
}

func (o *Options) Bind(fs *flag.FlagSet) {
	fs.IntVar(&o.dbPort, "db-port", 5432, "Database port number")
	fs.StringVar(&o.dbUsername, "db-username", "", "Database username")
	fs.StringVar(&o.dbPassword, "db-password", "", "Database password (falls back to DB_PASSWORD)")
	fs.StringVar(&o.dbHost, "db-host", "", "Database host")
	fs.StringVar(&o.dbName, "db-name", "", "Database name")
	fs.IntVar(&o.dbLogLevel, "db-log-level", 1, "Database log level")
}

// Enabled reports whether any database flag was provided at all. A fully
// absent configuration is a supported mode: the apiserver then runs
// local-cache-only with a NotConfigured store.
func (o *Options) Enabled() bool {
	return o.dbHost != "" || o.dbName != "" || o.dbUsername != ""
}

func (o *Options) Validate() error {
	var errs []error
	if o.dbUsername == "" {
		errs = append(errs, fmt.Errorf("--db-username is not specified"))
	}
	if o.password() == "" {
		errs = append(errs, fmt.Errorf("--db-password or DB_PASSWORD is not specified"))
	}
	if o.dbHost == "" {
		errs = append(errs, fmt.Errorf("--db-host is not specified"))
	}
	if o.dbName == "" {
		errs = append(errs, fmt.Errorf("--db-name is not specified"))
	}
	return errors.Join(errs...)
}

func (o *Options) password() string {
	if o.dbPassword != "" {
		return o.dbPassword
	}
	return os.Getenv("DB_PASSWORD")
}

func (o *Options) connect() (*gorm.DB, error) {
	url := fmt.Sprintf("host=%s port=%v user=%s dbname=%s password=%s sslmode=disable",
		o.dbHost,
		o.dbPort,
		o.dbUsername,
		o.dbName,
		o.password())

	db, err := gorm.Open(postgres.Open(url), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logger.LogLevel(o.dbLogLevel)),
	})
	if err != nil {
		return nil, err
	}
	return db.Session(&gorm.Session{
		QueryFields: true,
	}), nil
}

func (o *Options) NewSavedResultsStore() (SavedResultsStore, error) {
	db, err := o.connect()
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize database: %w", err)
	}
	if err = db.AutoMigrate(&SavedResult{}); err != nil {
		return nil, err
	}
	return NewStore(db), nil
}
