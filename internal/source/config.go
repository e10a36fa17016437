// Package source reads analyses out of the legacy isotope database.
//
// The store is read-only. Every lookup returns an AnalysisView, a plain
// value that owns no connection and can be handed to other goroutines.
package source

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
)

// DefaultPort is the MySQL port used when none is configured
const DefaultPort = 3306

// Config holds connection parameters for the source database
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	TLS      bool
	Timeout  time.Duration
}

// Validate checks required connection fields
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("source host is required")
	}
	if c.Database == "" {
		return fmt.Errorf("source database name is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("source port out of range: %d", c.Port)
	}
	return nil
}

func (c *Config) addr() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// DSN returns the driver connection string, credentials included
func (c *Config) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = c.addr()
	cfg.DBName = c.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if c.Timeout > 0 {
		cfg.Timeout = c.Timeout
	}
	if c.TLS {
		cfg.TLSConfig = "true"
	}
	return cfg.FormatDSN()
}

// URL identifies the source without credentials, for logs and commit
// messages
func (c *Config) URL() string {
	return fmt.Sprintf("mysql://%s/%s", c.addr(), c.Database)
}
