/*
 * Copyright 2019 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package conf

import (
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/CovenantSQL/litepool/utils/log"
)

const (
	// DefaultReadConnections is the reader connection count of a database when not configured.
	DefaultReadConnections = 4
	// DefaultStatementCacheSize is the per-connection prepared statement cache size.
	DefaultStatementCacheSize = 32
	// DefaultJournalSizeLimit is 1.5x the default checkpoint size.
	DefaultJournalSizeLimit = 6291456
	// DefaultSynchronous is the synchronous pragma applied to every connection.
	DefaultSynchronous = "NORMAL"
	// DefaultBusyTimeout is the sqlite busy timeout of every connection.
	DefaultBusyTimeout = 5 * time.Second
	// DefaultListenAddr is the listen address of litepoold.
	DefaultListenAddr = "127.0.0.1:4661"
)

var (
	// ErrMissingDatabaseName indicates a database entry without a name.
	ErrMissingDatabaseName = errors.New("missing database name")
	// ErrDuplicateDatabaseName indicates two database entries share a name.
	ErrDuplicateDatabaseName = errors.New("duplicate database name")
	// ErrInvalidReadConnections indicates a negative reader count.
	ErrInvalidReadConnections = errors.New("invalid read connection count")
)

// Database holds the settings of one pooled database.
type Database struct {
	// Name is the connection name used to route engine callbacks.
	Name string `yaml:"Name"`
	// Location is the directory of the database file, empty for the working directory.
	Location string `yaml:"Location"`
	// ReadConnections is the number of concurrent readers. It defaults to
	// DefaultReadConnections when absent from the yaml; 0 disables concurrent reads and read
	// locks share the writer.
	ReadConnections int `yaml:"ReadConnections"`
	// StatementCacheSize is the prepared statement cache size per connection, -1 disables it.
	StatementCacheSize int `yaml:"StatementCacheSize"`
	// JournalSizeLimit sets PRAGMA journal_size_limit on the writer.
	JournalSizeLimit int64 `yaml:"JournalSizeLimit"`
	// Synchronous sets PRAGMA synchronous on every connection.
	Synchronous string `yaml:"Synchronous"`
	// BusyTimeout sets the sqlite busy timeout.
	BusyTimeout time.Duration `yaml:"BusyTimeout"`
	// DSNParams are extra sqlite driver parameters such as "_foreign_keys=on&_cache_size=-4000".
	// Journal mode, synchronous and busy timeout are always taken from the fields above.
	DSNParams string `yaml:"DSNParams"`
	// DefaultLockTimeout applies to lock requests without an explicit timeout, 0 waits forever.
	DefaultLockTimeout time.Duration `yaml:"DefaultLockTimeout"`
}

// Config holds all the config read from yaml config file.
type Config struct {
	LogLevel    string     `yaml:"LogLevel"`
	ListenAddr  string     `yaml:"ListenAddr"`
	MetricsPath string     `yaml:"MetricsPath"`
	Databases   []Database `yaml:"Databases"`
}

// NewDatabase returns a database config with defaults applied.
func NewDatabase(name, location string) *Database {
	d := &Database{Name: name, Location: location, ReadConnections: DefaultReadConnections}
	d.SetDefaults()
	return d
}

// UnmarshalYAML applies the reader default before decoding so an explicit 0 is kept.
func (d *Database) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain Database
	p := plain{ReadConnections: DefaultReadConnections}
	if err := unmarshal(&p); err != nil {
		return err
	}
	*d = Database(p)
	return nil
}

// SetDefaults fills every unset field with its default value. ReadConnections is left as is,
// 0 being a valid reader count.
func (d *Database) SetDefaults() {
	if d.StatementCacheSize == 0 {
		d.StatementCacheSize = DefaultStatementCacheSize
	}
	if d.JournalSizeLimit == 0 {
		d.JournalSizeLimit = DefaultJournalSizeLimit
	}
	if d.Synchronous == "" {
		d.Synchronous = DefaultSynchronous
	}
	if d.BusyTimeout == 0 {
		d.BusyTimeout = DefaultBusyTimeout
	}
}

// Validate checks the database config.
func (d *Database) Validate() error {
	if d.Name == "" {
		return ErrMissingDatabaseName
	}
	if d.ReadConnections < 0 {
		return errors.Wrapf(ErrInvalidReadConnections, "database %s: %d", d.Name, d.ReadConnections)
	}
	return nil
}

// Database returns the config of the named database.
func (c *Config) Database(name string) (d *Database, ok bool) {
	for i := range c.Databases {
		if c.Databases[i].Name == name {
			return &c.Databases[i], true
		}
	}
	return
}

// LoadConfig loads config from configPath.
func LoadConfig(configPath string) (config *Config, err error) {
	var configBytes []byte
	if configBytes, err = ioutil.ReadFile(configPath); err != nil {
		log.WithError(err).Error("read config file failed")
		return
	}
	config = &Config{}
	if err = yaml.Unmarshal(configBytes, config); err != nil {
		log.WithError(err).Error("unmarshal config file failed")
		return
	}
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultListenAddr
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	var names = make(map[string]struct{}, len(config.Databases))
	for i := range config.Databases {
		d := &config.Databases[i]
		d.SetDefaults()
		if err = d.Validate(); err != nil {
			return
		}
		if _, ok := names[d.Name]; ok {
			err = errors.Wrap(ErrDuplicateDatabaseName, d.Name)
			return
		}
		names[d.Name] = struct{}{}
	}
	return
}
