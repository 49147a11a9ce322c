// Copyright 2012 Go Free Range Ltd
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the YAML configuration file.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"go.yaml.in/yaml/v4"
)

// Config is the top-level application configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	// Database is the path of the SQLite message index.
	Database string `yaml:"database"`

	// MessageStore is the directory raw messages are stored under.
	MessageStore string `yaml:"message_store"`

	// ExcludedSenders are from-address patterns hidden from the
	// recent listing. A single trailing "*" wildcard is allowed in
	// the local part, e.g. "notify*@example.com".
	ExcludedSenders []string `yaml:"excluded_senders"`

	Accounts []Account `yaml:"accounts"`
}

// Account describes one monitored email account. Exactly one of
// Password and Token is needed: Token takes precedence and switches
// the connection to OAUTHBEARER.
type Account struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`

	// Token is an OAuth2 access token used in place of a password.
	Token string `yaml:"token"`

	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the IMAP server address for the account, defaulting to
// Gmail over implicit TLS.
func (a *Account) Addr() string {
	host := a.Host
	if host == "" {
		host = "imap.gmail.com"
	}
	port := a.Port
	if port == 0 {
		port = 993
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{
		LogLevel: "info",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}
	for i, a := range c.Accounts {
		label := a.Email
		if label == "" {
			return fmt.Errorf("account #%d: email is required", i)
		}
		if a.Password == "" && a.Token == "" {
			return fmt.Errorf("account %s: password or token is required", label)
		}
	}
	return nil
}
