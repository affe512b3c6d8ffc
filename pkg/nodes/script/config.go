package script

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	defaultTimeout  = 5 * time.Second
	defaultPoolSize = 4
)

// Config holds the script executor configuration decoded from a node's
// config block.
type Config struct {
	// Source is the JavaScript source evaluated for each execution.
	Source string `json:"source"`

	// Timeout bounds a single evaluation. Accepts Go duration strings
	// such as "250ms" or "5s".
	Timeout time.Duration `json:"-"`

	// PoolSize caps how many idle runtimes are kept for reuse.
	PoolSize int `json:"poolSize,omitempty"`
}

// UnmarshalJSON parses the timeout from its string form.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		Timeout string `json:"timeout,omitempty"`
		*Alias
	}{Alias: (*Alias)(c)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if aux.Timeout != "" {
		d, err := time.ParseDuration(aux.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", aux.Timeout, err)
		}
		c.Timeout = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
}

func (c *Config) validate() error {
	if c.Source == "" {
		return fmt.Errorf("script source cannot be empty")
	}
	return nil
}
