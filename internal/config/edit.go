package config

import (
	"fmt"
	"strings"
)

// AddServer appends srv to cfg. An existing server with the same name is
// replaced in place only when overwrite is set.
func AddServer(cfg *Config, srv ServerConfig, overwrite bool) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	srv.Name = strings.TrimSpace(srv.Name)
	if srv.Name == "" {
		return &Error{Field: "name", Msg: "server name cannot be empty"}
	}
	if errs := validateServer(srv.Name, srv); len(errs) > 0 {
		return errs[0]
	}

	for i, existing := range cfg.Servers {
		if existing.Name != srv.Name {
			continue
		}
		if !overwrite {
			return &Error{Field: "servers." + srv.Name, Msg: "server already exists (use --overwrite to replace)"}
		}
		cfg.Servers[i] = srv
		return nil
	}

	cfg.Servers = append(cfg.Servers, srv)
	return nil
}

// RemoveServer deletes the named server, reporting whether it existed.
func RemoveServer(cfg *Config, name string) bool {
	if cfg == nil {
		return false
	}
	for i, srv := range cfg.Servers {
		if srv.Name == name {
			cfg.Servers = append(cfg.Servers[:i], cfg.Servers[i+1:]...)
			return true
		}
	}
	return false
}
