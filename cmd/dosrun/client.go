package main

import (
	"fmt"
	"strings"

	"github.com/loykin/dosrun"
	"github.com/loykin/dosrun/pkg/client"
)

// newClient connects to --api-url, or to the address the config file serves on.
func newClient(flags *GlobalFlags) (*client.Client, error) {
	base := flags.APIUrl
	if base == "" {
		cfg, err := dosrun.LoadConfig(flags.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		base = "http://" + dialAddr(cfg.Server.Listen) + cfg.Server.BasePath
	}
	return client.New(client.Config{BaseURL: base, Timeout: flags.APITimeout}), nil
}

// dialAddr turns a listen address into one a client can connect to.
func dialAddr(listen string) string {
	switch {
	case strings.HasPrefix(listen, ":"):
		return "127.0.0.1" + listen
	case strings.HasPrefix(listen, "0.0.0.0:"):
		return "127.0.0.1" + strings.TrimPrefix(listen, "0.0.0.0")
	}
	return listen
}
