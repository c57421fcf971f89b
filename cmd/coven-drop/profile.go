// ABOUTME: TOML agent profile loading for the coven-drop CLI
// ABOUTME: Resolves agent identity from profile file, flags, and fallbacks

package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/2389/coven-drop/internal/transport"
)

// Profile is the on-disk TOML agent profile:
//
//	[agent]
//	id = "builder-1"
//	name = "Builder"
//	role = "worker"
type Profile struct {
	Agent AgentProfile `toml:"agent"`
}

// AgentProfile holds the identity fields of a profile.
type AgentProfile struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
	Role string `toml:"role"`
}

func loadProfile(path string) (*Profile, error) {
	var p Profile
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return nil, fmt.Errorf("loading profile %s: %w", path, err)
	}
	return &p, nil
}

// resolveIdentity merges profile file values with flag overrides. With no
// profile and no --id, a throwaway identity is generated so one-shot commands
// (send, agents, feed) work without setup.
func resolveIdentity(profilePath, id, name, role string) (transport.Identity, error) {
	var ident transport.Identity

	if profilePath != "" {
		p, err := loadProfile(profilePath)
		if err != nil {
			return ident, err
		}
		ident.AgentID = p.Agent.ID
		ident.Name = p.Agent.Name
		ident.Role = p.Agent.Role
	}

	if id != "" {
		ident.AgentID = id
	}
	if name != "" {
		ident.Name = name
	}
	if role != "" {
		ident.Role = role
	}

	if ident.AgentID == "" {
		hostname, _ := os.Hostname()
		ident.AgentID = fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
	}
	return ident, nil
}
