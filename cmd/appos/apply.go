package main

import (
	"fmt"
	"os"
	"time"

	"github.com/appos-io/appos/pkg/config"
	"github.com/appos-io/appos/pkg/platform"
	"github.com/appos-io/appos/pkg/types"
)

// applyFile loads every manifest in a YAML file into the platform:
// EventTrigger and ScheduleTrigger manifests populate the trigger registries,
// ConnectedSystem manifests upsert system rows in the store.
func applyFile(p *platform.Platform, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %v", path, err)
	}

	manifests, err := config.ParseManifests(data)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %v", path, err)
	}

	for _, m := range manifests {
		if err := applyManifest(p, m); err != nil {
			return fmt.Errorf("%s: %s %q: %v", path, m.Kind, m.Metadata.Name, err)
		}
		fmt.Printf("✓ Applied %s %s\n", m.Kind, m.Metadata.Name)
	}
	return nil
}

func applyManifest(p *platform.Platform, m config.Manifest) error {
	switch m.Kind {
	case config.KindEventTrigger:
		p.Events().Register(m.Spec.Event, m.Spec.Process, nil)
		return nil

	case config.KindScheduleTrigger:
		return p.Schedules().Register(m.Spec.Process, m.Spec.Cron, m.Spec.TimeZone)

	case config.KindConnectedSystem:
		if _, err := p.Store().GetConnectedSystem(m.Metadata.Name); err == nil {
			return nil
		} else if !types.IsNotFound(err) {
			return err
		}
		now := time.Now().UTC()
		return p.Store().CreateConnectedSystem(&types.ConnectedSystem{
			Name:       m.Metadata.Name,
			SystemType: m.Spec.SystemType,
			BaseURL:    m.Spec.BaseURL,
			AuthConfig: m.Spec.AuthConfig,
			CreatedAt:  now,
			UpdatedAt:  now,
		})

	default:
		return fmt.Errorf("unsupported manifest kind: %s", m.Kind)
	}
}
