package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Shivanand-hulikatti/race-registration/internal/model"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var seedCmd = &cobra.Command{
	Use:   "seed <events.yaml>",
	Short: "Load event documents from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())
		return seedEvents(cmd.Context(), a, args[0])
	},
}

type eventFile struct {
	Events []model.Event `yaml:"events"`
}

func loadEvents(path string) ([]model.Event, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var f eventFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Events) == 0 {
		return nil, fmt.Errorf("%s contains no events", path)
	}
	return f.Events, nil
}

func seedEvents(ctx context.Context, a *app, path string) error {
	events, err := loadEvents(path)
	if err != nil {
		return err
	}
	for i := range events {
		ev := &events[i]
		if err := a.eventSvc.SaveEvent(ctx, a.eventWriter, ev); err != nil {
			return fmt.Errorf("seed event %q: %w", ev.ID, err)
		}
		log.Info().Str("event_id", ev.ID).Int("categories", len(ev.Categories)).Msg("event seeded")
	}
	return nil
}
