package store

import (
	"context"
	"errors"
	"fmt"
)

// Exercise runs the behavior every backend must share against s. It returns
// the first violation found. Backend tests call it after EnsureSchema.
func Exercise(ctx context.Context, s Store) error {
	got, err := s.LoadDesiredState(ctx, "unknown/node")
	if err != nil {
		return fmt.Errorf("load unknown: %w", err)
	}
	if got.Active || got.Key != "unknown/node" {
		return fmt.Errorf("unknown key: got %+v", got)
	}
	for _, active := range []bool{true, false, true} {
		if err := s.SaveDesiredState(ctx, "h1/node", active); err != nil {
			return fmt.Errorf("save %v: %w", active, err)
		}
		got, err := s.LoadDesiredState(ctx, "h1/node")
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}
		if got.Active != active {
			return fmt.Errorf("round trip: saved %v, loaded %v", active, got.Active)
		}
		if got.UpdatedAt.IsZero() {
			return errors.New("updated_at not set")
		}
	}
	if err := s.SaveDesiredState(ctx, "controller/hub", false); err != nil {
		return err
	}
	list, err := s.ListDesiredStates(ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if len(list) != 2 || list[0].Key != "controller/hub" || list[1].Key != "h1/node" || !list[1].Active {
		return fmt.Errorf("list: got %+v", list)
	}
	if _, err := s.LoadSetting(ctx, SettingVersion); !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("missing setting: want ErrNotFound, got %v", err)
	}
	for _, v := range []string{"4.20.0", "4.21.0"} {
		if err := s.SaveSetting(ctx, SettingVersion, v); err != nil {
			return err
		}
		got, err := s.LoadSetting(ctx, SettingVersion)
		if err != nil {
			return err
		}
		if got != v {
			return fmt.Errorf("setting: saved %q, loaded %q", v, got)
		}
	}
	return nil
}
