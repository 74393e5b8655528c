package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slice/allocation-engine/allocation"
)

// setRole looks up username and changes its role. Admin tokens are only
// issued to users holding allocation.RoleAdmin.
func setRole(ctx context.Context, store allocation.EntityStore, username, role string, logger *slog.Logger) error {
	if !allocation.ValidRole(role) {
		return fmt.Errorf("invalid role %q (want %s or %s)", role, allocation.RoleUser, allocation.RoleAdmin)
	}

	user, err := store.GetUserByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil {
		return &allocation.NotFoundError{Kind: "user", ID: username}
	}
	if err := store.SetUserRole(ctx, user.ID, role); err != nil {
		return err
	}

	logger.Info("user role changed",
		slog.String("user_id", string(user.ID)),
		slog.String("username", username),
		slog.String("from", user.RoleOrDefault()),
		slog.String("to", role),
	)
	return nil
}
