package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/txn2/stateflow/pkg/localstore"
)

// noopBackend satisfies the backend write API for demo sessions that
// run without a real backend. Every write succeeds and is logged.
type noopBackend struct{}

func (noopBackend) Create(_ context.Context, resourceType localstore.ResourceType, _ json.RawMessage) error {
	slog.Info("backend create", "resourceType", resourceType)
	return nil
}

func (noopBackend) Update(_ context.Context, resourceType localstore.ResourceType, _ json.RawMessage) error {
	slog.Info("backend update", "resourceType", resourceType)
	return nil
}

func (noopBackend) Delete(_ context.Context, resourceType localstore.ResourceType, _ json.RawMessage) error {
	slog.Info("backend delete", "resourceType", resourceType)
	return nil
}
