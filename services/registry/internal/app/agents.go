package app

import (
	"context"
	"errors"

	"agentregistry/internal/util"
	"agentregistry/pkg/domain"
	"agentregistry/pkg/store"
)

func (a *App) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	agents, err := a.store.ListAgents(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "list agents", Err: err}
	}
	return agents, nil
}

func (a *App) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	agent, ok, err := a.store.GetAgent(ctx, id)
	if err != nil {
		return domain.Agent{}, &PersistenceError{Op: "get agent", Err: err}
	}
	if !ok {
		return domain.Agent{}, ErrNotFound
	}
	return agent, nil
}

// PatchAgent applies a JSON partial update. Documents cannot be changed this
// way; they go through UpdateAgentDocuments.
func (a *App) PatchAgent(ctx context.Context, id string, patch domain.AgentPatch) (domain.Agent, error) {
	patch.Documents = nil
	trimPatch(&patch)
	if patch.IsEmpty() {
		return domain.Agent{}, &ValidationError{Reason: ReasonEmptyUpdate}
	}
	if err := validateAgentPatch(patch); err != nil {
		return domain.Agent{}, err
	}
	updated, err := a.store.UpdateAgent(ctx, id, patch)
	if err != nil {
		return domain.Agent{}, storeWriteErr("update agent", err)
	}
	util.LoggerFromContext(ctx).Info("agent updated", "agent_id", id)
	return updated, nil
}

// DeleteAgent removes the record. Its blobs are kept.
func (a *App) DeleteAgent(ctx context.Context, id string) error {
	if err := a.store.DeleteAgent(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return &PersistenceError{Op: "delete agent", Err: err}
	}
	util.LoggerFromContext(ctx).Info("agent deleted", "agent_id", id)
	return nil
}

func trimPatch(p *domain.AgentPatch) {
	for _, v := range []*string{p.FirstName, p.LastName, p.Email, p.MobileNumber, p.Gender, p.DateOfBirth} {
		trimInPlace(v)
	}
	if p.Address != nil {
		ad := p.Address
		for _, v := range []*string{ad.Street, ad.WardNumber, ad.Constituency, ad.City, ad.State, ad.PostCode, ad.Country} {
			trimInPlace(v)
		}
	}
}
