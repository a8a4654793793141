package service

import (
	"context"
	"log/slog"
	"maps"

	"github.com/yndnr/snapkeep-go/internal/core/clusterstate"
	"github.com/yndnr/snapkeep-go/internal/core/domain"
)

// RepositoryService registers and looks up snapshot repositories.
type RepositoryService struct {
	cluster     Cluster
	coordinator *Coordinator
	logger      *slog.Logger
}

// NewRepositoryService creates a RepositoryService sharing the coordinator's
// open repository handles.
func NewRepositoryService(coordinator *Coordinator, logger *slog.Logger) *RepositoryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RepositoryService{
		cluster:     coordinator.cluster,
		coordinator: coordinator,
		logger:      logger,
	}
}

// PutRepositoryRequest registers a repository or changes its settings.
type PutRepositoryRequest struct {
	Name     string
	Type     domain.RepositoryType
	Settings map[string]string
}

// Put registers or updates a repository and writes its registration blob.
// Changing the settings of an existing repository counts as an ownership
// change and restarts its cooldown.
func (s *RepositoryService) Put(ctx context.Context, req *PutRepositoryRequest) (*domain.RepositoryMetadata, error) {
	// 1. Validate request
	if err := requireLeader(s.cluster); err != nil {
		return nil, err
	}
	meta := domain.NewRepositoryMetadata(req.Name, req.Type, maps.Clone(req.Settings))
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	// 2. Replicate the registration
	err := propose(ctx, s.cluster, s.coordinator.proposalTimeout, clusterstate.CmdRepositoryPut,
		clusterstate.RepositoryPutPayload{Repository: meta, NodeID: s.cluster.NodeID()})
	if err != nil {
		return nil, err
	}
	applied, ok := s.cluster.State().Repository(req.Name)
	if !ok {
		return nil, domain.ErrInternalServer.WithDetails("registration of " + req.Name + " was not applied")
	}

	// 3. Write the registration blob through the (re)opened backend
	l, err := s.coordinator.ledgerFor(applied)
	if err != nil {
		return nil, err
	}
	if err := l.WriteRegistration(ctx, applied); err != nil {
		return nil, err
	}

	s.logger.Info("repository registered",
		"repository", applied.Name,
		"type", applied.Type,
		"version", applied.Version)
	s.coordinator.kick()
	return applied, nil
}

// Delete unregisters a repository. Its blobs are left in place.
func (s *RepositoryService) Delete(ctx context.Context, name string) error {
	if err := requireLeader(s.cluster); err != nil {
		return err
	}
	err := propose(ctx, s.cluster, s.coordinator.proposalTimeout, clusterstate.CmdRepositoryDelete,
		clusterstate.RepositoryDeletePayload{Name: name})
	if err != nil {
		return err
	}

	s.coordinator.forgetRepository(name)
	if err := s.coordinator.pool.Evict(name); err != nil {
		s.logger.Warn("failed to close repository backend", "repository", name, "error", err)
	}
	s.logger.Info("repository unregistered", "repository", name)
	return nil
}

// Get returns a registered repository.
func (s *RepositoryService) Get(name string) (*domain.RepositoryMetadata, error) {
	meta, ok := s.cluster.State().Repository(name)
	if !ok {
		return nil, domain.ErrRepositoryNotFound.WithDetails(name)
	}
	return meta, nil
}

// List returns all registered repositories sorted by name.
func (s *RepositoryService) List() []*domain.RepositoryMetadata {
	state := s.cluster.State()
	out := make([]*domain.RepositoryMetadata, 0, len(state.Repositories))
	for _, name := range state.RepositoryNames() {
		meta, _ := state.Repository(name)
		out = append(out, meta)
	}
	return out
}
