package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/prepflowlabs/prepflow-cloud/internal/config"
	"github.com/prepflowlabs/prepflow-cloud/internal/cryptoutils"
	"github.com/prepflowlabs/prepflow-cloud/pkg/snowflake"
)

// Service owns webhook configuration and fan-out. Credentials are encrypted
// before they touch the database and masked on every read path.
type Service struct {
	repo          *Repository
	node          *snowflake.Node
	logger        *zap.Logger
	secretKey     string
	knownEntities []string
}

func NewService(repo *Repository, node *snowflake.Node, cfg *config.Config, logger *zap.Logger) *Service {
	return &Service{
		repo:          repo,
		node:          node,
		logger:        logger.Named("webhook.service"),
		secretKey:     cfg.SecretEncryptionKey,
		knownEntities: cfg.KnownEntityTypes,
	}
}

func (s *Service) Create(ctx context.Context, tenantID string, in Input) (*Webhook, error) {
	if err := in.Validate(s.knownEntities); err != nil {
		return nil, err
	}

	hook := &Webhook{
		ID:               s.node.GenerateID(),
		TenantID:         tenantID,
		Name:             in.Name,
		URL:              in.URL,
		Status:           StatusActive,
		EventTypeFilters: StringList(in.EventTypeFilters),
		EntityFilters:    StringList(in.EntityFilters),
		RetryCount:       in.retryCount(),
		RetryDelayMs:     in.retryDelayMs(),
		TimeoutMs:        in.timeoutMs(),
		CustomHeaders:    in.CustomHeaders,
	}

	if err := s.sealCredentials(hook, in.Secret, in.APIKey); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, hook); err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}

	s.logger.Info("webhook_created",
		zap.Int64("webhook_id", hook.ID),
		zap.String("tenant_id", tenantID),
		zap.String("url", hook.URL))

	masked := hook.Masked()
	return &masked, nil
}

func (s *Service) Update(ctx context.Context, tenantID string, id int64, in Input) (*Webhook, error) {
	if err := in.Validate(s.knownEntities); err != nil {
		return nil, err
	}

	hook, err := s.repo.FindByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	hook.Name = in.Name
	hook.URL = in.URL
	hook.EventTypeFilters = StringList(in.EventTypeFilters)
	hook.EntityFilters = StringList(in.EntityFilters)
	hook.RetryCount = in.retryCount()
	hook.RetryDelayMs = in.retryDelayMs()
	hook.TimeoutMs = in.timeoutMs()
	hook.CustomHeaders = in.CustomHeaders

	// Empty credential fields keep the stored values.
	if err := s.sealCredentials(hook, in.Secret, in.APIKey); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, hook); err != nil {
		return nil, fmt.Errorf("update webhook: %w", err)
	}

	s.logger.Info("webhook_updated",
		zap.Int64("webhook_id", hook.ID),
		zap.String("tenant_id", tenantID))

	masked := hook.Masked()
	return &masked, nil
}

func (s *Service) Get(ctx context.Context, tenantID string, id int64) (*Webhook, error) {
	hook, err := s.repo.FindByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	masked := hook.Masked()
	return &masked, nil
}

func (s *Service) List(ctx context.Context, tenantID string, status Status, entityType string) ([]Webhook, error) {
	hooks, err := s.repo.List(ctx, tenantID, status, entityType)
	if err != nil {
		return nil, err
	}
	masked := make([]Webhook, 0, len(hooks))
	for i := range hooks {
		masked = append(masked, hooks[i].Masked())
	}
	return masked, nil
}

func (s *Service) Delete(ctx context.Context, tenantID string, id int64) error {
	if err := s.repo.SoftDelete(ctx, tenantID, id); err != nil {
		return err
	}
	s.logger.Info("webhook_deleted",
		zap.Int64("webhook_id", id),
		zap.String("tenant_id", tenantID))
	return nil
}

func (s *Service) Activate(ctx context.Context, tenantID string, id int64) (*Webhook, error) {
	if err := s.repo.Activate(ctx, tenantID, id); err != nil {
		return nil, err
	}
	s.logger.Info("webhook_activated",
		zap.Int64("webhook_id", id),
		zap.String("tenant_id", tenantID))
	return s.Get(ctx, tenantID, id)
}

func (s *Service) ListDeliveries(ctx context.Context, tenantID string, webhookID int64, limit int) ([]DeliveryLog, error) {
	if _, err := s.repo.FindByID(ctx, tenantID, webhookID); err != nil {
		return nil, err
	}
	return s.repo.ListDeliveries(ctx, tenantID, webhookID, limit)
}

// Enqueue fans an entity change out to every matching webhook by writing a
// pending delivery log per match. The dispatcher picks them up from there.
func (s *Service) Enqueue(ctx context.Context, tenantID string, eventType EventType, entityType, entityID string, data json.RawMessage) (int, error) {
	hooks, err := s.repo.ListActive(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("list active webhooks: %w", err)
	}

	payload := BuildPayload(eventType, entityType, entityID, data, tenantID)
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	logs := make([]DeliveryLog, 0, len(hooks))
	for i := range hooks {
		if !hooks[i].Matches(eventType, entityType) {
			continue
		}
		logs = append(logs, DeliveryLog{
			ID:        s.node.GenerateID(),
			TenantID:  tenantID,
			WebhookID: hooks[i].ID,
			EventType: eventType,
			Status:    DeliveryPending,
			Payload:   raw,
		})
	}
	if err := s.repo.CreateDeliveries(ctx, logs); err != nil {
		return 0, fmt.Errorf("enqueue deliveries: %w", err)
	}

	if len(logs) > 0 {
		s.logger.Info("webhook_fanout",
			zap.String("tenant_id", tenantID),
			zap.String("event_type", string(eventType)),
			zap.String("entity_type", entityType),
			zap.Int("deliveries", len(logs)))
	}
	return len(logs), nil
}

func (s *Service) sealCredentials(hook *Webhook, secret, apiKey string) error {
	if secret != "" && secret != MaskedSecret {
		sealed, err := cryptoutils.Encrypt(secret, s.secretKey)
		if err != nil {
			return fmt.Errorf("encrypt secret: %w", err)
		}
		hook.Secret = sealed
	}
	if apiKey != "" && apiKey != MaskedSecret {
		sealed, err := cryptoutils.Encrypt(apiKey, s.secretKey)
		if err != nil {
			return fmt.Errorf("encrypt api key: %w", err)
		}
		hook.APIKey = sealed
	}
	return nil
}
