package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/provisioner/pkg/credentials"
	"github.com/cuemby/provisioner/pkg/events"
	"github.com/cuemby/provisioner/pkg/log"
	"github.com/cuemby/provisioner/pkg/metrics"
	"github.com/cuemby/provisioner/pkg/security"
	"github.com/cuemby/provisioner/pkg/storage"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/rs/zerolog"
)

const kindSecret = "secret"

// CredentialValidity is the lifetime of credentials handed out when a
// secret is fetched
const CredentialValidity = 96 * time.Hour

var secretIdentity = fieldSet[types.Secret]("Token", "WorkerType", "Secrets", "Scopes")

// secretRecord is the stored form of a secret. The payload is sealed
// with the token as additional data so rows cannot be swapped.
type secretRecord struct {
	Token      string    `json:"token"`
	WorkerType string    `json:"workerType"`
	Sealed     string    `json:"secrets"`
	Scopes     []string  `json:"scopes"`
	Expiration time.Time `json:"expiration"`
}

// Secrets holds one-time bootstrap payloads keyed by token
type Secrets struct {
	store  storage.Store
	sealer *security.SecretsManager
	issuer credentials.Issuer
	events events.Publisher
	codec  codec[types.Secret]
	logger zerolog.Logger
}

// NewSecrets creates a secret registry. Payloads are sealed with sealer
// before they reach the store.
func NewSecrets(store storage.Store, sealer *security.SecretsManager, issuer credentials.Issuer, publisher events.Publisher) *Secrets {
	return &Secrets{
		store:  store,
		sealer: sealer,
		issuer: issuer,
		events: publisher,
		codec:  sealedSecretCodec(sealer),
		logger: log.WithComponent("registry").With().Str("kind", kindSecret).Logger(),
	}
}

func sealedSecretCodec(sealer *security.SecretsManager) codec[types.Secret] {
	return codec[types.Secret]{
		encode: func(row string, s *types.Secret) ([]byte, error) {
			sealed, err := sealer.SealJSON(row, s.Secrets)
			if err != nil {
				return nil, err
			}
			return json.Marshal(&secretRecord{
				Token:      s.Token,
				WorkerType: s.WorkerType,
				Sealed:     sealed,
				Scopes:     s.Scopes,
				Expiration: s.Expiration,
			})
		},
		decode: func(row string, data []byte) (*types.Secret, error) {
			var rec secretRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return nil, err
			}
			s := &types.Secret{
				Token:      rec.Token,
				WorkerType: rec.WorkerType,
				Scopes:     rec.Scopes,
				Expiration: rec.Expiration,
			}
			if err := sealer.OpenJSON(row, rec.Sealed, &s.Secrets); err != nil {
				return nil, err
			}
			return s, nil
		},
	}
}

// Create stores a secret under its token. Replaying a create with the
// same token, worker type, payload and scopes succeeds; anything else
// under the same token is a conflict. Expiration is not compared.
func (r *Secrets) Create(ctx context.Context, secret *types.Secret) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if secret.Token == "" {
		return errors.New("secret token is required")
	}

	_, created, err := createIdempotent(r.store, r.codec, PartitionSecrets, secret.Token, secret, secretIdentity)
	if errors.Is(err, ErrConflict) {
		metrics.CreateConflictsTotal.WithLabelValues(kindSecret).Inc()
		return fmt.Errorf("secret: %w", ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create secret: %w", err)
	}
	if !created {
		metrics.IdempotentReplaysTotal.WithLabelValues(kindSecret).Inc()
		return nil
	}

	r.logger.Debug().
		Str("worker_type", secret.WorkerType).
		Time("expiration", secret.Expiration).
		Msg("Secret created")
	return nil
}

// Fetch returns the secret payload together with fresh temporary
// credentials for its scopes. The secret stays stored until it is
// deleted or expires.
func (r *Secrets) Fetch(ctx context.Context, token string) (*types.SecretResponse, error) {
	secret, err := r.load(ctx, token)
	if err != nil {
		return nil, err
	}

	creds, err := r.issuer.Issue(ctx, secret.Scopes, CredentialValidity)
	if err != nil {
		return nil, fmt.Errorf("failed to issue credentials: %w", err)
	}
	metrics.CredentialsIssuedTotal.Inc()

	r.logger.Info().Str("worker_type", secret.WorkerType).Msg("Secret fetched")
	return &types.SecretResponse{
		Data:        secret.Secrets,
		Scopes:      secret.Scopes,
		Credentials: creds,
	}, nil
}

// Delete removes a secret. Missing tokens are not an error.
func (r *Secrets) Delete(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := r.store.Delete(PartitionSecrets, token); err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return nil
}

// InstanceStarted records that an instance holding token has booted
func (r *Secrets) InstanceStarted(ctx context.Context, instanceID, token string) error {
	secret, err := r.load(ctx, token)
	if errors.Is(err, ErrNotFound) {
		r.logger.Warn().Str("instance_id", instanceID).Msg("Instance reported start with unknown token")
		return err
	}
	if err != nil {
		r.logger.Error().Err(err).Str("instance_id", instanceID).Msg("Failed to load secret for started instance")
		return err
	}

	metrics.InstancesStartedTotal.Inc()
	r.logger.Info().Str("worker_type", secret.WorkerType).Str("instance_id", instanceID).Msg("Instance started")
	r.events.Publish(&events.Event{
		Type:    events.EventInstanceStarted,
		Message: fmt.Sprintf("instance %s of %s started", instanceID, secret.WorkerType),
		Metadata: map[string]string{
			"instanceId": instanceID,
			"workerType": secret.WorkerType,
		},
	})
	return nil
}

// RemoveExpired deletes every secret whose expiration is before now and
// returns how many were removed
func (r *Secrets) RemoveExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	type expired struct{ token, workerType string }
	var candidates []expired
	err := r.store.Scan(PartitionSecrets, func(token string, value []byte) error {
		var rec secretRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			r.logger.Warn().Err(err).Msg("Skipping undecodable secret")
			return nil
		}
		if rec.Expiration.Before(now) {
			candidates = append(candidates, expired{token: token, workerType: rec.WorkerType})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan secrets: %w", err)
	}

	removed := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		existed, err := r.store.Delete(PartitionSecrets, c.token)
		if err != nil {
			return removed, fmt.Errorf("failed to delete expired secret: %w", err)
		}
		if !existed {
			continue
		}
		removed++
		r.events.Publish(&events.Event{
			Type:     events.EventSecretExpired,
			Message:  fmt.Sprintf("secret for %s expired", c.workerType),
			Metadata: map[string]string{"workerType": c.workerType},
		})
	}

	if removed > 0 {
		metrics.SecretsExpiredTotal.Add(float64(removed))
		r.logger.Info().Int("count", removed).Msg("Removed expired secrets")
	}
	return removed, nil
}

// Count returns the number of stored secrets
func (r *Secrets) Count(ctx context.Context) (int, error) {
	rows, err := listRows(ctx, r.store, PartitionSecrets)
	return len(rows), err
}

func (r *Secrets) load(ctx context.Context, token string) (*types.Secret, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	secret, err := load(r.store, r.codec, PartitionSecrets, token)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("secret: %w", ErrNotFound)
	}
	return secret, err
}
