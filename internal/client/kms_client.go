package client

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"

	"security-core/internal/config"
	"security-core/internal/util"
)

// KMSKeySource draws per-user signing key material from AWS KMS. The key
// manager falls back to the local CSPRNG when a request fails, so KMS
// outages degrade rather than break key issuance.
type KMSKeySource struct {
	client *kms.Client
	keyID  string
	logger *zap.Logger
}

func NewKMSKeySource(cfg *config.Config, logger *zap.Logger) (*KMSKeySource, error) {
	kmsConfig := cfg.KMS

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(kmsConfig.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	util.Info("KMS key source initialized",
		zap.String("region", kmsConfig.Region),
		zap.String("key_id", kmsConfig.KeyID),
	)

	return &KMSKeySource{
		client: kms.NewFromConfig(awsCfg),
		keyID:  kmsConfig.KeyID,
		logger: logger,
	}, nil
}

// GenerateKeyMaterial asks KMS for length bytes of key material. The
// plaintext is used directly as an ephemeral in-memory secret; the
// encrypted copy is discarded because secrets are never persisted.
func (s *KMSKeySource) GenerateKeyMaterial(ctx context.Context, length int) ([]byte, error) {
	input := &kms.GenerateDataKeyInput{
		KeyId:         aws.String(s.keyID),
		NumberOfBytes: aws.Int32(int32(length)),
	}

	result, err := s.client.GenerateDataKey(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return result.Plaintext, nil
}
