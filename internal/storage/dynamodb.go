package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/rs/zerolog"
)

// DynamoQueryAPI is the subset of the DynamoDB client used by the history store
type DynamoQueryAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoHistoryStore implements HistoryStore using AWS DynamoDB. Logs are
// keyed by AgentID with a time-ordered SortKey.
type DynamoHistoryStore struct {
	client DynamoQueryAPI
	table  string
	logger zerolog.Logger
}

// NewDynamoHistoryStore wraps an existing client
func NewDynamoHistoryStore(client DynamoQueryAPI, table string, logger zerolog.Logger) *DynamoHistoryStore {
	return &DynamoHistoryStore{
		client: client,
		table:  table,
		logger: logger.With().Str("component", "history_store").Logger(),
	}
}

// NewDynamoClient builds a DynamoDB client for the configured mode
func NewDynamoClient(ctx context.Context, cfg DynamoConfig) (*dynamodb.Client, error) {
	if cfg.Mode == DynamoModeLocal {
		// LoadDefaultConfig probes the EC2 IMDS endpoint, which hangs on EC2
		// instances when static credentials are intended.
		return dynamodb.New(dynamodb.Options{
			Region:       cfg.Region,
			BaseEndpoint: aws.String(cfg.Endpoint),
			Credentials:  credentials.NewStaticCredentialsProvider("local", "local", ""),
		}), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg), nil
}

func (s *DynamoHistoryStore) SaveServiceLog(ctx context.Context, log types.ServiceLog) error {
	if log.SortKey == "" {
		log.SortKey = ServiceLogSortKey(log.CompletedAt, log.TicketID)
	}

	item, err := attributevalue.MarshalMap(log)
	if err != nil {
		return fmt.Errorf("failed to marshal service log: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save service log: %w", err)
	}
	return nil
}

func (s *DynamoHistoryStore) ListServiceLogs(ctx context.Context, agentID string, since time.Time) ([]types.ServiceLog, error) {
	keyCond := expression.Key("AgentID").Equal(expression.Value(agentID)).
		And(expression.Key("SortKey").GreaterThanEqual(expression.Value(since.UTC().Format(sortKeyLayout))))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	var (
		logs    []types.ServiceLog
		lastKey map[string]dbtypes.AttributeValue
	)
	for {
		result, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         lastKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query service logs: %w", err)
		}

		var page []types.ServiceLog
		if err := attributevalue.UnmarshalListOfMaps(result.Items, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal service logs: %w", err)
		}
		logs = append(logs, page...)

		lastKey = result.LastEvaluatedKey
		if len(lastKey) == 0 {
			break
		}
	}
	return logs, nil
}

// NewHistoryStore creates the history store selected by DYNAMO_MODE
func NewHistoryStore(ctx context.Context, cfg DynamoConfig, logger zerolog.Logger) (HistoryStore, error) {
	switch cfg.Mode {
	case DynamoModeLocal, DynamoModeAWS:
		client, err := NewDynamoClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if cfg.Mode == DynamoModeLocal {
			if err := EnsureServiceLogTable(ctx, client, cfg.ServiceLogTable, logger); err != nil {
				return nil, err
			}
		}
		logger.Info().
			Str("mode", string(cfg.Mode)).
			Str("region", cfg.Region).
			Str("table", cfg.ServiceLogTable).
			Msg("DynamoDB history store initialized")
		return NewDynamoHistoryStore(client, cfg.ServiceLogTable, logger), nil
	case DynamoModeNone:
		logger.Info().Msg("service history disabled (DYNAMO_MODE=none)")
		return NewNoopHistoryStore(), nil
	default:
		logger.Info().Msg("using in-memory service history")
		return NewMemoryHistoryStore(), nil
	}
}
