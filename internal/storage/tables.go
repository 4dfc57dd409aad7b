package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
)

const tableReadyTimeout = 30 * time.Second

// TableAdminAPI is the subset of the DynamoDB client used to bootstrap tables
type TableAdminAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// keySchema names a table's hash key and optional range key
type keySchema struct {
	PartitionKey string
	SortKey      string
}

// serviceLogKeys matches the items written by DynamoHistoryStore
var serviceLogKeys = keySchema{PartitionKey: "AgentID", SortKey: "SortKey"}

func createTableInput(name string, keys keySchema) *dynamodb.CreateTableInput {
	in := &dynamodb.CreateTableInput{
		TableName: aws.String(name),
		KeySchema: []dbtypes.KeySchemaElement{
			{AttributeName: aws.String(keys.PartitionKey), KeyType: dbtypes.KeyTypeHash},
		},
		AttributeDefinitions: []dbtypes.AttributeDefinition{
			{AttributeName: aws.String(keys.PartitionKey), AttributeType: dbtypes.ScalarAttributeTypeS},
		},
		BillingMode: dbtypes.BillingModePayPerRequest,
	}
	if keys.SortKey != "" {
		in.KeySchema = append(in.KeySchema, dbtypes.KeySchemaElement{
			AttributeName: aws.String(keys.SortKey), KeyType: dbtypes.KeyTypeRange,
		})
		in.AttributeDefinitions = append(in.AttributeDefinitions, dbtypes.AttributeDefinition{
			AttributeName: aws.String(keys.SortKey), AttributeType: dbtypes.ScalarAttributeTypeS,
		})
	}
	return in
}

// EnsureServiceLogTable creates the service log table when it is missing
// and waits until it is active. Used against DynamoDB Local.
func EnsureServiceLogTable(ctx context.Context, client TableAdminAPI, table string, logger zerolog.Logger) error {
	describe := &dynamodb.DescribeTableInput{TableName: aws.String(table)}

	out, err := client.DescribeTable(ctx, describe)
	if err == nil {
		if err := checkKeySchema(out.Table, serviceLogKeys); err != nil {
			return fmt.Errorf("table %s: %w", table, err)
		}
		logger.Info().Str("table", table).Msg("service log table already exists")
		return nil
	}

	var missing *dbtypes.ResourceNotFoundException
	if !errors.As(err, &missing) {
		return fmt.Errorf("failed to describe table %s: %w", table, err)
	}

	if _, err := client.CreateTable(ctx, createTableInput(table, serviceLogKeys)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(client, func(o *dynamodb.TableExistsWaiterOptions) {
		o.MinDelay = time.Second
		o.MaxDelay = 5 * time.Second
	})
	if err := waiter.Wait(ctx, describe, tableReadyTimeout); err != nil {
		return fmt.Errorf("table %s not ready: %w", table, err)
	}

	logger.Info().Str("table", table).Msg("service log table created")
	return nil
}

// checkKeySchema rejects an existing table whose keys differ from what the
// history store writes
func checkKeySchema(desc *dbtypes.TableDescription, keys keySchema) error {
	if desc == nil {
		return errors.New("empty table description")
	}

	got := keySchema{}
	for _, k := range desc.KeySchema {
		switch k.KeyType {
		case dbtypes.KeyTypeHash:
			got.PartitionKey = aws.ToString(k.AttributeName)
		case dbtypes.KeyTypeRange:
			got.SortKey = aws.ToString(k.AttributeName)
		}
	}
	if got != keys {
		return fmt.Errorf("unexpected key schema %s/%s, want %s/%s", got.PartitionKey, got.SortKey, keys.PartitionKey, keys.SortKey)
	}
	return nil
}
