package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTableAdmin struct {
	tables      map[string]*dbtypes.TableDescription
	describeErr error
	created     []*dynamodb.CreateTableInput
}

func (f *fakeTableAdmin) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	desc, ok := f.tables[aws.ToString(in.TableName)]
	if !ok {
		return nil, &dbtypes.ResourceNotFoundException{Message: aws.String("table not found")}
	}
	return &dynamodb.DescribeTableOutput{Table: desc}, nil
}

func (f *fakeTableAdmin) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.created = append(f.created, in)
	desc := &dbtypes.TableDescription{
		TableName:   in.TableName,
		KeySchema:   in.KeySchema,
		TableStatus: dbtypes.TableStatusActive,
	}
	f.tables[aws.ToString(in.TableName)] = desc
	return &dynamodb.CreateTableOutput{TableDescription: desc}, nil
}

func keyed(pk, sk string) *dbtypes.TableDescription {
	desc := &dbtypes.TableDescription{
		TableStatus: dbtypes.TableStatusActive,
		KeySchema: []dbtypes.KeySchemaElement{
			{AttributeName: aws.String(pk), KeyType: dbtypes.KeyTypeHash},
		},
	}
	if sk != "" {
		desc.KeySchema = append(desc.KeySchema, dbtypes.KeySchemaElement{AttributeName: aws.String(sk), KeyType: dbtypes.KeyTypeRange})
	}
	return desc
}

func TestEnsureServiceLogTable(t *testing.T) {
	tests := []struct {
		name        string
		existing    *dbtypes.TableDescription
		describeErr error
		wantCreate  bool
		wantErr     bool
	}{
		{name: "missing table is created", wantCreate: true},
		{name: "matching table is kept", existing: keyed("AgentID", "SortKey")},
		{name: "table without sort key", existing: keyed("AgentID", ""), wantErr: true},
		{name: "table keyed by ticket", existing: keyed("TicketID", "SortKey"), wantErr: true},
		{name: "describe fails", describeErr: errors.New("connection refused"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeTableAdmin{tables: map[string]*dbtypes.TableDescription{}, describeErr: tt.describeErr}
			if tt.existing != nil {
				fake.tables["service-logs"] = tt.existing
			}

			err := EnsureServiceLogTable(context.Background(), fake, "service-logs", zerolog.Nop())
			if tt.wantErr {
				assert.Error(t, err)
				assert.Empty(t, fake.created)
				return
			}
			require.NoError(t, err)

			if !tt.wantCreate {
				assert.Empty(t, fake.created)
				return
			}
			require.Len(t, fake.created, 1)
			in := fake.created[0]
			assert.Equal(t, "service-logs", aws.ToString(in.TableName))
			assert.Equal(t, dbtypes.BillingModePayPerRequest, in.BillingMode)
			assert.NoError(t, checkKeySchema(fake.tables["service-logs"], serviceLogKeys))
			assert.Len(t, in.AttributeDefinitions, 2)
		})
	}
}

func TestCreateTableInputWithoutSortKey(t *testing.T) {
	in := createTableInput("agents", keySchema{PartitionKey: "AgentID"})

	require.Len(t, in.KeySchema, 1)
	assert.Equal(t, dbtypes.KeyTypeHash, in.KeySchema[0].KeyType)
	assert.Len(t, in.AttributeDefinitions, 1)
}
