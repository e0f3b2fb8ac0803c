package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sicko7947/ensemble-go"
)

// DynamoDBStore implements ensemble.Store using AWS DynamoDB
type DynamoDBStore struct {
	client    DynamoDBClient
	tableName string
}

// NewDynamoDBStore creates a new DynamoDB-backed ensemble store
func NewDynamoDBStore(client DynamoDBClient, tableName string) ensemble.Store {
	return &DynamoDBStore{
		client:    client,
		tableName: tableName,
	}
}

// Ensemble run operations

func (s *DynamoDBStore) CreateRun(ctx context.Context, run *ensemble.EnsembleRun) error {
	item, err := s.runItem(run)
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to create ensemble run: %w", err)
	}

	return nil
}

// runItem marshals a run and attaches the table and GSI keys
func (s *DynamoDBStore) runItem(run *ensemble.EnsembleRun) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(run)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ensemble run: %w", err)
	}

	item[AttrPK] = &types.AttributeValueMemberS{Value: ensembleRunPK(run.RunID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: ensembleRunSK()}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeEnsembleRun}

	// GSI keys carry the status, so status changes rewrite them
	if run.EnsembleID != "" {
		item[AttrGSI1PK] = &types.AttributeValueMemberS{
			Value: ensembleRunGSI1PK(run.EnsembleID, string(run.Status)),
		}
		item[AttrGSI1SK] = &types.AttributeValueMemberS{
			Value: ensembleRunGSI1SK(run.CreatedAt.Format(time.RFC3339)),
		}
	}

	if run.ResourceID != "" {
		item[AttrGSI2PK] = &types.AttributeValueMemberS{
			Value: ensembleRunGSI2PK(run.ResourceID, string(run.Status)),
		}
		item[AttrGSI2SK] = &types.AttributeValueMemberS{
			Value: ensembleRunGSI2SK(run.CreatedAt.Format(time.RFC3339)),
		}
	}

	return item, nil
}

func (s *DynamoDBStore) GetRun(ctx context.Context, runID string) (*ensemble.EnsembleRun, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: ensembleRunPK(runID)},
			AttrSK: &types.AttributeValueMemberS{Value: ensembleRunSK()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get ensemble run: %w", err)
	}

	if result.Item == nil {
		return nil, fmt.Errorf("ensemble run %s not found", runID)
	}

	var run ensemble.EnsembleRun
	if err := attributevalue.UnmarshalMap(result.Item, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ensemble run: %w", err)
	}

	return &run, nil
}

func (s *DynamoDBStore) UpdateRun(ctx context.Context, run *ensemble.EnsembleRun) error {
	run.UpdatedAt = time.Now()

	item, err := s.runItem(run)
	if err != nil {
		return err
	}

	// Use transaction for atomic update
	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName: aws.String(s.tableName),
					Item:      item,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to update ensemble run: %w", err)
	}

	return nil
}

func (s *DynamoDBStore) UpdateRunStatus(ctx context.Context, runID string, status ensemble.RunStatus, runErr *ensemble.EnsembleError) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	run.Status = status
	run.Error = runErr
	run.UpdatedAt = time.Now()

	if status.IsTerminal() {
		now := time.Now()
		run.CompletedAt = &now
	}

	return s.UpdateRun(ctx, run)
}

func (s *DynamoDBStore) ListRuns(ctx context.Context, filter ensemble.RunFilter) ([]*ensemble.EnsembleRun, error) {
	if filter.Status == nil {
		return nil, fmt.Errorf("listing runs requires a status filter")
	}

	queryInput := &dynamodb.QueryInput{
		TableName: aws.String(s.tableName),
	}

	switch {
	case filter.EnsembleID != "":
		queryInput.IndexName = aws.String(IndexStatusIndex)
		queryInput.KeyConditionExpression = aws.String("GSI1PK = :pk")
		queryInput.ExpressionAttributeValues = map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: ensembleRunGSI1PK(filter.EnsembleID, string(*filter.Status))},
		}
	case filter.ResourceID != "":
		queryInput.IndexName = aws.String(IndexResourceIndex)
		queryInput.KeyConditionExpression = aws.String("GSI2PK = :pk")
		queryInput.ExpressionAttributeValues = map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: ensembleRunGSI2PK(filter.ResourceID, string(*filter.Status))},
		}
	default:
		return nil, fmt.Errorf("listing runs requires an ensemble ID or resource ID filter")
	}

	if filter.Limit > 0 {
		queryInput.Limit = aws.Int32(int32(filter.Limit))
	}
	if filter.LastKey != nil {
		startKey, err := attributevalue.MarshalMap(filter.LastKey)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pagination key: %w", err)
		}
		queryInput.ExclusiveStartKey = startKey
	}

	result, err := s.client.Query(ctx, queryInput)
	if err != nil {
		return nil, fmt.Errorf("failed to list ensemble runs: %w", err)
	}

	runs := make([]*ensemble.EnsembleRun, 0, len(result.Items))
	for _, item := range result.Items {
		var run ensemble.EnsembleRun
		if err := attributevalue.UnmarshalMap(item, &run); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ensemble run: %w", err)
		}
		runs = append(runs, &run)
	}

	return runs, nil
}

// Step execution operations

func (s *DynamoDBStore) CreateStepExecution(ctx context.Context, exec *ensemble.StepExecution) error {
	exec.UpdatedAt = time.Now()

	item, err := attributevalue.MarshalMap(exec)
	if err != nil {
		return fmt.Errorf("failed to marshal step execution: %w", err)
	}

	item[AttrPK] = &types.AttributeValueMemberS{Value: stepExecutionPK(exec.RunID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: stepExecutionSK(exec.StepID)}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeStepExecution}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to create step execution: %w", err)
	}

	return nil
}

func (s *DynamoDBStore) GetStepExecution(ctx context.Context, runID, stepID string) (*ensemble.StepExecution, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: stepExecutionPK(runID)},
			AttrSK: &types.AttributeValueMemberS{Value: stepExecutionSK(stepID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get step execution: %w", err)
	}

	if result.Item == nil {
		return nil, fmt.Errorf("step execution %s/%s not found", runID, stepID)
	}

	var exec ensemble.StepExecution
	if err := attributevalue.UnmarshalMap(result.Item, &exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step execution: %w", err)
	}

	return &exec, nil
}

func (s *DynamoDBStore) UpdateStepExecution(ctx context.Context, exec *ensemble.StepExecution) error {
	exec.UpdatedAt = time.Now()

	item, err := attributevalue.MarshalMap(exec)
	if err != nil {
		return fmt.Errorf("failed to marshal step execution: %w", err)
	}

	item[AttrPK] = &types.AttributeValueMemberS{Value: stepExecutionPK(exec.RunID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: stepExecutionSK(exec.StepID)}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeStepExecution}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to update step execution: %w", err)
	}

	return nil
}

func (s *DynamoDBStore) ListStepExecutions(ctx context.Context, runID string) ([]*ensemble.StepExecution, error) {
	var executions []*ensemble.StepExecution
	var lastEvaluatedKey map[string]types.AttributeValue

	// Paginate through all results
	for {
		queryInput := &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: stepExecutionPK(runID)},
				":sk": &types.AttributeValueMemberS{Value: stepPrefix()},
			},
		}

		if lastEvaluatedKey != nil {
			queryInput.ExclusiveStartKey = lastEvaluatedKey
		}

		result, err := s.client.Query(ctx, queryInput)
		if err != nil {
			return nil, fmt.Errorf("failed to list step executions: %w", err)
		}

		for _, item := range result.Items {
			var exec ensemble.StepExecution
			if err := attributevalue.UnmarshalMap(item, &exec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal step execution: %w", err)
			}
			executions = append(executions, &exec)
		}

		if result.LastEvaluatedKey == nil {
			break
		}
		lastEvaluatedKey = result.LastEvaluatedKey
	}

	return executions, nil
}

// Step output operations

func (s *DynamoDBStore) SaveStepOutput(ctx context.Context, runID, stepID string, output []byte) error {
	item := map[string]types.AttributeValue{
		AttrPK:         &types.AttributeValueMemberS{Value: stepOutputPK(runID)},
		AttrSK:         &types.AttributeValueMemberS{Value: stepOutputSK(stepID)},
		AttrEntityType: &types.AttributeValueMemberS{Value: EntityTypeStepOutput},
		"output":       &types.AttributeValueMemberB{Value: output},
		"updated_at":   &types.AttributeValueMemberS{Value: time.Now().Format(time.RFC3339)},
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save step output: %w", err)
	}

	return nil
}

func (s *DynamoDBStore) LoadStepOutput(ctx context.Context, runID, stepID string) ([]byte, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: stepOutputPK(runID)},
			AttrSK: &types.AttributeValueMemberS{Value: stepOutputSK(stepID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load step output: %w", err)
	}

	if result.Item == nil {
		return nil, fmt.Errorf("step output %s/%s not found", runID, stepID)
	}

	outputAttr, ok := result.Item["output"]
	if !ok {
		return nil, fmt.Errorf("step output %s/%s has no output field", runID, stepID)
	}

	outputBytes, ok := outputAttr.(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("step output %s/%s output field is not binary", runID, stepID)
	}

	return outputBytes.Value, nil
}

// State operations

func (s *DynamoDBStore) SaveState(ctx context.Context, runID, key string, value []byte) error {
	item := map[string]types.AttributeValue{
		AttrPK:         &types.AttributeValueMemberS{Value: statePK(runID)},
		AttrSK:         &types.AttributeValueMemberS{Value: stateSK(key)},
		AttrEntityType: &types.AttributeValueMemberS{Value: EntityTypeState},
		"value":        &types.AttributeValueMemberB{Value: value},
		"updated_at":   &types.AttributeValueMemberS{Value: time.Now().Format(time.RFC3339)},
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	return nil
}

func (s *DynamoDBStore) LoadState(ctx context.Context, runID, key string) ([]byte, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: statePK(runID)},
			AttrSK: &types.AttributeValueMemberS{Value: stateSK(key)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	if result.Item == nil {
		return nil, fmt.Errorf("state key %s not found", key)
	}

	valueAttr, ok := result.Item["value"]
	if !ok {
		return nil, fmt.Errorf("state key %s has no value field", key)
	}

	valueBytes, ok := valueAttr.(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("state key %s value field is not binary", key)
	}

	return valueBytes.Value, nil
}

func (s *DynamoDBStore) DeleteState(ctx context.Context, runID, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: statePK(runID)},
			AttrSK: &types.AttributeValueMemberS{Value: stateSK(key)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}

	return nil
}

func (s *DynamoDBStore) GetAllState(ctx context.Context, runID string) (map[string][]byte, error) {
	stateData := make(map[string][]byte)
	var lastEvaluatedKey map[string]types.AttributeValue

	// Paginate through all results
	for {
		queryInput := &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: statePK(runID)},
				":sk": &types.AttributeValueMemberS{Value: statePrefix()},
			},
		}

		if lastEvaluatedKey != nil {
			queryInput.ExclusiveStartKey = lastEvaluatedKey
		}

		result, err := s.client.Query(ctx, queryInput)
		if err != nil {
			return nil, fmt.Errorf("failed to get all state: %w", err)
		}

		for _, item := range result.Items {
			skAttr, ok := item[AttrSK]
			if !ok {
				continue
			}

			sk := skAttr.(*types.AttributeValueMemberS).Value
			key := sk[len(statePrefix()):] // Remove STATE# prefix

			valueAttr, ok := item["value"]
			if !ok {
				continue
			}

			valueBytes := valueAttr.(*types.AttributeValueMemberB).Value
			stateData[key] = valueBytes
		}

		if result.LastEvaluatedKey == nil {
			break
		}
		lastEvaluatedKey = result.LastEvaluatedKey
	}

	return stateData, nil
}

// Score history operations

func (s *DynamoDBStore) SaveScoreRecord(ctx context.Context, runID string, seq int, rec *ensemble.ScoreRecord) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal score record: %w", err)
	}

	item[AttrPK] = &types.AttributeValueMemberS{Value: scoreRecordPK(runID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: scoreRecordSK(seq)}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeScoreRecord}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save score record: %w", err)
	}

	return nil
}

func (s *DynamoDBStore) ListScoreRecords(ctx context.Context, runID string) ([]*ensemble.ScoreRecord, error) {
	type seqRecord struct {
		sk  string
		rec *ensemble.ScoreRecord
	}
	var records []seqRecord
	var lastEvaluatedKey map[string]types.AttributeValue

	for {
		queryInput := &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: scoreRecordPK(runID)},
				":sk": &types.AttributeValueMemberS{Value: scorePrefix()},
			},
		}

		if lastEvaluatedKey != nil {
			queryInput.ExclusiveStartKey = lastEvaluatedKey
		}

		result, err := s.client.Query(ctx, queryInput)
		if err != nil {
			return nil, fmt.Errorf("failed to list score records: %w", err)
		}

		for _, item := range result.Items {
			var rec ensemble.ScoreRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal score record: %w", err)
			}
			sk := ""
			if skAttr, ok := item[AttrSK].(*types.AttributeValueMemberS); ok {
				sk = skAttr.Value
			}
			records = append(records, seqRecord{sk: sk, rec: &rec})
		}

		if result.LastEvaluatedKey == nil {
			break
		}
		lastEvaluatedKey = result.LastEvaluatedKey
	}

	// Zero-padded sort keys give evaluation order
	sort.Slice(records, func(i, j int) bool { return records[i].sk < records[j].sk })

	out := make([]*ensemble.ScoreRecord, 0, len(records))
	for _, r := range records {
		out = append(out, r.rec)
	}
	return out, nil
}

// Query operations

func (s *DynamoDBStore) CountRunsByStatus(ctx context.Context, resourceID string, status ensemble.RunStatus) (int, error) {
	// Query GSI2 with resourceID and status
	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(IndexResourceIndex),
		KeyConditionExpression: aws.String("GSI2PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: ensembleRunGSI2PK(resourceID, string(status))},
		},
		Select: types.SelectCount,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}

	return int(result.Count), nil
}
