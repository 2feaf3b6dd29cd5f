package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/kapten-dev/kapten/internal/model"
)

// RemoteStore is the remote key-value State Store back-end (spec §4.2,
// §6 wire layout), backed by DynamoDB. Grounded directly on
// original_source/caching/client/DbClientDDB.py: same partition/sort key
// scheme, same BIN_SIZE=2000 chunking, same batched-delete width of 25.
type RemoteStore struct {
	client     *dynamodb.Client
	tableName  string
	storageKey string
}

// RemoteConfig configures the DynamoDB-backed store.
type RemoteConfig struct {
	TableName  string
	StorageKey string
	Region     string
	Endpoint   string // set for a local DynamoDB (cmd/kapten reads DYNAMODB_ENDPOINT)
}

// OpenRemote constructs a RemoteStore from cfg, loading AWS credentials
// from the standard SDK credential chain.
func OpenRemote(ctx context.Context, cfg RemoteConfig) (*RemoteStore, error) {
	var optFns []func(*config.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("store: load aws config: %w", err)
	}

	var clientOpts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &RemoteStore{
		client:     dynamodb.NewFromConfig(awsCfg, clientOpts...),
		tableName:  cfg.TableName,
		storageKey: cfg.StorageKey,
	}, nil
}

func (s *RemoteStore) Close() error { return nil }

func (s *RemoteStore) pk() string { return fmt.Sprintf("BRANCH#%s", s.storageKey) }

func (s *RemoteStore) taskSK(pipeline, task string) string {
	return fmt.Sprintf("PIPELINE#%s#TASK#%s", pipeline, task)
}

func (s *RemoteStore) binSKPrefix(pipeline, task string, bt model.BinType) string {
	return fmt.Sprintf("%s#%s#", s.taskSK(pipeline, task), bt)
}

func (s *RemoteStore) binSK(pipeline, task string, bt model.BinType, binID int) string {
	return fmt.Sprintf("%s%d", s.binSKPrefix(pipeline, task, bt), binID)
}

func (s *RemoteStore) putItem(ctx context.Context, item map[string]types.AttributeValue) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.tableName), Item: item})
	return err
}

func (s *RemoteStore) CreateTask(ctx context.Context, pipeline, task string, state model.TaskState, data any) error {
	item, err := attributevalue.MarshalMap(state)
	if err != nil {
		return wrap("create_task", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: s.pk()}
	item["SK"] = &types.AttributeValueMemberS{Value: s.taskSK(pipeline, task)}
	if err := s.putItem(ctx, item); err != nil {
		return wrap("create_task", err)
	}
	if data != nil {
		return s.writeDataBins(ctx, pipeline, task, model.BinTaskData, data)
	}
	return nil
}

// updateExpr is the names/values/SET clause a merging UpdateTask sends to
// DynamoDB. Split out from UpdateTask so the field-selection logic can be
// exercised without a live or mocked client.
type updateExpr struct {
	names  map[string]string
	values map[string]types.AttributeValue
	expr   string
}

// buildUpdateTaskExpr mirrors local.go's mergeTaskState: every non-zero
// field of partial is written, never just the subset finalize happens to
// exercise most often.
func buildUpdateTaskExpr(partial model.TaskState) (updateExpr, error) {
	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	setExprs := []string{}

	add := func(field string, av types.AttributeValue) {
		nameKey := "#" + field
		valKey := ":" + field
		names[nameKey] = field
		values[valKey] = av
		setExprs = append(setExprs, fmt.Sprintf("%s = %s", nameKey, valKey))
	}

	if partial.ECSTaskID != "" {
		add("ecs_task_id", &types.AttributeValueMemberS{Value: partial.ECSTaskID})
	}
	if len(partial.PyCodeHashes) > 0 {
		av, err := attributevalue.Marshal(partial.PyCodeHashes)
		if err != nil {
			return updateExpr{}, err
		}
		add("py_code_hashes", av)
	}
	if len(partial.RCodeHashes) > 0 {
		av, err := attributevalue.Marshal(partial.RCodeHashes)
		if err != nil {
			return updateExpr{}, err
		}
		add("r_code_hashes", av)
	}
	if len(partial.InputHashes) > 0 {
		av, err := attributevalue.Marshal(partial.InputHashes)
		if err != nil {
			return updateExpr{}, err
		}
		add("input_hashes", av)
	}
	if len(partial.InputDataHashes) > 0 {
		av, err := attributevalue.Marshal(partial.InputDataHashes)
		if err != nil {
			return updateExpr{}, err
		}
		add("input_data_hashes", av)
	}
	if partial.OutputsVersion != nil {
		add("outputs_version", &types.AttributeValueMemberS{Value: *partial.OutputsVersion})
	}
	if partial.OutputDataVersion != "" {
		add("output_data_version", &types.AttributeValueMemberS{Value: partial.OutputDataVersion})
	}
	if partial.Status != "" {
		add("status", &types.AttributeValueMemberS{Value: string(partial.Status)})
	}
	if partial.StartTime != nil {
		add("start_time", &types.AttributeValueMemberS{Value: partial.StartTime.Format(time.RFC3339)})
	}
	if partial.EndTime != nil {
		add("end_time", &types.AttributeValueMemberS{Value: partial.EndTime.Format(time.RFC3339)})
	}
	add("updated_at", &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)})

	return updateExpr{names: names, values: values, expr: "SET " + joinComma(setExprs)}, nil
}

func (s *RemoteStore) UpdateTask(ctx context.Context, pipeline, task string, partial model.TaskState) error {
	u, err := buildUpdateTaskExpr(partial)
	if err != nil {
		return wrap("update_task", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: s.pk()},
			"SK": &types.AttributeValueMemberS{Value: s.taskSK(pipeline, task)},
		},
		UpdateExpression:          aws.String(u.expr),
		ExpressionAttributeNames:  u.names,
		ExpressionAttributeValues: u.values,
	})
	return wrap("update_task", err)
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

func (s *RemoteStore) GetTask(ctx context.Context, pipeline, task string, includeData, subsetMode bool) (*model.TaskState, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: s.pk()},
			"SK": &types.AttributeValueMemberS{Value: s.taskSK(pipeline, task)},
		},
	})
	if err != nil {
		return nil, wrap("get_task", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var ts model.TaskState
	if err := attributevalue.UnmarshalMap(out.Item, &ts); err != nil {
		return nil, wrap("get_task", err)
	}

	if includeData {
		if subsetMode {
			subset, serr := s.GetTaskData(ctx, pipeline, task, true)
			if serr != nil {
				return nil, serr
			}
			if subset != nil {
				ts.Data = subset
			} else if full, ferr := s.GetTaskData(ctx, pipeline, task, false); ferr == nil {
				ts.Data = full
			} else {
				return nil, ferr
			}
		} else {
			full, ferr := s.GetTaskData(ctx, pipeline, task, false)
			if ferr != nil {
				return nil, ferr
			}
			ts.Data = full
		}
	}
	return &ts, nil
}

type ddbBinItem struct {
	PK   string `dynamodbav:"PK"`
	SK   string `dynamodbav:"SK"`
	Data string `dynamodbav:"data"`
}

func (s *RemoteStore) writeDataBins(ctx context.Context, pipeline, task string, bt model.BinType, data any) error {
	items, isList := data.([]any)
	if !isList {
		return s.putDataBin(ctx, pipeline, task, bt, 0, data)
	}
	for i := 0; i < len(items); i += model.BinSize {
		end := i + model.BinSize
		if end > len(items) {
			end = len(items)
		}
		binID := i / model.BinSize
		if err := s.putDataBin(ctx, pipeline, task, bt, binID, items[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *RemoteStore) putDataBin(ctx context.Context, pipeline, task string, bt model.BinType, binID int, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return wrap("put_bin", err)
	}
	item, err := attributevalue.MarshalMap(ddbBinItem{
		PK:   s.pk(),
		SK:   s.binSK(pipeline, task, bt, binID),
		Data: string(raw),
	})
	if err != nil {
		return wrap("put_bin", err)
	}
	return wrap("put_bin", s.putItem(ctx, item))
}

func (s *RemoteStore) queryBins(ctx context.Context, pipeline, task string, bt model.BinType) ([]ddbBinItem, error) {
	prefix := s.binSKPrefix(pipeline, task, bt)
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: s.pk()},
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
	})
	if err != nil {
		return nil, err
	}
	items := make([]ddbBinItem, 0, len(out.Items))
	for _, raw := range out.Items {
		var item ddbBinItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].SK < items[j].SK })
	return items, nil
}

func (s *RemoteStore) GetTaskData(ctx context.Context, pipeline, task string, subsetMode bool) (any, error) {
	bt := model.BinTaskData
	if subsetMode {
		bt = model.BinSubset
	}
	bins, err := s.queryBins(ctx, pipeline, task, bt)
	if err != nil {
		return nil, wrap("get_taskdata", err)
	}
	if len(bins) == 0 {
		return nil, nil
	}
	if len(bins) == 1 {
		var scalar any
		if err := json.Unmarshal([]byte(bins[0].Data), &scalar); err != nil {
			return bins[0].Data, nil
		}
		return scalar, nil
	}
	var combined []any
	for _, b := range bins {
		var chunk []any
		if err := json.Unmarshal([]byte(b.Data), &chunk); err != nil {
			return nil, wrap("get_taskdata", err)
		}
		combined = append(combined, chunk...)
	}
	return combined, nil
}

func (s *RemoteStore) CreateSubtasks(ctx context.Context, pipeline, task string, keys []string) error {
	for i := 0; i < len(keys); i += model.BinSize {
		end := i + model.BinSize
		if end > len(keys) {
			end = len(keys)
		}
		binID := i / model.BinSize
		items := make([]model.Subtask, 0, end-i)
		for idx := i; idx < end; idx++ {
			items = append(items, model.Subtask{Index: idx, Key: keys[idx]})
		}
		if err := s.putDataBin(ctx, pipeline, task, model.BinSubtask, binID, items); err != nil {
			return wrap("create_subtasks", err)
		}
	}
	return nil
}

func (s *RemoteStore) GetSubtasks(ctx context.Context, pipeline, task string) ([]model.Subtask, error) {
	bins, err := s.queryBins(ctx, pipeline, task, model.BinSubtask)
	if err != nil {
		return nil, wrap("get_subtasks", err)
	}
	var out []model.Subtask
	for _, b := range bins {
		var chunk []model.Subtask
		if err := json.Unmarshal([]byte(b.Data), &chunk); err != nil {
			return nil, wrap("get_subtasks", err)
		}
		out = append(out, chunk...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// mutateSubtask performs a targeted update of one element inside a
// SUBTASKBIN's `items` list attribute, matching
// set_time_in_subitem_in_databin in the original DynamoDB client: read the
// bin, patch the one element client-side, write the whole bin back. The
// per-index/BIN_SIZE mapping (spec §5) ensures only one writer targets a
// given index, though distinct indices in the same bin may race.
func (s *RemoteStore) mutateSubtask(ctx context.Context, pipeline, task string, index int, fn func(*model.Subtask)) error {
	binID := index / model.BinSize
	sk := s.binSK(pipeline, task, model.BinSubtask, binID)

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: s.pk()},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return err
	}
	if out.Item == nil {
		return fmt.Errorf("subtask bin %s not found", sk)
	}
	var item ddbBinItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return err
	}
	var items []model.Subtask
	if err := json.Unmarshal([]byte(item.Data), &items); err != nil {
		return err
	}
	found := false
	for i := range items {
		if items[i].Index == index {
			fn(&items[i])
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("subtask index %d not found in bin %s", index, sk)
	}
	return s.putDataBin(ctx, pipeline, task, model.BinSubtask, binID, items)
}

func (s *RemoteStore) SetSubtaskStarted(ctx context.Context, pipeline, task string, index int) error {
	now := time.Now().UTC()
	return wrap("set_subtask_started", s.mutateSubtask(ctx, pipeline, task, index, func(st *model.Subtask) {
		st.StartTime = &now
	}))
}

func (s *RemoteStore) SetSubtaskEnded(ctx context.Context, pipeline, task string, index int, outputHash string) error {
	now := time.Now().UTC()
	return wrap("set_subtask_ended", s.mutateSubtask(ctx, pipeline, task, index, func(st *model.Subtask) {
		st.EndTime = &now
		st.OutputHash = outputHash
	}))
}

func (s *RemoteStore) SetTaskEnded(ctx context.Context, pipeline, task string, opts EndOptions) error {
	if opts.SubsetMode && opts.Result != nil {
		if err := s.UpdateTask(ctx, pipeline, task, model.TaskState{}); err != nil {
			return err
		}
		return wrap("set_task_ended", s.writeDataBins(ctx, pipeline, task, model.BinSubset, opts.Result))
	}

	partial := model.TaskState{}
	now := time.Now().UTC()
	partial.EndTime = &now
	if opts.OutputsVersion != "" {
		ov := opts.OutputsVersion
		partial.OutputsVersion = &ov
	}
	if opts.ResultHash != "" {
		partial.OutputDataVersion = opts.ResultHash
	}
	if opts.Status != "" {
		partial.Status = opts.Status
	}
	if err := s.UpdateTask(ctx, pipeline, task, partial); err != nil {
		return err
	}
	if opts.Result != nil {
		return wrap("set_task_ended", s.writeDataBins(ctx, pipeline, task, model.BinTaskData, opts.Result))
	}
	return nil
}

// ResetSubsetOfSubtasks is a documented no-op, matching the original
// DynamoDB client (spec §4.2).
func (s *RemoteStore) ResetSubsetOfSubtasks(ctx context.Context, pipeline, task string, subset []string) error {
	return nil
}

// deleteBins batch-deletes all bins of bt for task, DDBMaxBatchSize at a
// time (the DynamoDB BatchWriteItem limit), matching _batch_delete_bins.
func (s *RemoteStore) deleteBins(ctx context.Context, pipeline, task string, bt model.BinType) error {
	bins, err := s.queryBins(ctx, pipeline, task, bt)
	if err != nil {
		return err
	}
	for i := 0; i < len(bins); i += model.DDBMaxBatchSize {
		end := i + model.DDBMaxBatchSize
		if end > len(bins) {
			end = len(bins)
		}
		writeReqs := make([]types.WriteRequest, 0, end-i)
		for _, b := range bins[i:end] {
			writeReqs = append(writeReqs, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: s.pk()},
						"SK": &types.AttributeValueMemberS{Value: b.SK},
					},
				},
			})
		}
		_, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.tableName: writeReqs},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *RemoteStore) ClearSubset(ctx context.Context, pipeline, task string) error {
	return wrap("clear_subset", s.deleteBins(ctx, pipeline, task, model.BinSubset))
}

func (s *RemoteStore) DeleteTask(ctx context.Context, pipeline, task string) error {
	for _, bt := range []model.BinType{model.BinSubtask, model.BinTaskData, model.BinSubset} {
		if err := s.deleteBins(ctx, pipeline, task, bt); err != nil {
			return wrap("delete_task", err)
		}
	}
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: s.pk()},
			"SK": &types.AttributeValueMemberS{Value: s.taskSK(pipeline, task)},
		},
	})
	return wrap("delete_task", err)
}
