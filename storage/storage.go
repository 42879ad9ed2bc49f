package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"board-api/domain"
)

const (
	kanbanRowKey = "kanban"
	edmInt64     = "Edm.Int64"
)

// Storage persists board payloads on the records table and optionally
// announces each write on a queue.
type Storage struct {
	recordsTable *aztables.Client
	eventsQueue  *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string. The events
// queue is optional.
func New(connStr, recordsTable, eventsQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	s := &Storage{recordsTable: svc.NewClient(recordsTable)}
	if eventsQueue == "" {
		return s, nil
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	s.eventsQueue = q
	return s, nil
}

type boardEntity struct {
	PartitionKey  string `json:"PartitionKey"`
	RowKey        string `json:"RowKey"`
	KanbanRecords string `json:"KanbanRecords"`
	Revision      int64  `json:"Revision,string"`
	RevisionType  string `json:"Revision@odata.type"`
}

func decodeBoardEntity(recordID string, data []byte) (domain.BoardRecord, error) {
	var raw struct {
		KanbanRecords string `json:"KanbanRecords"`
		Revision      int64  `json:"Revision,string"`
	}
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return domain.BoardRecord{}, fmt.Errorf("decode board entity %s: %w", recordID, err)
	}
	rec := domain.BoardRecord{RecordID: recordID, Revision: raw.Revision}
	if raw.KanbanRecords != "" {
		rec.Payload = []byte(raw.KanbanRecords)
	}
	return rec, nil
}

// LoadBoard retrieves the stored board payload of a record. A record without a
// stored board yields an empty payload.
func (s *Storage) LoadBoard(ctx context.Context, recordID string) (domain.BoardRecord, error) {
	ent, err := s.recordsTable.GetEntity(ctx, recordID, kanbanRowKey, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return domain.BoardRecord{RecordID: recordID}, nil
		}
		return domain.BoardRecord{}, err
	}
	return decodeBoardEntity(recordID, ent.Value)
}

// SaveBoard merges the payload into the record's board entity, leaving other
// record properties untouched, then announces the write.
func (s *Storage) SaveBoard(ctx context.Context, rec domain.BoardRecord) error {
	payload, err := sonic.Marshal(boardEntity{
		PartitionKey:  rec.RecordID,
		RowKey:        kanbanRowKey,
		KanbanRecords: string(rec.Payload),
		Revision:      rec.Revision,
		RevisionType:  edmInt64,
	})
	if err != nil {
		return err
	}
	if _, err := s.recordsTable.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeMerge}); err != nil {
		return err
	}
	if s.eventsQueue == nil {
		return nil
	}
	msg, err := sonic.Marshal(domain.BoardSaved{RecordID: rec.RecordID, Revision: rec.Revision, Type: domain.BoardSavedType})
	if err != nil {
		return err
	}
	_, err = s.eventsQueue.EnqueueMessage(ctx, string(msg), nil)
	return err
}
