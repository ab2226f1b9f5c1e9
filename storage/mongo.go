package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/opencustody/signer-node/types"
)

const (
	requestsCollection = "withdrawal_requests"
	batchesCollection  = "batch_transactions"
	signedCollection   = "signed_transactions"
	countersCollection = "counters"

	batchCounterID = "batch_transactions"
)

// terminalStatuses guard every update so finished requests stay finished.
var terminalStatuses = []types.Status{
	types.StatusCompleted, types.StatusFailed, types.StatusCancelled,
}

func notTerminal() bson.M {
	return bson.M{"$nin": terminalStatuses}
}

// Mongo is the production Store.
type Mongo struct {
	client   *mongo.Client
	requests *mongo.Collection
	batches  *mongo.Collection
	signed   *mongo.Collection
	counters *mongo.Collection
}

// NewMongo connects, pings and binds the collections.
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	db := client.Database(database)
	return &Mongo{
		client:   client,
		requests: db.Collection(requestsCollection),
		batches:  db.Collection(batchesCollection),
		signed:   db.Collection(signedCollection),
		counters: db.Collection(countersCollection),
	}, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) Request(ctx context.Context, id string) (*types.WithdrawalRequest, error) {
	var req types.WithdrawalRequest
	err := m.requests.FindOne(ctx, bson.M{"_id": id}).Decode(&req)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", id, err)
	}
	return &req, nil
}

func (m *Mongo) EnsureRequest(ctx context.Context, req *types.WithdrawalRequest) error {
	_, err := m.requests.UpdateOne(ctx,
		bson.M{"_id": req.RequestID},
		bson.M{"$setOnInsert": req},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("ensure request %s: %w", req.RequestID, err)
	}
	return nil
}

func (m *Mongo) BeginSigning(ctx context.Context, id string) (int, error) {
	var req types.WithdrawalRequest
	err := m.requests.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": notTerminal()},
		bson.M{
			"$set": bson.M{"status": types.StatusSigning},
			"$inc": bson.M{"tryCount": 1},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&req)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, fmt.Errorf("%w: signable request %s", ErrNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("begin signing %s: %w", id, err)
	}
	return req.TryCount, nil
}

func (m *Mongo) AssignBatch(ctx context.Context, ids []string, batchID int64) error {
	_, err := m.requests.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "status": notTerminal()},
		bson.M{
			"$set": bson.M{
				"status":         types.StatusSigning,
				"batchId":        batchID,
				"processingMode": types.ModeBatch,
			},
			"$inc": bson.M{"tryCount": 1},
		})
	if err != nil {
		return fmt.Errorf("assign batch %d: %w", batchID, err)
	}
	return nil
}

func (m *Mongo) MarkRequestSigned(ctx context.Context, id string) error {
	return m.updateRequest(ctx, id, bson.M{"$set": bson.M{"status": types.StatusSigned}})
}

func (m *Mongo) MarkRequestsSigned(ctx context.Context, ids []string) error {
	_, err := m.requests.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "status": notTerminal()},
		bson.M{"$set": bson.M{"status": types.StatusSigned}})
	if err != nil {
		return fmt.Errorf("mark requests signed: %w", err)
	}
	return nil
}

func (m *Mongo) MarkRequestFailed(ctx context.Context, id, errMsg string) error {
	return m.updateRequest(ctx, id, bson.M{"$set": bson.M{
		"status":       types.StatusFailed,
		"errorMessage": errMsg,
	}})
}

func (m *Mongo) ResetRequest(ctx context.Context, id string) error {
	return m.updateRequest(ctx, id, bson.M{
		"$set":   bson.M{"status": types.StatusPending, "processingMode": types.ModeSingle},
		"$unset": bson.M{"batchId": ""},
	})
}

func (m *Mongo) updateRequest(ctx context.Context, id string, update bson.M) error {
	res, err := m.requests.UpdateOne(ctx,
		bson.M{"_id": id, "status": notTerminal()}, update)
	if err != nil {
		return fmt.Errorf("update request %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: updatable request %s", ErrNotFound, id)
	}
	return nil
}

func (m *Mongo) RevertBatchMembers(ctx context.Context, batchID int64, errMsg string) error {
	_, err := m.requests.UpdateMany(ctx,
		bson.M{"batchId": batchID, "status": notTerminal()},
		bson.M{
			"$set": bson.M{
				"status":         types.StatusPending,
				"processingMode": types.ModeSingle,
				"errorMessage":   errMsg,
			},
			"$unset": bson.M{"batchId": ""},
		})
	if err != nil {
		return fmt.Errorf("revert batch %d members: %w", batchID, err)
	}
	return nil
}

func (m *Mongo) FailBatchMembers(ctx context.Context, batchID int64, errMsg string) error {
	_, err := m.requests.UpdateMany(ctx,
		bson.M{"batchId": batchID, "status": notTerminal()},
		bson.M{"$set": bson.M{
			"status":       types.StatusFailed,
			"errorMessage": errMsg,
		}})
	if err != nil {
		return fmt.Errorf("fail batch %d members: %w", batchID, err)
	}
	return nil
}

func (m *Mongo) RequestsByBatch(ctx context.Context, batchID int64) ([]*types.WithdrawalRequest, error) {
	cur, err := m.requests.Find(ctx, bson.M{"batchId": batchID})
	if err != nil {
		return nil, fmt.Errorf("find batch %d members: %w", batchID, err)
	}
	var reqs []*types.WithdrawalRequest
	if err := cur.All(ctx, &reqs); err != nil {
		return nil, fmt.Errorf("decode batch %d members: %w", batchID, err)
	}
	return reqs, nil
}

func (m *Mongo) CreateBatch(ctx context.Context, batch *types.BatchTransaction) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := m.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": batchCounterID},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("allocate batch id: %w", err)
	}
	batch.ID = counter.Seq
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	if _, err := m.batches.InsertOne(ctx, batch); err != nil {
		return 0, fmt.Errorf("insert batch %d: %w", batch.ID, err)
	}
	return batch.ID, nil
}

func (m *Mongo) MarkBatchSigned(ctx context.Context, batchID int64, sig BatchSignature) error {
	return m.updateBatch(ctx, batchID, bson.M{"$set": bson.M{
		"status":               types.StatusSigned,
		"nonce":                sig.Nonce,
		"gasLimit":             sig.GasLimit,
		"maxFeePerGas":         sig.MaxFeePerGas,
		"maxPriorityFeePerGas": sig.MaxPriorityFeePerGas,
		"txHash":               sig.TxHash,
	}})
}

func (m *Mongo) MarkBatchFailed(ctx context.Context, batchID int64, errMsg string) error {
	return m.updateBatch(ctx, batchID, bson.M{"$set": bson.M{
		"status":       types.StatusFailed,
		"errorMessage": errMsg,
	}})
}

func (m *Mongo) CancelBatch(ctx context.Context, batchID int64, reason string) error {
	return m.updateBatch(ctx, batchID, bson.M{"$set": bson.M{
		"status":       types.StatusCancelled,
		"errorMessage": reason,
	}})
}

func (m *Mongo) updateBatch(ctx context.Context, batchID int64, update bson.M) error {
	res, err := m.batches.UpdateOne(ctx,
		bson.M{"_id": batchID, "status": notTerminal()}, update)
	if err != nil {
		return fmt.Errorf("update batch %d: %w", batchID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: updatable batch %d", ErrNotFound, batchID)
	}
	return nil
}

func (m *Mongo) SaveSignedTransaction(ctx context.Context, tx *types.SignedTransaction) error {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if _, err := m.signed.InsertOne(ctx, tx); err != nil {
		return fmt.Errorf("insert signed tx %s: %w", tx.TxHash, err)
	}
	return nil
}

func (m *Mongo) CancelSignedTransactions(ctx context.Context, requestID, reason string) (int64, error) {
	res, err := m.signed.UpdateMany(ctx,
		bson.M{"requestId": requestID, "status": types.StatusSigned},
		bson.M{"$set": bson.M{
			"status":       types.StatusCancelled,
			"cancelReason": reason,
		}})
	if err != nil {
		return 0, fmt.Errorf("cancel signed txs of %s: %w", requestID, err)
	}
	return res.ModifiedCount, nil
}
