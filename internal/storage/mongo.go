package storage

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"
	"go.mongodb.org/mongo-driver/bson/bsonrw"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/boardwalkclay1/laundry-bubbles/internal/admission"
	"github.com/boardwalkclay1/laundry-bubbles/internal/ledger"
)

const (
	jobsCollection  = "jobs"
	slotsCollection = "provider_slots"
)

var (
	tUUID       = reflect.TypeOf(uuid.UUID{})
	uuidSubtype = byte(0x04)
)

// Registry returns a bson registry that stores uuid.UUID values as native
// binary UUIDs. Pass it to options.Client().SetRegistry.
func Registry() *bsoncodec.Registry {
	reg := bson.NewRegistry()
	reg.RegisterTypeEncoder(tUUID, bsoncodec.ValueEncoderFunc(uuidEncodeValue))
	reg.RegisterTypeDecoder(tUUID, bsoncodec.ValueDecoderFunc(uuidDecodeValue))
	return reg
}

func uuidEncodeValue(_ bsoncodec.EncodeContext, vw bsonrw.ValueWriter, val reflect.Value) error {
	if !val.IsValid() || val.Type() != tUUID {
		return bsoncodec.ValueEncoderError{Name: "uuidEncodeValue", Types: []reflect.Type{tUUID}, Received: val}
	}
	id := val.Interface().(uuid.UUID)
	return vw.WriteBinaryWithSubtype(id[:], uuidSubtype)
}

func uuidDecodeValue(_ bsoncodec.DecodeContext, vr bsonrw.ValueReader, val reflect.Value) error {
	if !val.CanSet() || val.Type() != tUUID {
		return bsoncodec.ValueDecoderError{Name: "uuidDecodeValue", Types: []reflect.Type{tUUID}, Received: val}
	}

	var data []byte
	var subtype byte
	var err error
	switch vrType := vr.Type(); vrType {
	case bsontype.Binary:
		data, subtype, err = vr.ReadBinary()
		if err == nil && subtype != uuidSubtype {
			return fmt.Errorf("unsupported binary subtype %v for uuid", subtype)
		}
	case bsontype.Null:
		err = vr.ReadNull()
	default:
		return fmt.Errorf("cannot decode %v into a uuid", vrType)
	}
	if err != nil {
		return err
	}

	id, err := uuid.FromBytes(data)
	if err != nil {
		return err
	}
	val.Set(reflect.ValueOf(id))
	return nil
}

// MongoRepository implements ledger.Repository on a MongoDB collection.
// Accept runs inside a session transaction, so the deployment must be a
// replica set.
type MongoRepository struct {
	coll   *mongo.Collection
	slots  *mongo.Collection
	logger *zap.Logger
}

// NewMongoRepository creates a repository over the jobs collection.
func NewMongoRepository(db *mongo.Database, logger *zap.Logger) *MongoRepository {
	return &MongoRepository{
		coll:   db.Collection(jobsCollection),
		slots:  db.Collection(slotsCollection),
		logger: logger,
	}
}

// EnsureIndexes creates the provider/status index backing admission counts.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "provider.owner_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "transaction.external_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// Create inserts a new job.
func (r *MongoRepository) Create(ctx context.Context, j *ledger.Job) error {
	if _, err := r.coll.InsertOne(ctx, j); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get fetches a job by id.
func (r *MongoRepository) Get(ctx context.Context, id uuid.UUID) (*ledger.Job, error) {
	var j ledger.Job
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&j)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find job: %w", err)
	}
	return &j, nil
}

// List returns all jobs, newest first.
func (r *MongoRepository) List(ctx context.Context) ([]*ledger.Job, error) {
	cursor, err := r.coll.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find jobs: %w", err)
	}
	defer cursor.Close(ctx)

	var jobs []*ledger.Job
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, fmt.Errorf("decode jobs: %w", err)
	}
	return jobs, nil
}

// CountActiveByProvider counts the provider's accepted and in-progress jobs.
func (r *MongoRepository) CountActiveByProvider(ctx context.Context, providerID string) (int, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{
		"provider.owner_id": providerID,
		"status":            bson.M{"$in": []ledger.Status{ledger.StatusAccepted, ledger.StatusInProgress}},
	})
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return int(n), nil
}

// AcceptForProvider atomically admits the provider onto the job. The count
// and the transition share a transaction so two concurrent accepts cannot
// both pass the capacity check.
func (r *MongoRepository) AcceptForProvider(ctx context.Context, jobID uuid.UUID, providerID string, maxActive int) (*ledger.Job, error) {
	session, err := r.coll.Database().Client().StartSession()
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	result, err := session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		// Bump the provider's guard document first. The count query below
		// places no locks on the jobs it matches, so without this write two
		// transactions accepting different jobs for the same provider would
		// both read the same count and both commit. Writing one shared
		// document per provider makes the transactions conflict; the loser
		// aborts as transient and WithTransaction retries it against the
		// committed count.
		if _, err := r.slots.UpdateOne(sc,
			bson.M{"_id": providerID},
			bson.M{"$inc": bson.M{"accepts": 1}},
			options.Update().SetUpsert(true),
		); err != nil {
			return nil, fmt.Errorf("lock provider slots: %w", err)
		}

		active, err := r.CountActiveByProvider(sc, providerID)
		if err != nil {
			return nil, err
		}
		if active >= maxActive {
			return nil, fmt.Errorf("provider %s has %d active jobs: %w", providerID, active, admission.ErrCapacityExceeded)
		}

		var j ledger.Job
		err = r.coll.FindOneAndUpdate(sc,
			bson.M{"_id": jobID, "status": ledger.StatusEscrowed},
			bson.M{"$set": bson.M{
				"status":            ledger.StatusAccepted,
				"provider.owner_id": providerID,
				"updated_at":        time.Now().UTC(),
			}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&j)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, r.explainMissedSwap(sc, jobID, ledger.StatusEscrowed, ledger.StatusAccepted)
		}
		if err != nil {
			return nil, fmt.Errorf("accept job: %w", err)
		}
		return &j, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*ledger.Job), nil
}

// UpdateStatus performs a compare-and-swap transition.
func (r *MongoRepository) UpdateStatus(ctx context.Context, jobID uuid.UUID, from, to ledger.Status) (*ledger.Job, error) {
	var j ledger.Job
	err := r.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": jobID, "status": from},
		bson.M{"$set": bson.M{"status": to, "updated_at": time.Now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&j)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, r.explainMissedSwap(ctx, jobID, from, to)
	}
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	return &j, nil
}

// explainMissedSwap turns a failed compare-and-swap into the right domain
// error: the job is either gone or no longer in the expected status.
func (r *MongoRepository) explainMissedSwap(ctx context.Context, jobID uuid.UUID, from, to ledger.Status) error {
	j, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s -> %s but job is %s: %w", from, to, j.Status, ledger.ErrInvalidTransition)
}

// AttachTransaction stores the charge result under the idempotency key.
func (r *MongoRepository) AttachTransaction(ctx context.Context, jobID uuid.UUID, key string, txn ledger.Transaction) (*ledger.Job, bool, error) {
	existing, err := r.Get(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	if existing.Transaction != nil {
		if existing.Transaction.IdempotencyKey == key {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("job %s already has a transaction", jobID)
	}

	txn.IdempotencyKey = key
	var j ledger.Job
	err = r.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": jobID, "transaction": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{
			"transaction":   txn,
			"payment_state": ledger.PaymentPaid,
			"updated_at":    time.Now().UTC(),
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&j)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Lost a race with another charge. Re-read and apply the same
		// idempotency rules.
		raced, err := r.Get(ctx, jobID)
		if err != nil {
			return nil, false, err
		}
		if raced.Transaction != nil && raced.Transaction.IdempotencyKey == key {
			return raced, false, nil
		}
		return nil, false, fmt.Errorf("job %s already has a transaction", jobID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("attach transaction: %w", err)
	}
	return &j, true, nil
}

// RecordRefund stores the refund and cancels the job if not already terminal.
func (r *MongoRepository) RecordRefund(ctx context.Context, jobID uuid.UUID, refund ledger.Refund) (*ledger.Job, error) {
	var j ledger.Job
	err := r.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": jobID, "refund": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{
			"refund":        refund,
			"payment_state": ledger.PaymentRefunded,
			"updated_at":    time.Now().UTC(),
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&j)
	if errors.Is(err, mongo.ErrNoDocuments) {
		got, gerr := r.Get(ctx, jobID)
		if gerr != nil {
			return nil, gerr
		}
		if got.Refund != nil {
			return got, nil
		}
		return nil, fmt.Errorf("record refund for job %s: %w", jobID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("record refund: %w", err)
	}

	if !j.Terminal() {
		return r.UpdateStatus(ctx, jobID, j.Status, ledger.StatusCancelled)
	}
	return &j, nil
}

// MarkCaptured records the capture id and marks the payment captured.
func (r *MongoRepository) MarkCaptured(ctx context.Context, jobID uuid.UUID, captureID string) (*ledger.Job, error) {
	existing, err := r.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if existing.Transaction == nil {
		return nil, fmt.Errorf("job %s has no transaction to capture", jobID)
	}
	if existing.PaymentState == ledger.PaymentCaptured {
		return existing, nil
	}

	var j ledger.Job
	err = r.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": jobID, "payment_state": ledger.PaymentPaid},
		bson.M{"$set": bson.M{
			"transaction.capture_id": captureID,
			"payment_state":          ledger.PaymentCaptured,
			"updated_at":             time.Now().UTC(),
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&j)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return r.Get(ctx, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("mark captured: %w", err)
	}
	return &j, nil
}
