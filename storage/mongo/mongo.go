// Package mongo provides a MongoDB implementation of the goentitle.Storage interface.
// Idempotency is enforced by unique indexes; duplicate inserts are detected with
// mongo.IsDuplicateKeyError. Pending sequences come from a counters collection.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const (
	collectionUsers    = "users"
	collectionEvents   = "billing_events"
	collectionPending  = "pending_entitlements"
	collectionCounters = "counters"

	pendingCounterID = "pending_entitlements"
	userEmailIndex   = "users_email_unique"
)

// Config holds MongoDB storage configuration
type Config struct {
	// URL is the MongoDB connection string
	URL string

	// Database is the database name (default: goentitle)
	Database string

	ConnectTimeout  time.Duration
	MaxPoolSize     uint64
	MinPoolSize     uint64
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Database:        "goentitle",
		ConnectTimeout:  10 * time.Second,
		MaxPoolSize:     100,
		MinPoolSize:     1,
		MaxConnIdleTime: 5 * time.Minute,
	}
}

// Storage implements goentitle.Storage using MongoDB
type Storage struct {
	client   *mongo.Client
	users    *mongo.Collection
	events   *mongo.Collection
	pending  *mongo.Collection
	counters *mongo.Collection
}

// New connects to MongoDB, verifies the connection and ensures indexes
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("connection url is required")
	}
	if config.Database == "" {
		config.Database = "goentitle"
	}

	opts := options.Client().ApplyURI(config.URL).SetRetryWrites(true).SetRetryReads(true)
	if config.ConnectTimeout > 0 {
		opts.SetConnectTimeout(config.ConnectTimeout)
	}
	if config.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(config.MaxPoolSize)
	}
	if config.MinPoolSize > 0 {
		opts.SetMinPoolSize(config.MinPoolSize)
	}
	if config.MaxConnIdleTime > 0 {
		opts.SetMaxConnIdleTime(config.MaxConnIdleTime)
	}

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		//nolint:errcheck // Connection already failed
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	s, err := NewWithDatabase(ctx, client.Database(config.Database))
	if err != nil {
		//nolint:errcheck // Index creation already failed
		_ = client.Disconnect(ctx)
		return nil, err
	}
	s.client = client
	return s, nil
}

// NewWithDatabase uses an existing database handle. The caller owns the client.
func NewWithDatabase(ctx context.Context, db *mongo.Database) (*Storage, error) {
	s := &Storage{
		users:    db.Collection(collectionUsers),
		events:   db.Collection(collectionEvents),
		pending:  db.Collection(collectionPending),
		counters: db.Collection(collectionCounters),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) ensureIndexes(ctx context.Context) error {
	_, err := s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "provider", Value: 1}, {Key: "eventId", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("billing_events_provider_event_unique"),
	})
	if err != nil {
		return fmt.Errorf("failed to create billing event indexes: %w", err)
	}

	_, err = s.pending.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "provider", Value: 1}, {Key: "eventId", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("pending_provider_event_unique"),
		},
		{
			Keys:    bson.D{{Key: "email", Value: 1}, {Key: "receivedAt", Value: 1}, {Key: "sequence", Value: 1}},
			Options: options.Index().SetName("pending_email_order"),
		},
		{
			Keys:    bson.D{{Key: "userIdHint", Value: 1}, {Key: "receivedAt", Value: 1}, {Key: "sequence", Value: 1}},
			Options: options.Index().SetName("pending_hint_order"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create pending entitlement indexes: %w", err)
	}

	_, err = s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "emailNormalized", Value: 1}},
		Options: options.Index().SetUnique(true).SetName(userEmailIndex).
			SetPartialFilterExpression(bson.M{"emailNormalized": bson.M{"$type": "string"}}),
	})
	if err != nil {
		return fmt.Errorf("failed to create user indexes: %w", err)
	}
	return nil
}

// Close disconnects the client when the storage created it
func (s *Storage) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// Ping checks the MongoDB connection
func (s *Storage) Ping(ctx context.Context) error {
	if s.client == nil {
		return s.users.Database().Client().Ping(ctx, nil)
	}
	return s.client.Ping(ctx, nil)
}

type eventDoc struct {
	Provider         string     `bson:"provider"`
	EventID          string     `bson:"eventId"`
	EventType        string     `bson:"eventType"`
	EventTypeKnown   bool       `bson:"eventTypeKnown"`
	Email            string     `bson:"email"`
	Payload          []byte     `bson:"payload"`
	ProcessingStatus string     `bson:"processingStatus"`
	ReceivedAt       time.Time  `bson:"receivedAt"`
	ProcessedAt      *time.Time `bson:"processedAt,omitempty"`
	UserID           string     `bson:"userId,omitempty"`
}

func eventFilter(provider goentitle.Provider, eventID string) bson.M {
	return bson.M{"provider": string(provider), "eventId": eventID}
}

// RecordEvent implements goentitle.EventStore
func (s *Storage) RecordEvent(ctx context.Context, event *goentitle.BillingEvent) (bool, error) {
	if event == nil || event.EventID == "" {
		return false, fmt.Errorf("invalid billing event")
	}

	_, err := s.events.InsertOne(ctx, eventDoc{
		Provider:         string(event.Provider),
		EventID:          event.EventID,
		EventType:        event.EventType,
		EventTypeKnown:   event.EventTypeKnown,
		Email:            event.Email,
		Payload:          event.Payload,
		ProcessingStatus: string(event.ProcessingStatus),
		ReceivedAt:       event.ReceivedAt.UTC(),
		ProcessedAt:      event.ProcessedAt,
		UserID:           event.UserID,
	})
	if mongo.IsDuplicateKeyError(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record billing event: %w", err)
	}
	return false, nil
}

// GetEvent implements goentitle.EventStore
func (s *Storage) GetEvent(ctx context.Context, provider goentitle.Provider, eventID string) (
	*goentitle.BillingEvent, error) {
	var doc eventDoc
	err := s.events.FindOne(ctx, eventFilter(provider, eventID)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, goentitle.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing event: %w", err)
	}

	return &goentitle.BillingEvent{
		Provider:         goentitle.Provider(doc.Provider),
		EventID:          doc.EventID,
		EventType:        doc.EventType,
		EventTypeKnown:   doc.EventTypeKnown,
		Email:            doc.Email,
		Payload:          doc.Payload,
		ProcessingStatus: goentitle.ProcessingStatus(doc.ProcessingStatus),
		ReceivedAt:       doc.ReceivedAt.UTC(),
		ProcessedAt:      doc.ProcessedAt,
		UserID:           doc.UserID,
	}, nil
}

// TransitionEvent implements goentitle.EventStore. The update is conditional
// on the status that was validated, so a concurrent transition makes this
// one fail instead of overwriting it.
func (s *Storage) TransitionEvent(ctx context.Context, provider goentitle.Provider, eventID string,
	to goentitle.ProcessingStatus, userID string) error {
	current, err := s.GetEvent(ctx, provider, eventID)
	if err != nil {
		return err
	}
	if !current.ProcessingStatus.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", goentitle.ErrInvalidTransition, current.ProcessingStatus, to)
	}

	set := bson.M{"processingStatus": string(to), "processedAt": time.Now().UTC()}
	if userID != "" {
		set["userId"] = userID
	}
	filter := eventFilter(provider, eventID)
	filter["processingStatus"] = string(current.ProcessingStatus)

	res, err := s.events.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to transition billing event: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s changed concurrently", goentitle.ErrInvalidTransition, current.ProcessingStatus)
	}
	return nil
}

type pendingDoc struct {
	Provider           string                 `bson:"provider"`
	EventID            string                 `bson:"eventId"`
	Sequence           int64                  `bson:"sequence"`
	EventType          string                 `bson:"eventType"`
	Scope              string                 `bson:"scope"`
	Email              string                 `bson:"email"`
	UserIDHint         string                 `bson:"userIdHint"`
	Entitlement        goentitle.Entitlement  `bson:"entitlement"`
	ValidUntilInferred bool                   `bson:"validUntilInferred"`
	Refs               goentitle.ProviderRefs `bson:"refs"`
	ReceivedAt         time.Time              `bson:"receivedAt"`
	AppliedAt          *time.Time             `bson:"appliedAt"`
	AppliedUserID      string                 `bson:"appliedUserId,omitempty"`
}

// nextSequence atomically increments the pending counter
func (s *Storage) nextSequence(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": pendingCounterID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate pending sequence: %w", err)
	}
	return counter.Seq, nil
}

// EnqueuePending implements goentitle.PendingStore. A duplicate insert burns
// a sequence number; gaps do not affect ordering.
func (s *Storage) EnqueuePending(ctx context.Context, pending *goentitle.PendingEntitlement) (bool, error) {
	if pending == nil || pending.EventID == "" {
		return false, fmt.Errorf("invalid pending entitlement")
	}

	seq, err := s.nextSequence(ctx)
	if err != nil {
		return false, err
	}

	_, err = s.pending.InsertOne(ctx, pendingDoc{
		Provider:           string(pending.Provider),
		EventID:            pending.EventID,
		Sequence:           seq,
		EventType:          pending.EventType,
		Scope:              string(pending.Scope),
		Email:              pending.Email,
		UserIDHint:         pending.UserIDHint,
		Entitlement:        pending.Entitlement,
		ValidUntilInferred: pending.ValidUntilInferred,
		Refs:               pending.Refs,
		ReceivedAt:         pending.ReceivedAt.UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to enqueue pending entitlement: %w", err)
	}

	pending.Sequence = seq
	return false, nil
}

// ListUnappliedPending implements goentitle.PendingStore
func (s *Storage) ListUnappliedPending(ctx context.Context, email, userID string) (
	[]*goentitle.PendingEntitlement, error) {
	var or bson.A
	if email != "" {
		or = append(or, bson.M{"email": email})
	}
	if userID != "" {
		or = append(or, bson.M{"userIdHint": userID})
	}
	if len(or) == 0 {
		return nil, nil
	}

	cursor, err := s.pending.Find(ctx,
		bson.M{"appliedAt": nil, "$or": or},
		options.Find().SetSort(bson.D{{Key: "receivedAt", Value: 1}, {Key: "sequence", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entitlements: %w", err)
	}

	var docs []pendingDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode pending entitlements: %w", err)
	}

	out := make([]*goentitle.PendingEntitlement, 0, len(docs))
	for _, d := range docs {
		out = append(out, &goentitle.PendingEntitlement{
			Provider:           goentitle.Provider(d.Provider),
			EventID:            d.EventID,
			EventType:          d.EventType,
			Scope:              goentitle.Scope(d.Scope),
			Email:              d.Email,
			UserIDHint:         d.UserIDHint,
			Entitlement:        d.Entitlement,
			ValidUntilInferred: d.ValidUntilInferred,
			Refs:               d.Refs,
			ReceivedAt:         d.ReceivedAt.UTC(),
			Sequence:           d.Sequence,
		})
	}
	return out, nil
}

// MarkPendingApplied implements goentitle.PendingStore
func (s *Storage) MarkPendingApplied(ctx context.Context, keys []goentitle.PendingKey, userID string,
	at time.Time) error {
	if len(keys) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, 0, len(keys))
	for _, key := range keys {
		filter := eventFilter(key.Provider, key.EventID)
		filter["appliedAt"] = nil
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(filter).
			SetUpdate(bson.M{"$set": bson.M{"appliedAt": at.UTC(), "appliedUserId": userID}}))
	}

	if _, err := s.pending.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		return fmt.Errorf("failed to mark pending entitlements applied: %w", err)
	}
	return nil
}

type userDoc struct {
	ID              string                 `bson:"_id"`
	Email           string                 `bson:"email"`
	EmailNormalized *string                `bson:"emailNormalized,omitempty"`
	Entitlements    goentitle.Entitlements `bson:"entitlements"`
	Billing         goentitle.Billing      `bson:"billing"`
	AccessTier      string                 `bson:"accessTier"`
	Version         int64                  `bson:"version"`
	CreatedAt       time.Time              `bson:"createdAt"`
	UpdatedAt       time.Time              `bson:"updatedAt"`
}

func (d *userDoc) user() *goentitle.User {
	return &goentitle.User{
		ID:           d.ID,
		Email:        d.Email,
		Entitlements: d.Entitlements,
		Billing:      d.Billing,
		AccessTier:   goentitle.AccessTier(d.AccessTier),
		Version:      d.Version,
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
}

// FindByEmail implements goentitle.UserStore
func (s *Storage) FindByEmail(ctx context.Context, email string) (*goentitle.User, error) {
	email = goentitle.NormalizeEmail(email)
	if email == "" {
		return nil, goentitle.ErrUserNotFound
	}
	return s.findUser(ctx, bson.M{"emailNormalized": email})
}

// FindByID implements goentitle.UserStore
func (s *Storage) FindByID(ctx context.Context, id string) (*goentitle.User, error) {
	return s.findUser(ctx, bson.M{"_id": id})
}

func (s *Storage) findUser(ctx context.Context, filter bson.M) (*goentitle.User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, goentitle.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return doc.user(), nil
}

// Save implements goentitle.UserStore with optimistic version checks
func (s *Storage) Save(ctx context.Context, u *goentitle.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("invalid user")
	}

	now := time.Now().UTC()
	doc := userDoc{
		ID:           u.ID,
		Email:        u.Email,
		Entitlements: u.Entitlements,
		Billing:      u.Billing,
		AccessTier:   string(u.AccessTier),
		Version:      u.Version + 1,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    now,
	}
	if email := goentitle.NormalizeEmail(u.Email); email != "" {
		doc.EmailNormalized = &email
	}
	if doc.AccessTier == "" {
		doc.AccessTier = string(goentitle.AccessTierFree)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}

	if u.Version == 0 {
		if _, err := s.users.InsertOne(ctx, doc); err != nil {
			return saveError(err)
		}
	} else {
		res, err := s.users.ReplaceOne(ctx, bson.M{"_id": u.ID, "version": u.Version}, doc)
		if err != nil {
			return saveError(err)
		}
		if res.MatchedCount == 0 {
			return goentitle.ErrVersionConflict
		}
	}

	u.Version = doc.Version
	u.CreatedAt = doc.CreatedAt
	u.UpdatedAt = now
	return nil
}

// saveError maps unique index violations. The email index is named so its
// violations can be told apart from an _id clash on create.
func saveError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		if strings.Contains(err.Error(), userEmailIndex) {
			return goentitle.ErrDuplicateEmail
		}
		return goentitle.ErrVersionConflict
	}
	return fmt.Errorf("failed to save user: %w", err)
}
