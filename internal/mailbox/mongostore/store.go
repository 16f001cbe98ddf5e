// Package mongostore is a mailbox.Channel backed by a MongoDB collection.
//
// Writes are optimistic: a patch is applied to the latest document and the
// result replaces it only if the version is unchanged. Subscriptions use
// change streams, which require a replica set.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/callrecord"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox"
)

const (
	DefaultDatabase = "aero"

	callsCollName    = "calls"
	presenceCollName = "presence"

	maxReplaceAttempts = 64
)

const (
	callIDField        = "_id"
	callCalleeIDField  = "calleeId"
	callStatusField    = "status"
	callCreatedAtField = "createdAt"
	callVersionField   = "version"
)

type mongoCandidate struct {
	Candidate        string  `bson:"candidate"`
	SDPMid           *string `bson:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `bson:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `bson:"usernameFragment,omitempty"`
}

type mongoDescription struct {
	Type string `bson:"type"`
	SDP  string `bson:"sdp"`
}

type mongoCall struct {
	ID               string            `bson:"_id"`
	CallerID         string            `bson:"callerId"`
	CalleeID         string            `bson:"calleeId"`
	CallerName       string            `bson:"callerName"`
	CalleeName       string            `bson:"calleeName"`
	Status           string            `bson:"status"`
	Offer            *mongoDescription `bson:"offer"`
	Answer           *mongoDescription `bson:"answer"`
	OfferCandidates  []mongoCandidate  `bson:"offerCandidates"`
	AnswerCandidates []mongoCandidate  `bson:"answerCandidates"`
	CreatedAt        time.Time         `bson:"createdAt"`
	Version          int64             `bson:"version"`
}

var callIndexes = []mongo.IndexModel{
	{
		Keys: bson.D{
			{Key: callCalleeIDField, Value: 1},
			{Key: callStatusField, Value: 1},
			{Key: callCreatedAtField, Value: 1},
		},
	},
}

type Store struct {
	client   *mongo.Client
	owned    bool
	calls    *mongo.Collection
	presence *mongo.Collection
	now      func() time.Time
}

// Connect dials uri and uses database db (DefaultDatabase when empty).
func Connect(ctx context.Context, uri, db string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	s, err := New(ctx, client, db)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New uses an existing client. The client is not disconnected by Close.
func New(ctx context.Context, client *mongo.Client, db string) (*Store, error) {
	if db == "" {
		db = DefaultDatabase
	}
	database := client.Database(db)
	calls := database.Collection(callsCollName)
	if _, err := calls.Indexes().CreateMany(ctx, callIndexes); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return &Store{
		client:   client,
		calls:    calls,
		presence: database.Collection(presenceCollName),
		now:      time.Now,
	}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) Close() error {
	if s.owned {
		return s.client.Disconnect(context.Background())
	}
	return nil
}

func (s *Store) CreateCall(ctx context.Context, rec callrecord.Record) (callrecord.Record, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	// Mongo keeps millisecond precision; truncate so readers see what was stored.
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Millisecond)
	if err := rec.Validate(); err != nil {
		return callrecord.Record{}, err
	}
	rec = rec.Clone()
	rec.Version = 1
	if _, err := s.calls.InsertOne(ctx, toMongo(rec)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return callrecord.Record{}, fmt.Errorf("%w: %s", mailbox.ErrCallExists, rec.ID)
		}
		return callrecord.Record{}, fmt.Errorf("insert call: %w", err)
	}
	return rec.Clone(), nil
}

func (s *Store) GetCall(ctx context.Context, id string) (callrecord.Record, error) {
	var doc mongoCall
	err := s.calls.FindOne(ctx, bson.D{{Key: callIDField, Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return callrecord.Record{}, fmt.Errorf("%w: %s", mailbox.ErrNotFound, id)
	}
	if err != nil {
		return callrecord.Record{}, fmt.Errorf("get call: %w", err)
	}
	return fromMongo(doc), nil
}

func (s *Store) UpdateCall(ctx context.Context, id string, p callrecord.Patch) (callrecord.Record, error) {
	for attempt := 0; attempt < maxReplaceAttempts; attempt++ {
		cur, err := s.GetCall(ctx, id)
		if err != nil {
			return callrecord.Record{}, err
		}
		next, err := callrecord.Apply(cur, p)
		if err != nil {
			return cur, err
		}
		next.Version = cur.Version + 1
		res, err := s.calls.ReplaceOne(ctx, bson.D{
			{Key: callIDField, Value: id},
			{Key: callVersionField, Value: cur.Version},
		}, toMongo(next))
		if err != nil {
			return callrecord.Record{}, fmt.Errorf("replace call: %w", err)
		}
		if res.MatchedCount == 1 {
			return next.Clone(), nil
		}
	}
	return callrecord.Record{}, fmt.Errorf("update call %s: too much contention", id)
}

type changeEvent struct {
	OperationType string     `bson:"operationType"`
	FullDocument  *mongoCall `bson:"fullDocument"`
}

func (s *Store) SubscribeToCall(ctx context.Context, id string, fn mailbox.CallFunc) (mailbox.Unsubscribe, error) {
	// watch before reading to avoid missing a write in between
	cs, err := s.calls.Watch(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "documentKey._id", Value: id},
		}}},
	}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("watch call: %w", err)
	}

	rec, err := s.GetCall(ctx, id)
	exists := err == nil
	if err != nil && !errors.Is(err, mailbox.ErrNotFound) {
		cs.Close(context.Background())
		return nil, err
	}

	w := mailbox.NewCallWatcher(fn)
	w.Offer(rec, exists)

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		defer cs.Close(context.Background())
		for cs.Next(streamCtx) {
			var ev changeEvent
			if err := cs.Decode(&ev); err != nil {
				continue
			}
			switch {
			case ev.OperationType == "delete":
				w.Offer(callrecord.Record{}, false)
			case ev.FullDocument != nil:
				w.Offer(fromMongo(*ev.FullDocument), true)
			}
		}
	}()

	return mailbox.BindContext(ctx, func() {
		cancel()
		w.Stop()
	}), nil
}

func (s *Store) SubscribeToIncoming(ctx context.Context, calleeID string, fn mailbox.IncomingFunc) (mailbox.Unsubscribe, error) {
	cs, err := s.calls.Watch(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "fullDocument." + callCalleeIDField, Value: calleeID},
		}}},
	}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("watch incoming: %w", err)
	}

	calls, err := s.incoming(ctx, calleeID)
	if err != nil {
		cs.Close(context.Background())
		return nil, err
	}

	w := mailbox.NewIncomingWatcher(fn)
	w.Offer(calls)

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		defer cs.Close(context.Background())
		for cs.Next(streamCtx) {
			calls, err := s.incoming(streamCtx, calleeID)
			if err != nil {
				continue
			}
			w.Offer(calls)
		}
	}()

	return mailbox.BindContext(ctx, func() {
		cancel()
		w.Stop()
	}), nil
}

func (s *Store) incoming(ctx context.Context, calleeID string) ([]callrecord.Record, error) {
	cur, err := s.calls.Find(ctx, bson.D{
		{Key: callCalleeIDField, Value: calleeID},
		{Key: callStatusField, Value: string(callrecord.StatusInitiated)},
	}, options.Find().SetSort(bson.D{
		{Key: callCreatedAtField, Value: 1},
		{Key: callIDField, Value: 1},
	}))
	if err != nil {
		return nil, fmt.Errorf("list incoming: %w", err)
	}
	var docs []mongoCall
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode incoming: %w", err)
	}
	recs := make([]callrecord.Record, len(docs))
	for i, doc := range docs {
		recs[i] = fromMongo(doc)
	}
	return mailbox.IncomingOf(recs, calleeID), nil
}

func (s *Store) SetPresence(ctx context.Context, userID string, status mailbox.PresenceStatus) error {
	if _, err := mailbox.ParsePresenceStatus(string(status)); err != nil {
		return err
	}
	_, err := s.presence.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: userID}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(status)},
			{Key: "updatedAt", Value: s.now().UTC()},
		}}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}

func toMongo(rec callrecord.Record) mongoCall {
	doc := mongoCall{
		ID:               rec.ID,
		CallerID:         rec.CallerID,
		CalleeID:         rec.CalleeID,
		CallerName:       rec.CallerName,
		CalleeName:       rec.CalleeName,
		Status:           string(rec.Status),
		OfferCandidates:  candidatesToMongo(rec.OfferCandidates),
		AnswerCandidates: candidatesToMongo(rec.AnswerCandidates),
		CreatedAt:        rec.CreatedAt,
		Version:          rec.Version,
	}
	if rec.Offer != nil {
		doc.Offer = &mongoDescription{Type: rec.Offer.Type, SDP: rec.Offer.SDP}
	}
	if rec.Answer != nil {
		doc.Answer = &mongoDescription{Type: rec.Answer.Type, SDP: rec.Answer.SDP}
	}
	return doc
}

func fromMongo(doc mongoCall) callrecord.Record {
	rec := callrecord.Record{
		ID:               doc.ID,
		CallerID:         doc.CallerID,
		CalleeID:         doc.CalleeID,
		CallerName:       doc.CallerName,
		CalleeName:       doc.CalleeName,
		Status:           callrecord.Status(doc.Status),
		OfferCandidates:  candidatesFromMongo(doc.OfferCandidates),
		AnswerCandidates: candidatesFromMongo(doc.AnswerCandidates),
		CreatedAt:        doc.CreatedAt.UTC(),
		Version:          doc.Version,
	}
	if doc.Offer != nil {
		rec.Offer = &callrecord.SessionDescription{Type: doc.Offer.Type, SDP: doc.Offer.SDP}
	}
	if doc.Answer != nil {
		rec.Answer = &callrecord.SessionDescription{Type: doc.Answer.Type, SDP: doc.Answer.SDP}
	}
	return rec
}

func candidatesToMongo(cands []callrecord.Candidate) []mongoCandidate {
	out := make([]mongoCandidate, len(cands))
	for i, c := range cands {
		out[i] = mongoCandidate{
			Candidate:        c.Candidate,
			SDPMid:           c.SDPMid,
			SDPMLineIndex:    c.SDPMLineIndex,
			UsernameFragment: c.UsernameFragment,
		}
	}
	return out
}

func candidatesFromMongo(cands []mongoCandidate) []callrecord.Candidate {
	out := make([]callrecord.Candidate, len(cands))
	for i, c := range cands {
		out[i] = callrecord.Candidate{
			Candidate:        c.Candidate,
			SDPMid:           c.SDPMid,
			SDPMLineIndex:    c.SDPMLineIndex,
			UsernameFragment: c.UsernameFragment,
		}
	}
	return out
}
